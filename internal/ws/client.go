package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/auth"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client is one websocket connection. It is registered with the hub only
// after it authenticates.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     domain.ConnID
	userID domain.UserID
	role   string
	send   chan []byte
	// sendClosed is guarded by hub.mu.
	sendClosed bool

	authed      bool
	authTimeout time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, authTimeout time.Duration) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New()
	return &Client{
		hub:         hub,
		conn:        conn,
		id:          id,
		send:        make(chan []byte, sendBuffer),
		authTimeout: authTimeout,
		ctx:         ctx,
		cancel:      cancel,
		logger:      hub.logger.With("conn_id", id),
	}
}

// closeSend closes the outbound queue once. Caller holds hub.mu.
func (c *Client) closeSend() {
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// ReadPump decodes inbound frames until the connection fails. In-flight
// operations see their context cancelled when it does.
func (c *Client) ReadPump(d *dispatcher) {
	defer func() {
		c.cancel()
		if !c.hub.Unregister(c) {
			c.conn.Close()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if !c.authed {
		c.conn.SetReadDeadline(time.Now().Add(c.authTimeout))
	} else {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
	c.conn.SetPongHandler(func(string) error {
		if c.authed {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}

		var f inFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			c.reply(errorFrame("", domain.ErrInvalidPayload, "malformed frame"))
			continue
		}
		if stop := d.handle(c, f); stop {
			return
		}
		if c.authed {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

// WritePump drains the outbound queue and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) reply(f outFrame) {
	c.hub.sendTo(c, f)
}

// authenticate registers the client as the verified identity.
func (c *Client) authenticate(identity auth.Identity) error {
	if c.authed {
		return errors.New("already authenticated")
	}
	c.userID = identity.UserID
	c.role = identity.Role
	c.logger = c.logger.With("user_id", identity.UserID, "role", identity.Role)
	if err := c.hub.Register(c.ctx, c); err != nil {
		return err
	}
	c.authed = true
	return nil
}
