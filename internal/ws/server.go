package ws

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/auth"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/notify"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
)

const internalTokenHeader = "X-Internal-Token"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ServerOptions struct {
	AuthTimeout time.Duration
	// InternalToken guards POST /internal/notifications. Empty disables the
	// endpoint.
	InternalToken string
}

// Server exposes the websocket endpoint and the operational HTTP routes.
type Server struct {
	hub           *Hub
	dispatcher    *dispatcher
	notifications *notify.Fanout
	gatherer      prometheus.Gatherer
	opts          ServerOptions
	logger        *slog.Logger
}

func NewServer(hub *Hub, verifier *auth.Verifier, notifications *notify.Fanout, gatherer prometheus.Gatherer, opts ServerOptions, logger *slog.Logger) *Server {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	return &Server{
		hub:           hub,
		dispatcher:    &dispatcher{hub: hub, verifier: verifier},
		notifications: notifications,
		gatherer:      gatherer,
		opts:          opts,
		logger:        observability.Component(logger, "http"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /health", s.health)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("POST /internal/notifications", s.internal(s.postNotification))
	mux.HandleFunc("GET /internal/presence/{userID}", s.internal(s.getPresence))
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return
	}

	c := newClient(s.hub, conn, s.opts.AuthTimeout)
	go c.WritePump()

	// Browsers cannot set headers on the upgrade request, so a token may
	// also ride on the query string.
	if token := r.URL.Query().Get("token"); token != "" {
		if stop := s.dispatcher.login(c, "", token); stop {
			// The write pump flushes the error frame and closes the socket
			// once the hub closes the send queue.
			c.cancel()
			if !s.hub.Unregister(c) {
				c.conn.Close()
			}
			return
		}
	}
	go c.ReadPump(s.dispatcher)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.ClientCount(),
	})
}

// internal guards service-to-service routes with the shared token.
func (s *Server) internal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(internalTokenHeader)
		if s.opts.InternalToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.InternalToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorPayload{Code: domain.Code(domain.ErrUnauthenticated), Message: "invalid internal token"})
			return
		}
		next(w, r)
	}
}

func (s *Server) postNotification(w http.ResponseWriter, r *http.Request) {
	var env domain.NotificationEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: domain.Code(domain.ErrInvalidPayload), Message: "invalid body"})
		return
	}
	if err := notify.Validate(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: domain.Code(err), Message: err.Error()})
		return
	}

	n := s.notifications.Deliver(r.Context(), env)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": env.ID, "delivered": n})
}

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("userID"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: domain.Code(domain.ErrInvalidPayload), Message: "invalid user id"})
		return
	}
	tracker := s.hub.handlers.Presence
	if tracker == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorPayload{Code: "INTERNAL", Message: "presence unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, tracker.StatusOf(domain.UserID(id)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
