package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/broker"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
)

type published struct {
	exchange, key string
	body          any
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) PublishToExchange(ctx context.Context, exchange, routingKey string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange, routingKey, body})
	return nil
}

type fakeAck struct {
	mu            sync.Mutex
	acked, nacked int
	requeued      bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	a.requeued = requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

type recordingSender struct {
	mu   sync.Mutex
	reqs []Request
	err  error
}

func (s *recordingSender) Send(ctx context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.err
}

func TestNotifierPublishesPerRecipient(t *testing.T) {
	pub := &fakePublisher{}
	msg := &domain.Message{ID: uuid.New(), Content: "hi", ConversationKey: domain.RoomKey(3)}

	if err := NewNotifier(pub).NotifyOffline(context.Background(), []domain.UserID{4, 5}, msg); err != nil {
		t.Fatalf("NotifyOffline: %v", err)
	}
	if len(pub.sent) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.sent))
	}
	if pub.sent[0].exchange != broker.ExchangePush || pub.sent[1].key != "user.5" {
		t.Fatalf("unexpected publishes %+v", pub.sent)
	}

	pub.err = errors.New("channel closed")
	if err := NewNotifier(pub).NotifyOffline(context.Background(), []domain.UserID{4}, msg); err == nil {
		t.Fatalf("expected publish error to surface")
	}
}

func delivery(t *testing.T, ack amqp.Acknowledger, key string, headers amqp.Table, ev Event) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return amqp.Delivery{Acknowledger: ack, RoutingKey: key, Headers: headers, Body: body}
}

func messageEvent(t *testing.T, msg domain.Message) Event {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return Event{Type: domain.EventTypeMessageCreated, Payload: payload}
}

func TestWorkerConsume(t *testing.T) {
	msg := domain.Message{ID: uuid.New(), Content: "are you there?"}
	ack := &fakeAck{}
	sender := &recordingSender{}
	w := NewWorker(nil, sender, nil)

	msgs := make(chan amqp.Delivery, 4)
	msgs <- delivery(t, ack, "user.7", nil, messageEvent(t, msg))
	msgs <- delivery(t, ack, "", amqp.Table{
		"x-death": []any{amqp.Table{"routing-keys": []any{"user.8"}}},
	}, messageEvent(t, msg))
	msgs <- delivery(t, ack, "user.9", nil, Event{Type: domain.EventTypeUserJoined})
	msgs <- amqp.Delivery{Acknowledger: ack, RoutingKey: "user.1", Body: []byte("{not json")}
	close(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Consume(ctx, msgs)

	if len(sender.reqs) != 2 {
		t.Fatalf("expected 2 push requests, got %d", len(sender.reqs))
	}
	if sender.reqs[0].UserID != 7 || sender.reqs[1].UserID != 8 {
		t.Fatalf("unexpected recipients %+v", sender.reqs)
	}
	if sender.reqs[0].Message.ID != msg.ID {
		t.Fatalf("message not decoded")
	}
	if ack.acked != 4 || ack.nacked != 0 {
		t.Fatalf("expected every delivery acked, got acked=%d nacked=%d", ack.acked, ack.nacked)
	}
}

func TestWorkerRequeuesOnSendFailure(t *testing.T) {
	ack := &fakeAck{}
	sender := &recordingSender{err: errors.New("provider down")}
	w := NewWorker(nil, sender, nil)

	msgs := make(chan amqp.Delivery, 1)
	msgs <- delivery(t, ack, "user.7", nil, messageEvent(t, domain.Message{ID: uuid.New()}))
	close(msgs)
	w.Consume(context.Background(), msgs)

	if ack.nacked != 1 || !ack.requeued {
		t.Fatalf("expected requeue nack, got nacked=%d requeued=%v", ack.nacked, ack.requeued)
	}
}
