package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"xauwatch/internal/domain/model"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("missing deadline")
	}
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestSinkPublishesPrice(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w, "GOLD")

	s.OnPriceUpdate(model.PriceUpdateEvent{
		Instrument:   "GOLD",
		Price:        decimal.RequireFromString("4230.5"),
		SignedDelta:  decimal.RequireFromString("3.5"),
		PercentDelta: decimal.RequireFromString("0.0828"),
		Direction:    model.DirectionUp,
		ObservedAt:   time.Unix(1700000000, 0).UTC(),
	})

	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "GOLD" {
		t.Errorf("key = %q, want GOLD", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != TypePrice {
		t.Errorf("headers = %+v", msg.Headers)
	}

	var got map[string]any
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	price, ok := got["price"].(map[string]any)
	if !ok {
		t.Fatalf("price missing: %s", msg.Value)
	}
	if price["price"] != "4230.5" || price["direction"] != "up" {
		t.Errorf("price payload = %v", price)
	}
	if _, ok := got["status"]; ok {
		t.Error("status should be omitted for price messages")
	}
}

func TestSinkPublishesStatus(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w, "GOLD")
	s.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }

	s.OnStatusChange(model.StateReconnecting, "retry 1/3 in 15s")

	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	var env struct {
		Type   string `json:"type"`
		Status struct {
			State   string `json:"state"`
			Message string `json:"message"`
		} `json:"status"`
	}
	if err := json.Unmarshal(w.msgs[0].Value, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeStatus || env.Status.State != "reconnecting" || env.Status.Message != "retry 1/3 in 15s" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestSinkWriteErrorIsSwallowed(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	s := NewSink(w, "GOLD")

	s.OnStatusChange(model.StateConnecting, "")
	if len(w.msgs) != 0 {
		t.Errorf("messages = %d, want 0", len(w.msgs))
	}
	if err := s.Close(); err != nil || !w.closed {
		t.Errorf("close err=%v closed=%v", err, w.closed)
	}
}
