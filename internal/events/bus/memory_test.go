package bus

import (
	"context"
	"testing"
	"time"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("interaction.abc.event", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ev := NewEvent("interaction.completed", "agentbridge", map[string]any{"status": "completed"})
	if err := b.Publish(context.Background(), "interaction.abc.event", ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != "interaction.completed" {
			t.Errorf("unexpected event type %q", got.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	received := make(chan string, 4)
	_, err := b.Subscribe("interaction.*.event", func(_ context.Context, e *Event) error {
		received <- e.Type
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, "interaction.one.event", NewEvent("a", "test", nil))
	_ = b.Publish(ctx, "interaction.one.extra.event", NewEvent("b", "test", nil))

	select {
	case typ := <-received:
		if typ != "a" {
			t.Errorf("expected event a, got %q", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard event never delivered")
	}
	select {
	case typ := <-received:
		t.Errorf("multi-token subject should not match single wildcard, got %q", typ)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribeAndClose(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("x", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription still valid after unsubscribe")
	}
	_ = b.Publish(context.Background(), "x", NewEvent("t", "test", nil))
	select {
	case <-received:
		t.Error("unsubscribed handler received event")
	case <-time.After(100 * time.Millisecond):
	}

	b.Close()
	if b.IsConnected() {
		t.Error("bus reports connected after close")
	}
	if err := b.Publish(context.Background(), "x", NewEvent("t", "test", nil)); err == nil {
		t.Error("expected publish error after close")
	}
}
