package broadcast

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store/memory"
)

func TestInboxFiltersByJoinInstantAndRedelivery(t *testing.T) {
	joined := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	inbox := NewInbox(joined)

	old := domain.NotificationEvent{ID: "note_old", Timestamp: joined.Add(-time.Minute)}
	exact := domain.NotificationEvent{ID: "note_exact", Timestamp: joined}
	first := domain.NotificationEvent{ID: "note_a", Timestamp: joined.Add(time.Minute)}
	second := domain.NotificationEvent{ID: "note_b", Timestamp: joined.Add(2 * time.Minute)}

	got := inbox.Accept([]domain.NotificationEvent{first, old, exact})
	if len(got) != 1 || got[0].ID != "note_a" {
		t.Fatalf("expected only note_a, got %+v", got)
	}

	// The full snapshot is redelivered with the new event on top.
	got = inbox.Accept([]domain.NotificationEvent{second, first, old, exact})
	if len(got) != 1 || got[0].ID != "note_b" {
		t.Fatalf("expected only note_b on redelivery, got %+v", got)
	}

	if got := inbox.Accept([]domain.NotificationEvent{second, first}); len(got) != 0 {
		t.Fatalf("expected nothing new, got %+v", got)
	}
}

func TestInboxReturnsOldestFirst(t *testing.T) {
	joined := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	inbox := NewInbox(joined)
	events := []domain.NotificationEvent{
		{ID: "note_c", Timestamp: joined.Add(3 * time.Second)},
		{ID: "note_b", Timestamp: joined.Add(2 * time.Second)},
		{ID: "note_a", Timestamp: joined.Add(time.Second)},
	}
	got := inbox.Accept(events)
	if len(got) != 3 || got[0].ID != "note_a" || got[2].ID != "note_c" {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestPublishValidatesAndDefaultsType(t *testing.T) {
	p := NewPublisher(memory.New(nil), nil)
	ctx := context.Background()

	if _, err := p.Publish(ctx, "shop-a", "manager", domain.NotificationPublishRequest{Message: "  "}); !errors.Is(err, ErrInvalidNotification) {
		t.Fatalf("expected invalid notification, got %v", err)
	}
	if _, err := p.Publish(ctx, "shop-a", "manager", domain.NotificationPublishRequest{Message: "hi", Type: "urgent"}); !errors.Is(err, ErrInvalidNotification) {
		t.Fatalf("expected invalid type, got %v", err)
	}
	if _, err := p.Publish(ctx, "shop-a", "manager", domain.NotificationPublishRequest{Message: strings.Repeat("x", 501)}); !errors.Is(err, ErrInvalidNotification) {
		t.Fatalf("expected oversized message rejection, got %v", err)
	}

	event, err := p.Publish(ctx, "shop-a", "manager", domain.NotificationPublishRequest{Message: "Restock arriving at 3pm"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if event.Type != domain.NotificationInfo || event.SentBy != "manager" || event.ID == "" {
		t.Fatalf("unexpected event %+v", event)
	}

	events, err := p.List(ctx, "shop-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].ID != event.ID {
		t.Fatalf("unexpected events %+v", events)
	}
	if others, _ := p.List(ctx, "shop-b"); len(others) != 0 {
		t.Fatalf("expected shop isolation, got %+v", others)
	}
}
