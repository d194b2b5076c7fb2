// Package broadcast publishes shop-wide notifications and filters them per
// session so each terminal surfaces an event at most once.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/xid"
)

var ErrInvalidNotification = errors.New("broadcast: invalid notification")

const maxMessageLength = 500

type Publisher struct {
	notes store.Collection[domain.NotificationEvent]
	log   *zap.Logger
	now   func() time.Time
}

func NewPublisher(adapter store.Adapter, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		notes: store.NewCollection[domain.NotificationEvent](adapter, store.KindNotifications, store.OrderByTimestampDesc),
		log:   log.Named("broadcast"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (p *Publisher) Notifications() store.Collection[domain.NotificationEvent] {
	return p.notes
}

// Publish appends one notification. An empty type defaults to info.
func (p *Publisher) Publish(ctx context.Context, shop string, sentBy string, req domain.NotificationPublishRequest) (domain.NotificationEvent, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return domain.NotificationEvent{}, fmt.Errorf("%w: message is required", ErrInvalidNotification)
	}
	if len(req.Message) > maxMessageLength {
		return domain.NotificationEvent{}, fmt.Errorf("%w: message longer than %d bytes", ErrInvalidNotification, maxMessageLength)
	}
	if req.Type == "" {
		req.Type = domain.NotificationInfo
	}
	if !req.Type.Valid() {
		return domain.NotificationEvent{}, fmt.Errorf("%w: unknown type %q", ErrInvalidNotification, req.Type)
	}

	event := domain.NotificationEvent{
		ID:        xid.New(xid.PrefixNotification),
		Message:   req.Message,
		Type:      req.Type,
		Timestamp: p.now(),
		SentBy:    sentBy,
	}
	if err := p.notes.Set(ctx, shop, event); err != nil {
		return domain.NotificationEvent{}, err
	}
	p.log.Debug("notification published", zap.String("shop", shop), zap.String("id", event.ID), zap.String("type", string(event.Type)))
	return event, nil
}

func (p *Publisher) List(ctx context.Context, shop string) ([]domain.NotificationEvent, error) {
	return p.notes.List(ctx, shop)
}

// Inbox is the per-session view of the notification stream. Only events
// stamped after the session joined are surfaced, each id once.
type Inbox struct {
	joined time.Time
	seen   map[string]struct{}
}

func NewInbox(joined time.Time) *Inbox {
	return &Inbox{joined: joined, seen: make(map[string]struct{})}
}

func (in *Inbox) JoinedAt() time.Time {
	return in.joined
}

// Accept takes a full notification snapshot and returns the events not
// surfaced yet, oldest first.
func (in *Inbox) Accept(events []domain.NotificationEvent) []domain.NotificationEvent {
	var fresh []domain.NotificationEvent
	for _, event := range events {
		if !event.Timestamp.After(in.joined) {
			continue
		}
		if _, ok := in.seen[event.ID]; ok {
			continue
		}
		in.seen[event.ID] = struct{}{}
		fresh = append(fresh, event)
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		if fresh[i].Timestamp.Equal(fresh[j].Timestamp) {
			return fresh[i].ID < fresh[j].ID
		}
		return fresh[i].Timestamp.Before(fresh[j].Timestamp)
	})
	return fresh
}
