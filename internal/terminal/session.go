// Package terminal wires one connected terminal: it keeps a live view of every
// collection of a shop, runs threshold alerting over inventory snapshots, and
// surfaces notifications published after the terminal joined.
package terminal

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"shopledger/backend/internal/alerting"
	"shopledger/backend/internal/broadcast"
	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/xid"
)

const (
	defaultBuffer    = 64
	defaultRetryBase = 200 * time.Millisecond
	maxRetryDelay    = 5 * time.Second
)

type EventType string

const (
	EventSnapshot     EventType = "snapshot"
	EventAlert        EventType = "alert"
	EventNotification EventType = "notification"
)

// Event is one thing the terminal should render. Items holds the decoded
// slice for snapshot events.
type Event struct {
	Type         EventType                 `json:"type"`
	Kind         store.Kind                `json:"kind,omitempty"`
	Items        any                       `json:"items,omitempty"`
	Alert        *alerting.Alert           `json:"alert,omitempty"`
	Notification *domain.NotificationEvent `json:"notification,omitempty"`
	At           time.Time                 `json:"at"`
}

// View is the latest snapshot of every collection.
type View struct {
	Sales         []domain.SaleRecord        `json:"sales"`
	Inventory     []domain.InventoryItem     `json:"inventory"`
	Expenses      []domain.Expense           `json:"expenses"`
	Reports       []domain.DayReport         `json:"reports"`
	Notifications []domain.NotificationEvent `json:"notifications"`
}

type Options struct {
	Now       func() time.Time
	RetryBase time.Duration
	Buffer    int
}

type Session struct {
	ID       string
	Shop     string
	JoinedAt time.Time

	log       *zap.Logger
	retryBase time.Duration

	sales     store.Collection[domain.SaleRecord]
	inventory store.Collection[domain.InventoryItem]
	expenses  store.Collection[domain.Expense]
	reports   store.Collection[domain.DayReport]
	notes     store.Collection[domain.NotificationEvent]

	tracker *alerting.Tracker
	inbox   *broadcast.Inbox

	mu   sync.RWMutex
	view View

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// Open subscribes to every collection of shop and starts delivering events.
// The session ends when ctx ends, Close is called, or the adapter closes.
func Open(ctx context.Context, adapter store.Adapter, shop string, log *zap.Logger, opts Options) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}

	joined := now()
	s := &Session{
		ID:        xid.SessionID(),
		Shop:      shop,
		JoinedAt:  joined,
		retryBase: opts.RetryBase,
		sales:     store.NewCollection[domain.SaleRecord](adapter, store.KindSales, store.OrderByTimestampDesc),
		inventory: store.NewCollection[domain.InventoryItem](adapter, store.KindInventory, store.OrderByID),
		expenses:  store.NewCollection[domain.Expense](adapter, store.KindExpenses, store.OrderByTimestampDesc),
		reports:   store.NewCollection[domain.DayReport](adapter, store.KindReports, store.OrderByTimestampDesc),
		notes:     store.NewCollection[domain.NotificationEvent](adapter, store.KindNotifications, store.OrderByTimestampDesc),
		tracker:   alerting.NewTracker(),
		inbox:     broadcast.NewInbox(joined),
		events:    make(chan Event, opts.Buffer),
		done:      make(chan struct{}),
	}
	s.log = log.Named("terminal").With(zap.String("session", s.ID), zap.String("shop", shop))

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	w := &watches{}
	var err error
	if w.sales, err = s.sales.Watch(ctx, shop); err == nil {
		if w.inventory, err = s.inventory.Watch(ctx, shop); err == nil {
			if w.expenses, err = s.expenses.Watch(ctx, shop); err == nil {
				if w.reports, err = s.reports.Watch(ctx, shop); err == nil {
					w.notes, err = s.notes.Watch(ctx, shop)
				}
			}
		}
	}
	if err != nil {
		cancel()
		return nil, err
	}

	go s.run(ctx, w)
	return s, nil
}

type watches struct {
	sales     *store.Watch[domain.SaleRecord]
	inventory *store.Watch[domain.InventoryItem]
	expenses  *store.Watch[domain.Expense]
	reports   *store.Watch[domain.DayReport]
	notes     *store.Watch[domain.NotificationEvent]
}

// Events is closed when the session ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// View returns a copy of the latest snapshots.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		Sales:         append([]domain.SaleRecord(nil), s.view.Sales...),
		Inventory:     append([]domain.InventoryItem(nil), s.view.Inventory...),
		Expenses:      append([]domain.Expense(nil), s.view.Expenses...),
		Reports:       append([]domain.DayReport(nil), s.view.Reports...),
		Notifications: append([]domain.NotificationEvent(nil), s.view.Notifications...),
	}
}

func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run(ctx context.Context, w *watches) {
	defer close(s.done)
	defer close(s.events)
	defer func() {
		w.sales.Close()
		w.inventory.Close()
		w.expenses.Close()
		w.reports.Close()
		w.notes.Close()
	}()

	var ok bool
	for {
		select {
		case <-ctx.Done():
			return

		case frame, open := <-w.sales.C:
			if !open {
				if w.sales, ok = reopen(ctx, s, s.sales, w.sales); !ok {
					return
				}
				continue
			}
			s.mu.Lock()
			s.view.Sales = frame.Items
			s.mu.Unlock()
			if !s.emit(ctx, snapshotEvent(store.KindSales, frame)) {
				return
			}

		case frame, open := <-w.inventory.C:
			if !open {
				s.tracker.Reset()
				if w.inventory, ok = reopen(ctx, s, s.inventory, w.inventory); !ok {
					return
				}
				continue
			}
			s.mu.Lock()
			s.view.Inventory = frame.Items
			s.mu.Unlock()
			if !s.emit(ctx, snapshotEvent(store.KindInventory, frame)) {
				return
			}
			for _, alert := range s.tracker.Observe(frame.Items) {
				if !s.emit(ctx, Event{Type: EventAlert, Kind: store.KindInventory, Alert: &alert, At: frame.At}) {
					return
				}
			}

		case frame, open := <-w.expenses.C:
			if !open {
				if w.expenses, ok = reopen(ctx, s, s.expenses, w.expenses); !ok {
					return
				}
				continue
			}
			s.mu.Lock()
			s.view.Expenses = frame.Items
			s.mu.Unlock()
			if !s.emit(ctx, snapshotEvent(store.KindExpenses, frame)) {
				return
			}

		case frame, open := <-w.reports.C:
			if !open {
				if w.reports, ok = reopen(ctx, s, s.reports, w.reports); !ok {
					return
				}
				continue
			}
			s.mu.Lock()
			s.view.Reports = frame.Items
			s.mu.Unlock()
			if !s.emit(ctx, snapshotEvent(store.KindReports, frame)) {
				return
			}

		case frame, open := <-w.notes.C:
			if !open {
				if w.notes, ok = reopen(ctx, s, s.notes, w.notes); !ok {
					return
				}
				continue
			}
			s.mu.Lock()
			s.view.Notifications = frame.Items
			s.mu.Unlock()
			if !s.emit(ctx, snapshotEvent(store.KindNotifications, frame)) {
				return
			}
			for _, note := range s.inbox.Accept(frame.Items) {
				if !s.emit(ctx, Event{Type: EventNotification, Kind: store.KindNotifications, Notification: &note, At: frame.At}) {
					return
				}
			}
		}
	}
}

func snapshotEvent[T store.Entity](kind store.Kind, frame store.Frame[T]) Event {
	return Event{Type: EventSnapshot, Kind: kind, Items: frame.Items, At: frame.At}
}

func (s *Session) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// reopen releases the dropped watch and subscribes again, backing off between
// attempts. It gives up when the adapter is closed or ctx ends.
func reopen[T store.Entity](ctx context.Context, s *Session, c store.Collection[T], dropped *store.Watch[T]) (*store.Watch[T], bool) {
	dropped.Close()
	delay := s.retryBase
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		w, err := c.Watch(ctx, s.Shop)
		if err == nil {
			s.log.Info("subscription reopened", zap.String("kind", string(c.Kind())))
			return w, true
		}
		if errors.Is(err, store.ErrClosed) {
			s.log.Info("adapter closed, ending session")
			return nil, false
		}
		s.log.Warn("reopen subscription failed",
			zap.String("kind", string(c.Kind())),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}
