package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loader reads the current documents of the topic a Feed is publishing.
type Loader func(ctx context.Context, order Order) ([]Document, error)

// Feed fans snapshots out to subscribers. Backends call Publish after every
// commit, and Subscribe registers a subscriber and delivers its first
// snapshot. Loads for one topic run under the topic lock, so each subscriber
// sees snapshots in commit order.
//
// Each subscriber channel holds one snapshot. A slow reader only ever sees the
// newest one; intermediate snapshots are dropped.
type Feed struct {
	log *zap.Logger

	mu     sync.Mutex
	topics map[topicKey]*topic
	closed bool
	nextID int
}

type topicKey struct {
	shop string
	kind Kind
}

type topic struct {
	mu   sync.Mutex
	subs map[int]*subscriber
}

type subscriber struct {
	order Order
	ch    chan Snapshot
}

// Subscription delivers snapshots on C until Close is called, its context
// ends, or the adapter closes. C is closed when delivery stops.
type Subscription struct {
	C    <-chan Snapshot
	once sync.Once
	stop func()
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.stop)
}

func NewFeed(log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		log:    log,
		topics: make(map[topicKey]*topic),
	}
}

// Subscribe registers a subscriber and delivers the snapshot produced by load.
func (f *Feed) Subscribe(ctx context.Context, shop string, kind Kind, order Order, load Loader) (*Subscription, error) {
	key := topicKey{shop: shop, kind: kind}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	t, ok := f.topics[key]
	if !ok {
		t = &topic{subs: make(map[int]*subscriber)}
		f.topics[key] = t
	}
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	sub := &subscriber{order: order, ch: make(chan Snapshot, 1)}

	t.mu.Lock()
	if f.isClosed() {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	docs, err := load(ctx, order)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.subs[id] = sub
	sub.offer(Snapshot{Shop: shop, Kind: kind, Docs: docs, At: time.Now().UTC()})
	t.mu.Unlock()

	subscription := &Subscription{C: sub.ch}
	subscription.stop = func() { f.remove(key, id) }
	context.AfterFunc(ctx, subscription.Close)
	return subscription, nil
}

// Publish reloads the topic once per distinct order in use and offers the
// result to every subscriber.
func (f *Feed) Publish(ctx context.Context, shop string, kind Kind, load Loader) {
	f.mu.Lock()
	t, ok := f.topics[topicKey{shop: shop, kind: kind}]
	f.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return
	}

	loaded := make(map[Order][]Document, 2)
	for _, sub := range t.subs {
		docs, done := loaded[sub.order]
		if !done {
			var err error
			docs, err = load(ctx, sub.order)
			if err != nil {
				f.log.Warn("snapshot reload failed",
					zap.String("shop", shop),
					zap.String("kind", string(kind)),
					zap.Error(err))
				return
			}
			loaded[sub.order] = docs
		}
		sub.offer(Snapshot{Shop: shop, Kind: kind, Docs: cloneDocuments(docs), At: time.Now().UTC()})
	}
}

// Close ends every subscription. Later Subscribe calls fail with ErrClosed.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	topics := f.topics
	f.topics = make(map[topicKey]*topic)
	f.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			close(sub.ch)
			delete(t.subs, id)
		}
		t.mu.Unlock()
	}
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Feed) remove(key topicKey, id int) {
	f.mu.Lock()
	t, ok := f.topics[key]
	f.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[id]; ok {
		close(sub.ch)
		delete(t.subs, id)
	}
}

// offer replaces any undelivered snapshot with snap. Callers hold the topic lock.
func (s *subscriber) offer(snap Snapshot) {
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

func cloneDocuments(docs []Document) []Document {
	out := make([]Document, len(docs))
	for i, doc := range docs {
		out[i] = doc.Clone()
	}
	return out
}
