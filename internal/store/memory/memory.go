// Package memory is the in-process ledger store used for development, single
// terminal demos and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"shopledger/backend/internal/store"
)

var _ store.Adapter = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	shops  map[string]map[store.Kind]map[string]store.Document
	closed bool
	feed   *store.Feed
}

func New(log *zap.Logger) *Store {
	return &Store{
		shops: make(map[string]map[store.Kind]map[string]store.Document),
		feed:  store.NewFeed(log),
	}
}

func (s *Store) Subscribe(ctx context.Context, shop string, kind store.Kind, order store.Order) (*store.Subscription, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", store.ErrInvalidMutation, kind)
	}
	return s.feed.Subscribe(ctx, shop, kind, order, s.loader(shop, kind))
}

func (s *Store) Get(_ context.Context, shop string, kind store.Kind, id string) (store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.Document{}, store.ErrClosed
	}
	doc, ok := s.shops[shop][kind][id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *Store) List(_ context.Context, shop string, kind store.Kind, order store.Order) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	docs := make([]store.Document, 0, len(s.shops[shop][kind]))
	for _, doc := range s.shops[shop][kind] {
		docs = append(docs, doc.Clone())
	}
	store.SortDocuments(docs, order)
	return docs, nil
}

func (s *Store) Set(ctx context.Context, shop string, kind store.Kind, doc store.Document) error {
	return s.BatchCommit(ctx, shop, []store.Mutation{{
		Op:        store.OpSet,
		Kind:      kind,
		ID:        doc.ID,
		Body:      doc.Body,
		Timestamp: doc.Timestamp,
	}})
}

func (s *Store) Update(ctx context.Context, shop string, kind store.Kind, id string, fields map[string]any, ifRevision int64) error {
	return s.BatchCommit(ctx, shop, []store.Mutation{{
		Op:         store.OpUpdate,
		Kind:       kind,
		ID:         id,
		Fields:     fields,
		IfRevision: ifRevision,
	}})
}

func (s *Store) Delete(ctx context.Context, shop string, kind store.Kind, id string) error {
	return s.BatchCommit(ctx, shop, []store.Mutation{{Op: store.OpDelete, Kind: kind, ID: id}})
}

// BatchCommit stages every mutation on copies of the touched kinds and swaps
// them in only when all of them apply.
func (s *Store) BatchCommit(ctx context.Context, shop string, mutations []store.Mutation) error {
	if err := store.ValidateBatch(shop, mutations); err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}

	staged := make(map[store.Kind]map[string]store.Document)
	for _, m := range mutations {
		docs, ok := staged[m.Kind]
		if !ok {
			docs = cloneKind(s.shops[shop][m.Kind])
			staged[m.Kind] = docs
		}
		if err := apply(docs, m); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	kinds, ok := s.shops[shop]
	if !ok {
		kinds = make(map[store.Kind]map[string]store.Document)
		s.shops[shop] = kinds
	}
	for kind, docs := range staged {
		kinds[kind] = docs
	}
	s.mu.Unlock()

	for kind := range staged {
		s.feed.Publish(ctx, shop, kind, s.loader(shop, kind))
	}
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.feed.Close()
	return nil
}

func (s *Store) loader(shop string, kind store.Kind) store.Loader {
	return func(ctx context.Context, order store.Order) ([]store.Document, error) {
		return s.List(ctx, shop, kind, order)
	}
}

func apply(docs map[string]store.Document, m store.Mutation) error {
	switch m.Op {
	case store.OpSet:
		rev := docs[m.ID].Revision + 1
		docs[m.ID] = store.Document{
			ID:        m.ID,
			Revision:  rev,
			Timestamp: m.Timestamp.UTC(),
			Body:      append([]byte(nil), m.Body...),
		}
	case store.OpUpdate:
		current, ok := docs[m.ID]
		if !ok {
			return fmt.Errorf("update %s/%s: %w", m.Kind, m.ID, store.ErrNotFound)
		}
		if m.IfRevision != 0 && current.Revision != m.IfRevision {
			return fmt.Errorf("update %s/%s at revision %d: %w", m.Kind, m.ID, m.IfRevision, store.ErrRevisionConflict)
		}
		body, err := store.MergeFields(current.Body, m.Fields)
		if err != nil {
			return err
		}
		docs[m.ID] = store.Document{
			ID:        m.ID,
			Revision:  current.Revision + 1,
			Timestamp: store.UpdateTimestamp(m, current.Timestamp),
			Body:      body,
		}
	case store.OpDelete:
		if m.IfRevision != 0 {
			current, ok := docs[m.ID]
			if !ok {
				return fmt.Errorf("delete %s/%s: %w", m.Kind, m.ID, store.ErrNotFound)
			}
			if current.Revision != m.IfRevision {
				return fmt.Errorf("delete %s/%s at revision %d: %w", m.Kind, m.ID, m.IfRevision, store.ErrRevisionConflict)
			}
		}
		delete(docs, m.ID)
	}
	return nil
}

func cloneKind(src map[string]store.Document) map[string]store.Document {
	dup := make(map[string]store.Document, len(src)+1)
	for id, doc := range src {
		dup[id] = doc
	}
	return dup
}
