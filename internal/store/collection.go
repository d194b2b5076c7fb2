package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Entity is a typed document body.
type Entity interface {
	DocID() string
	DocTime() time.Time
}

// Collection is a typed view over one kind.
type Collection[T Entity] struct {
	adapter Adapter
	kind    Kind
	order   Order
}

func NewCollection[T Entity](adapter Adapter, kind Kind, order Order) Collection[T] {
	return Collection[T]{adapter: adapter, kind: kind, order: order}
}

func (c Collection[T]) Kind() Kind { return c.kind }
func (c Collection[T]) Order() Order { return c.order }

// Get returns the decoded document and its revision.
func (c Collection[T]) Get(ctx context.Context, shop string, id string) (T, int64, error) {
	var zero T
	doc, err := c.adapter.Get(ctx, shop, c.kind, id)
	if err != nil {
		return zero, 0, err
	}
	v, err := Decode[T](doc)
	if err != nil {
		return zero, 0, err
	}
	return v, doc.Revision, nil
}

func (c Collection[T]) List(ctx context.Context, shop string) ([]T, error) {
	docs, err := c.adapter.List(ctx, shop, c.kind, c.order)
	if err != nil {
		return nil, err
	}
	return DecodeAll[T](docs)
}

func (c Collection[T]) Set(ctx context.Context, shop string, v T) error {
	doc, err := Encode(v)
	if err != nil {
		return err
	}
	return c.adapter.Set(ctx, shop, c.kind, doc)
}

func (c Collection[T]) Delete(ctx context.Context, shop string, id string) error {
	return c.adapter.Delete(ctx, shop, c.kind, id)
}

func (c Collection[T]) SetMutation(v T) (Mutation, error) {
	doc, err := Encode(v)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Op: OpSet, Kind: c.kind, ID: doc.ID, Body: doc.Body, Timestamp: doc.Timestamp}, nil
}

// DeleteMutation deletes id. A non-zero ifRevision guards the delete against
// a concurrent write or delete of the same document.
func (c Collection[T]) DeleteMutation(id string, ifRevision int64) Mutation {
	return Mutation{Op: OpDelete, Kind: c.kind, ID: id, IfRevision: ifRevision}
}

// Versioned is a decoded document together with the revision it was read at.
type Versioned[T Entity] struct {
	Value    T
	Revision int64
}

// ListVersioned is List keeping each document's revision.
func (c Collection[T]) ListVersioned(ctx context.Context, shop string) ([]Versioned[T], error) {
	docs, err := c.adapter.List(ctx, shop, c.kind, c.order)
	if err != nil {
		return nil, err
	}
	out := make([]Versioned[T], 0, len(docs))
	for _, doc := range docs {
		v, err := Decode[T](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, Versioned[T]{Value: v, Revision: doc.Revision})
	}
	return out, nil
}

func (c Collection[T]) UpdateMutation(id string, fields map[string]any, ifRevision int64, at time.Time) Mutation {
	return Mutation{Op: OpUpdate, Kind: c.kind, ID: id, Fields: fields, IfRevision: ifRevision, Timestamp: at}
}

func Encode[T Entity](v T) (Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Document{}, fmt.Errorf("store: encode %s: %w", v.DocID(), err)
	}
	return Document{ID: v.DocID(), Timestamp: v.DocTime().UTC(), Body: body}, nil
}

func Decode[T Entity](doc Document) (T, error) {
	var v T
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return v, fmt.Errorf("store: decode %s: %w", doc.ID, err)
	}
	return v, nil
}

func DecodeAll[T Entity](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := Decode[T](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Frame is one decoded snapshot. Skipped counts documents that failed to decode.
type Frame[T Entity] struct {
	Items   []T
	Skipped int
	At      time.Time
}

// Watch is a typed subscription. C closes when the underlying subscription ends.
type Watch[T Entity] struct {
	C      <-chan Frame[T]
	cancel context.CancelFunc
}

func (w *Watch[T]) Close() {
	if w != nil {
		w.cancel()
	}
}

func (c Collection[T]) Watch(ctx context.Context, shop string) (*Watch[T], error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := c.adapter.Subscribe(ctx, shop, c.kind, c.order)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Frame[T])
	go func() {
		defer close(out)
		defer sub.Close()
		for snap := range sub.C {
			frame := Frame[T]{Items: make([]T, 0, len(snap.Docs)), At: snap.At}
			for _, doc := range snap.Docs {
				v, err := Decode[T](doc)
				if err != nil {
					frame.Skipped++
					continue
				}
				frame.Items = append(frame.Items, v)
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Watch[T]{C: out, cancel: cancel}, nil
}
