// Package store defines the ledger document store every terminal shares.
//
// Documents live in a namespace per shop, grouped by Kind. Writers use Set,
// Update, Delete or an all-or-nothing BatchCommit; readers Subscribe and get
// the full ordered snapshot of a kind after every change. Backends live in
// the memory, postgres, mongo and sqlite subpackages.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("store: document not found")
	ErrRevisionConflict = errors.New("store: revision conflict")
	ErrInvalidMutation  = errors.New("store: invalid mutation")
	ErrClosed           = errors.New("store: closed")
	ErrDuplicate        = errors.New("store: duplicate")
)

type Kind string

const (
	KindSales         Kind = "sales"
	KindInventory     Kind = "inventory"
	KindExpenses      Kind = "expenses"
	KindReports       Kind = "reports"
	KindNotifications Kind = "notifications"
)

func Kinds() []Kind {
	return []Kind{KindSales, KindInventory, KindExpenses, KindReports, KindNotifications}
}

func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Order selects how a snapshot is sorted.
type Order int

const (
	OrderByID Order = iota
	OrderByTimestampDesc
)

func (o Order) String() string {
	if o == OrderByTimestampDesc {
		return "timestamp_desc"
	}
	return "id"
}

// Document is one stored record. Revision is assigned by the store, starts at
// 1 and grows by one on every write. Timestamp is the sort key used by
// OrderByTimestampDesc.
type Document struct {
	ID        string
	Revision  int64
	Timestamp time.Time
	Body      json.RawMessage
}

func (d Document) Clone() Document {
	d.Body = append(json.RawMessage(nil), d.Body...)
	return d
}

type Op string

const (
	OpSet    Op = "set"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Mutation is one write inside a BatchCommit. IfRevision, when non-zero, makes
// an update or delete fail with ErrRevisionConflict unless the stored revision
// matches, and with ErrNotFound when the document is gone. A delete without
// IfRevision succeeds on a missing document.
type Mutation struct {
	Op         Op
	Kind       Kind
	ID         string
	Body       json.RawMessage
	Timestamp  time.Time
	Fields     map[string]any
	IfRevision int64
}

func (m Mutation) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidMutation)
	}
	switch m.Op {
	case OpSet:
		if len(m.Body) == 0 || !json.Valid(m.Body) {
			return fmt.Errorf("%w: set %s/%s needs a json body", ErrInvalidMutation, m.Kind, m.ID)
		}
	case OpUpdate:
		if len(m.Fields) == 0 {
			return fmt.Errorf("%w: update %s/%s has no fields", ErrInvalidMutation, m.Kind, m.ID)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, m.Op)
	}
	return nil
}

// Snapshot is the complete ordered content of one kind in one shop.
type Snapshot struct {
	Shop string
	Kind Kind
	Docs []Document
	At   time.Time
}

type Adapter interface {
	Subscribe(ctx context.Context, shop string, kind Kind, order Order) (*Subscription, error)
	Get(ctx context.Context, shop string, kind Kind, id string) (Document, error)
	List(ctx context.Context, shop string, kind Kind, order Order) ([]Document, error)
	Set(ctx context.Context, shop string, kind Kind, doc Document) error
	Update(ctx context.Context, shop string, kind Kind, id string, fields map[string]any, ifRevision int64) error
	Delete(ctx context.Context, shop string, kind Kind, id string) error
	BatchCommit(ctx context.Context, shop string, mutations []Mutation) error
	Ping(ctx context.Context) error
	Close() error
}

// ValidateBatch checks every mutation before a backend touches storage.
func ValidateBatch(shop string, mutations []Mutation) error {
	if strings.TrimSpace(shop) == "" {
		return fmt.Errorf("%w: empty shop", ErrInvalidMutation)
	}
	for _, m := range mutations {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SortDocuments orders docs in place. Timestamp ties fall back to id so the
// order is total.
func SortDocuments(docs []Document, order Order) {
	switch order {
	case OrderByTimestampDesc:
		sort.SliceStable(docs, func(i, j int) bool {
			if !docs[i].Timestamp.Equal(docs[j].Timestamp) {
				return docs[i].Timestamp.After(docs[j].Timestamp)
			}
			return docs[i].ID < docs[j].ID
		})
	default:
		sort.SliceStable(docs, func(i, j int) bool {
			return docs[i].ID < docs[j].ID
		})
	}
}

// MergeFields applies a shallow field merge to a JSON object body.
func MergeFields(body json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("%w: body is not an object: %v", ErrInvalidMutation, err)
		}
	}
	for key, value := range fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidMutation, key, err)
		}
		obj[key] = encoded
	}
	return json.Marshal(obj)
}

// UpdateTimestamp is the sort key an update should leave behind: the
// mutation's own timestamp when given, otherwise the current one.
func UpdateTimestamp(m Mutation, current time.Time) time.Time {
	if m.Timestamp.IsZero() {
		return current
	}
	return m.Timestamp.UTC()
}
