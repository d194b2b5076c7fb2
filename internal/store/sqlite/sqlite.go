// Package sqlite is the single-site ledger backend: one embedded database
// file shared by every terminal served from this process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"shopledger/backend/internal/store"
)

var _ store.Adapter = (*Store)(nil)

type Store struct {
	db     *sqlx.DB
	feed   *store.Feed
	closed atomic.Bool
}

// Open opens (or creates) the database at path and migrates it.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store/sqlite: ping: %w", err)
	}

	s := &Store{db: db, feed: store.NewFeed(log.Named("sqlite"))}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_documents (
			shop     TEXT    NOT NULL,
			kind     TEXT    NOT NULL,
			id       TEXT    NOT NULL,
			revision INTEGER NOT NULL,
			sort_ts  INTEGER NOT NULL,
			body     TEXT    NOT NULL,
			PRIMARY KEY (shop, kind, id)
		)`,
		`CREATE INDEX IF NOT EXISTS ledger_documents_sort_idx ON ledger_documents (shop, kind, sort_ts DESC, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store/sqlite: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.feed.Close()
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return s.db.PingContext(ctx)
}

type documentRow struct {
	ID       string `db:"id"`
	Revision int64  `db:"revision"`
	SortTS   int64  `db:"sort_ts"`
	Body     string `db:"body"`
}

func (r documentRow) document() store.Document {
	return store.Document{
		ID:        r.ID,
		Revision:  r.Revision,
		Timestamp: fromSortKey(r.SortTS),
		Body:      json.RawMessage(r.Body),
	}
}

func (s *Store) Subscribe(ctx context.Context, shop string, kind store.Kind, order store.Order) (*store.Subscription, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", store.ErrInvalidMutation, kind)
	}
	return s.feed.Subscribe(ctx, shop, kind, order, s.loader(shop, kind))
}

func (s *Store) Get(ctx context.Context, shop string, kind store.Kind, id string) (store.Document, error) {
	if s.closed.Load() {
		return store.Document{}, store.ErrClosed
	}
	var row documentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, revision, sort_ts, body FROM ledger_documents
		WHERE shop = ? AND kind = ? AND id = ?
	`, shop, string(kind), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, fmt.Errorf("get %s/%s: %w", kind, id, store.ErrNotFound)
		}
		return store.Document{}, fmt.Errorf("store/sqlite: get document: %w", err)
	}
	return row.document(), nil
}

func (s *Store) List(ctx context.Context, shop string, kind store.Kind, order store.Order) ([]store.Document, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	orderBy := "id ASC"
	if order == store.OrderByTimestampDesc {
		orderBy = "sort_ts DESC, id ASC"
	}

	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, revision, sort_ts, body FROM ledger_documents
		WHERE shop = ? AND kind = ?
		ORDER BY `+orderBy, shop, string(kind)); err != nil {
		return nil, fmt.Errorf("store/sqlite: list documents: %w", err)
	}
	docs := make([]store.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.document())
	}
	return docs, nil
}

func (s *Store) Set(ctx context.Context, shop string, kind store.Kind, doc store.Document) error {
	return s.BatchCommit(ctx, shop, []store.Mutation{{
		Op: store.OpSet, Kind: kind, ID: doc.ID, Body: doc.Body, Timestamp: doc.Timestamp,
	}})
}

func (s *Store) Update(ctx context.Context, shop string, kind store.Kind, id string, fields map[string]any, ifRevision int64) error {
	return s.BatchCommit(ctx, shop, []store.Mutation{{
		Op: store.OpUpdate, Kind: kind, ID: id, Fields: fields, IfRevision: ifRevision,
	}})
}

func (s *Store) Delete(ctx context.Context, shop string, kind store.Kind, id string) error {
	return s.BatchCommit(ctx, shop, []store.Mutation{{Op: store.OpDelete, Kind: kind, ID: id}})
}

// BatchCommit runs the batch in one immediate transaction, so the write lock
// is taken up front and revision checks cannot interleave.
func (s *Store) BatchCommit(ctx context.Context, shop string, mutations []store.Mutation) error {
	if err := store.ValidateBatch(shop, mutations); err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}
	if s.closed.Load() {
		return store.ErrClosed
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	touched := make(map[store.Kind]struct{}, 2)
	for _, m := range mutations {
		if err := applyMutation(ctx, tx, shop, m); err != nil {
			return err
		}
		touched[m.Kind] = struct{}{}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store/sqlite: commit: %w", err)
	}

	publishCtx := context.WithoutCancel(ctx)
	for kind := range touched {
		s.feed.Publish(publishCtx, shop, kind, s.loader(shop, kind))
	}
	return nil
}

func applyMutation(ctx context.Context, tx *sqlx.Tx, shop string, m store.Mutation) error {
	switch m.Op {
	case store.OpSet:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_documents (shop, kind, id, revision, sort_ts, body)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT (shop, kind, id)
			DO UPDATE SET revision = revision + 1, sort_ts = excluded.sort_ts, body = excluded.body
		`, shop, string(m.Kind), m.ID, sortKey(m.Timestamp), string(m.Body))
		if err != nil {
			return fmt.Errorf("store/sqlite: set %s/%s: %w", m.Kind, m.ID, err)
		}
		return nil

	case store.OpUpdate:
		var row documentRow
		err := tx.GetContext(ctx, &row, `
			SELECT id, revision, sort_ts, body FROM ledger_documents
			WHERE shop = ? AND kind = ? AND id = ?
		`, shop, string(m.Kind), m.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update %s/%s: %w", m.Kind, m.ID, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("store/sqlite: update %s/%s: %w", m.Kind, m.ID, err)
		}
		if m.IfRevision != 0 && row.Revision != m.IfRevision {
			return fmt.Errorf("update %s/%s at revision %d: %w", m.Kind, m.ID, m.IfRevision, store.ErrRevisionConflict)
		}
		body, err := store.MergeFields(json.RawMessage(row.Body), m.Fields)
		if err != nil {
			return err
		}
		sortTS := store.UpdateTimestamp(m, fromSortKey(row.SortTS))
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_documents SET body = ?, revision = ?, sort_ts = ?
			WHERE shop = ? AND kind = ? AND id = ?
		`, string(body), row.Revision+1, sortKey(sortTS), shop, string(m.Kind), m.ID); err != nil {
			return fmt.Errorf("store/sqlite: update %s/%s: %w", m.Kind, m.ID, err)
		}
		return nil

	case store.OpDelete:
		if m.IfRevision != 0 {
			var revision int64
			err := tx.GetContext(ctx, &revision, `
				SELECT revision FROM ledger_documents WHERE shop = ? AND kind = ? AND id = ?
			`, shop, string(m.Kind), m.ID)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("delete %s/%s: %w", m.Kind, m.ID, store.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("store/sqlite: delete %s/%s: %w", m.Kind, m.ID, err)
			}
			if revision != m.IfRevision {
				return fmt.Errorf("delete %s/%s at revision %d: %w", m.Kind, m.ID, m.IfRevision, store.ErrRevisionConflict)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM ledger_documents WHERE shop = ? AND kind = ? AND id = ?
		`, shop, string(m.Kind), m.ID); err != nil {
			return fmt.Errorf("store/sqlite: delete %s/%s: %w", m.Kind, m.ID, err)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown op %q", store.ErrInvalidMutation, m.Op)
}

func (s *Store) loader(shop string, kind store.Kind) store.Loader {
	return func(ctx context.Context, order store.Order) ([]store.Document, error) {
		return s.List(ctx, shop, kind, order)
	}
}

// sortKey stores timestamps as unix nanoseconds; the zero time maps to 0.
func sortKey(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromSortKey(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
