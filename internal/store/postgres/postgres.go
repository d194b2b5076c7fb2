// Package postgres stores ledger documents in one jsonb table and fans
// changes out across server instances with LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"shopledger/backend/internal/store"
	"shopledger/backend/internal/xid"
)

var _ store.Adapter = (*Store)(nil)

const notifyChannel = "ledger_changes"

type Store struct {
	db     *sqlx.DB
	url    string
	origin string
	log    *zap.Logger
	feed   *store.Feed
	closed atomic.Bool

	stopListen context.CancelFunc
	listenDone chan struct{}
	closeOnce  sync.Once
}

func New(ctx context.Context, databaseURL string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: open: %w", err)
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store/postgres: ping: %w", err)
	}

	log = log.Named("postgres")
	s := &Store{
		db:         db,
		url:        databaseURL,
		origin:     xid.SessionID(),
		log:        log,
		feed:       store.NewFeed(log),
		listenDone: make(chan struct{}),
	}

	listenCtx, stop := context.WithCancel(context.Background())
	s.stopListen = stop
	go s.listen(listenCtx)
	return s, nil
}

// Migrate creates the document and staff tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_documents (
			shop     text        NOT NULL,
			kind     text        NOT NULL,
			id       text        NOT NULL,
			revision bigint      NOT NULL,
			sort_ts  timestamptz NOT NULL,
			body     jsonb       NOT NULL,
			PRIMARY KEY (shop, kind, id)
		);
		CREATE INDEX IF NOT EXISTS ledger_documents_sort_idx
			ON ledger_documents (shop, kind, sort_ts DESC, id);
		CREATE TABLE IF NOT EXISTS staff_accounts (
			username   text        PRIMARY KEY,
			password   text        NOT NULL,
			role       text        NOT NULL,
			shop       text        NOT NULL,
			active     boolean     NOT NULL DEFAULT true,
			created_at timestamptz NOT NULL,
			updated_at timestamptz NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("store/postgres: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.stopListen()
		<-s.listenDone
		s.feed.Close()
		err = s.db.Close()
	})
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return s.db.PingContext(ctx)
}

type documentRow struct {
	ID       string    `db:"id"`
	Revision int64     `db:"revision"`
	SortTS   time.Time `db:"sort_ts"`
	Body     []byte    `db:"body"`
}

func (r documentRow) document() store.Document {
	return store.Document{ID: r.ID, Revision: r.Revision, Timestamp: r.SortTS.UTC(), Body: json.RawMessage(r.Body)}
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
		SELECT id, revision, sort_ts, body
		FROM ledger_documents
		WHERE shop = $1 AND kind = $2 AND id = $3
	`, shop, string(kind), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, fmt.Errorf("get %s/%s: %w", kind, id, store.ErrNotFound)
		}
		return store.Document{}, fmt.Errorf("store/postgres: get document: %w", err)
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
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, revision, sort_ts, body
		FROM ledger_documents
		WHERE shop = $1 AND kind = $2
		ORDER BY `+orderBy, shop, string(kind))
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list documents: %w", err)
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

// BatchCommit applies every mutation in one transaction. Other instances hear
// about it through pg_notify, which postgres delivers only on commit.
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

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("store/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	touched := make(map[store.Kind]struct{}, 2)
	for _, m := range mutations {
		if err := applyMutation(ctx, tx, shop, m); err != nil {
			return err
		}
		touched[m.Kind] = struct{}{}
	}

	for kind := range touched {
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, encodePayload(s.origin, shop, kind)); err != nil {
			return fmt.Errorf("store/postgres: notify: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store/postgres: commit: %w", err)
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
			VALUES ($1,$2,$3,1,$4,$5::jsonb)
			ON CONFLICT (shop, kind, id)
			DO UPDATE SET revision = ledger_documents.revision + 1, sort_ts = EXCLUDED.sort_ts, body = EXCLUDED.body
		`, shop, string(m.Kind), m.ID, m.Timestamp.UTC(), string(m.Body))
		if err != nil {
			return fmt.Errorf("store/postgres: set %s/%s: %w", m.Kind, m.ID, err)
		}
		return nil

	case store.OpUpdate:
		patch, err := json.Marshal(m.Fields)
		if err != nil {
			return fmt.Errorf("%w: fields: %v", store.ErrInvalidMutation, err)
		}
		var sortTS any
		if !m.Timestamp.IsZero() {
			sortTS = m.Timestamp.UTC()
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE ledger_documents
			SET body = body || $4::jsonb,
			    revision = revision + 1,
			    sort_ts = COALESCE($5::timestamptz, sort_ts)
			WHERE shop = $1 AND kind = $2 AND id = $3
			  AND ($6::bigint = 0 OR revision = $6::bigint)
		`, shop, string(m.Kind), m.ID, string(patch), sortTS, m.IfRevision)
		if err != nil {
			return fmt.Errorf("store/postgres: update %s/%s: %w", m.Kind, m.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}
		var exists bool
		if err := tx.GetContext(ctx, &exists, `
			SELECT EXISTS (SELECT 1 FROM ledger_documents WHERE shop = $1 AND kind = $2 AND id = $3)
		`, shop, string(m.Kind), m.ID); err != nil {
			return fmt.Errorf("store/postgres: update %s/%s: %w", m.Kind, m.ID, err)
		}
		if !exists {
			return fmt.Errorf("update %s/%s: %w", m.Kind, m.ID, store.ErrNotFound)
		}
		return fmt.Errorf("update %s/%s at revision %d: %w", m.Kind, m.ID, m.IfRevision, store.ErrRevisionConflict)

	case store.OpDelete:
		res, err := tx.ExecContext(ctx, `
			DELETE FROM ledger_documents
			WHERE shop = $1 AND kind = $2 AND id = $3
			  AND ($4::bigint = 0 OR revision = $4::bigint)
		`, shop, string(m.Kind), m.ID, m.IfRevision)
		if err != nil {
			return fmt.Errorf("store/postgres: delete %s/%s: %w", m.Kind, m.ID, err)
		}
		if m.IfRevision == 0 {
			return nil
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}
		var exists bool
		if err := tx.GetContext(ctx, &exists, `
			SELECT EXISTS (SELECT 1 FROM ledger_documents WHERE shop = $1 AND kind = $2 AND id = $3)
		`, shop, string(m.Kind), m.ID); err != nil {
			return fmt.Errorf("store/postgres: delete %s/%s: %w", m.Kind, m.ID, err)
		}
		if !exists {
			return fmt.Errorf("delete %s/%s: %w", m.Kind, m.ID, store.ErrNotFound)
		}
		return fmt.Errorf("delete %s/%s at revision %d: %w", m.Kind, m.ID, m.IfRevision, store.ErrRevisionConflict)
	}
	return fmt.Errorf("%w: unknown op %q", store.ErrInvalidMutation, m.Op)
}

func (s *Store) loader(shop string, kind store.Kind) store.Loader {
	return func(ctx context.Context, order store.Order) ([]store.Document, error) {
		return s.List(ctx, shop, kind, order)
	}
}

// listen keeps one dedicated connection on LISTEN and republishes changes
// made by other instances. It reconnects with backoff until stopped.
func (s *Store) listen(ctx context.Context) {
	defer close(s.listenDone)

	delay := 500 * time.Millisecond
	for ctx.Err() == nil {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("change listener stopped, reconnecting", zap.Error(err), zap.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if delay < 10*time.Second {
			delay *= 2
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.url)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	s.log.Debug("listening for ledger changes")

	// Anything committed while disconnected is picked up by a full reload.
	s.republishAll(ctx)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		origin, shop, kind, ok := decodePayload(n.Payload)
		if !ok {
			s.log.Warn("ignoring malformed notification", zap.String("payload", n.Payload))
			continue
		}
		if origin == s.origin {
			continue
		}
		s.feed.Publish(ctx, shop, kind, s.loader(shop, kind))
	}
}

func (s *Store) republishAll(ctx context.Context) {
	var shops []string
	if err := s.db.SelectContext(ctx, &shops, `SELECT DISTINCT shop FROM ledger_documents`); err != nil {
		s.log.Warn("list shops for resync failed", zap.Error(err))
		return
	}
	for _, shop := range shops {
		for _, kind := range store.Kinds() {
			s.feed.Publish(ctx, shop, kind, s.loader(shop, kind))
		}
	}
}

func encodePayload(origin string, shop string, kind store.Kind) string {
	return origin + "\t" + shop + "\t" + string(kind)
}

func decodePayload(payload string) (origin string, shop string, kind store.Kind, ok bool) {
	parts := strings.SplitN(payload, "\t", 3)
	if len(parts) != 3 || !store.Kind(parts[2]).Valid() {
		return "", "", "", false
	}
	return parts[0], parts[1], store.Kind(parts[2]), true
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
