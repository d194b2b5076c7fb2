// Package mongo keeps ledger documents in MongoDB, one collection per kind.
// Batches run in multi-document transactions and subscriptions are driven by
// change streams, so the deployment must be a replica set.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"shopledger/backend/internal/store"
)

const collectionPrefix = "ledger_"

var _ store.Adapter = (*Store)(nil)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger
	feed   *store.Feed
	closed atomic.Bool

	watchCtx  context.Context
	stopWatch context.CancelFunc
	watchMu   sync.Mutex
	watching  map[store.Kind]bool
	watchWG   sync.WaitGroup
}

// documentModel is the stored shape. Body keeps the JSON text so documents
// round-trip byte for byte; Nanos is the sort key.
type documentModel struct {
	Key      string `bson:"_id"`
	Shop     string `bson:"shop"`
	ID       string `bson:"id"`
	Revision int64  `bson:"rev"`
	Nanos    int64  `bson:"ts"`
	Body     string `bson:"body"`
}

func (m documentModel) document() store.Document {
	var ts time.Time
	if m.Nanos != 0 {
		ts = time.Unix(0, m.Nanos).UTC()
	}
	return store.Document{ID: m.ID, Revision: m.Revision, Timestamp: ts, Body: json.RawMessage(m.Body)}
}

func New(ctx context.Context, uri string, database string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store/mongo: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store/mongo: ping: %w", err)
	}

	log = log.Named("mongo")
	watchCtx, stop := context.WithCancel(context.Background())
	return &Store{
		client:    client,
		db:        client.Database(database),
		log:       log,
		feed:      store.NewFeed(log),
		watchCtx:  watchCtx,
		stopWatch: stop,
		watching:  make(map[store.Kind]bool),
	}, nil
}

// Migrate creates the per-kind indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, kind := range store.Kinds() {
		_, err := s.collection(kind).Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "shop", Value: 1}, {Key: "id", Value: 1}}},
			{Keys: bson.D{{Key: "shop", Value: 1}, {Key: "ts", Value: -1}, {Key: "id", Value: 1}}},
		})
		if err != nil {
			return fmt.Errorf("store/mongo: migrate %s indexes: %w", kind, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.stopWatch()
	s.watchWG.Wait()
	s.feed.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) collection(kind store.Kind) *mongo.Collection {
	return s.db.Collection(collectionPrefix + string(kind))
}

func documentKey(shop string, id string) string {
	return shop + "/" + id
}

// shopFromKey splits a documentKey. Ids never contain a slash; shops may.
func shopFromKey(key string) (string, bool) {
	i := strings.LastIndex(key, "/")
	if i <= 0 {
		return "", false
	}
	return key[:i], true
}

func (s *Store) Subscribe(ctx context.Context, shop string, kind store.Kind, order store.Order) (*store.Subscription, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", store.ErrInvalidMutation, kind)
	}
	sub, err := s.feed.Subscribe(ctx, shop, kind, order, s.loader(shop, kind))
	if err != nil {
		return nil, err
	}
	s.ensureWatch(kind)
	return sub, nil
}

func (s *Store) Get(ctx context.Context, shop string, kind store.Kind, id string) (store.Document, error) {
	if s.closed.Load() {
		return store.Document{}, store.ErrClosed
	}
	var m documentModel
	err := s.collection(kind).FindOne(ctx, bson.M{"_id": documentKey(shop, id)}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return store.Document{}, fmt.Errorf("get %s/%s: %w", kind, id, store.ErrNotFound)
		}
		return store.Document{}, fmt.Errorf("store/mongo: get document: %w", err)
	}
	return m.document(), nil
}

func (s *Store) List(ctx context.Context, shop string, kind store.Kind, order store.Order) ([]store.Document, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	sort := bson.D{{Key: "id", Value: 1}}
	if order == store.OrderByTimestampDesc {
		sort = bson.D{{Key: "ts", Value: -1}, {Key: "id", Value: 1}}
	}

	cursor, err := s.collection(kind).Find(ctx, bson.M{"shop": shop}, options.Find().SetSort(sort))
	if err != nil {
		return nil, fmt.Errorf("store/mongo: list documents: %w", err)
	}
	var models []documentModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("store/mongo: decode documents: %w", err)
	}

	docs := make([]store.Document, 0, len(models))
	for _, m := range models {
		docs = append(docs, m.document())
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

// BatchCommit applies the batch inside one transaction. The callback may be
// retried by the driver on transient errors, so it only derives writes from
// what it reads inside the transaction.
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

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("store/mongo: start session: %w", err)
	}
	defer session.EndSession(context.WithoutCancel(ctx))

	_, err = session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		for _, m := range mutations {
			if err := s.apply(txCtx, shop, m); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrRevisionConflict) || errors.Is(err, store.ErrInvalidMutation) {
			return err
		}
		return fmt.Errorf("store/mongo: commit batch: %w", err)
	}

	touched := make(map[store.Kind]struct{}, 2)
	for _, m := range mutations {
		touched[m.Kind] = struct{}{}
	}
	publishCtx := context.WithoutCancel(ctx)
	for kind := range touched {
		s.feed.Publish(publishCtx, shop, kind, s.loader(shop, kind))
	}
	return nil
}

func (s *Store) apply(ctx context.Context, shop string, m store.Mutation) error {
	coll := s.collection(m.Kind)
	key := documentKey(shop, m.ID)

	switch m.Op {
	case store.OpSet:
		var nanos int64
		if !m.Timestamp.IsZero() {
			nanos = m.Timestamp.UnixNano()
		}
		_, err := coll.UpdateOne(ctx,
			bson.M{"_id": key},
			bson.M{
				"$set": bson.M{"shop": shop, "id": m.ID, "ts": nanos, "body": string(m.Body)},
				"$inc": bson.M{"rev": int64(1)},
			},
			options.UpdateOne().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("store/mongo: set %s/%s: %w", m.Kind, m.ID, err)
		}
		return nil

	case store.OpUpdate:
		var current documentModel
		if err := coll.FindOne(ctx, bson.M{"_id": key}).Decode(&current); err != nil {
			if isNoDocuments(err) {
				return fmt.Errorf("update %s/%s: %w", m.Kind, m.ID, store.ErrNotFound)
			}
			return fmt.Errorf("store/mongo: update %s/%s: %w", m.Kind, m.ID, err)
		}
		if m.IfRevision != 0 && current.Revision != m.IfRevision {
			return fmt.Errorf("update %s/%s at revision %d: %w", m.Kind, m.ID, m.IfRevision, store.ErrRevisionConflict)
		}
		body, err := store.MergeFields(json.RawMessage(current.Body), m.Fields)
		if err != nil {
			return err
		}
		nanos := current.Nanos
		if !m.Timestamp.IsZero() {
			nanos = m.Timestamp.UnixNano()
		}
		res, err := coll.UpdateOne(ctx,
			bson.M{"_id": key, "rev": current.Revision},
			bson.M{
				"$set": bson.M{"body": string(body), "ts": nanos},
				"$inc": bson.M{"rev": int64(1)},
			})
		if err != nil {
			return fmt.Errorf("store/mongo: update %s/%s: %w", m.Kind, m.ID, err)
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("update %s/%s at revision %d: %w", m.Kind, m.ID, current.Revision, store.ErrRevisionConflict)
		}
		return nil

	case store.OpDelete:
		filter := bson.M{"_id": key}
		if m.IfRevision != 0 {
			filter["rev"] = m.IfRevision
		}
		res, err := coll.DeleteOne(ctx, filter)
		if err != nil {
			return fmt.Errorf("store/mongo: delete %s/%s: %w", m.Kind, m.ID, err)
		}
		if m.IfRevision == 0 || res.DeletedCount > 0 {
			return nil
		}
		n, err := coll.CountDocuments(ctx, bson.M{"_id": key})
		if err != nil {
			return fmt.Errorf("store/mongo: delete %s/%s: %w", m.Kind, m.ID, err)
		}
		if n == 0 {
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

// ensureWatch starts the change stream of kind the first time anyone
// subscribes to it.
func (s *Store) ensureWatch(kind store.Kind) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watching[kind] || s.closed.Load() {
		return
	}
	s.watching[kind] = true
	s.watchWG.Add(1)
	go s.watch(kind)
}

type changeEvent struct {
	DocumentKey struct {
		Key string `bson:"_id"`
	} `bson:"documentKey"`
}

func (s *Store) watch(kind store.Kind) {
	defer s.watchWG.Done()
	ctx := s.watchCtx
	log := s.log.With(zap.String("kind", string(kind)))

	delay := 500 * time.Millisecond
	for ctx.Err() == nil {
		err := s.watchOnce(ctx, kind)
		if ctx.Err() != nil {
			return
		}
		log.Warn("change stream ended, reopening", zap.Error(err), zap.Duration("retry_in", delay))

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

func (s *Store) watchOnce(ctx context.Context, kind store.Kind) error {
	stream, err := s.collection(kind).Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return err
	}
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			s.log.Warn("undecodable change event", zap.Error(err))
			continue
		}
		shop, ok := shopFromKey(ev.DocumentKey.Key)
		if !ok {
			continue
		}
		s.feed.Publish(ctx, shop, kind, s.loader(shop, kind))
	}
	return stream.Err()
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
