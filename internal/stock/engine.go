// Package stock owns inventory documents: delta adjustments, direct edits and
// the explicit default-inventory seed.
package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/xid"
)

var (
	ErrInvalidItem = errors.New("stock: invalid item")
	ErrContended   = errors.New("stock: adjustment kept conflicting")
)

const defaultMaxAttempts = 5

type Engine struct {
	adapter     store.Adapter
	items       store.Collection[domain.InventoryItem]
	log         *zap.Logger
	now         func() time.Time
	maxAttempts int
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func NewEngine(adapter store.Adapter, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		adapter:     adapter,
		items:       store.NewCollection[domain.InventoryItem](adapter, store.KindInventory, store.OrderByID),
		log:         log.Named("stock"),
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Items() store.Collection[domain.InventoryItem] {
	return e.items
}

// Adjust adds delta to the item's stock level. observedStock is the level the
// caller last saw; the write is applied to the stored level, and a mismatch
// only means the caller's view was stale.
func (e *Engine) Adjust(ctx context.Context, shop string, itemID string, observedStock float64, delta float64) (domain.InventoryItem, error) {
	return e.AdjustWith(ctx, shop, itemID, observedStock, delta)
}

// AdjustWith is Adjust committed in one batch together with companions.
// The stock update carries the revision it read, so a concurrent writer
// makes the batch fail and the read-modify-write is retried.
func (e *Engine) AdjustWith(ctx context.Context, shop string, itemID string, observedStock float64, delta float64, companions ...store.Mutation) (domain.InventoryItem, error) {
	return e.AdjustBatch(ctx, shop, itemID, observedStock, delta, func(context.Context) ([]store.Mutation, error) {
		return companions, nil
	})
}

// Companions builds the mutations committed beside a stock update. It runs
// once per attempt, so it can re-read what it guards and fail when that is
// gone.
type Companions func(ctx context.Context) ([]store.Mutation, error)

// AdjustBatch is AdjustWith with companions rebuilt on every attempt. An
// error from companions ends the adjustment unchanged.
func (e *Engine) AdjustBatch(ctx context.Context, shop string, itemID string, observedStock float64, delta float64, companions Companions) (domain.InventoryItem, error) {
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		item, rev, err := e.items.Get(ctx, shop, itemID)
		if err != nil {
			return domain.InventoryItem{}, fmt.Errorf("adjust %s: %w", itemID, err)
		}
		if attempt == 1 && item.StockLevel != observedStock {
			e.log.Debug("observed stock is stale",
				zap.String("shop", shop),
				zap.String("item", itemID),
				zap.Float64("observed", observedStock),
				zap.Float64("stored", item.StockLevel))
		}

		var extra []store.Mutation
		if companions != nil {
			if extra, err = companions(ctx); err != nil {
				return domain.InventoryItem{}, err
			}
		}

		at := e.now()
		next := item.StockLevel + delta
		update := e.items.UpdateMutation(itemID, map[string]any{
			"stockLevel":  next,
			"lastUpdated": at,
		}, rev, at)

		batch := make([]store.Mutation, 0, len(extra)+1)
		batch = append(batch, extra...)
		batch = append(batch, update)

		err = e.adapter.BatchCommit(ctx, shop, batch)
		if err == nil {
			item.StockLevel = next
			item.LastUpdated = at
			return item, nil
		}
		if !errors.Is(err, store.ErrRevisionConflict) {
			return domain.InventoryItem{}, err
		}
		e.log.Debug("stock revision moved, retrying",
			zap.String("shop", shop),
			zap.String("item", itemID),
			zap.Int("attempt", attempt))
	}
	return domain.InventoryItem{}, fmt.Errorf("adjust %s after %d attempts: %w", itemID, e.maxAttempts, ErrContended)
}

// FindByName returns the item whose name matches exactly. Sales reference
// inventory by name, so this is the join used for stock compensation.
func (e *Engine) FindByName(ctx context.Context, shop string, name string) (domain.InventoryItem, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.InventoryItem{}, false, nil
	}
	items, err := e.items.List(ctx, shop)
	if err != nil {
		return domain.InventoryItem{}, false, err
	}
	for _, item := range items {
		if item.Name == name {
			return item, true, nil
		}
	}
	return domain.InventoryItem{}, false, nil
}

func (e *Engine) List(ctx context.Context, shop string) ([]domain.InventoryItem, error) {
	return e.items.List(ctx, shop)
}

func (e *Engine) Get(ctx context.Context, shop string, itemID string) (domain.InventoryItem, error) {
	item, _, err := e.items.Get(ctx, shop, itemID)
	return item, err
}

// PutItem creates an item (empty id) or replaces one wholesale. It is the path
// for renames, re-pricing, re-grading and manual stock corrections.
func (e *Engine) PutItem(ctx context.Context, shop string, itemID string, req domain.ItemUpsertRequest) (domain.InventoryItem, error) {
	item := domain.InventoryItem{
		ID:         strings.TrimSpace(itemID),
		Category:   req.Category,
		Name:       strings.TrimSpace(req.Name),
		Grade:      req.Grade,
		StockLevel: req.StockLevel,
		UnitPrice:  req.UnitPrice,
	}
	if err := validateItem(item); err != nil {
		return domain.InventoryItem{}, err
	}

	existing, found, err := e.FindByName(ctx, shop, item.Name)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	if found && existing.ID != item.ID {
		return domain.InventoryItem{}, fmt.Errorf("%w: name %q already used by %s", ErrInvalidItem, item.Name, existing.ID)
	}

	if item.ID == "" {
		item.ID = xid.New(xid.PrefixItem)
	} else if _, _, err := e.items.Get(ctx, shop, item.ID); err != nil {
		return domain.InventoryItem{}, err
	}
	item.LastUpdated = e.now()

	if err := e.items.Set(ctx, shop, item); err != nil {
		return domain.InventoryItem{}, err
	}
	return item, nil
}

func (e *Engine) DeleteItem(ctx context.Context, shop string, itemID string) error {
	if _, _, err := e.items.Get(ctx, shop, itemID); err != nil {
		return err
	}
	return e.items.Delete(ctx, shop, itemID)
}

// Seed writes every DefaultInventory entry whose name is not stocked yet, in
// one batch. It returns the items it created.
func (e *Engine) Seed(ctx context.Context, shop string) ([]domain.InventoryItem, error) {
	existing, err := e.items.List(ctx, shop)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(existing))
	for _, item := range existing {
		names[item.Name] = struct{}{}
	}

	at := e.now()
	created := make([]domain.InventoryItem, 0, len(DefaultInventory()))
	batch := make([]store.Mutation, 0, len(DefaultInventory()))
	for _, item := range DefaultInventory() {
		if _, ok := names[item.Name]; ok {
			continue
		}
		item.ID = xid.New(xid.PrefixItem)
		item.LastUpdated = at
		m, err := e.items.SetMutation(item)
		if err != nil {
			return nil, err
		}
		batch = append(batch, m)
		created = append(created, item)
	}
	if len(batch) == 0 {
		return created, nil
	}
	if err := e.adapter.BatchCommit(ctx, shop, batch); err != nil {
		return nil, err
	}
	e.log.Info("seeded default inventory", zap.String("shop", shop), zap.Int("created", len(created)))
	return created, nil
}

func validateItem(item domain.InventoryItem) error {
	if item.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidItem)
	}
	if !item.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidItem, item.Category)
	}
	if item.Grade != "" {
		if item.Category != domain.CategoryFlower {
			return fmt.Errorf("%w: grade is only allowed for Flower", ErrInvalidItem)
		}
		if !item.Grade.Valid() {
			return fmt.Errorf("%w: unknown grade %q", ErrInvalidItem, item.Grade)
		}
	}
	if item.UnitPrice != nil && *item.UnitPrice < 0 {
		return fmt.Errorf("%w: unit price must not be negative", ErrInvalidItem)
	}
	return nil
}
