package stock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/store/memory"
)

const testShop = "shop-a"

// racingAdapter lets another writer sneak in before the next n batches.
type racingAdapter struct {
	*memory.Store
	mu      sync.Mutex
	races   int
	itemID  string
	commits int
}

func (r *racingAdapter) BatchCommit(ctx context.Context, shop string, mutations []store.Mutation) error {
	r.mu.Lock()
	race := r.races > 0
	if race {
		r.races--
	}
	r.commits++
	r.mu.Unlock()

	if race {
		if err := r.Store.Update(ctx, shop, store.KindInventory, r.itemID, map[string]any{"stockLevel": 100}, 0); err != nil {
			return err
		}
	}
	return r.Store.BatchCommit(ctx, shop, mutations)
}

func newTestEngine(t *testing.T, adapter store.Adapter) *Engine {
	t.Helper()
	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return NewEngine(adapter, nil, WithClock(func() time.Time { return fixed }))
}

func mustPut(t *testing.T, e *Engine, req domain.ItemUpsertRequest) domain.InventoryItem {
	t.Helper()
	item, err := e.PutItem(context.Background(), testShop, "", req)
	if err != nil {
		t.Fatalf("put item: %v", err)
	}
	return item
}

func TestAdjustAppliesDeltaToStoredLevel(t *testing.T) {
	e := newTestEngine(t, memory.New(nil))
	item := mustPut(t, e, domain.ItemUpsertRequest{Category: domain.CategoryFlower, Name: "Gelato #41", Grade: domain.GradeExotic, StockLevel: 15})

	got, err := e.Adjust(context.Background(), testShop, item.ID, 15, -5)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got.StockLevel != 10 {
		t.Fatalf("expected 10, got %v", got.StockLevel)
	}

	// A stale observation still lands on the stored value.
	got, err = e.Adjust(context.Background(), testShop, item.ID, 15, -3)
	if err != nil {
		t.Fatalf("adjust stale: %v", err)
	}
	if got.StockLevel != 7 {
		t.Fatalf("expected 7 after stale adjust, got %v", got.StockLevel)
	}
}

func TestConcurrentAdjustmentsAreNotLost(t *testing.T) {
	e := newTestEngine(t, memory.New(nil))
	item := mustPut(t, e, domain.ItemUpsertRequest{Category: domain.CategoryAccessory, Name: "Grinder", StockLevel: 50})
	e.maxAttempts = 100

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Adjust(context.Background(), testShop, item.ID, 50, -1); err != nil {
				t.Errorf("adjust: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := e.Get(context.Background(), testShop, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StockLevel != 30 {
		t.Fatalf("expected 30 after 20 concurrent decrements, got %v", got.StockLevel)
	}
}

func TestAdjustRetriesOnRevisionConflict(t *testing.T) {
	adapter := &racingAdapter{Store: memory.New(nil)}
	e := newTestEngine(t, adapter)
	item := mustPut(t, e, domain.ItemUpsertRequest{Category: domain.CategoryEdible, Name: "Gummies", StockLevel: 20})

	adapter.mu.Lock()
	adapter.races = 1
	adapter.itemID = item.ID
	adapter.commits = 0
	adapter.mu.Unlock()

	got, err := e.Adjust(context.Background(), testShop, item.ID, 20, -2)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got.StockLevel != 98 {
		t.Fatalf("expected delta applied on top of the racing write (98), got %v", got.StockLevel)
	}
	if adapter.commits != 2 {
		t.Fatalf("expected 2 commit attempts, got %d", adapter.commits)
	}
}

func TestAdjustGivesUpWhenAlwaysContended(t *testing.T) {
	adapter := &racingAdapter{Store: memory.New(nil)}
	e := newTestEngine(t, adapter)
	item := mustPut(t, e, domain.ItemUpsertRequest{Category: domain.CategoryEdible, Name: "Gummies", StockLevel: 20})

	adapter.mu.Lock()
	adapter.races = 1000
	adapter.itemID = item.ID
	adapter.mu.Unlock()

	_, err := e.Adjust(context.Background(), testShop, item.ID, 20, -2)
	if !errors.Is(err, ErrContended) {
		t.Fatalf("expected ErrContended, got %v", err)
	}
}

func TestAdjustWithRollsBackCompanionsOnMissingItem(t *testing.T) {
	adapter := memory.New(nil)
	e := newTestEngine(t, adapter)

	sale := store.Mutation{Op: store.OpSet, Kind: store.KindSales, ID: "sale-1", Body: []byte(`{"id":"sale-1"}`)}
	_, err := e.AdjustWith(context.Background(), testShop, "missing", 0, -1, sale)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := adapter.Get(context.Background(), testShop, store.KindSales, "sale-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected companion not to be written, got %v", err)
	}
}

func TestPutItemValidation(t *testing.T) {
	e := newTestEngine(t, memory.New(nil))
	ctx := context.Background()
	negative := -1.0

	bad := []domain.ItemUpsertRequest{
		{Category: domain.CategoryFlower, Name: ""},
		{Category: "Seeds", Name: "Seed pack"},
		{Category: domain.CategoryAccessory, Name: "Bong", Grade: domain.GradeTop},
		{Category: domain.CategoryFlower, Name: "OG", Grade: "Legendary"},
		{Category: domain.CategoryEdible, Name: "Brownie", UnitPrice: &negative},
	}
	for _, req := range bad {
		if _, err := e.PutItem(ctx, testShop, "", req); !errors.Is(err, ErrInvalidItem) {
			t.Fatalf("expected invalid item for %+v, got %v", req, err)
		}
	}

	first := mustPut(t, e, domain.ItemUpsertRequest{Category: domain.CategoryFlower, Name: "Runtz", Grade: domain.GradeTopShelf, StockLevel: 20})
	if _, err := e.PutItem(ctx, testShop, "", domain.ItemUpsertRequest{Category: domain.CategoryFlower, Name: "Runtz", Grade: domain.GradeMid}); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("expected duplicate name rejection, got %v", err)
	}

	renamed, err := e.PutItem(ctx, testShop, first.ID, domain.ItemUpsertRequest{Category: domain.CategoryFlower, Name: "Runtz Reserve", Grade: domain.GradeTopShelf, StockLevel: 18})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.ID != first.ID || renamed.Name != "Runtz Reserve" || renamed.StockLevel != 18 {
		t.Fatalf("unexpected rename result %+v", renamed)
	}
	if _, err := e.PutItem(ctx, testShop, "item_missing", domain.ItemUpsertRequest{Category: domain.CategoryOther, Name: "Lighter"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
}

func TestSeedIsExplicitAndSkipsExistingNames(t *testing.T) {
	e := newTestEngine(t, memory.New(nil))
	ctx := context.Background()

	items, err := e.List(ctx, testShop)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty inventory before seed, got %d", len(items))
	}

	mustPut(t, e, domain.ItemUpsertRequest{Category: domain.CategoryAccessory, Name: "Grinder", StockLevel: 2})

	created, err := e.Seed(ctx, testShop)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(created) != len(DefaultInventory())-1 {
		t.Fatalf("expected %d created, got %d", len(DefaultInventory())-1, len(created))
	}

	grinder, found, err := e.FindByName(ctx, testShop, "Grinder")
	if err != nil || !found {
		t.Fatalf("find grinder: found=%v err=%v", found, err)
	}
	if grinder.StockLevel != 2 {
		t.Fatalf("expected existing grinder untouched, got %v", grinder.StockLevel)
	}

	again, err := e.Seed(ctx, testShop)
	if err != nil {
		t.Fatalf("seed again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected second seed to be a no-op, got %d", len(again))
	}
}

func TestDefaultInventoryOnlyGradesFlower(t *testing.T) {
	for _, item := range DefaultInventory() {
		if err := validateItem(item); err != nil {
			t.Fatalf("default item %q invalid: %v", item.Name, err)
		}
		if item.Category == domain.CategoryFlower && !item.Grade.Valid() {
			t.Fatalf("flower %q needs a grade", item.Name)
		}
	}
}
