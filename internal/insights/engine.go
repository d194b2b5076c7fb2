// Package insights produces an optional text summary of a shop's day. It runs
// in the background and nothing in the ledger waits on it.
package insights

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"shopledger/backend/internal/alerting"
	"shopledger/backend/internal/cache"
	"shopledger/backend/internal/domain"
)

const (
	defaultTTL     = 5 * time.Minute
	defaultTimeout = 30 * time.Second
)

// Summarizer turns a sales window and an inventory snapshot into text.
type Summarizer interface {
	Summarize(ctx context.Context, sales []domain.SaleRecord, inventory []domain.InventoryItem) (string, error)
}

type Engine struct {
	cache      cache.InsightCache
	ttl        time.Duration
	timeout    time.Duration
	summarizer Summarizer
	log        *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func NewEngine(cacheStore cache.InsightCache, ttl time.Duration, summarizer Summarizer, log *zap.Logger) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NewMemoryInsightCache()
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if summarizer == nil {
		summarizer = HeuristicSummarizer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cache:      cacheStore,
		ttl:        ttl,
		timeout:    defaultTimeout,
		summarizer: summarizer,
		log:        log.Named("insights"),
		now:        func() time.Time { return time.Now().UTC() },
		inflight:   make(map[string]struct{}),
	}
}

// Request starts generating an insight for the given data and returns
// immediately. It reports false when an identical request is cached or
// already running.
func (e *Engine) Request(ctx context.Context, shop string, sales []domain.SaleRecord, inventory []domain.InventoryItem) bool {
	key := buildCacheKey(shop, sales, inventory)

	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		if err := e.cache.Set(ctx, latestKey(shop), cached, e.ttl); err != nil {
			e.log.Warn("refresh latest insight failed", zap.String("shop", shop), zap.Error(err))
		}
		return false
	}

	e.mu.Lock()
	if _, running := e.inflight[key]; running {
		e.mu.Unlock()
		return false
	}
	e.inflight[key] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	salesCopy := append([]domain.SaleRecord(nil), sales...)
	inventoryCopy := append([]domain.InventoryItem(nil), inventory...)
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)

	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, key)
			e.mu.Unlock()
		}()

		summary, err := e.summarizer.Summarize(bg, salesCopy, inventoryCopy)
		if err != nil {
			e.log.Warn("summarize failed", zap.String("shop", shop), zap.Error(err))
			return
		}
		insight := &domain.Insight{
			Shop:        shop,
			Summary:     summary,
			SalesCount:  len(salesCopy),
			GeneratedAt: e.now(),
		}
		if err := e.cache.Set(bg, key, insight, e.ttl); err != nil {
			e.log.Warn("cache insight failed", zap.String("shop", shop), zap.Error(err))
		}
		if err := e.cache.Set(bg, latestKey(shop), insight, e.ttl); err != nil {
			e.log.Warn("cache latest insight failed", zap.String("shop", shop), zap.Error(err))
		}
	}()
	return true
}

// Latest returns the most recent insight generated for shop, if any.
func (e *Engine) Latest(ctx context.Context, shop string) (*domain.Insight, bool, error) {
	return e.cache.Get(ctx, latestKey(shop))
}

// Wait blocks until every running request has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// HeuristicSummarizer builds a short deterministic summary locally.
type HeuristicSummarizer struct{}

func (HeuristicSummarizer) Summarize(_ context.Context, sales []domain.SaleRecord, inventory []domain.InventoryItem) (string, error) {
	revenue := decimal.Zero
	byProduct := make(map[string]decimal.Decimal)
	for _, sale := range sales {
		amount := decimal.NewFromFloat(sale.Price)
		revenue = revenue.Add(amount)
		byProduct[sale.ProductName] = byProduct[sale.ProductName].Add(amount)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d sales, revenue %s.", len(sales), revenue.String())

	if top, amount, ok := topSeller(byProduct); ok {
		fmt.Fprintf(&b, " Top seller: %s (%s).", top, amount.String())
	}

	var low, out []string
	for _, item := range inventory {
		switch {
		case item.StockLevel <= 0:
			out = append(out, item.Name)
		case item.StockLevel <= alerting.LowStockThreshold:
			low = append(low, item.Name)
		}
	}
	if len(low) > 0 {
		sort.Strings(low)
		fmt.Fprintf(&b, " Low stock: %s.", strings.Join(low, ", "))
	}
	if len(out) > 0 {
		sort.Strings(out)
		fmt.Fprintf(&b, " Out of stock: %s.", strings.Join(out, ", "))
	}
	return b.String(), nil
}

func topSeller(byProduct map[string]decimal.Decimal) (string, decimal.Decimal, bool) {
	best := ""
	bestAmount := decimal.Zero
	for name, amount := range byProduct {
		if best == "" || amount.GreaterThan(bestAmount) || (amount.Equal(bestAmount) && name < best) {
			best = name
			bestAmount = amount
		}
	}
	return best, bestAmount, best != ""
}

func latestKey(shop string) string {
	return "latest:" + shop
}

func buildCacheKey(shop string, sales []domain.SaleRecord, inventory []domain.InventoryItem) string {
	parts := make([]string, 0, len(sales)+len(inventory)+1)
	parts = append(parts, shop)
	for _, sale := range sales {
		parts = append(parts, fmt.Sprintf("s:%s:%g", sale.ID, sale.Price))
	}
	for _, item := range inventory {
		parts = append(parts, fmt.Sprintf("i:%s:%g", item.ID, item.StockLevel))
	}
	sort.Strings(parts[1:])

	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "window:" + hex.EncodeToString(hash[:])
}
