// Package ledger runs the sale lifecycle: create and delete with stock
// compensation, close-day archival, and restore of archived sales.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/pricing"
	"shopledger/backend/internal/stock"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/xid"
)

var (
	ErrInvalidSale    = errors.New("ledger: invalid sale")
	ErrInvalidExpense = errors.New("ledger: invalid expense")
)

type Manager struct {
	adapter  store.Adapter
	stock    *stock.Engine
	sales    store.Collection[domain.SaleRecord]
	expenses store.Collection[domain.Expense]
	reports  store.Collection[domain.DayReport]
	log      *zap.Logger
	now      func() time.Time
	loc      *time.Location
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLocation sets the zone used to derive business dates.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.loc = loc
		}
	}
}

func NewManager(adapter store.Adapter, stockEngine *stock.Engine, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		adapter:  adapter,
		stock:    stockEngine,
		sales:    store.NewCollection[domain.SaleRecord](adapter, store.KindSales, store.OrderByTimestampDesc),
		expenses: store.NewCollection[domain.Expense](adapter, store.KindExpenses, store.OrderByTimestampDesc),
		reports:  store.NewCollection[domain.DayReport](adapter, store.KindReports, store.OrderByTimestampDesc),
		log:      log.Named("ledger"),
		now:      func() time.Time { return time.Now().UTC() },
		loc:      time.UTC,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SaleResult reports each step of a sale write. StockAdjusted is false when
// no inventory item matched the product name; the sale is still recorded.
type SaleResult struct {
	Sale          domain.SaleRecord     `json:"sale"`
	StockAdjusted bool                  `json:"stock_adjusted"`
	Item          *domain.InventoryItem `json:"item,omitempty"`
}

type CloseDayResult struct {
	Report   domain.DayReport `json:"report"`
	Archived bool             `json:"archived"`
	Cleared  bool             `json:"cleared"`
}

type RestoreResult struct {
	ReportID string `json:"report_id"`
	Restored int    `json:"restored"`
}

// CreateSale records a sale and decrements the matching item's stock in the
// same batch.
func (m *Manager) CreateSale(ctx context.Context, shop string, staffName string, req domain.SaleCreateRequest) (SaleResult, error) {
	req.ProductName = strings.TrimSpace(req.ProductName)
	if err := validateSale(req); err != nil {
		return SaleResult{}, err
	}

	item, found, err := m.stock.FindByName(ctx, shop, req.ProductName)
	if err != nil {
		return SaleResult{}, err
	}
	if found && req.Grade == "" && item.IsFlower() {
		req.Grade = item.Grade
	}

	originalPrice, err := resolveOriginalPrice(req, item, found)
	if err != nil {
		return SaleResult{}, err
	}
	price := originalPrice
	if req.Price != nil {
		price = *req.Price
	}

	at := m.now()
	sale := domain.SaleRecord{
		ID:            xid.New(xid.PrefixSale),
		Timestamp:     at,
		Date:          xid.Date(at, m.loc),
		ProductType:   req.ProductType,
		ProductName:   req.ProductName,
		Grade:         req.Grade,
		Quantity:      req.Quantity,
		Price:         price,
		OriginalPrice: originalPrice,
		IsNegotiated:  req.Price != nil && *req.Price != originalPrice,
		StaffName:     staffName,
		PaymentMethod: req.PaymentMethod,
	}
	if sale.ProductType != domain.CategoryFlower {
		sale.Grade = ""
	}

	setSale, err := m.sales.SetMutation(sale)
	if err != nil {
		return SaleResult{}, err
	}

	if found {
		updated, err := m.stock.AdjustWith(ctx, shop, item.ID, item.StockLevel, -sale.Quantity, setSale)
		if err == nil {
			return SaleResult{Sale: sale, StockAdjusted: true, Item: &updated}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return SaleResult{}, err
		}
		m.log.Warn("inventory item vanished before sale commit",
			zap.String("shop", shop),
			zap.String("item", item.ID),
			zap.String("sale", sale.ID))
	}

	if err := m.adapter.BatchCommit(ctx, shop, []store.Mutation{setSale}); err != nil {
		return SaleResult{}, err
	}
	return SaleResult{Sale: sale}, nil
}

// DeleteSale removes an active sale and returns its quantity to stock in the
// same batch. The delete is guarded by the sale's revision, so of two voids
// racing on one sale only the first restocks and the second gets
// store.ErrNotFound.
func (m *Manager) DeleteSale(ctx context.Context, shop string, saleID string) (SaleResult, error) {
	sale, rev, err := m.sales.Get(ctx, shop, saleID)
	if err != nil {
		return SaleResult{}, err
	}

	item, found, err := m.stock.FindByName(ctx, shop, sale.ProductName)
	if err != nil {
		return SaleResult{}, err
	}
	if found {
		guard := func(ctx context.Context) ([]store.Mutation, error) {
			_, current, err := m.sales.Get(ctx, shop, saleID)
			if err != nil {
				return nil, fmt.Errorf("delete sale %s: %w", saleID, err)
			}
			return []store.Mutation{m.sales.DeleteMutation(saleID, current)}, nil
		}
		updated, err := m.stock.AdjustBatch(ctx, shop, item.ID, item.StockLevel, sale.Quantity, guard)
		if err == nil {
			return SaleResult{Sale: sale, StockAdjusted: true, Item: &updated}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return SaleResult{}, err
		}
		// Either the sale or the item is gone; only the latter leaves a
		// delete to do.
		if _, rev, err = m.sales.Get(ctx, shop, saleID); err != nil {
			return SaleResult{}, err
		}
		m.log.Warn("inventory item vanished before void commit",
			zap.String("shop", shop),
			zap.String("item", item.ID),
			zap.String("sale", saleID))
	}

	if err := m.adapter.BatchCommit(ctx, shop, []store.Mutation{m.sales.DeleteMutation(saleID, rev)}); err != nil {
		return SaleResult{}, err
	}
	return SaleResult{Sale: sale}, nil
}

// CloseDay archives every active sale and expense into one DayReport and
// clears them, in one batch. Records written after the read stay active.
// Each delete carries the revision that was archived, so when a void, an
// expense removal or another close moves the active set first the batch is
// rejected with store.ErrRevisionConflict and nothing is archived twice.
func (m *Manager) CloseDay(ctx context.Context, shop string, closedBy string) (CloseDayResult, error) {
	sales, err := m.sales.ListVersioned(ctx, shop)
	if err != nil {
		return CloseDayResult{}, err
	}
	expenses, err := m.expenses.ListVersioned(ctx, shop)
	if err != nil {
		return CloseDayResult{}, err
	}

	at := m.now()
	date := xid.Date(at, m.loc)
	report := Summarize(values(sales), values(expenses))
	report.ID = xid.ReportID(date)
	report.Date = date
	report.Timestamp = at
	report.ClosedBy = closedBy

	setReport, err := m.reports.SetMutation(report)
	if err != nil {
		return CloseDayResult{}, err
	}
	batch := make([]store.Mutation, 0, 1+len(sales)+len(expenses))
	batch = append(batch, setReport)
	for _, sale := range sales {
		batch = append(batch, m.sales.DeleteMutation(sale.Value.ID, sale.Revision))
	}
	for _, expense := range expenses {
		batch = append(batch, m.expenses.DeleteMutation(expense.Value.ID, expense.Revision))
	}

	if err := m.adapter.BatchCommit(ctx, shop, batch); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrRevisionConflict) {
			return CloseDayResult{}, fmt.Errorf("close day %s: active records changed: %w", date, store.ErrRevisionConflict)
		}
		return CloseDayResult{}, fmt.Errorf("close day %s: %w", date, err)
	}
	m.log.Info("day closed",
		zap.String("shop", shop),
		zap.String("report", report.ID),
		zap.Int("sales", report.TotalSales),
		zap.Int("expenses", len(report.Expenses)))
	return CloseDayResult{Report: report, Archived: true, Cleared: true}, nil
}

func values[T store.Entity](docs []store.Versioned[T]) []T {
	out := make([]T, len(docs))
	for i, doc := range docs {
		out[i] = doc.Value
	}
	return out
}

// Summarize builds the aggregate part of a DayReport. Sums are exact decimal
// sums of the recorded float values.
func Summarize(sales []domain.SaleRecord, expenses []domain.Expense) domain.DayReport {
	revenue := decimal.Zero
	items := decimal.Zero
	salesCopy := make([]domain.SaleRecord, len(sales))
	for i, sale := range sales {
		revenue = revenue.Add(decimal.NewFromFloat(sale.Price))
		items = items.Add(decimal.NewFromFloat(sale.Quantity))
		salesCopy[i] = sale
	}
	expensesCopy := make([]domain.Expense, len(expenses))
	copy(expensesCopy, expenses)

	return domain.DayReport{
		TotalSales:   len(sales),
		TotalRevenue: revenue.InexactFloat64(),
		ItemsSold:    items.InexactFloat64(),
		Sales:        salesCopy,
		Expenses:     expensesCopy,
	}
}

// RestoreReport writes every archived sale back as active. Stock is not
// decremented again and the report itself is left in place, so restoring
// twice yields the same active set.
func (m *Manager) RestoreReport(ctx context.Context, shop string, reportID string) (RestoreResult, error) {
	report, _, err := m.reports.Get(ctx, shop, reportID)
	if err != nil {
		return RestoreResult{}, err
	}
	if len(report.Sales) == 0 {
		return RestoreResult{ReportID: report.ID}, nil
	}

	batch := make([]store.Mutation, 0, len(report.Sales))
	for _, sale := range report.Sales {
		mutation, err := m.sales.SetMutation(sale)
		if err != nil {
			return RestoreResult{}, err
		}
		batch = append(batch, mutation)
	}
	if err := m.adapter.BatchCommit(ctx, shop, batch); err != nil {
		return RestoreResult{}, err
	}
	return RestoreResult{ReportID: report.ID, Restored: len(batch)}, nil
}

func (m *Manager) DeleteReport(ctx context.Context, shop string, reportID string) error {
	if _, _, err := m.reports.Get(ctx, shop, reportID); err != nil {
		return err
	}
	return m.reports.Delete(ctx, shop, reportID)
}

func (m *Manager) GetReport(ctx context.Context, shop string, reportID string) (domain.DayReport, error) {
	report, _, err := m.reports.Get(ctx, shop, reportID)
	return report, err
}

func (m *Manager) ListReports(ctx context.Context, shop string) ([]domain.DayReport, error) {
	return m.reports.List(ctx, shop)
}

func (m *Manager) ListSales(ctx context.Context, shop string) ([]domain.SaleRecord, error) {
	return m.sales.List(ctx, shop)
}

func (m *Manager) AddExpense(ctx context.Context, shop string, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		return domain.Expense{}, fmt.Errorf("%w: description is required", ErrInvalidExpense)
	}
	if req.Amount <= 0 {
		return domain.Expense{}, fmt.Errorf("%w: amount must be positive", ErrInvalidExpense)
	}

	expense := domain.Expense{
		ID:          xid.New(xid.PrefixExpense),
		Description: req.Description,
		Amount:      req.Amount,
		Timestamp:   m.now(),
	}
	if err := m.expenses.Set(ctx, shop, expense); err != nil {
		return domain.Expense{}, err
	}
	return expense, nil
}

func (m *Manager) DeleteExpense(ctx context.Context, shop string, expenseID string) error {
	if _, _, err := m.expenses.Get(ctx, shop, expenseID); err != nil {
		return err
	}
	return m.expenses.Delete(ctx, shop, expenseID)
}

func (m *Manager) ListExpenses(ctx context.Context, shop string) ([]domain.Expense, error) {
	return m.expenses.List(ctx, shop)
}

func validateSale(req domain.SaleCreateRequest) error {
	if req.ProductName == "" {
		return fmt.Errorf("%w: product name is required", ErrInvalidSale)
	}
	if !req.ProductType.Valid() {
		return fmt.Errorf("%w: unknown product type %q", ErrInvalidSale, req.ProductType)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidSale)
	}
	if !req.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidSale, req.PaymentMethod)
	}
	if req.Grade != "" && (req.ProductType != domain.CategoryFlower || !req.Grade.Valid()) {
		return fmt.Errorf("%w: grade %q does not apply to %s", ErrInvalidSale, req.Grade, req.ProductType)
	}
	if req.Price != nil && *req.Price < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidSale)
	}
	return nil
}

// resolveOriginalPrice is the list price before any manual override: the
// grade curve for graded flower, unit price times quantity for priced items,
// otherwise whatever was entered.
func resolveOriginalPrice(req domain.SaleCreateRequest, item domain.InventoryItem, found bool) (float64, error) {
	if req.ProductType == domain.CategoryFlower && req.Grade.Valid() {
		return pricing.Price(req.Grade, req.Quantity), nil
	}
	if found && item.UnitPrice != nil {
		return decimal.NewFromFloat(*item.UnitPrice).Mul(decimal.NewFromFloat(req.Quantity)).InexactFloat64(), nil
	}
	if req.Price != nil {
		return *req.Price, nil
	}
	return 0, fmt.Errorf("%w: no list price for %q, enter a price", ErrInvalidSale, req.ProductName)
}
