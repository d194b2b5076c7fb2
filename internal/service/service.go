package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"shopledger/backend/internal/alerting"
	"shopledger/backend/internal/broadcast"
	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/insights"
	"shopledger/backend/internal/ledger"
	"shopledger/backend/internal/pricing"
	"shopledger/backend/internal/stock"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/terminal"
)

const (
	RoleManager = "manager"
	RoleStaff   = "staff"
)

var (
	ErrForbidden    = errors.New("service: manager role required")
	ErrInvalidInput = errors.New("service: invalid input")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	adapter     store.Adapter
	stock       *stock.Engine
	ledger      *ledger.Manager
	notes       *broadcast.Publisher
	insights    *insights.Engine
	defaultShop string
	log         *zap.Logger
}

func New(
	adapter store.Adapter,
	stockEngine *stock.Engine,
	ledgerManager *ledger.Manager,
	publisher *broadcast.Publisher,
	insightEngine *insights.Engine,
	defaultShop string,
	log *zap.Logger,
) *Service {
	if defaultShop == "" {
		defaultShop = "main-shop"
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Service{
		adapter:     adapter,
		stock:       stockEngine,
		ledger:      ledgerManager,
		notes:       publisher,
		insights:    insightEngine,
		defaultShop: defaultShop,
		log:         log.Named("service"),
	}
}

// shop is the namespace the caller works in: the actor's shop, or the
// default shop for unauthenticated internal callers.
func (s *Service) shop(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Shop != "" {
		return actor.Shop
	}
	return s.defaultShop
}

func (s *Service) actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

func requireManager(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != RoleManager {
		return ErrForbidden
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.adapter.Ping(ctx)
}

func (s *Service) Quote(grade domain.Grade, weight float64) (domain.PriceQuote, error) {
	if !grade.Valid() {
		return domain.PriceQuote{}, fmt.Errorf("%w: unknown grade %q", ErrInvalidInput, grade)
	}
	if weight < 0 {
		return domain.PriceQuote{}, fmt.Errorf("%w: weight must not be negative", ErrInvalidInput)
	}
	return pricing.Quote(grade, weight), nil
}

func (s *Service) ListInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	return s.stock.List(ctx, s.shop(ctx))
}

func (s *Service) PutItem(ctx context.Context, itemID string, req domain.ItemUpsertRequest) (domain.InventoryItem, error) {
	if err := requireManager(ctx); err != nil {
		return domain.InventoryItem{}, err
	}
	shop := s.shop(ctx)
	item, err := s.stock.PutItem(ctx, shop, itemID, req)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	action := "item_update"
	if itemID == "" {
		action = "item_create"
	}
	s.logAudit(ctx, shop, action, "inventory", item.ID, fmt.Sprintf("name=%s,stock=%g", item.Name, item.StockLevel))
	return item, nil
}

func (s *Service) DeleteItem(ctx context.Context, itemID string) error {
	if err := requireManager(ctx); err != nil {
		return err
	}
	shop := s.shop(ctx)
	if err := s.stock.DeleteItem(ctx, shop, itemID); err != nil {
		return err
	}
	s.logAudit(ctx, shop, "item_delete", "inventory", itemID, "")
	return nil
}

func (s *Service) AdjustStock(ctx context.Context, itemID string, req domain.StockAdjustRequest) (domain.InventoryItem, error) {
	if req.Delta == 0 {
		return domain.InventoryItem{}, fmt.Errorf("%w: delta must not be zero", ErrInvalidInput)
	}
	shop := s.shop(ctx)
	item, err := s.stock.Adjust(ctx, shop, itemID, req.ObservedStock, req.Delta)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	s.logAudit(ctx, shop, "stock_adjust", "inventory", itemID, fmt.Sprintf("delta=%g,stock=%g", req.Delta, item.StockLevel))
	return item, nil
}

func (s *Service) SeedInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	if err := requireManager(ctx); err != nil {
		return nil, err
	}
	shop := s.shop(ctx)
	created, err := s.stock.Seed(ctx, shop)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, shop, "inventory_seed", "inventory", "", fmt.Sprintf("created=%d", len(created)))
	return created, nil
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (ledger.SaleResult, error) {
	shop := s.shop(ctx)
	res, err := s.ledger.CreateSale(ctx, shop, s.actorName(ctx), req)
	if err != nil {
		return ledger.SaleResult{}, err
	}
	if !res.StockAdjusted {
		s.log.Info("sale recorded without stock match",
			zap.String("shop", shop),
			zap.String("sale", res.Sale.ID),
			zap.String("product", res.Sale.ProductName))
	}
	return res, nil
}

func (s *Service) DeleteSale(ctx context.Context, saleID string) (ledger.SaleResult, error) {
	shop := s.shop(ctx)
	res, err := s.ledger.DeleteSale(ctx, shop, saleID)
	if err != nil {
		return ledger.SaleResult{}, err
	}
	s.logAudit(ctx, shop, "sale_delete", "sale", saleID, fmt.Sprintf("qty=%g,restocked=%t", res.Sale.Quantity, res.StockAdjusted))
	return res, nil
}

func (s *Service) ListSales(ctx context.Context) ([]domain.SaleRecord, error) {
	return s.ledger.ListSales(ctx, s.shop(ctx))
}

func (s *Service) AddExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	return s.ledger.AddExpense(ctx, s.shop(ctx), req)
}

func (s *Service) DeleteExpense(ctx context.Context, expenseID string) error {
	shop := s.shop(ctx)
	if err := s.ledger.DeleteExpense(ctx, shop, expenseID); err != nil {
		return err
	}
	s.logAudit(ctx, shop, "expense_delete", "expense", expenseID, "")
	return nil
}

func (s *Service) ListExpenses(ctx context.Context) ([]domain.Expense, error) {
	return s.ledger.ListExpenses(ctx, s.shop(ctx))
}

func (s *Service) CloseDay(ctx context.Context) (ledger.CloseDayResult, error) {
	shop := s.shop(ctx)
	res, err := s.ledger.CloseDay(ctx, shop, s.actorName(ctx))
	if err != nil {
		return ledger.CloseDayResult{}, err
	}
	s.logAudit(ctx, shop, "day_close", "report", res.Report.ID, fmt.Sprintf("sales=%d,revenue=%g", res.Report.TotalSales, res.Report.TotalRevenue))
	return res, nil
}

func (s *Service) ListReports(ctx context.Context) ([]domain.DayReport, error) {
	return s.ledger.ListReports(ctx, s.shop(ctx))
}

func (s *Service) GetReport(ctx context.Context, reportID string) (domain.DayReport, error) {
	return s.ledger.GetReport(ctx, s.shop(ctx), reportID)
}

func (s *Service) RestoreReport(ctx context.Context, reportID string) (ledger.RestoreResult, error) {
	if err := requireManager(ctx); err != nil {
		return ledger.RestoreResult{}, err
	}
	shop := s.shop(ctx)
	res, err := s.ledger.RestoreReport(ctx, shop, reportID)
	if err != nil {
		return ledger.RestoreResult{}, err
	}
	s.logAudit(ctx, shop, "report_restore", "report", reportID, fmt.Sprintf("restored=%d", res.Restored))
	return res, nil
}

func (s *Service) DeleteReport(ctx context.Context, reportID string) error {
	if err := requireManager(ctx); err != nil {
		return err
	}
	shop := s.shop(ctx)
	if err := s.ledger.DeleteReport(ctx, shop, reportID); err != nil {
		return err
	}
	s.logAudit(ctx, shop, "report_delete", "report", reportID, "")
	return nil
}

func (s *Service) PublishNotification(ctx context.Context, req domain.NotificationPublishRequest) (domain.NotificationEvent, error) {
	return s.notes.Publish(ctx, s.shop(ctx), s.actorName(ctx), req)
}

func (s *Service) ListNotifications(ctx context.Context) ([]domain.NotificationEvent, error) {
	return s.notes.List(ctx, s.shop(ctx))
}

// BroadcastOutOfStock publishes one warning naming every item at or below
// zero. published is false when nothing is out of stock.
func (s *Service) BroadcastOutOfStock(ctx context.Context) (event domain.NotificationEvent, published bool, err error) {
	items, err := s.stock.List(ctx, s.shop(ctx))
	if err != nil {
		return domain.NotificationEvent{}, false, err
	}
	message, ok := alerting.OutOfStockSummary(items)
	if !ok {
		return domain.NotificationEvent{}, false, nil
	}
	event, err = s.PublishNotification(ctx, domain.NotificationPublishRequest{Message: message, Type: domain.NotificationWarning})
	if err != nil {
		return domain.NotificationEvent{}, false, err
	}
	return event, true, nil
}

// RequestInsights starts a background summary of the current sales and
// inventory. started is false when the same data was already summarized.
func (s *Service) RequestInsights(ctx context.Context) (bool, error) {
	shop := s.shop(ctx)
	sales, err := s.ledger.ListSales(ctx, shop)
	if err != nil {
		return false, err
	}
	items, err := s.stock.List(ctx, shop)
	if err != nil {
		return false, err
	}
	return s.insights.Request(ctx, shop, sales, items), nil
}

func (s *Service) LatestInsight(ctx context.Context) (*domain.Insight, bool, error) {
	return s.insights.Latest(ctx, s.shop(ctx))
}

// OpenSession starts a live terminal session for the caller's shop.
func (s *Service) OpenSession(ctx context.Context) (*terminal.Session, error) {
	return terminal.Open(ctx, s.adapter, s.shop(ctx), s.log, terminal.Options{})
}

func (s *Service) logAudit(ctx context.Context, shop string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	s.log.Info("audit",
		zap.String("shop", shop),
		zap.String("actor", actor.Username),
		zap.String("role", actor.Role),
		zap.String("action", action),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("detail", detail))
}
