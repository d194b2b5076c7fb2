package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"shopledger/backend/internal/broadcast"
	"shopledger/backend/internal/cache"
	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/insights"
	"shopledger/backend/internal/ledger"
	"shopledger/backend/internal/service"
	"shopledger/backend/internal/stock"
	"shopledger/backend/internal/store/memory"
)

// newTestAPI builds a full API over the in-memory ledger with a manager and a
// staff account in main-shop and a manager in north.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	adapter := memory.New(nil)
	t.Cleanup(func() { _ = adapter.Close() })
	stockEngine := stock.NewEngine(adapter, nil)
	svc := service.New(
		adapter,
		stockEngine,
		ledger.NewManager(adapter, stockEngine, nil),
		broadcast.NewPublisher(adapter, nil),
		insights.NewEngine(cache.NewMemoryInsightCache(), time.Minute, nil, nil),
		"main-shop",
		nil,
	)

	staff := memory.NewStaffStore()
	for _, account := range []domain.StaffAccount{
		{Username: "manager", Password: mustHashPassword(t, "manager123"), Role: service.RoleManager, Shop: "main-shop", Active: true},
		{Username: "staff", Password: mustHashPassword(t, "staff123"), Role: service.RoleStaff, Shop: "main-shop", Active: true},
		{Username: "north", Password: mustHashPassword(t, "north123"), Role: service.RoleManager, Shop: "north", Active: true},
	} {
		if err := staff.CreateStaff(context.Background(), account); err != nil {
			t.Fatalf("create staff: %v", err)
		}
	}

	auth := NewAuthManager("test-secret-key-test-secret-key-xx", time.Hour, "main-shop", staff)
	return New(svc, auth, "*", nil)
}

func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

type client struct {
	t       *testing.T
	handler http.Handler
	token   string
	csrf    string
}

func newClient(t *testing.T, api *API, username, password string) *client {
	t.Helper()
	c := &client{t: t, handler: api.Handler(), csrf: api.generateCSRFToken()}
	rec := c.do(http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	c.token = resp.AccessToken
	return c
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", c.csrf)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
}

func findItem(t *testing.T, c *client, name string) domain.InventoryItem {
	t.Helper()
	rec := c.do(http.MethodGet, "/api/v1/inventory", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list inventory: expected 200, got %d", rec.Code)
	}
	var body struct {
		Items []domain.InventoryItem `json:"items"`
	}
	decodeBody(t, rec, &body)
	for _, item := range body.Items {
		if item.Name == name {
			return item
		}
	}
	t.Fatalf("item %q not found", name)
	return domain.InventoryItem{}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true || body["store"] != "ok" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	c := &client{t: t, handler: api.Handler()}

	rec := c.do(http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: "Manager", Password: "manager123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	if resp.AccessToken == "" || resp.Role != service.RoleManager || resp.Shop != "main-shop" {
		t.Fatalf("unexpected login response %+v", resp)
	}
}

func TestHandleLogin_WrongPassword(t *testing.T) {
	api := newTestAPI(t)
	c := &client{t: t, handler: api.Handler()}

	rec := c.do(http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: "staff", Password: "nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	api := newTestAPI(t)
	c := &client{t: t, handler: api.Handler()}

	if rec := c.do(http.MethodGet, "/api/v1/inventory", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	c.token = "not-a-jwt"
	if rec := c.do(http.MethodGet, "/api/v1/inventory", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestStaffCannotManageInventory(t *testing.T) {
	api := newTestAPI(t)
	staff := newClient(t, api, "staff", "staff123")

	if rec := staff.do(http.MethodPost, "/api/v1/inventory/seed", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff seed, got %d", rec.Code)
	}
	rec := staff.do(http.MethodPost, "/api/v1/inventory", domain.ItemUpsertRequest{Category: domain.CategoryOther, Name: "Lighter"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff create, got %d", rec.Code)
	}
}

func TestSaleCreateAndDeleteRestoresStock(t *testing.T) {
	api := newTestAPI(t)
	manager := newClient(t, api, "manager", "manager123")
	staff := newClient(t, api, "staff", "staff123")

	if rec := manager.do(http.MethodPost, "/api/v1/inventory/seed", nil); rec.Code != http.StatusOK {
		t.Fatalf("seed: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec := staff.do(http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{
		ProductType:   domain.CategoryFlower,
		ProductName:   "Runtz",
		Quantity:      5,
		PaymentMethod: domain.PaymentCash,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created ledger.SaleResult
	decodeBody(t, rec, &created)
	if !created.StockAdjusted || created.Sale.OriginalPrice != 1800 || created.Sale.StaffName != "staff" {
		t.Fatalf("unexpected sale result %+v", created)
	}
	if got := findItem(t, staff, "Runtz").StockLevel; got != 15 {
		t.Fatalf("expected Runtz at 15, got %v", got)
	}

	rec = staff.do(http.MethodDelete, "/api/v1/sales/"+created.Sale.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete sale: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if got := findItem(t, staff, "Runtz").StockLevel; got != 20 {
		t.Fatalf("expected Runtz back at 20, got %v", got)
	}

	if rec := staff.do(http.MethodDelete, "/api/v1/sales/"+created.Sale.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting a deleted sale, got %d", rec.Code)
	}
}

func TestSaleValidationReturns422(t *testing.T) {
	api := newTestAPI(t)
	staff := newClient(t, api, "staff", "staff123")

	rec := staff.do(http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{
		ProductType:   domain.CategoryFlower,
		ProductName:   "Runtz",
		Quantity:      0,
		PaymentMethod: domain.PaymentCash,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	api := newTestAPI(t)
	staff := newClient(t, api, "staff", "staff123")

	rec := staff.do(http.MethodPost, "/api/v1/expenses", map[string]any{"description": "ice", "amount": 40, "bogus": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCloseDayAndRestore(t *testing.T) {
	api := newTestAPI(t)
	manager := newClient(t, api, "manager", "manager123")
	staff := newClient(t, api, "staff", "staff123")

	price := 250.0
	rec := staff.do(http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{
		ProductType:   domain.CategoryOther,
		ProductName:   "Sticker pack",
		Quantity:      1,
		Price:         &price,
		PaymentMethod: domain.PaymentScan,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if rec := staff.do(http.MethodPost, "/api/v1/expenses", domain.ExpenseCreateRequest{Description: "ice", Amount: 40}); rec.Code != http.StatusCreated {
		t.Fatalf("add expense: expected 201, got %d", rec.Code)
	}

	rec = staff.do(http.MethodPost, "/api/v1/day/close", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("close day: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var closed ledger.CloseDayResult
	decodeBody(t, rec, &closed)
	if closed.Report.TotalSales != 1 || closed.Report.TotalRevenue != 250 || len(closed.Report.Expenses) != 1 {
		t.Fatalf("unexpected report %+v", closed.Report)
	}

	rec = staff.do(http.MethodGet, "/api/v1/sales", nil)
	var sales struct {
		Sales []domain.SaleRecord `json:"sales"`
	}
	decodeBody(t, rec, &sales)
	if len(sales.Sales) != 0 {
		t.Fatalf("expected sales cleared, got %d", len(sales.Sales))
	}

	if rec := staff.do(http.MethodPost, "/api/v1/reports/"+closed.Report.ID+"/restore", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff restore, got %d", rec.Code)
	}
	rec = manager.do(http.MethodPost, "/api/v1/reports/"+closed.Report.ID+"/restore", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("restore: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var restored ledger.RestoreResult
	decodeBody(t, rec, &restored)
	if restored.Restored != 1 {
		t.Fatalf("expected 1 restored sale, got %d", restored.Restored)
	}

	if rec := manager.do(http.MethodGet, "/api/v1/reports/"+closed.Report.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("get report: expected 200, got %d", rec.Code)
	}
	if rec := manager.do(http.MethodDelete, "/api/v1/reports/"+closed.Report.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete report: expected 204, got %d", rec.Code)
	}
	if rec := manager.do(http.MethodGet, "/api/v1/reports/"+closed.Report.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestQuoteEndpoint(t *testing.T) {
	api := newTestAPI(t)
	staff := newClient(t, api, "staff", "staff123")

	rec := staff.do(http.MethodGet, "/api/v1/pricing/quote?grade=Exotic&weight=4", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var quote domain.PriceQuote
	decodeBody(t, rec, &quote)
	if quote.Price != 700 || quote.Segment != "mid" {
		t.Fatalf("unexpected quote %+v", quote)
	}

	if rec := staff.do(http.MethodGet, "/api/v1/pricing/quote?grade=Exotic&weight=abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad weight, got %d", rec.Code)
	}
	if rec := staff.do(http.MethodGet, "/api/v1/pricing/quote?grade=Gold&weight=1", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown grade, got %d", rec.Code)
	}
}

func TestShopsAreIsolated(t *testing.T) {
	api := newTestAPI(t)
	north := newClient(t, api, "north", "north123")
	staff := newClient(t, api, "staff", "staff123")

	if rec := north.do(http.MethodPost, "/api/v1/inventory/seed", nil); rec.Code != http.StatusOK {
		t.Fatalf("seed north: expected 200, got %d", rec.Code)
	}

	rec := staff.do(http.MethodGet, "/api/v1/inventory", nil)
	var body struct {
		Items []domain.InventoryItem `json:"items"`
	}
	decodeBody(t, rec, &body)
	if len(body.Items) != 0 {
		t.Fatalf("expected main-shop inventory to stay empty, got %d items", len(body.Items))
	}
}

func TestStaffManagement(t *testing.T) {
	api := newTestAPI(t)
	manager := newClient(t, api, "manager", "manager123")
	staff := newClient(t, api, "staff", "staff123")

	if rec := staff.do(http.MethodGet, "/api/v1/staff", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rec.Code)
	}

	rec := manager.do(http.MethodPost, "/api/v1/staff", domain.StaffCreateRequest{Username: "nok", Password: "secret99"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create staff: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if rec := manager.do(http.MethodPost, "/api/v1/staff", domain.StaffCreateRequest{Username: "nok", Password: "secret99"}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}

	rec = manager.do(http.MethodGet, "/api/v1/staff", nil)
	var body struct {
		Staff []domain.StaffAccount `json:"staff"`
	}
	decodeBody(t, rec, &body)
	if len(body.Staff) != 3 {
		t.Fatalf("expected 3 main-shop accounts, got %d", len(body.Staff))
	}

	newClient(t, api, "nok", "secret99")
}

func TestNotificationsAndOutOfStock(t *testing.T) {
	api := newTestAPI(t)
	manager := newClient(t, api, "manager", "manager123")

	rec := manager.do(http.MethodPost, "/api/v1/notifications/out-of-stock", nil)
	var body map[string]any
	decodeBody(t, rec, &body)
	if rec.Code != http.StatusOK || body["published"] != false {
		t.Fatalf("expected nothing published, got %d %v", rec.Code, body)
	}

	rec = manager.do(http.MethodPost, "/api/v1/inventory", domain.ItemUpsertRequest{Category: domain.CategoryAccessory, Name: "Grinder"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create item: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if rec := manager.do(http.MethodPost, "/api/v1/notifications/out-of-stock", nil); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 publish, got %d", rec.Code)
	}
	if rec := manager.do(http.MethodPost, "/api/v1/notifications", domain.NotificationPublishRequest{Message: "Delivery at 4pm"}); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 publish, got %d", rec.Code)
	}

	rec = manager.do(http.MethodGet, "/api/v1/notifications", nil)
	var list struct {
		Notifications []domain.NotificationEvent `json:"notifications"`
	}
	decodeBody(t, rec, &list)
	if len(list.Notifications) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(list.Notifications))
	}
}

func TestInsightsEndpoints(t *testing.T) {
	api := newTestAPI(t)
	staff := newClient(t, api, "staff", "staff123")

	if rec := staff.do(http.MethodGet, "/api/v1/insights", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any insight, got %d", rec.Code)
	}
	if rec := staff.do(http.MethodPost, "/api/v1/insights", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := staff.do(http.MethodGet, "/api/v1/insights", nil)
		if rec.Code == http.StatusOK {
			var body struct {
				Insight domain.Insight `json:"insight"`
			}
			decodeBody(t, rec, &body)
			if body.Insight.Shop != "main-shop" || body.Insight.Summary == "" {
				t.Fatalf("unexpected insight %+v", body.Insight)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the insight to become available, last status %d", rec.Code)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
