package domain

import "time"

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	Shop        string `json:"shop"`
	ExpiresAt   string `json:"expires_at"`
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type SaleCreateRequest struct {
	ProductType   Category      `json:"product_type"`
	ProductName   string        `json:"product_name"`
	Grade         Grade         `json:"grade,omitempty"`
	Quantity      float64       `json:"quantity"`
	Price         *float64      `json:"price,omitempty"`
	PaymentMethod PaymentMethod `json:"payment_method"`
}

type ItemUpsertRequest struct {
	Category   Category `json:"category"`
	Name       string   `json:"name"`
	Grade      Grade    `json:"grade,omitempty"`
	StockLevel float64  `json:"stock_level"`
	UnitPrice  *float64 `json:"unit_price,omitempty"`
}

type StockAdjustRequest struct {
	ObservedStock float64 `json:"observed_stock"`
	Delta         float64 `json:"delta"`
}

type ExpenseCreateRequest struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

type NotificationPublishRequest struct {
	Message string           `json:"message"`
	Type    NotificationType `json:"type"`
}

type PriceQuote struct {
	Grade   Grade   `json:"grade"`
	Weight  float64 `json:"weight"`
	Price   float64 `json:"price"`
	Segment string  `json:"segment"`
}

type Insight struct {
	Shop        string    `json:"shop"`
	Summary     string    `json:"summary"`
	SalesCount  int       `json:"sales_count"`
	GeneratedAt time.Time `json:"generated_at"`
}
