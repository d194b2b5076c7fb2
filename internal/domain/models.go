package domain

import "time"

type Category string

const (
	CategoryFlower    Category = "Flower"
	CategoryPreRoll   Category = "PreRoll"
	CategoryAccessory Category = "Accessory"
	CategoryEdible    Category = "Edible"
	CategoryOther     Category = "Other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryFlower, CategoryPreRoll, CategoryAccessory, CategoryEdible, CategoryOther:
		return true
	}
	return false
}

// Grade is the quality tier of a Flower item. It selects the pricing curve.
type Grade string

const (
	GradeMid      Grade = "Mid"
	GradeExotic   Grade = "Exotic"
	GradeTop      Grade = "Top"
	GradeTopShelf Grade = "TopShelf"
)

func (g Grade) Valid() bool {
	switch g {
	case GradeMid, GradeExotic, GradeTop, GradeTopShelf:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "Cash"
	PaymentScan PaymentMethod = "Scan"
)

func (p PaymentMethod) Valid() bool {
	return p == PaymentCash || p == PaymentScan
}

type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

func (n NotificationType) Valid() bool {
	switch n {
	case NotificationInfo, NotificationWarning, NotificationError:
		return true
	}
	return false
}

// InventoryItem is a stock-keeping record. StockLevel is grams for Flower and
// units for everything else; it is signed and may go negative.
type InventoryItem struct {
	ID          string    `json:"id"`
	Category    Category  `json:"category"`
	Name        string    `json:"name"`
	Grade       Grade     `json:"grade,omitempty"`
	StockLevel  float64   `json:"stockLevel"`
	UnitPrice   *float64  `json:"unitPrice,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (i InventoryItem) DocID() string { return i.ID }
func (i InventoryItem) DocTime() time.Time { return i.LastUpdated }
func (i InventoryItem) IsFlower() bool { return i.Category == CategoryFlower }
func (i InventoryItem) HasUnitPrice() bool { return i.UnitPrice != nil }

// SaleRecord is one completed sale. Records are never mutated in place.
type SaleRecord struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Date          string        `json:"date"`
	ProductType   Category      `json:"productType"`
	ProductName   string        `json:"productName"`
	Grade         Grade         `json:"grade,omitempty"`
	Quantity      float64       `json:"quantity"`
	Price         float64       `json:"price"`
	OriginalPrice float64       `json:"originalPrice"`
	IsNegotiated  bool          `json:"isNegotiated"`
	StaffName     string        `json:"staffName"`
	PaymentMethod PaymentMethod `json:"paymentMethod"`
}

func (s SaleRecord) DocID() string { return s.ID }
func (s SaleRecord) DocTime() time.Time { return s.Timestamp }

type Expense struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e Expense) DocID() string { return e.ID }
func (e Expense) DocTime() time.Time { return e.Timestamp }

// DayReport is the immutable archive of one closed business day. Sales and
// Expenses are copies taken at close time.
type DayReport struct {
	ID           string       `json:"id"`
	Date         string       `json:"date"`
	TotalSales   int          `json:"totalSales"`
	TotalRevenue float64      `json:"totalRevenue"`
	ItemsSold    float64      `json:"itemsSold"`
	Sales        []SaleRecord `json:"sales"`
	Expenses     []Expense    `json:"expenses"`
	Timestamp    time.Time    `json:"timestamp"`
	ClosedBy     string       `json:"closedBy"`
}

func (r DayReport) DocID() string { return r.ID }
func (r DayReport) DocTime() time.Time { return r.Timestamp }

type NotificationEvent struct {
	ID        string           `json:"id"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	SentBy    string           `json:"sentBy"`
}

func (n NotificationEvent) DocID() string { return n.ID }
func (n NotificationEvent) DocTime() time.Time { return n.Timestamp }

type Actor struct {
	Username string
	Role     string
	Shop     string
}

type StaffAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Shop      string    `json:"shop"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
