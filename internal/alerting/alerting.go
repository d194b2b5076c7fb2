// Package alerting turns successive inventory snapshots into low-stock and
// out-of-stock alerts. A Tracker belongs to one terminal session.
package alerting

import (
	"fmt"
	"sort"
	"strings"

	"shopledger/backend/internal/domain"
)

// LowStockThreshold is the level at or below which a positive stock level is
// considered low.
const LowStockThreshold = 10.0

type Kind string

const (
	KindLowStock   Kind = "low_stock"
	KindOutOfStock Kind = "out_of_stock"
)

type Alert struct {
	Kind     Kind     `json:"kind"`
	ItemID   string   `json:"item_id"`
	ItemName string   `json:"item_name"`
	Stock    float64  `json:"stock"`
	Previous *float64 `json:"previous,omitempty"`
}

func (a Alert) Message() string {
	switch a.Kind {
	case KindOutOfStock:
		return fmt.Sprintf("%s is out of stock", a.ItemName)
	case KindLowStock:
		return fmt.Sprintf("%s is running low (%s left)", a.ItemName, formatLevel(a.Stock))
	}
	return a.ItemName
}

type phase int

const (
	unprimed phase = iota
	primed
)

// Tracker remembers the last stock level per item and reports threshold
// crossings. The first snapshot after creation or Reset only sets the
// baseline.
type Tracker struct {
	phase    phase
	previous map[string]float64
}

func NewTracker() *Tracker {
	return &Tracker{previous: make(map[string]float64)}
}

func (t *Tracker) Primed() bool {
	return t.phase == primed
}

// Observe diffs items against the baseline, returns the alerts to raise, and
// makes items the new baseline.
func (t *Tracker) Observe(items []domain.InventoryItem) []Alert {
	next := make(map[string]float64, len(items))
	for _, item := range items {
		next[item.ID] = item.StockLevel
	}

	if t.phase == unprimed {
		t.previous = next
		t.phase = primed
		return nil
	}

	var alerts []Alert
	for _, item := range items {
		current := item.StockLevel
		prev, known := t.previous[item.ID]

		var kind Kind
		switch {
		case current <= 0 && (!known || prev > 0):
			kind = KindOutOfStock
		case current > 0 && current <= LowStockThreshold && (!known || prev > LowStockThreshold):
			kind = KindLowStock
		default:
			continue
		}

		alert := Alert{Kind: kind, ItemID: item.ID, ItemName: item.Name, Stock: current}
		if known {
			p := prev
			alert.Previous = &p
		}
		alerts = append(alerts, alert)
	}
	t.previous = next
	return alerts
}

// Reset drops the baseline, so the next snapshot primes again.
func (t *Tracker) Reset() {
	t.phase = unprimed
	t.previous = make(map[string]float64)
}

// OutOfStockSummary builds one message naming every item at or below zero.
// ok is false when nothing is out of stock.
func OutOfStockSummary(items []domain.InventoryItem) (string, bool) {
	var names []string
	for _, item := range items {
		if item.StockLevel <= 0 {
			names = append(names, item.Name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return "Out of stock: " + strings.Join(names, ", "), true
}

func formatLevel(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}
