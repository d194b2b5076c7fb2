package stock

import "shopledger/backend/internal/domain"

func price(v float64) *float64 { return &v }

// DefaultInventory is the starter catalogue written by Seed. Ids and
// timestamps are assigned at seed time.
func DefaultInventory() []domain.InventoryItem {
	return []domain.InventoryItem{
		{Category: domain.CategoryFlower, Name: "Purple Punch", Grade: domain.GradeMid, StockLevel: 50},
		{Category: domain.CategoryFlower, Name: "Blue Dream", Grade: domain.GradeMid, StockLevel: 50},
		{Category: domain.CategoryFlower, Name: "Gelato #41", Grade: domain.GradeExotic, StockLevel: 40},
		{Category: domain.CategoryFlower, Name: "Zkittlez", Grade: domain.GradeExotic, StockLevel: 40},
		{Category: domain.CategoryFlower, Name: "Wedding Cake", Grade: domain.GradeTop, StockLevel: 30},
		{Category: domain.CategoryFlower, Name: "Runtz", Grade: domain.GradeTopShelf, StockLevel: 20},
		{Category: domain.CategoryPreRoll, Name: "House Pre-Roll", StockLevel: 30, UnitPrice: price(150)},
		{Category: domain.CategoryPreRoll, Name: "Exotic Pre-Roll", StockLevel: 20, UnitPrice: price(250)},
		{Category: domain.CategoryAccessory, Name: "Grinder", StockLevel: 10, UnitPrice: price(350)},
		{Category: domain.CategoryAccessory, Name: "Rolling Papers", StockLevel: 40, UnitPrice: price(40)},
		{Category: domain.CategoryEdible, Name: "Gummies 10mg", StockLevel: 25, UnitPrice: price(120)},
	}
}
