package pricing

import (
	"time"

	"github.com/mbd888/mandi/internal/products"
)

// DefaultPrice is a fallback price band for a category, in rupees.
type DefaultPrice struct {
	Min float64
	Max float64
	Avg float64
}

// DefaultPriceTable answers categories that have no matching listings.
type DefaultPriceTable map[products.Category]DefaultPrice

// Lookup returns the entry for category, or the "others" entry.
func (t DefaultPriceTable) Lookup(category string) DefaultPrice {
	if p, ok := t[products.Category(category)]; ok {
		return p
	}
	return t[products.CategoryOthers]
}

// DefaultPrices returns the built-in fallback table.
func DefaultPrices() DefaultPriceTable {
	return DefaultPriceTable{
		products.CategoryVegetables: {Min: 20, Max: 80, Avg: 45},
		products.CategoryFruits:     {Min: 30, Max: 150, Avg: 75},
		products.CategoryGrains:     {Min: 25, Max: 60, Avg: 40},
		products.CategorySpices:     {Min: 100, Max: 500, Avg: 250},
		products.CategoryDairy:      {Min: 40, Max: 120, Avg: 70},
		products.CategoryMeat:       {Min: 200, Max: 600, Avg: 350},
		products.CategoryFish:       {Min: 150, Max: 400, Avg: 250},
		products.CategoryPulses:     {Min: 60, Max: 150, Avg: 90},
		products.CategoryOils:       {Min: 80, Max: 200, Avg: 120},
		products.CategoryOthers:     {Min: 50, Max: 200, Avg: 100},
	}
}

// SeasonalFactor scales baseline predictions for a month.
type SeasonalFactor struct {
	Factor float64
	Reason string
}

// SeasonalTable is keyed by category, then month.
type SeasonalTable map[products.Category]map[time.Month]SeasonalFactor

// Lookup returns the factor for category in month. Missing entries are
// neutral.
func (t SeasonalTable) Lookup(category string, month time.Month) SeasonalFactor {
	if months, ok := t[products.Category(category)]; ok {
		if f, ok := months[month]; ok {
			return f
		}
	}
	return SeasonalFactor{Factor: 1.0, Reason: "No seasonal adjustment for this period"}
}

func months(f SeasonalFactor, ms ...time.Month) map[time.Month]SeasonalFactor {
	out := make(map[time.Month]SeasonalFactor, len(ms))
	for _, m := range ms {
		out[m] = f
	}
	return out
}

func merge(maps ...map[time.Month]SeasonalFactor) map[time.Month]SeasonalFactor {
	out := make(map[time.Month]SeasonalFactor)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// DefaultSeasonalTable returns the built-in seasonal calendar for Indian
// mandis.
func DefaultSeasonalTable() SeasonalTable {
	return SeasonalTable{
		products.CategoryVegetables: merge(
			months(SeasonalFactor{0.85, "Winter harvest brings plentiful supply"}, time.December, time.January, time.February),
			months(SeasonalFactor{1.1, "Summer heat reduces yields"}, time.April, time.May),
			months(SeasonalFactor{1.2, "Monsoon disrupts harvesting and transport"}, time.June, time.July, time.August),
		),
		products.CategoryFruits: merge(
			months(SeasonalFactor{0.9, "Mango and summer fruit season"}, time.April, time.May, time.June),
			months(SeasonalFactor{1.1, "Off-season for most local fruits"}, time.November, time.December, time.January),
		),
		products.CategoryGrains: merge(
			months(SeasonalFactor{0.9, "Rabi harvest arrivals"}, time.March, time.April),
			months(SeasonalFactor{1.1, "Lean season before the kharif harvest"}, time.July, time.August),
			months(SeasonalFactor{0.9, "Kharif harvest arrivals"}, time.October, time.November),
		),
		products.CategoryPulses: merge(
			months(SeasonalFactor{0.9, "Rabi pulse harvest"}, time.March),
			months(SeasonalFactor{1.15, "Stocks run low during sowing"}, time.July, time.August, time.September),
		),
		products.CategorySpices: merge(
			months(SeasonalFactor{0.9, "Harvest season arrivals"}, time.February, time.March),
			months(SeasonalFactor{1.1, "Festive season demand"}, time.October, time.November),
		),
		products.CategoryDairy: merge(
			months(SeasonalFactor{1.1, "Milk yields drop in summer"}, time.April, time.May, time.June),
			months(SeasonalFactor{0.95, "Flush season for milk"}, time.November, time.December, time.January),
		),
		products.CategoryFish: merge(
			months(SeasonalFactor{1.3, "Monsoon fishing ban"}, time.June, time.July),
			months(SeasonalFactor{0.9, "Peak catch after the monsoon"}, time.September, time.October),
		),
		products.CategoryOils: merge(
			months(SeasonalFactor{1.05, "Festive season demand"}, time.October, time.November),
		),
	}
}
