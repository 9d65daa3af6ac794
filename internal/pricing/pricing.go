// Package pricing derives market statistics for a category and location
// from live listings and recent negotiations. Results are cached with a
// short TTL and are allowed to be stale until it expires.
package pricing

import (
	"context"
	"time"

	"github.com/mbd888/mandi/internal/products"
)

// Trend classifies recent price movement.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// Multiplier is the per-week price multiplier used for predictions.
func (t Trend) Multiplier() float64 {
	switch t {
	case TrendRising:
		return 1.05
	case TrendFalling:
		return 0.95
	default:
		return 1.0
	}
}

// Demand and supply buckets.
const (
	DemandHigh   = "high"
	DemandMedium = "medium"
	DemandLow    = "low"

	SupplyAbundant = "abundant"
	SupplyNormal   = "normal"
	SupplyScarce   = "scarce"

	VolatilityLow    = "low"
	VolatilityMedium = "medium"
	VolatilityHigh   = "high"
)

// Thresholds drives every bucket and band in the computation.
type Thresholds struct {
	TrendWindowMax     int     // samples per window in the two-window trend
	TrendMinSamples    int     // fewer samples than this is always stable
	TrendBand          float64 // relative change that counts as rising/falling
	HistoryTrendBand   float64 // day-over-day band for history points
	DemandHighRatio    float64
	DemandMediumRatio  float64
	SupplyAbundantQty  float64
	SupplyNormalQty    float64
	HighVolatilityCV   float64
	LowVolatilityCV    float64
	LookbackWindow     time.Duration
	MinConfidence      float64
	MaxConfidence      float64
	DefaultConfidence  float64
	DefaultHistoryDays int
	MaxHistoryDays     int
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TrendWindowMax:     7,
		TrendMinSamples:    4,
		TrendBand:          0.03,
		HistoryTrendBand:   0.02,
		DemandHighRatio:    0.7,
		DemandMediumRatio:  0.3,
		SupplyAbundantQty:  100,
		SupplyNormalQty:    50,
		HighVolatilityCV:   0.3,
		LowVolatilityCV:    0.1,
		LookbackWindow:     30 * 24 * time.Hour,
		MinConfidence:      0.1,
		MaxConfidence:      0.95,
		DefaultConfidence:  0.3,
		DefaultHistoryDays: 30,
		MaxHistoryDays:     365,
	}
}

// PriceRange is an inclusive min/max pair.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Insights is the heuristic market commentary attached to a record.
type Insights struct {
	SeasonalFactor  float64  `json:"seasonalFactor"`
	SeasonalReason  string   `json:"seasonalReason"`
	DemandLevel     string   `json:"demandLevel"`
	SupplyStatus    string   `json:"supplyStatus"`
	Volatility      string   `json:"volatility"`
	Recommendations []string `json:"recommendations"`
}

// Predictions are projected average prices.
type Predictions struct {
	NextWeek  float64 `json:"nextWeek"`
	NextMonth float64 `json:"nextMonth"`
}

// Record is a price-discovery result for one category and location.
type Record struct {
	ProductCategory string      `json:"productCategory"`
	Location        string      `json:"location"`
	AveragePrice    float64     `json:"averagePrice"`
	PriceRange      PriceRange  `json:"priceRange"`
	MarketTrend     Trend       `json:"marketTrend"`
	Confidence      float64     `json:"confidence"`
	SampleSize      int         `json:"sampleSize"`
	IsDefault       bool        `json:"isDefault"`
	Insights        Insights    `json:"aiInsights"`
	Predictions     Predictions `json:"predictions"`
	LastUpdated     time.Time   `json:"lastUpdated"`
}

// HistoryPoint is one calendar day (UTC) of listing updates.
type HistoryPoint struct {
	Date         time.Time `json:"date"`
	AveragePrice float64   `json:"averagePrice"`
	Volume       int       `json:"volume"`
	Trend        Trend     `json:"trend"`
}

// ListingSource reads listings. products.Store satisfies it.
type ListingSource interface {
	List(ctx context.Context, f products.Filter) ([]*products.Product, error)
}

// NegotiationCounter counts negotiations on a set of listings updated since
// a point in time. An empty status counts every status.
type NegotiationCounter interface {
	CountForProducts(ctx context.Context, productIDs []string, status string, since time.Time) (int, error)
}
