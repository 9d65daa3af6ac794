package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/mbd888/mandi/internal/metrics"
	"github.com/mbd888/mandi/internal/money"
	"github.com/mbd888/mandi/internal/pricing"
	"github.com/mbd888/mandi/internal/products"
)

// Engine tuning. Prices are per unit.
const (
	belowMarketFactor   = 0.85
	aboveMarketFactor   = 1.10
	discountPerMessage  = 0.02
	maxDiscount         = 0.15
	maxConfidence       = 0.95
	fairnessBaseline    = 0.5
	priceWeight         = 0.4
	balanceWeight       = 0.3
	trendWeight         = 0.3
	fairBandLow         = 0.9
	fairBandHigh        = 1.1
	balanceWarning      = 0.7
	bulkShareOfStock    = 0.5
	bulkDiscount        = 0.95
	optimalRangeLow     = 0.8
	optimalRangeHigh    = 1.2
	deviationMultiplier = 2
)

// ProductLookup loads a listing by id.
type ProductLookup interface {
	Get(ctx context.Context, id string) (*products.Product, error)
}

// MarketData answers price-discovery queries.
type MarketData interface {
	GetPriceDiscovery(ctx context.Context, category, location string) *pricing.Record
}

// Suggestion is a counter-offer proposal for the party who just made an offer.
type Suggestion struct {
	SuggestedPrice    float64 `json:"suggestedPrice"`
	SuggestedQuantity float64 `json:"suggestedQuantity"`
	Reasoning         string  `json:"reasoning"`
	Confidence        float64 `json:"confidence"`
}

// FairnessReport scores how balanced and market-aligned a negotiation is.
type FairnessReport struct {
	FairnessScore   float64  `json:"fairnessScore"`
	Analysis        string   `json:"analysis"`
	Recommendations []string `json:"recommendations"`
}

// OptimalPrice is a recommended unit price for buying a quantity of a listing.
type OptimalPrice struct {
	OptimalPrice float64            `json:"optimalPrice"`
	PriceRange   pricing.PriceRange `json:"priceRange"`
	Reasoning    string             `json:"reasoning"`
}

// Engine computes suggestions from a negotiation's history and market data.
// Every operation returns nil when its inputs cannot be loaded; failures are
// logged and never surface to the caller.
type Engine struct {
	store    Store
	products ProductLookup
	market   MarketData
	logger   *slog.Logger
}

// NewEngine creates a negotiation engine.
func NewEngine(store Store, productLookup ProductLookup, market MarketData, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, products: productLookup, market: market, logger: logger}
}

// SuggestCounterOffer proposes a response to an offer of price × quantity.
func (e *Engine) SuggestCounterOffer(ctx context.Context, negotiationID string, price, quantity float64) *Suggestion {
	return e.suggestAfter(ctx, negotiationID, -1, price, quantity)
}

// suggestAfter counts rounds messages toward the in-range discount, or the
// stored message count when rounds is negative.
func (e *Engine) suggestAfter(ctx context.Context, negotiationID string, rounds int, price, quantity float64) *Suggestion {
	n, p, rec := e.load(ctx, "suggest", negotiationID)
	if rec == nil {
		return nil
	}
	if rounds < 0 {
		rounds = n.MessageCount
	}
	metrics.EngineResultsTotal.WithLabelValues("suggest", "ok").Inc()
	return suggestCounterOffer(p, rec, rounds, price, quantity)
}

// AnalyzeFairness scores the negotiation's current offer.
func (e *Engine) AnalyzeFairness(ctx context.Context, negotiationID string) *FairnessReport {
	n, _, rec := e.load(ctx, "fairness", negotiationID)
	if rec == nil {
		return nil
	}
	metrics.EngineResultsTotal.WithLabelValues("fairness", "ok").Inc()
	return analyzeFairness(n, rec)
}

// GetOptimalPrice recommends a unit price for buying quantity of a listing.
func (e *Engine) GetOptimalPrice(ctx context.Context, productID string, quantity float64) *OptimalPrice {
	p, err := e.products.Get(ctx, productID)
	if err != nil {
		e.absent("optimal_price", "product_id", productID, err)
		return nil
	}
	rec := e.market.GetPriceDiscovery(ctx, string(p.Category), marketLocation(p))
	if rec == nil {
		e.absent("optimal_price", "product_id", productID, nil)
		return nil
	}
	metrics.EngineResultsTotal.WithLabelValues("optimal_price", "ok").Inc()
	return optimalPrice(p, rec, quantity)
}

func (e *Engine) load(ctx context.Context, op, negotiationID string) (*Negotiation, *products.Product, *pricing.Record) {
	n, err := e.store.Get(ctx, negotiationID)
	if err != nil {
		e.absent(op, "negotiation_id", negotiationID, err)
		return nil, nil, nil
	}
	p, err := e.products.Get(ctx, n.ProductID)
	if err != nil {
		e.absent(op, "negotiation_id", negotiationID, err)
		return nil, nil, nil
	}
	rec := e.market.GetPriceDiscovery(ctx, string(p.Category), marketLocation(p))
	if rec == nil {
		e.absent(op, "negotiation_id", negotiationID, nil)
		return nil, nil, nil
	}
	return n, p, rec
}

func (e *Engine) absent(op, key, id string, err error) {
	metrics.EngineResultsTotal.WithLabelValues(op, "absent").Inc()
	e.logger.Warn("negotiation engine returned no result", "operation", op, key, id, "error", err)
}

func marketLocation(p *products.Product) string {
	return p.Location.City + ", " + p.Location.State
}

func suggestCounterOffer(p *products.Product, rec *pricing.Record, messageCount int, price, quantity float64) *Suggestion {
	base := p.CurrentPrice
	var (
		suggested float64
		reasoning string
	)

	switch {
	case price < rec.PriceRange.Min:
		suggested = money.Round2(math.Max(rec.PriceRange.Min, base*belowMarketFactor))
		reasoning = fmt.Sprintf("Your offer is below market minimum (%s). Consider %s which is fair based on current market trends.",
			money.Format(rec.PriceRange.Min), money.Format(suggested))
	case price > rec.PriceRange.Max:
		suggested = money.Round2(math.Min(rec.PriceRange.Max, base*aboveMarketFactor))
		reasoning = fmt.Sprintf("Your offer exceeds market maximum (%s). A fair price would be around %s.",
			money.Format(rec.PriceRange.Max), money.Format(suggested))
	default:
		discount := math.Min(maxDiscount, float64(messageCount)*discountPerMessage)
		suggested = money.Round2(base * (1 - discount))
		reasoning = fmt.Sprintf("Based on %d rounds of negotiation and current market trends, %s would be a fair compromise.",
			messageCount, money.Format(suggested))
	}

	if quantity > p.Quantity {
		quantity = p.Quantity
		reasoning += fmt.Sprintf(" Note: Maximum available quantity is %s %s.", formatQuantity(p.Quantity), p.Unit)
	}

	return &Suggestion{
		SuggestedPrice:    suggested,
		SuggestedQuantity: quantity,
		Reasoning:         reasoning,
		Confidence:        money.Round2(math.Min(maxConfidence, rec.Confidence*0.8+0.2)),
	}
}

func analyzeFairness(n *Negotiation, rec *pricing.Record) *FairnessReport {
	current := n.CurrentOffer.Price
	avg := rec.AveragePrice

	priceFairness := 0.0
	if avg > 0 {
		deviation := math.Abs(current-avg) / avg
		priceFairness = math.Max(0, 1-deviation*deviationMultiplier)
	}

	var buyerMsgs, vendorMsgs int
	for _, m := range n.Messages {
		switch m.SenderID {
		case n.BuyerID:
			buyerMsgs++
		case n.VendorID:
			vendorMsgs++
		}
	}
	total := max(buyerMsgs+vendorMsgs, 1)
	balance := 1 - math.Abs(float64(buyerMsgs-vendorMsgs))/float64(total)

	score := fairnessBaseline +
		priceFairness*priceWeight +
		balance*balanceWeight +
		trendFairness(rec.MarketTrend)*trendWeight

	recs := []string{}
	var position string
	switch {
	case current < avg*fairBandLow:
		position = "is below market average."
		recs = append(recs, "Consider increasing the offer to match market rates")
	case current > avg*fairBandHigh:
		position = "is above market average."
		recs = append(recs, "Consider reducing the price to market levels")
	default:
		position = "is within fair market range."
	}
	if balance < balanceWarning {
		recs = append(recs, "Encourage more balanced participation from both parties")
	}
	switch rec.MarketTrend {
	case pricing.TrendRising:
		recs = append(recs, "Consider market is trending upward - prices may increase")
	case pricing.TrendFalling:
		recs = append(recs, "Market is trending downward - good time for buyers")
	}

	return &FairnessReport{
		FairnessScore:   money.Round2(math.Min(1, math.Max(0, score))),
		Analysis:        fmt.Sprintf("Current offer of %s %s", money.Format(current), position),
		Recommendations: recs,
	}
}

func trendFairness(t pricing.Trend) float64 {
	switch t {
	case pricing.TrendRising:
		return 0.7
	case pricing.TrendFalling:
		return 0.8
	default:
		return 1.0
	}
}

func optimalPrice(p *products.Product, rec *pricing.Record, quantity float64) *OptimalPrice {
	price := rec.AveragePrice
	if quantity > p.Quantity*bulkShareOfStock {
		price *= bulkDiscount
	}
	price *= rec.MarketTrend.Multiplier()

	return &OptimalPrice{
		OptimalPrice: money.Round2(price),
		PriceRange: pricing.PriceRange{
			Min: money.Round2(math.Max(rec.PriceRange.Min, p.CurrentPrice*optimalRangeLow)),
			Max: money.Round2(math.Min(rec.PriceRange.Max, p.CurrentPrice*optimalRangeHigh)),
		},
		Reasoning: fmt.Sprintf("Optimal price calculated based on market average (%s), current trend (%s), and quantity requested (%s %s).",
			money.Format(rec.AveragePrice), rec.MarketTrend, formatQuantity(quantity), p.Unit),
	}
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
