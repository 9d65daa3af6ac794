package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/mandi/internal/cache"
	"github.com/mbd888/mandi/internal/metrics"
	"github.com/mbd888/mandi/internal/money"
	"github.com/mbd888/mandi/internal/products"
	"github.com/mbd888/mandi/internal/traces"
)

// DefaultCacheTTL is how long a computed record is served from cache.
const DefaultCacheTTL = 30 * time.Minute

// Service computes and caches price-discovery records.
type Service struct {
	listings     ListingSource
	negotiations NegotiationCounter
	cache        cache.Store
	ttl          time.Duration
	thresholds   Thresholds
	defaults     DefaultPriceTable
	seasonal     SeasonalTable
	logger       *slog.Logger
	now          func() time.Time
	group        singleflight.Group
}

// NewService creates a price-discovery service. negotiations may be nil, in
// which case demand and confidence ignore negotiation activity.
func NewService(listings ListingSource, negotiations NegotiationCounter, store cache.Store, logger *slog.Logger) *Service {
	return &Service{
		listings:     listings,
		negotiations: negotiations,
		cache:        store,
		ttl:          DefaultCacheTTL,
		thresholds:   DefaultThresholds(),
		defaults:     DefaultPrices(),
		seasonal:     DefaultSeasonalTable(),
		logger:       logger,
		now:          time.Now,
	}
}

// WithTTL overrides the cache lifetime.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithClock overrides the time source used for lookback windows and the
// seasonal month. The cache keeps its own clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithSeasonalTable replaces the seasonal calendar.
func (s *Service) WithSeasonalTable(t SeasonalTable) *Service {
	s.seasonal = t
	return s
}

// WithThresholds replaces the computation thresholds.
func (s *Service) WithThresholds(t Thresholds) *Service {
	s.thresholds = t
	return s
}

// CacheKey is the cache key for a category and optional location.
func CacheKey(category, location string) string {
	loc := strings.ToLower(strings.TrimSpace(location))
	if loc == "" {
		loc = "all"
	}
	return strings.ToLower(strings.TrimSpace(category)) + "-" + loc
}

// SplitLocation splits "City, State" into its parts. Either may be empty.
func SplitLocation(location string) (city, state string) {
	parts := strings.SplitN(location, ",", 2)
	city = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		state = strings.TrimSpace(parts[1])
	}
	return city, state
}

// GetPriceDiscovery returns the record for category and location, from cache
// when a fresh entry exists. It never fails: when listings cannot be read
// the category's default record is returned.
func (s *Service) GetPriceDiscovery(ctx context.Context, category, location string) *Record {
	key := CacheKey(category, location)
	ctx, span := traces.StartSpan(ctx, "pricing.GetPriceDiscovery", traces.Category(category), traces.Location(location))
	defer span.End()

	var cached Record
	hit, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.logger.Warn("price cache read failed", "key", key, "error", err)
	}
	span.SetAttributes(traces.CacheHit(hit))
	if hit {
		metrics.PriceCacheLookupsTotal.WithLabelValues("hit").Inc()
		return &cached
	}
	metrics.PriceCacheLookupsTotal.WithLabelValues("miss").Inc()

	// Coalesced callers share one computation, so it must outlive any single
	// caller's cancellation.
	shared := context.WithoutCancel(ctx)
	v, _, _ := s.group.Do(key, func() (any, error) {
		rec, cacheable := s.compute(shared, category, location)
		if cacheable {
			if err := s.cache.Set(shared, key, rec, s.ttl); err != nil {
				s.logger.Warn("price cache write failed", "key", key, "error", err)
			}
		}
		return rec, nil
	})
	rec := *v.(*Record)
	rec.Insights.Recommendations = slices.Clone(rec.Insights.Recommendations)
	return &rec
}

// ClearCache drops every cached record.
func (s *Service) ClearCache(ctx context.Context) error {
	return s.cache.Clear(ctx)
}

// compute builds a fresh record. The bool is false when the result is a
// fallback caused by a read failure and should not be cached.
func (s *Service) compute(ctx context.Context, category, location string) (rec *Record, cacheable bool) {
	ctx, span := traces.StartSpan(ctx, "pricing.compute", traces.Category(category), traces.Location(location))
	start := time.Now()
	defer func() {
		metrics.PriceComputeDuration.Observe(time.Since(start).Seconds())
		span.End()
	}()

	now := s.now()
	city, state := SplitLocation(location)
	filter := products.Filter{Category: products.Category(category), City: city, State: state}

	current, err := s.listings.List(ctx, filter)
	if err != nil {
		s.logger.Warn("price discovery fell back to defaults", "category", category, "location", location, "error", err)
		metrics.PriceFallbacksTotal.WithLabelValues("error").Inc()
		return s.defaultRecord(category, location, now), false
	}
	if len(current) == 0 {
		metrics.PriceFallbacksTotal.WithLabelValues("no_listings").Inc()
		return s.defaultRecord(category, location, now), true
	}

	since := now.Add(-s.thresholds.LookbackWindow)
	historical := make([]*products.Product, 0, len(current))
	for _, p := range current {
		if !p.UpdatedAt.Before(since) {
			historical = append(historical, p)
		}
	}
	sort.SliceStable(historical, func(i, j int) bool {
		return historical[i].UpdatedAt.Before(historical[j].UpdatedAt)
	})

	ids := make([]string, len(current))
	prices := make([]float64, len(current))
	quantities := make([]float64, len(current))
	for i, p := range current {
		ids[i] = p.ID
		prices[i] = p.CurrentPrice
		quantities[i] = p.Quantity
	}

	completed := s.countNegotiations(ctx, ids, "completed", since)
	all := s.countNegotiations(ctx, ids, "", since)

	avg := money.Mean(prices)
	lo, hi := minMax(prices)
	cv := coefficientOfVariation(prices, avg)
	trend := s.twoWindowTrend(historical)
	seasonal := s.seasonal.Lookup(category, now.Month())

	rec = &Record{
		ProductCategory: category,
		Location:        location,
		AveragePrice:    money.Round2(avg),
		PriceRange:      PriceRange{Min: money.Round2(lo), Max: money.Round2(hi)},
		MarketTrend:     trend,
		Confidence:      s.confidence(len(current), completed, len(historical), cv),
		SampleSize:      len(current),
		LastUpdated:     now.UTC(),
	}
	if rec.Location == "" {
		rec.Location = "All locations"
	}
	rec.Insights = Insights{
		SeasonalFactor: seasonal.Factor,
		SeasonalReason: seasonal.Reason,
		DemandLevel:    s.demandLevel(all, len(current)),
		SupplyStatus:   s.supplyStatus(money.Mean(quantities)),
		Volatility:     s.volatility(cv),
	}
	rec.Insights.Recommendations = recommendations(trend, rec.Insights)
	rec.Predictions = predict(rec.AveragePrice, trend, seasonal.Factor)
	return rec, true
}

func (s *Service) countNegotiations(ctx context.Context, ids []string, status string, since time.Time) int {
	if s.negotiations == nil {
		return 0
	}
	n, err := s.negotiations.CountForProducts(ctx, ids, status, since)
	if err != nil {
		s.logger.Warn("negotiation count failed", "status", status, "error", err)
		return 0
	}
	return n
}

func (s *Service) defaultRecord(category, location string, now time.Time) *Record {
	d := s.defaults.Lookup(category)
	seasonal := s.seasonal.Lookup(category, now.Month())
	if location == "" {
		location = "Unknown"
	}
	rec := &Record{
		ProductCategory: category,
		Location:        location,
		AveragePrice:    d.Avg,
		PriceRange:      PriceRange{Min: d.Min, Max: d.Max},
		MarketTrend:     TrendStable,
		Confidence:      s.thresholds.DefaultConfidence,
		IsDefault:       true,
		LastUpdated:     now.UTC(),
		Insights: Insights{
			SeasonalFactor: seasonal.Factor,
			SeasonalReason: seasonal.Reason,
			DemandLevel:    DemandLow,
			SupplyStatus:   SupplyNormal,
			Volatility:     VolatilityMedium,
		},
	}
	rec.Insights.Recommendations = recommendations(TrendStable, rec.Insights)
	rec.Predictions = predict(d.Avg, TrendStable, seasonal.Factor)
	return rec
}

// twoWindowTrend compares the mean of the most recent N samples with the N
// before them. samples must be ordered oldest first.
func (s *Service) twoWindowTrend(samples []*products.Product) Trend {
	n := len(samples)
	if n < s.thresholds.TrendMinSamples {
		return TrendStable
	}
	window := n / 2
	if window > s.thresholds.TrendWindowMax {
		window = s.thresholds.TrendWindowMax
	}

	var recent, prior float64
	for _, p := range samples[n-window:] {
		recent += p.CurrentPrice
	}
	for _, p := range samples[n-2*window : n-window] {
		prior += p.CurrentPrice
	}
	recent /= float64(window)
	prior /= float64(window)

	return classify(recent, prior, s.thresholds.TrendBand)
}

func classify(current, previous, band float64) Trend {
	if previous <= 0 {
		return TrendStable
	}
	change := (current - previous) / previous
	switch {
	case change > band:
		return TrendRising
	case change < -band:
		return TrendFalling
	default:
		return TrendStable
	}
}

func (s *Service) confidence(listings, completedNegotiations, historical int, cv float64) float64 {
	c := 0.5
	c += math.Min(0.3, float64(listings)*0.02)
	c += math.Min(0.15, float64(completedNegotiations)*0.01)
	c += math.Min(0.05, float64(historical)*0.001)

	switch {
	case listings > 1 && cv > s.thresholds.HighVolatilityCV:
		c -= 0.1
	case listings > 1 && cv < s.thresholds.LowVolatilityCV:
		c += 0.05
	}

	c = math.Max(s.thresholds.MinConfidence, math.Min(s.thresholds.MaxConfidence, c))
	return money.Round2(c)
}

func (s *Service) demandLevel(negotiations, listings int) string {
	if listings == 0 {
		return DemandLow
	}
	ratio := float64(negotiations) / float64(listings)
	switch {
	case ratio > s.thresholds.DemandHighRatio:
		return DemandHigh
	case ratio > s.thresholds.DemandMediumRatio:
		return DemandMedium
	default:
		return DemandLow
	}
}

func (s *Service) supplyStatus(avgQuantity float64) string {
	switch {
	case avgQuantity > s.thresholds.SupplyAbundantQty:
		return SupplyAbundant
	case avgQuantity > s.thresholds.SupplyNormalQty:
		return SupplyNormal
	default:
		return SupplyScarce
	}
}

func (s *Service) volatility(cv float64) string {
	switch {
	case cv > s.thresholds.HighVolatilityCV:
		return VolatilityHigh
	case cv < s.thresholds.LowVolatilityCV:
		return VolatilityLow
	default:
		return VolatilityMedium
	}
}

func predict(avg float64, trend Trend, seasonalFactor float64) Predictions {
	m := trend.Multiplier()
	return Predictions{
		NextWeek:  money.Round2(avg * m * (1 + (seasonalFactor-1)*0.1)),
		NextMonth: money.Round2(avg * math.Pow(m, 4) * seasonalFactor),
	}
}

func recommendations(trend Trend, in Insights) []string {
	var out []string
	switch trend {
	case TrendRising:
		out = append(out, "Prices are rising - sellers can hold firm, buyers should buy early")
	case TrendFalling:
		out = append(out, "Prices are falling - buyers have room to negotiate")
	}
	switch in.DemandLevel {
	case DemandHigh:
		out = append(out, "High demand - expect less room for discounts")
	case DemandLow:
		out = append(out, "Low demand - vendors may accept lower offers")
	}
	switch in.SupplyStatus {
	case SupplyScarce:
		out = append(out, "Limited supply - secure quantity before negotiating hard")
	case SupplyAbundant:
		out = append(out, "Plenty of supply - compare several vendors")
	}
	if in.Volatility == VolatilityHigh {
		out = append(out, "Prices vary widely between vendors - check several listings")
	}
	switch {
	case in.SeasonalFactor > 1.05:
		out = append(out, fmt.Sprintf("Seasonal prices above normal: %s", in.SeasonalReason))
	case in.SeasonalFactor < 0.95:
		out = append(out, fmt.Sprintf("Seasonal prices below normal: %s", in.SeasonalReason))
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func minMax(values []float64) (lo, hi float64) {
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func coefficientOfVariation(values []float64, mean float64) float64 {
	if len(values) < 2 || mean == 0 {
		return 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss/float64(len(values))) / mean
}

// GetPriceHistory groups listing updates from the last days (UTC calendar
// days) and tags each day with its change against the previous day.
func (s *Service) GetPriceHistory(ctx context.Context, category, location string, days int) ([]HistoryPoint, error) {
	if days <= 0 {
		days = s.thresholds.DefaultHistoryDays
	}
	if days > s.thresholds.MaxHistoryDays {
		days = s.thresholds.MaxHistoryDays
	}

	city, state := SplitLocation(location)
	list, err := s.listings.List(ctx, products.Filter{
		Category:     products.Category(category),
		City:         city,
		State:        state,
		UpdatedSince: s.now().Add(-time.Duration(days) * 24 * time.Hour),
		SortBy:       products.SortUpdatedAt,
		SortAsc:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("price history: %w", err)
	}

	type bucket struct {
		day    time.Time
		prices []float64
	}
	var buckets []*bucket
	index := make(map[time.Time]*bucket)
	for _, p := range list {
		u := p.UpdatedAt.UTC()
		day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		b, ok := index[day]
		if !ok {
			b = &bucket{day: day}
			index[day] = b
			buckets = append(buckets, b)
		}
		b.prices = append(b.prices, p.CurrentPrice)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].day.Before(buckets[j].day) })

	points := make([]HistoryPoint, 0, len(buckets))
	for i, b := range buckets {
		avg := money.Mean(b.prices)
		trend := TrendStable
		if i > 0 {
			trend = classify(avg, money.Mean(buckets[i-1].prices), s.thresholds.HistoryTrendBand)
		}
		points = append(points, HistoryPoint{
			Date:         b.day,
			AveragePrice: money.Round2(avg),
			Volume:       len(b.prices),
			Trend:        trend,
		})
	}
	return points, nil
}

// GetTrends returns records for several categories at one location.
func (s *Service) GetTrends(ctx context.Context, categories []string, location string) []*Record {
	return s.fanOut(ctx, len(categories), func(i int) (string, string) { return categories[i], location })
}

// Compare returns records for one category across several locations.
func (s *Service) Compare(ctx context.Context, category string, locations []string) []*Record {
	return s.fanOut(ctx, len(locations), func(i int) (string, string) { return category, locations[i] })
}

func (s *Service) fanOut(ctx context.Context, n int, arg func(i int) (string, string)) []*Record {
	out := make([]*Record, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			category, location := arg(i)
			out[i] = s.GetPriceDiscovery(gctx, category, location)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
