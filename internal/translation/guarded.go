package translation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/mandi/internal/cache"
	"github.com/mbd888/mandi/internal/circuitbreaker"
	"github.com/mbd888/mandi/internal/metrics"
)

// Breaker wraps a Translator with a circuit breaker keyed by language pair.
type Breaker struct {
	next    Translator
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewBreaker guards next with b. A non-positive timeout disables the per-call deadline.
func NewBreaker(next Translator, b *circuitbreaker.Breaker, timeout time.Duration) *Breaker {
	return &Breaker{next: next, breaker: b, timeout: timeout}
}

// Translate implements Translator. It returns circuitbreaker.ErrOpen while
// the pair's circuit is open.
func (g *Breaker) Translate(ctx context.Context, text, from, to string) (Result, error) {
	var res Result
	err := g.breaker.Execute(from+">"+to, func() error {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		var err error
		res, err = g.next.Translate(callCtx, text, from, to)
		return err
	})
	return res, err
}

// Cached memoizes translations in a cache.Store.
type Cached struct {
	next   Translator
	store  cache.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewCached returns a caching Translator. Cache read and write errors are
// logged and never fail a translation.
func NewCached(next Translator, store cache.Store, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, store: store, ttl: ttl, logger: logger}
}

// CacheKey identifies a translation of text between two languages.
func CacheKey(text, from, to string) string {
	sum := sha256.Sum256([]byte(text))
	return from + ":" + to + ":" + hex.EncodeToString(sum[:16])
}

// Translate implements Translator.
func (c *Cached) Translate(ctx context.Context, text, from, to string) (Result, error) {
	key := CacheKey(text, from, to)

	var hit Result
	found, err := c.store.Get(ctx, key, &hit)
	if err != nil {
		c.logger.Warn("translation cache read failed", "error", err)
	}
	if found {
		metrics.TranslationsTotal.WithLabelValues("cache_hit").Inc()
		return hit, nil
	}

	res, err := c.next.Translate(ctx, text, from, to)
	if err != nil {
		return Result{}, err
	}
	if err := c.store.Set(ctx, key, res, c.ttl); err != nil {
		c.logger.Warn("translation cache write failed", "error", err)
	}
	return res, nil
}

// ForRecipient translates text written in from for a reader of to. It
// returns ok=false when no translation should be attached: same language,
// a failed or blocked translation, or output identical to the input.
func ForRecipient(ctx context.Context, t Translator, text, from, to string, logger *slog.Logger) (string, bool) {
	if t == nil || from == to || text == "" {
		metrics.TranslationsTotal.WithLabelValues("skipped").Inc()
		return "", false
	}
	res, err := t.Translate(ctx, text, from, to)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			outcome = "circuit_open"
		}
		metrics.TranslationsTotal.WithLabelValues(outcome).Inc()
		if logger != nil {
			logger.Warn("message translation failed", "from", from, "to", to, "error", err)
		}
		return "", false
	}
	if res.TranslatedText == text {
		metrics.TranslationsTotal.WithLabelValues("identical").Inc()
		return "", false
	}
	metrics.TranslationsTotal.WithLabelValues("translated").Inc()
	return res.TranslatedText, true
}
