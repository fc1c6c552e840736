// Package rates supplies the stable-to-fiat exchange rate fixed on a request before payout.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/offramp-middleware/internal/metrics"
	"github.com/chainsafe/offramp-middleware/pkg/config"
)

// ErrRateUnavailable means no source could produce a rate
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// Provider returns how many units of quote one unit of base is worth
type Provider interface {
	Rate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// HTTPProvider reads rates from a JSON endpoint: GET <url>?base=USDT&quote=NGN -> {"rate":"1530.5"}
type HTTPProvider struct {
	url  string
	http *http.Client
}

// NewHTTPProvider creates a rate provider backed by a JSON endpoint
func NewHTTPProvider(cfg *config.RatesConfig) *HTTPProvider {
	return &HTTPProvider{url: cfg.URL, http: &http.Client{Timeout: cfg.Timeout}}
}

func (p *HTTPProvider) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	u, err := url.Parse(p.url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rates url: %w", err)
	}
	q := u.Query()
	q.Set("base", strings.ToUpper(base))
	q.Set("quote", strings.ToUpper(quote))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrRateUnavailable, resp.StatusCode)
	}

	var body struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode: %v", ErrRateUnavailable, err)
	}
	if !body.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive rate %s", ErrRateUnavailable, body.Rate)
	}
	metrics.RateLookups.WithLabelValues("http").Inc()
	return body.Rate, nil
}

// StaticProvider always returns the configured rate
type StaticProvider struct {
	rate decimal.Decimal
}

// NewStaticProvider creates a fixed-rate provider
func NewStaticProvider(rate decimal.Decimal) *StaticProvider {
	return &StaticProvider{rate: rate}
}

func (p *StaticProvider) Rate(context.Context, string, string) (decimal.Decimal, error) {
	if !p.rate.IsPositive() {
		return decimal.Zero, ErrRateUnavailable
	}
	metrics.RateLookups.WithLabelValues("static").Inc()
	return p.rate, nil
}

// FallbackProvider asks primary first and falls back on any error
type FallbackProvider struct {
	primary  Provider
	fallback Provider
	logger   *zap.Logger
}

// NewFallbackProvider chains two providers
func NewFallbackProvider(primary, fallback Provider, logger *zap.Logger) *FallbackProvider {
	return &FallbackProvider{primary: primary, fallback: fallback, logger: logger}
}

func (p *FallbackProvider) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	rate, err := p.primary.Rate(ctx, base, quote)
	if err == nil {
		return rate, nil
	}
	p.logger.Warn("Primary rate source failed, using fallback",
		zap.String("base", base), zap.String("quote", quote), zap.Error(err))
	return p.fallback.Rate(ctx, base, quote)
}

// CachedProvider keeps rates in Redis for a TTL
type CachedProvider struct {
	client redis.UniversalClient
	next   Provider
	ttl    time.Duration
	logger *zap.Logger
}

const keyRate = "offramp:rate:%s:%s"

// NewCachedProvider wraps next with a Redis cache
func NewCachedProvider(client redis.UniversalClient, next Provider, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	return &CachedProvider{client: client, next: next, ttl: ttl, logger: logger.Named("rate_cache")}
}

func (p *CachedProvider) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	key := fmt.Sprintf(keyRate, strings.ToUpper(base), strings.ToUpper(quote))

	cached, err := p.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if rate, perr := decimal.NewFromString(cached); perr == nil && rate.IsPositive() {
			metrics.RateLookups.WithLabelValues("cache").Inc()
			return rate, nil
		}
	case errors.Is(err, redis.Nil):
	default:
		// Cache trouble must not block payouts.
		p.logger.Warn("Rate cache read failed", zap.String("key", key), zap.Error(err))
	}

	rate, err := p.next.Rate(ctx, base, quote)
	if err != nil {
		return decimal.Zero, err
	}
	if err := p.client.Set(ctx, key, rate.String(), p.ttl).Err(); err != nil {
		p.logger.Warn("Rate cache write failed", zap.String("key", key), zap.Error(err))
	}
	return rate, nil
}

// New builds the provider chain described by cfg. client may be nil when Redis is disabled.
func New(cfg *config.RatesConfig, client redis.UniversalClient, logger *zap.Logger) (Provider, error) {
	var fallback Provider
	if cfg.FallbackRate != "" {
		rate, err := decimal.NewFromString(cfg.FallbackRate)
		if err != nil {
			return nil, fmt.Errorf("invalid fallback rate: %w", err)
		}
		fallback = NewStaticProvider(rate)
	}

	var p Provider
	switch {
	case cfg.URL != "" && fallback != nil:
		p = NewFallbackProvider(NewHTTPProvider(cfg), fallback, logger)
	case cfg.URL != "":
		p = NewHTTPProvider(cfg)
	case fallback != nil:
		// A static rate needs no cache.
		return fallback, nil
	default:
		return nil, fmt.Errorf("no exchange rate source configured")
	}

	if client != nil && cfg.CacheTTL > 0 {
		p = NewCachedProvider(client, p, cfg.CacheTTL, logger)
	}
	return p, nil
}
