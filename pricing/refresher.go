package pricing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// fetcher abstracts the price API client so the refresher can be tested
// against a mock.
type fetcher interface {
	FetchPrices(ctx context.Context, previous, next int) ([]PricePoint, error)
	FetchUsage(ctx context.Context, from, to time.Time) ([]UsageRecord, error)
}

// RefresherConfig carries the tunables for the background refresher.
type RefresherConfig struct {
	Interval            time.Duration // cadence of automatic refreshes
	StaleTTL            time.Duration // how long cached data stays trustworthy without a successful refresh
	MaxConcurrentErrors int           // consecutive failures before the source is declared down
	LookbackSlots       int           // half-hours of history to request
	ForecastSlots       int           // half-hours of forecast to request
	CacheFile           string        // on-disk cache path, empty disables persistence
	FetchUsage          bool
}

// Refresher periodically pulls prices from the API and merges them into the
// cache. Put a value on Kick to force an immediate refresh; completed
// refreshes are announced on Refreshed.
type Refresher struct {
	Kick      chan struct{}
	Refreshed chan struct{}

	cache  *Cache
	client fetcher
	config RefresherConfig
	logger *slog.Logger

	mu          sync.Mutex
	errorStreak int
	lastSuccess time.Time
}

// NewRefresher wires a refresher to the given cache and API client.
func NewRefresher(cache *Cache, client fetcher, config RefresherConfig) *Refresher {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.StaleTTL <= 0 {
		config.StaleTTL = 30 * time.Minute
	}
	if config.MaxConcurrentErrors <= 0 {
		config.MaxConcurrentErrors = 5
	}
	if config.LookbackSlots <= 0 {
		config.LookbackSlots = 24 // 12h back for accounting
	}
	if config.ForecastSlots <= 0 {
		config.ForecastSlots = 48 // 24h forward
	}
	return &Refresher{
		Kick:      make(chan struct{}, 1),
		Refreshed: make(chan struct{}, 1),
		cache:     cache,
		client:    client,
		config:    config,
		logger:    slog.Default().With("component", "price_refresher"),
	}
}

// Down reports whether the price source is currently considered unusable.
// Consumers fall back to schedule/default pricing while down.
func (r *Refresher) Down() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorStreak >= r.config.MaxConcurrentErrors
}

// LastSuccess returns the time of the last successful refresh.
func (r *Refresher) LastSuccess() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSuccess
}

// Run loops forever refreshing prices on the configured cadence, or
// immediately when kicked. Exits when the context is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	if r.config.CacheFile != "" {
		if err := r.cache.LoadFile(r.config.CacheFile); err != nil {
			r.logger.Warn("Could not load price cache file", "file", r.config.CacheFile, "error", err)
		}
	}

	// refresh immediately on startup, don't wait for the first tick
	r.Refresh(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Refresh(ctx)
		case <-r.Kick:
			r.Refresh(ctx)
		}
	}
}

// Refresh performs one refresh cycle. It is idempotent and safe to call on
// demand.
func (r *Refresher) Refresh(ctx context.Context) {
	points, err := r.client.FetchPrices(ctx, r.config.LookbackSlots, r.config.ForecastSlots)
	if err != nil {
		r.recordFailure(err)
		return
	}

	r.cache.Merge(points)
	r.cache.Trim(time.Now().UTC().Add(-time.Duration(r.config.LookbackSlots+4) * 30 * time.Minute))

	if r.config.FetchUsage {
		now := time.Now()
		rows, err := r.client.FetchUsage(ctx, now.AddDate(0, 0, -2), now)
		if err != nil {
			r.logger.Warn("Usage fetch failed", "error", err)
		} else if len(rows) > 0 {
			r.cache.AppendUsage(rows)
		}
	}

	r.mu.Lock()
	wasDown := r.errorStreak >= r.config.MaxConcurrentErrors
	r.errorStreak = 0
	r.lastSuccess = time.Now()
	r.mu.Unlock()

	if wasDown {
		r.logger.Info("Price source recovered")
	}

	if r.config.CacheFile != "" {
		if err := r.cache.SaveFile(r.config.CacheFile); err != nil {
			r.logger.Error("Failed to persist price cache", "file", r.config.CacheFile, "error", err)
		}
	}

	r.logger.Debug("Price refresh complete", "points", len(points))

	// non-blocking: a pending notification is as good as two
	select {
	case r.Refreshed <- struct{}{}:
	default:
	}
}

func (r *Refresher) recordFailure(err error) {
	r.mu.Lock()
	r.errorStreak++
	streak := r.errorStreak
	sinceSuccess := time.Since(r.lastSuccess)
	r.mu.Unlock()

	r.logger.Warn("Price refresh failed", "error", err, "consecutive_errors", streak)

	if streak == r.config.MaxConcurrentErrors {
		r.logger.Error("Price source is down, consumers will fall back to schedule pricing", "consecutive_errors", streak)
	}
	if !r.lastSuccessZero() && sinceSuccess > r.config.StaleTTL {
		r.cache.MarkStale()
	}
}

func (r *Refresher) lastSuccessZero() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSuccess.IsZero()
}
