// Package collector provides the shared cache-TTL/circuit-gated/retry
// fetch framework and the five source-specific collectors that adapt it.
package collector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nursedude/meshforge-maps/pkg/circuit"
	"github.com/nursedude/meshforge-maps/pkg/geo"
	"github.com/nursedude/meshforge-maps/pkg/retry"
)

// Fetcher is the source-specific wire adapter a collector supplies to
// Base.Collect. It performs the actual network call and returns a fresh
// FeatureCollection.
type Fetcher func(ctx context.Context) (geo.FeatureCollection, error)

// HealthInfo reports a collector's operating statistics.
type HealthInfo struct {
	Source           string
	TotalCollections int64
	TotalErrors      int64
	LastError        string
	LastSuccessTime  time.Time
	CircuitState     circuit.State
	AvgCollectMS     float64
}

// Base implements the TTL-cache + circuit-breaker + bounded-retry
// algorithm shared by every collector (spec §4.5): if the cache is fresh,
// return it; otherwise attempt a fetch under the circuit breaker with
// bounded exponential backoff; on success, refresh the cache; on
// exhausted retries, fall back to a stale cache if one exists, else an
// empty FeatureCollection.
type Base struct {
	source  string
	ttl     time.Duration
	breaker *circuit.Breaker
	runner  *retry.Runner
	limiter *rate.Limiter

	mu               sync.Mutex
	cache            geo.FeatureCollection
	hasCache         bool
	cachedAt         time.Time
	totalCollections int64
	totalErrors      int64
	lastError        string
	lastSuccessTime  time.Time
	latencySamples   []float64
}

// NewBase creates a collector framework instance. ttl controls cache
// freshness; breaker gates fetch attempts; limiter (optional, may be nil)
// throttles outbound fetch attempts.
func NewBase(source string, ttl time.Duration, breaker *circuit.Breaker, limiter *rate.Limiter) *Base {
	return &Base{
		source:  source,
		ttl:     ttl,
		breaker: breaker,
		runner: retry.NewRunner(retry.Config{
			MaxAttempts:   3, // 2 retries after the first attempt
			InitialDelay:  time.Second,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2.0,
		}),
		limiter: limiter,
	}
}

const maxLatencySamples = 50

// Collect runs the cache/circuit/retry algorithm against fetch.
func (b *Base) Collect(ctx context.Context, fetch Fetcher) geo.FeatureCollection {
	b.mu.Lock()
	fresh := b.hasCache && time.Since(b.cachedAt) < b.ttl
	cached := b.cache
	hasCache := b.hasCache
	b.mu.Unlock()

	if fresh {
		return cached
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return b.fallback(hasCache, cached)
		}
	}

	if !b.breaker.CanExecute() {
		return b.fallback(hasCache, cached)
	}

	start := time.Now()
	var result geo.FeatureCollection
	err := b.runner.Do(ctx, func(ctx context.Context) error {
		fc, ferr := fetch(ctx)
		if ferr != nil {
			return ferr
		}
		result = fc
		return nil
	})
	elapsed := time.Since(start)

	b.mu.Lock()
	b.totalCollections++
	b.recordLatencyLocked(elapsed)
	b.mu.Unlock()

	if err != nil {
		b.breaker.RecordFailure()
		b.mu.Lock()
		b.totalErrors++
		b.lastError = err.Error()
		b.mu.Unlock()
		return b.fallback(hasCache, cached)
	}

	b.breaker.RecordSuccess()
	b.mu.Lock()
	b.cache = result
	b.hasCache = true
	b.cachedAt = time.Now()
	b.lastSuccessTime = b.cachedAt
	b.mu.Unlock()
	return result
}

func (b *Base) recordLatencyLocked(d time.Duration) {
	ms := float64(d.Milliseconds())
	b.latencySamples = append(b.latencySamples, ms)
	if len(b.latencySamples) > maxLatencySamples {
		b.latencySamples = b.latencySamples[len(b.latencySamples)-maxLatencySamples:]
	}
}

func (b *Base) fallback(hasCache bool, cached geo.FeatureCollection) geo.FeatureCollection {
	if hasCache {
		return cached
	}
	return geo.Empty(b.source)
}

// Health returns the collector's current health snapshot.
func (b *Base) Health() HealthInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	var avg float64
	if len(b.latencySamples) > 0 {
		var sum float64
		for _, v := range b.latencySamples {
			sum += v
		}
		avg = sum / float64(len(b.latencySamples))
	}
	return HealthInfo{
		Source:           b.source,
		TotalCollections: b.totalCollections,
		TotalErrors:      b.totalErrors,
		LastError:        b.lastError,
		LastSuccessTime:  b.lastSuccessTime,
		CircuitState:     b.breaker.State(),
		AvgCollectMS:     avg,
	}
}
