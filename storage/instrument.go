package storage

import (
	"context"
	"time"

	"alertfeed/core"
	"alertfeed/metrics"
)

// guarded runs one store round trip under the breaker and records it.
// Query construction and validation happen before this, so filter errors
// never count against the store.
func guarded(ctx context.Context, backend string, breaker *core.CircuitBreaker, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := breaker.Do(ctx, op, fn)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.StoreQueries.WithLabelValues(backend, op, outcome).Inc()
	metrics.StoreQueryDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	return err
}
