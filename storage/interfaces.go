package storage

import (
	"context"
	"time"

	"alertfeed/core"
)

// EventStore is the contract every alert store backend implements.
// Implementations never lock the table; consistency comes from query shape.
// Connection and round-trip failures surface as core.ErrStoreUnavailable.
type EventStore interface {
	// Count returns the number of rows matching p.
	Count(ctx context.Context, p core.Predicate) (uint64, error)
	// Select returns rows matching p in the given order, without ranks.
	Select(ctx context.Context, p core.Predicate, o core.Order, limit, offset int) ([]core.Alert, error)
	// SelectRanked ranks the whole table, then filters and windows the result.
	SelectRanked(ctx context.Context, p core.Predicate, o core.Order, limit, offset int) ([]core.IndexedAlert, error)
	// Delete removes rows matching p. An empty predicate requires p.MatchAll.
	Delete(ctx context.Context, p core.Predicate) error
	// Insert stores new alerts.
	Insert(ctx context.Context, alerts []core.Alert) error
	// Stats summarises the table relative to now.
	Stats(ctx context.Context, now time.Time) (*core.Stats, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// WatermarkCheckpoint persists the poller watermark across restarts.
type WatermarkCheckpoint interface {
	// Load returns the stored watermark; ok is false when none was stored.
	Load(ctx context.Context) (wm time.Time, ok bool, err error)
	Save(ctx context.Context, wm time.Time) error
}
