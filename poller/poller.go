// Package poller detects newly ingested alerts and hands them to the
// fan-out hub.
//
// A single loop owns the watermark (the ingestion time of the last alert
// handed off). Each tick asks the store for rows ingested strictly after the
// watermark, publishes them in ingestion order and only then moves the
// watermark forward. A failure anywhere leaves the watermark untouched, so the
// same rows are published again on the next attempt: delivery is
// at-least-once and receivers de-duplicate by id.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"alertfeed/core"
	"alertfeed/metrics"
	"alertfeed/util/goroutine"

	"go.uber.org/zap"
)

// State is the loop's current phase.
type State int32

const (
	// Idle means the loop is waiting for its next tick.
	Idle State = iota
	// Polling means a store query or hand-off is in flight.
	Polling
)

func (s State) String() string {
	if s == Polling {
		return "polling"
	}
	return "idle"
}

// Defaults used when Config fields are zero.
const (
	DefaultInterval  = time.Second
	DefaultBackoff   = 5 * time.Second
	DefaultGrace     = time.Minute
	DefaultBatchSize = 5000
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("poller is already running")

// Source is the slice of the event store the poller needs.
type Source interface {
	SelectRanked(ctx context.Context, p core.Predicate, o core.Order, limit, offset int) ([]core.IndexedAlert, error)
}

// Publisher receives alerts in ingestion order.
type Publisher interface {
	Publish(a core.IndexedAlert) error
}

// Checkpoint persists the watermark between runs.
type Checkpoint interface {
	Load(ctx context.Context) (time.Time, bool, error)
	Save(ctx context.Context, wm time.Time) error
}

// Config tunes the loop.
type Config struct {
	Interval  time.Duration
	Backoff   time.Duration
	Grace     time.Duration
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.Grace < 0 {
		c.Grace = DefaultGrace
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Option customises a Poller.
type Option func(*Poller)

// WithCheckpoint resumes from and persists to cp.
func WithCheckpoint(cp Checkpoint) Option {
	return func(p *Poller) { p.checkpoint = cp }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// Poller is the watermark state machine.
type Poller struct {
	source     Source
	hub        Publisher
	checkpoint Checkpoint
	cfg        Config
	logger     *zap.SugaredLogger
	now        func() time.Time

	state   atomic.Int32
	running atomic.Bool

	// watermark is read and written only by the loop goroutine.
	watermark time.Time
}

// New creates an idle poller.
func New(source Source, hub Publisher, cfg Config, logger *zap.SugaredLogger, opts ...Option) *Poller {
	if source == nil || hub == nil {
		panic("poller: source and hub are required")
	}
	p := &Poller{
		source: source,
		hub:    hub,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State reports whether a poll is in flight.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Run blocks until ctx is cancelled. An in-flight poll is abandoned on
// cancellation; the watermark is not advanced for it.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	p.watermark = p.initialWatermark(ctx)
	p.logger.Infow("Watermark poller started",
		"watermark", p.watermark,
		"interval", p.cfg.Interval,
		"backoff", p.cfg.Backoff)

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("Watermark poller stopped", "watermark", p.watermark)
			return nil
		case <-timer.C:
		}

		delay := p.cfg.Interval
		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			metrics.Polls.WithLabelValues("error").Inc()
			p.logger.Warnw("Poll failed, backing off",
				"error", err,
				"watermark", p.watermark,
				"backoff", p.cfg.Backoff)
			delay = p.cfg.Backoff
		}
		timer.Reset(delay)
	}
}

func (p *Poller) initialWatermark(ctx context.Context) time.Time {
	fallback := p.now().UTC().Add(-p.cfg.Grace)
	if p.checkpoint == nil {
		return fallback
	}
	wm, ok, err := p.checkpoint.Load(ctx)
	switch {
	case err != nil:
		p.logger.Warnw("Failed to load watermark checkpoint, starting from grace window", "error", err)
		return fallback
	case !ok:
		return fallback
	default:
		p.logger.Infow("Resuming from watermark checkpoint", "watermark", wm)
		return wm
	}
}

// pollOnce runs one Idle -> Polling -> Idle transition.
func (p *Poller) pollOnce(ctx context.Context) (err error) {
	p.state.Store(int32(Polling))
	defer p.state.Store(int32(Idle))
	defer goroutine.RecoverInto("watermark-poller", p.logger, func(r any) {
		err = fmt.Errorf("poll panicked: %v", r)
	})

	wm := p.watermark
	offset := 0
	delivered := 0
	var last time.Time

	for {
		rows, err := p.fetch(ctx, wm, offset)
		if err != nil {
			return err
		}

		if len(rows) < p.cfg.BatchSize {
			if err := p.deliver(rows); err != nil {
				return err
			}
			delivered += len(rows)
			if len(rows) > 0 {
				last = rows[len(rows)-1].IngestedAt
			}
			break
		}

		// Full batch: rows sharing the last ingestion time may continue past
		// the limit, so leave them for the next tick.
		if head := trimPartialTail(rows); len(head) > 0 {
			if err := p.deliver(head); err != nil {
				return err
			}
			delivered += len(head)
			last = head[len(head)-1].IngestedAt
			break
		}

		// The whole batch is one ingestion instant. Page past it under the
		// same watermark; advancing now would skip the rest of the group.
		if err := p.deliver(rows); err != nil {
			return err
		}
		delivered += len(rows)
		last = rows[len(rows)-1].IngestedAt
		offset += len(rows)
	}

	metrics.Polls.WithLabelValues("ok").Inc()
	metrics.PollBatchSize.Observe(float64(delivered))
	if delivered > 0 {
		p.advance(ctx, last)
		p.logger.Debugw("Delivered new alerts", "count", delivered, "watermark", p.watermark)
	}
	return nil
}

func (p *Poller) fetch(ctx context.Context, wm time.Time, offset int) ([]core.IndexedAlert, error) {
	rows, err := p.source.SelectRanked(ctx,
		core.Predicate{IngestedAfter: &wm},
		core.Order{Column: core.SortIngestion, Direction: core.Ascending},
		p.cfg.BatchSize, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts after watermark: %w", err)
	}
	return rows, nil
}

// deliver hands rows to the hub in order. Dropped subscribers do not fail
// the batch; anything else does.
func (p *Poller) deliver(rows []core.IndexedAlert) error {
	for _, r := range rows {
		if err := p.hub.Publish(r); err != nil {
			if errors.Is(err, core.ErrPartialDelivery) {
				continue
			}
			return fmt.Errorf("failed to hand off alert %s: %w", r.ID, err)
		}
	}
	return nil
}

func (p *Poller) advance(ctx context.Context, wm time.Time) {
	if !wm.After(p.watermark) {
		return
	}
	p.watermark = wm
	metrics.Watermark.Set(float64(wm.UnixNano()) / 1e9)
	if p.checkpoint != nil {
		if err := p.checkpoint.Save(ctx, wm); err != nil {
			p.logger.Warnw("Failed to save watermark checkpoint", "error", err)
		}
	}
}

// trimPartialTail drops trailing rows that share the last row's ingestion
// time. rows must be sorted by ingestion time.
func trimPartialTail(rows []core.IndexedAlert) []core.IndexedAlert {
	if len(rows) == 0 {
		return rows
	}
	last := rows[len(rows)-1].IngestedAt
	i := len(rows)
	for i > 0 && rows[i-1].IngestedAt.Equal(last) {
		i--
	}
	return rows[:i]
}
