package poller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alertfeed/core"
	"alertfeed/fanout"
	"alertfeed/storage"
	"alertfeed/util/goroutine"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func newStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "alerts.db"), core.DefaultBreakerConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insert(t *testing.T, s *storage.SQLite, id string, ingestedMs, businessMs int) {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), []core.Alert{{
		ID:           id,
		IngestedAt:   at(ingestedMs),
		BusinessTime: at(businessMs),
		Severity:     core.SeverityMedium,
		Payload:      `{"src_ip":"10.0.0.1"}`,
	}}))
}

// recorder is a Publisher that remembers what it was given.
type recorder struct {
	mu     sync.Mutex
	got    []core.IndexedAlert
	failAt int // 1-based publish number that fails; 0 never
	calls  int
	err    error
}

func (r *recorder) Publish(a core.IndexedAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAt > 0 && r.calls == r.failAt {
		return r.err
	}
	r.got = append(r.got, a)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, a := range r.got {
		out[i] = a.ID
	}
	return out
}

func newPoller(src Source, pub Publisher, cfg Config, opts ...Option) *Poller {
	return New(src, pub, cfg, zap.NewNop().Sugar(), opts...)
}

// watermark t2, new alert at t2.5: exactly that alert is pushed once to
// every subscriber and the watermark moves to t2.5.
func TestPollOnce_ScenarioB(t *testing.T) {
	s := newStore(t)
	insert(t, s, "t1", 1000, 1000)
	insert(t, s, "t2", 2000, 500)

	hub := fanout.NewHub(8, zap.NewNop().Sugar())
	sub1, err := hub.Subscribe()
	require.NoError(t, err)
	sub2, err := hub.Subscribe()
	require.NoError(t, err)

	p := newPoller(s, hub, Config{BatchSize: 100})
	p.watermark = at(2000)

	insert(t, s, "t2.5", 2500, 100)
	require.NoError(t, p.pollOnce(context.Background()))

	assert.Equal(t, at(2500), p.watermark)
	for _, sub := range []*fanout.Subscriber{sub1, sub2} {
		require.Len(t, sub.Deliveries(), 1)
		d := <-sub.Deliveries()
		assert.Equal(t, "t2.5", d.Alert.ID)
		assert.Equal(t, uint64(3), d.Alert.Index)
	}

	require.NoError(t, p.pollOnce(context.Background()))
	assert.Empty(t, sub1.Deliveries(), "nothing new, nothing pushed")
	assert.Equal(t, at(2500), p.watermark)
}

func TestPollOnce_DeliversInIngestionOrder(t *testing.T) {
	s := newStore(t)
	insert(t, s, "c", 3000, 1)
	insert(t, s, "a", 1000, 3)
	insert(t, s, "b", 2000, 2)

	rec := &recorder{}
	p := newPoller(s, rec, Config{BatchSize: 100})
	p.watermark = t0

	require.NoError(t, p.pollOnce(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, rec.ids())
	assert.Equal(t, at(3000), p.watermark)
}

// A hand-off failure mid-batch leaves the watermark alone; the retry
// re-delivers the whole batch, in the same order.
func TestPollOnce_FailedHandOffRedeliversBatch(t *testing.T) {
	s := newStore(t)
	insert(t, s, "a", 1000, 0)
	insert(t, s, "b", 2000, 0)
	insert(t, s, "c", 3000, 0)

	rec := &recorder{failAt: 2, err: fanout.ErrHubClosed}
	p := newPoller(s, rec, Config{BatchSize: 100})
	p.watermark = t0

	err := p.pollOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fanout.ErrHubClosed)
	assert.Equal(t, t0, p.watermark)
	assert.Equal(t, []string{"a"}, rec.ids())

	require.NoError(t, p.pollOnce(context.Background()))
	assert.Equal(t, []string{"a", "a", "b", "c"}, rec.ids())
	assert.Equal(t, at(3000), p.watermark)
}

func TestPollOnce_PartialDeliveryIsNotAFailure(t *testing.T) {
	s := newStore(t)
	insert(t, s, "a", 1000, 0)

	rec := &recorder{failAt: 1, err: &core.DeliveryError{Dropped: []string{"slow"}}}
	p := newPoller(s, rec, Config{BatchSize: 100})
	p.watermark = t0

	require.NoError(t, p.pollOnce(context.Background()))
	assert.Equal(t, at(1000), p.watermark)
}

func TestPollOnce_StoreFailureKeepsWatermark(t *testing.T) {
	src := &flakySource{err: core.Unavailable("select", errors.New("connection refused"))}
	p := newPoller(src, &recorder{}, Config{BatchSize: 10})
	p.watermark = t0

	err := p.pollOnce(context.Background())
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.Equal(t, t0, p.watermark)
	assert.Equal(t, Idle, p.State())
}

func TestPollOnce_PanicBecomesError(t *testing.T) {
	p := newPoller(panicSource{}, &recorder{}, Config{})
	p.watermark = t0

	err := p.pollOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, t0, p.watermark)
}

// With a full batch, rows tied on the last ingestion time wait for the next
// tick so the strict watermark comparison cannot skip their siblings.
func TestPollOnce_FullBatchLeavesTrailingTies(t *testing.T) {
	s := newStore(t)
	insert(t, s, "a", 1000, 0)
	insert(t, s, "b", 2000, 0)
	insert(t, s, "c1", 3000, 1)
	insert(t, s, "c2", 3000, 2)

	rec := &recorder{}
	p := newPoller(s, rec, Config{BatchSize: 3})
	p.watermark = t0

	require.NoError(t, p.pollOnce(context.Background()))
	assert.Equal(t, []string{"a", "b"}, rec.ids())
	assert.Equal(t, at(2000), p.watermark)

	require.NoError(t, p.pollOnce(context.Background()))
	assert.Equal(t, []string{"a", "b", "c1", "c2"}, rec.ids())
	assert.Equal(t, at(3000), p.watermark)
}

func TestPollOnce_TieGroupLargerThanBatch(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 7; i++ {
		insert(t, s, fmt.Sprintf("tie-%d", i), 1000, i)
	}
	insert(t, s, "after", 2000, 0)

	rec := &recorder{}
	p := newPoller(s, rec, Config{BatchSize: 3})
	p.watermark = t0

	require.NoError(t, p.pollOnce(context.Background()))
	require.NoError(t, p.pollOnce(context.Background()))

	got := rec.ids()
	assert.Len(t, got, 8)
	assert.Equal(t, "tie-0", got[0])
	assert.Equal(t, "after", got[len(got)-1])
	assert.Equal(t, at(2000), p.watermark)
}

func TestTrimPartialTail(t *testing.T) {
	mk := func(ms ...int) []core.IndexedAlert {
		out := make([]core.IndexedAlert, len(ms))
		for i, m := range ms {
			out[i].IngestedAt = at(m)
		}
		return out
	}
	assert.Len(t, trimPartialTail(mk(1, 2, 3, 3)), 2)
	assert.Len(t, trimPartialTail(mk(1, 2, 3)), 2)
	assert.Empty(t, trimPartialTail(mk(5, 5, 5)))
	assert.Empty(t, trimPartialTail(nil))
}

func TestInitialWatermark(t *testing.T) {
	now := t0.Add(time.Hour)
	clock := func() time.Time { return now }

	p := newPoller(&flakySource{}, &recorder{}, Config{Grace: time.Minute}, WithClock(clock))
	assert.Equal(t, now.Add(-time.Minute), p.initialWatermark(context.Background()))

	mr := miniredis.RunT(t)
	cp := storage.NewRedisCheckpoint(mr.Addr(), "", 0, "wm", zap.NewNop().Sugar())
	defer cp.Close()

	p = newPoller(&flakySource{}, &recorder{}, Config{Grace: time.Minute}, WithClock(clock), WithCheckpoint(cp))
	assert.Equal(t, now.Add(-time.Minute), p.initialWatermark(context.Background()), "no checkpoint yet")

	require.NoError(t, cp.Save(context.Background(), at(42)))
	assert.Equal(t, at(42), p.initialWatermark(context.Background()))

	require.NoError(t, mr.Set("wm", "garbage"))
	assert.Equal(t, now.Add(-time.Minute), p.initialWatermark(context.Background()), "corrupt checkpoint falls back")
}

func TestAdvance_SavesCheckpoint(t *testing.T) {
	s := newStore(t)
	insert(t, s, "a", 1000, 0)

	mr := miniredis.RunT(t)
	cp := storage.NewRedisCheckpoint(mr.Addr(), "", 0, "wm", zap.NewNop().Sugar())
	defer cp.Close()

	p := newPoller(s, &recorder{}, Config{}, WithCheckpoint(cp))
	p.watermark = t0
	require.NoError(t, p.pollOnce(context.Background()))

	wm, ok, err := cp.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at(1000), wm)
}

func TestRun_StopsPromptlyOnCancel(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	src := &blockingSource{entered: make(chan struct{})}
	p := newPoller(src, &recorder{}, Config{Interval: 5 * time.Millisecond, Backoff: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-src.entered
	assert.Equal(t, Polling, p.State())
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancellation")
	}
}

func TestRun_BacksOffAfterFailure(t *testing.T) {
	src := &flakySource{err: core.Unavailable("select", errors.New("down"))}
	p := newPoller(src, &recorder{}, Config{Interval: 5 * time.Millisecond, Backoff: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	calls := src.calls.Load()
	assert.GreaterOrEqual(t, calls, int64(1))
	assert.LessOrEqual(t, calls, int64(2), "failures wait the backoff, not the interval")
}

func TestRun_RejectsSecondRun(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{})}
	p := newPoller(src, &recorder{}, Config{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	<-src.entered

	assert.ErrorIs(t, p.Run(ctx), ErrAlreadyRunning)
	cancel()
	<-done
}

func TestNew_PanicsWithoutDependencies(t *testing.T) {
	assert.Panics(t, func() { New(nil, &recorder{}, Config{}, zap.NewNop().Sugar()) })
}

type flakySource struct {
	err   error
	calls atomic.Int64
}

func (f *flakySource) SelectRanked(context.Context, core.Predicate, core.Order, int, int) ([]core.IndexedAlert, error) {
	f.calls.Add(1)
	return nil, f.err
}

type panicSource struct{}

func (panicSource) SelectRanked(context.Context, core.Predicate, core.Order, int, int) ([]core.IndexedAlert, error) {
	panic("driver bug")
}

// blockingSource holds the query until the context is cancelled.
type blockingSource struct {
	entered chan struct{}
	once    sync.Once
}

func (b *blockingSource) SelectRanked(ctx context.Context, _ core.Predicate, _ core.Order, _, _ int) ([]core.IndexedAlert, error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}
