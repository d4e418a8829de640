package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"alertfeed/core"
	"alertfeed/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================================================
// Mock Implementations
// ============================================================================

// MockAlertStore is a mock implementation of the AlertStore interface.
type MockAlertStore struct {
	mock.Mock
}

func (m *MockAlertStore) Count(ctx context.Context, p core.Predicate) (uint64, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockAlertStore) Select(ctx context.Context, p core.Predicate, o core.Order, limit, offset int) ([]core.Alert, error) {
	args := m.Called(ctx, p, o, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]core.Alert), args.Error(1)
}

func (m *MockAlertStore) SelectRanked(ctx context.Context, p core.Predicate, o core.Order, limit, offset int) ([]core.IndexedAlert, error) {
	args := m.Called(ctx, p, o, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]core.IndexedAlert), args.Error(1)
}

func (m *MockAlertStore) Delete(ctx context.Context, p core.Predicate) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockAlertStore) Stats(ctx context.Context, now time.Time) (*core.Stats, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.Stats), args.Error(1)
}

var (
	viewer  = Caller{Authorized: true, Role: "viewer"}
	analyst = Caller{Authorized: true, Role: "Analyst"}
	anon    = Caller{}
	t0      = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
)

func newPlanner(store AlertStore) *Planner {
	return NewPlanner(store, zap.NewNop().Sugar())
}

func newSQLitePlanner(t *testing.T) (*Planner, *storage.SQLite) {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "alerts.db"), core.DefaultBreakerConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return newPlanner(s), s
}

func seed(t *testing.T, s *storage.SQLite, n int) {
	t.Helper()
	alerts := make([]core.Alert, n)
	for i := range alerts {
		sev := core.SeverityLow
		if i%2 == 1 {
			sev = core.SeverityHigh
		}
		alerts[i] = core.Alert{
			ID:           fmt.Sprintf("a%03d", i),
			IngestedAt:   t0.Add(time.Duration(i) * time.Second),
			BusinessTime: t0.Add(time.Duration(n-i) * time.Minute),
			Severity:     sev,
			Message:      fmt.Sprintf("ET SCAN probe %d", i),
			Payload:      fmt.Sprintf(`{"src_ip":"10.0.0.%d","dest_ip":"192.168.1.1"}`, i),
		}
	}
	require.NoError(t, s.Insert(context.Background(), alerts))
}

// ============================================================================
// Constructor and helpers
// ============================================================================

func TestNewPlanner_PanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewPlanner(nil, zap.NewNop().Sugar()) })
	assert.Panics(t, func() { NewPlanner(&MockAlertStore{}, nil) })
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 1, ClampLimit(0))
	assert.Equal(t, 1, ClampLimit(-5))
	assert.Equal(t, 100, ClampLimit(100))
	assert.Equal(t, MaxLimit, ClampLimit(5000))
	assert.Equal(t, 0, ClampOffset(-1))
	assert.Equal(t, 7, ClampOffset(7))
}

func TestPageOffset(t *testing.T) {
	assert.Equal(t, 0, pageOffset(1, 50))
	assert.Equal(t, 0, pageOffset(0, 50))
	assert.Equal(t, 100, pageOffset(3, 50))
	assert.Equal(t, math.MaxInt-50, pageOffset(math.MaxInt, 50))
}

func TestCaller_CanDelete(t *testing.T) {
	assert.True(t, Caller{Authorized: true, Role: "ADMIN"}.CanDelete())
	assert.True(t, analyst.CanDelete())
	assert.False(t, viewer.CanDelete())
	assert.False(t, Caller{Role: "admin"}.CanDelete())
}

// ============================================================================
// Browse
// ============================================================================

func TestBrowse_ClampsAndBuildsPredicate(t *testing.T) {
	store := &MockAlertStore{}
	p := newPlanner(store)
	ctx := context.Background()

	want := core.Predicate{Severity: core.SeverityHigh, SourceAddr: "10.0.0.1", AddrMatch: core.AddrExact}
	order := core.Order{Column: core.SortBusinessTime, Direction: core.Descending}
	store.On("Count", ctx, want).Return(uint64(3), nil)
	store.On("SelectRanked", ctx, want, order, 1, 0).Return([]core.IndexedAlert{{Index: 3}}, nil)

	page, err := p.Browse(ctx, viewer, BrowseRequest{Limit: 0, Offset: -4, Severity: "high", SourceIP: " 10.0.0.1 "})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), page.Total)
	assert.Equal(t, 1, page.Limit)
	assert.Equal(t, 0, page.Offset)
	assert.Len(t, page.Data, 1)
	store.AssertExpectations(t)
}

func TestBrowse_RejectsBadInputBeforeStore(t *testing.T) {
	store := &MockAlertStore{}
	p := newPlanner(store)
	ctx := context.Background()

	_, err := p.Browse(ctx, viewer, BrowseRequest{Limit: 10, SortOrder: "sideways"})
	assert.ErrorIs(t, err, core.ErrInvalidFilter)

	_, err = p.Browse(ctx, viewer, BrowseRequest{Limit: 10, Severity: "SEVERE"})
	assert.ErrorIs(t, err, core.ErrInvalidFilter)

	since, until := t0.Add(time.Hour), t0
	_, err = p.Browse(ctx, viewer, BrowseRequest{Limit: 10, Since: &since, Until: &until})
	assert.ErrorIs(t, err, core.ErrInvalidFilter)

	_, err = p.Browse(ctx, anon, BrowseRequest{Limit: 10})
	assert.ErrorIs(t, err, core.ErrNotAuthorized)

	store.AssertNotCalled(t, "Count", mock.Anything, mock.Anything)
}

func TestBrowse_StoreUnavailablePropagates(t *testing.T) {
	store := &MockAlertStore{}
	p := newPlanner(store)
	boom := core.Unavailable("count", errors.New("connection refused"))
	store.On("Count", mock.Anything, mock.Anything).Return(uint64(0), boom)

	_, err := p.Browse(context.Background(), viewer, BrowseRequest{Limit: 10})
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
	store.AssertNotCalled(t, "SelectRanked", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBrowse_FilteredIndicesAreGlobal(t *testing.T) {
	p, s := newSQLitePlanner(t)
	seed(t, s, 10)

	page, err := p.Browse(context.Background(), viewer, BrowseRequest{Limit: 100, Severity: "HIGH", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), page.Total)
	require.Len(t, page.Data, 5)

	// Business time runs opposite to ingestion, so ascending business time
	// lists the newest ingested first.
	got := make([]uint64, len(page.Data))
	for i, r := range page.Data {
		got[i] = r.Index
	}
	assert.Equal(t, []uint64{10, 8, 6, 4, 2}, got)
}

// ============================================================================
// Search
// ============================================================================

func TestSearch_PositionIndices(t *testing.T) {
	p, s := newSQLitePlanner(t)
	seed(t, s, 120)

	page, err := p.Search(context.Background(), viewer, SearchRequest{Query: "probe", Page: 2, PageSize: 50})
	require.NoError(t, err)
	assert.Equal(t, uint64(120), page.Total)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Data, 50)
	assert.Equal(t, uint64(70), page.Data[0].Index)
	assert.Equal(t, uint64(21), page.Data[49].Index)

	last, err := p.Search(context.Background(), viewer, SearchRequest{Query: "probe", Page: 3, PageSize: 50})
	require.NoError(t, err)
	require.Len(t, last.Data, 20)
	assert.Equal(t, uint64(1), last.Data[19].Index)
}

func TestSearch_Defaults(t *testing.T) {
	store := &MockAlertStore{}
	p := newPlanner(store)
	ctx := context.Background()

	want := core.Predicate{SourceAddr: "10.0", AddrMatch: core.AddrContains}
	order := core.Order{Column: core.SortBusinessTime, Direction: core.Descending}
	store.On("Count", ctx, want).Return(uint64(0), nil)
	store.On("Select", ctx, want, order, DefaultPageSize, 0).Return([]core.Alert{}, nil)

	page, err := p.Search(ctx, viewer, SearchRequest{SourceIP: "10.0", Page: -3})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, DefaultPageSize, page.PageSize)
	assert.Empty(t, page.Data)
	store.AssertExpectations(t)
}

func TestSearch_AddressIsSubstring(t *testing.T) {
	p, s := newSQLitePlanner(t)
	seed(t, s, 12)

	page, err := p.Search(context.Background(), viewer, SearchRequest{SourceIP: "10.0.0.1", PageSize: 100})
	require.NoError(t, err)
	// 10.0.0.1, 10.0.0.10, 10.0.0.11
	assert.Equal(t, uint64(3), page.Total)
}

// ============================================================================
// Replay, export, stats
// ============================================================================

func TestReplay_AfterIndex(t *testing.T) {
	p, s := newSQLitePlanner(t)
	seed(t, s, 6)

	rows, err := p.Replay(context.Background(), viewer, 4, 100)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(5), rows[0].Index)
	assert.Equal(t, "a004", rows[0].ID)
	assert.Equal(t, uint64(6), rows[1].Index)

	_, err = p.Replay(context.Background(), viewer, 0, 100)
	assert.ErrorIs(t, err, core.ErrInvalidFilter)
}

func TestExport_NewestFirst(t *testing.T) {
	store := &MockAlertStore{}
	p := newPlanner(store)
	order := core.Order{Column: core.SortBusinessTime, Direction: core.Descending}
	store.On("Select", mock.Anything, core.Predicate{}, order, ExportLimit, 0).Return([]core.Alert{{ID: "x"}}, nil)

	rows, err := p.Export(context.Background(), viewer)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = p.Export(context.Background(), anon)
	assert.ErrorIs(t, err, core.ErrNotAuthorized)
}

func TestStats_UsesClock(t *testing.T) {
	store := &MockAlertStore{}
	p := newPlanner(store)
	p.now = func() time.Time { return t0 }
	store.On("Stats", mock.Anything, t0).Return(&core.Stats{Total: 9}, nil)

	stats, err := p.Stats(context.Background(), viewer)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), stats.Total)
}

// ============================================================================
// Delete
// ============================================================================

func TestDelete_RoleCheck(t *testing.T) {
	store := &MockAlertStore{}
	p := newPlanner(store)
	ctx := context.Background()

	err := p.Delete(ctx, viewer, DeleteRequest{IDs: []string{"a"}})
	assert.ErrorIs(t, err, core.ErrNotAuthorized)
	err = p.Delete(ctx, anon, DeleteRequest{IDs: []string{"a"}})
	assert.ErrorIs(t, err, core.ErrNotAuthorized)
	store.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestDelete_RequestShapes(t *testing.T) {
	store := &MockAlertStore{}
	p := newPlanner(store)
	ctx := context.Background()
	cutoff := t0

	store.On("Delete", ctx, core.Predicate{IDs: []string{"a", "b"}}).Return(nil).Once()
	store.On("Delete", ctx, core.Predicate{MatchAll: true, Before: &cutoff}).Return(nil).Once()

	require.NoError(t, p.Delete(ctx, analyst, DeleteRequest{IDs: []string{"a", "b"}}))
	require.NoError(t, p.Delete(ctx, analyst, DeleteRequest{DeleteAll: true, OlderThan: &cutoff}))

	assert.ErrorIs(t, p.Delete(ctx, analyst, DeleteRequest{}), core.ErrInvalidFilter)
	assert.ErrorIs(t, p.Delete(ctx, analyst, DeleteRequest{IDs: []string{"a"}, DeleteAll: true}), core.ErrInvalidFilter)
	assert.ErrorIs(t, p.Delete(ctx, analyst, DeleteRequest{IDs: []string{"a"}, OlderThan: &cutoff}), core.ErrInvalidFilter)
	assert.ErrorIs(t, p.Delete(ctx, analyst, DeleteRequest{IDs: []string{" "}}), core.ErrInvalidFilter)
	store.AssertExpectations(t)
}

// Scenario: delete then count never includes the deleted rows.
func TestDelete_ThenBrowse(t *testing.T) {
	p, s := newSQLitePlanner(t)
	seed(t, s, 4)
	ctx := context.Background()

	require.NoError(t, p.Delete(ctx, analyst, DeleteRequest{IDs: []string{"a001", "a002"}}))
	page, err := p.Browse(ctx, viewer, BrowseRequest{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), page.Total)
	for _, r := range page.Data {
		assert.NotContains(t, []string{"a001", "a002"}, r.ID)
	}
}
