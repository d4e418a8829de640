package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"alertfeed/core"
	"alertfeed/index"
	"alertfeed/metrics"

	"go.uber.org/zap"
)

// Window limits.
const (
	DefaultLimit    = 100
	MaxLimit        = 1000
	DefaultPageSize = 50
	ExportLimit     = 10000
)

// Roles allowed to delete alerts.
var deleteRoles = []string{"admin", "analyst"}

// AlertStore defines the store operations the planner needs.
// Defined here (consumer package) following Interface Segregation Principle.
type AlertStore interface {
	Count(ctx context.Context, p core.Predicate) (uint64, error)
	Select(ctx context.Context, p core.Predicate, o core.Order, limit, offset int) ([]core.Alert, error)
	SelectRanked(ctx context.Context, p core.Predicate, o core.Order, limit, offset int) ([]core.IndexedAlert, error)
	Delete(ctx context.Context, p core.Predicate) error
	Stats(ctx context.Context, now time.Time) (*core.Stats, error)
}

// Caller is what the authorization boundary tells us about the requester.
type Caller struct {
	Authorized bool
	Role       string
}

// CanDelete reports whether the caller holds an elevated role.
func (c Caller) CanDelete() bool {
	if !c.Authorized {
		return false
	}
	for _, r := range deleteRoles {
		if strings.EqualFold(c.Role, r) {
			return true
		}
	}
	return false
}

// BrowseRequest is a windowed listing. Limit is used as given after
// clamping; callers substitute DefaultLimit when the parameter is absent.
type BrowseRequest struct {
	Limit     int
	Offset    int
	Since     *time.Time
	Until     *time.Time
	Severity  string
	SourceIP  string
	DestIP    string
	SortOrder string
}

// BrowsePage carries global ingestion-rank indices.
type BrowsePage struct {
	Data   []core.IndexedAlert `json:"data"`
	Total  uint64              `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// SearchRequest is a free-text search. A zero PageSize means DefaultPageSize.
type SearchRequest struct {
	Query     string     `json:"query"`
	StartDate *time.Time `json:"startDate"`
	EndDate   *time.Time `json:"endDate"`
	Severity  string     `json:"severity"`
	SourceIP  string     `json:"sourceIp"`
	DestIP    string     `json:"destIp"`
	Page      int        `json:"page"`
	PageSize  int        `json:"pageSize"`
	SortOrder string     `json:"sortOrder"`
}

// SearchPage carries position-derived indices (see index.SearchIndex).
type SearchPage struct {
	Data     []core.IndexedAlert `json:"data"`
	Total    uint64              `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"pageSize"`
}

// DeleteRequest selects either explicit ids or everything (optionally only
// alerts with a business time before OlderThan).
type DeleteRequest struct {
	IDs       []string   `json:"ids"`
	DeleteAll bool       `json:"deleteAll"`
	OlderThan *time.Time `json:"olderThan"`
}

// Planner answers paginated, filtered reads and bulk deletes over the event
// store. It holds no state of its own; consistency comes from ranking the
// whole table inside each query.
type Planner struct {
	store  AlertStore
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewPlanner creates a Planner. Both arguments are required.
func NewPlanner(store AlertStore, logger *zap.SugaredLogger) *Planner {
	if store == nil {
		panic("store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Planner{store: store, logger: logger, now: time.Now}
}

// ClampLimit bounds a requested page size to [1, MaxLimit].
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ClampOffset bounds a requested offset to >= 0.
func ClampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// pageOffset converts a 1-based page into an offset, saturating instead of
// overflowing.
func pageOffset(page, pageSize int) int {
	if page <= 1 {
		return 0
	}
	if page-1 > math.MaxInt/pageSize {
		return math.MaxInt - pageSize
	}
	return (page - 1) * pageSize
}

func parseSeverity(s string) (core.Severity, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	return core.ParseSeverity(s)
}

func (p *Planner) authorize(op string, c Caller) error {
	if !c.Authorized {
		p.logger.Debugw("Unauthorized request rejected", "op", op)
		return core.ErrNotAuthorized
	}
	return nil
}

func (p *Planner) record(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, core.ErrInvalidFilter):
		outcome = "invalid"
	case errors.Is(err, core.ErrNotAuthorized):
		outcome = "unauthorized"
	case errors.Is(err, core.ErrStoreUnavailable):
		outcome = "unavailable"
	default:
		outcome = "error"
	}
	metrics.PlannerRequests.WithLabelValues(op, outcome).Inc()
}

// ============================================================================
// Reads
// ============================================================================

// Browse returns one window of alerts sorted by business time. Every row
// carries its global stable index, which does not depend on the filter.
func (p *Planner) Browse(ctx context.Context, c Caller, req BrowseRequest) (page *BrowsePage, err error) {
	defer func() { p.record("browse", err) }()
	if err := p.authorize("browse", c); err != nil {
		return nil, err
	}

	limit := ClampLimit(req.Limit)
	offset := ClampOffset(req.Offset)
	dir, err := core.ParseDirection(req.SortOrder)
	if err != nil {
		return nil, err
	}
	sev, err := parseSeverity(req.Severity)
	if err != nil {
		return nil, err
	}
	pred := core.Predicate{
		Since:      req.Since,
		Until:      req.Until,
		Severity:   sev,
		SourceAddr: strings.TrimSpace(req.SourceIP),
		DestAddr:   strings.TrimSpace(req.DestIP),
		AddrMatch:  core.AddrExact,
	}
	if err := pred.Validate(); err != nil {
		return nil, err
	}

	// Count and data may observe slightly different snapshots under
	// concurrent ingestion; both use the same predicate.
	total, err := p.store.Count(ctx, pred)
	if err != nil {
		return nil, err
	}
	rows, err := p.store.SelectRanked(ctx, pred, core.Order{Column: core.SortBusinessTime, Direction: dir}, limit, offset)
	if err != nil {
		return nil, err
	}

	return &BrowsePage{Data: rows, Total: total, Limit: limit, Offset: offset}, nil
}

// Search runs a free-text query. Indices count down from total across the
// filtered result set and are unrelated to the stable index.
func (p *Planner) Search(ctx context.Context, c Caller, req SearchRequest) (page *SearchPage, err error) {
	defer func() { p.record("search", err) }()
	if err := p.authorize("search", c); err != nil {
		return nil, err
	}

	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	pageSize = ClampLimit(pageSize)
	pageNum := req.Page
	if pageNum < 1 {
		pageNum = 1
	}
	offset := pageOffset(pageNum, pageSize)

	dir, err := core.ParseDirection(req.SortOrder)
	if err != nil {
		return nil, err
	}
	sev, err := parseSeverity(req.Severity)
	if err != nil {
		return nil, err
	}
	pred := core.Predicate{
		Since:      req.StartDate,
		Until:      req.EndDate,
		Severity:   sev,
		Text:       strings.TrimSpace(req.Query),
		SourceAddr: strings.TrimSpace(req.SourceIP),
		DestAddr:   strings.TrimSpace(req.DestIP),
		AddrMatch:  core.AddrContains,
	}
	if err := pred.Validate(); err != nil {
		return nil, err
	}

	total, err := p.store.Count(ctx, pred)
	if err != nil {
		return nil, err
	}
	alerts, err := p.store.Select(ctx, pred, core.Order{Column: core.SortBusinessTime, Direction: dir}, pageSize, offset)
	if err != nil {
		return nil, err
	}

	rows := make([]core.IndexedAlert, len(alerts))
	for i, a := range alerts {
		rows[i] = core.IndexedAlert{Index: index.SearchIndex(total, offset, i), Alert: a}
	}
	return &SearchPage{Data: rows, Total: total, Page: pageNum, PageSize: pageSize}, nil
}

// Replay returns up to limit stored alerts with a stable index greater than
// afterIndex, in ingestion order. Live clients use it to catch up after a
// reconnect before live delivery resumes.
func (p *Planner) Replay(ctx context.Context, c Caller, afterIndex uint64, limit int) (rows []core.IndexedAlert, err error) {
	defer func() { p.record("replay", err) }()
	if err := p.authorize("replay", c); err != nil {
		return nil, err
	}
	if afterIndex == 0 {
		return nil, core.InvalidFilter("replay needs a positive index")
	}
	return p.store.SelectRanked(ctx,
		core.Predicate{AfterIndex: afterIndex},
		core.Order{Column: core.SortIngestion, Direction: core.Ascending},
		ClampLimit(limit), 0)
}

// Export returns the newest ExportLimit alerts by business time.
func (p *Planner) Export(ctx context.Context, c Caller) (alerts []core.Alert, err error) {
	defer func() { p.record("export", err) }()
	if err := p.authorize("export", c); err != nil {
		return nil, err
	}
	return p.store.Select(ctx, core.Predicate{},
		core.Order{Column: core.SortBusinessTime, Direction: core.Descending}, ExportLimit, 0)
}

// Stats returns the dashboard summary.
func (p *Planner) Stats(ctx context.Context, c Caller) (stats *core.Stats, err error) {
	defer func() { p.record("stats", err) }()
	if err := p.authorize("stats", c); err != nil {
		return nil, err
	}
	return p.store.Stats(ctx, p.now())
}

// ============================================================================
// Writes
// ============================================================================

// Delete removes the selected alerts. Requires an elevated role.
// A live broadcast of an alert deleted a moment earlier is possible and
// accepted.
func (p *Planner) Delete(ctx context.Context, c Caller, req DeleteRequest) (err error) {
	defer func() { p.record("delete", err) }()
	if err := p.authorize("delete", c); err != nil {
		return err
	}
	if !c.CanDelete() {
		p.logger.Infow("Delete rejected for role", "role", c.Role)
		return core.ErrNotAuthorized
	}

	var pred core.Predicate
	switch {
	case req.DeleteAll && len(req.IDs) > 0:
		return core.InvalidFilter("ids and deleteAll are mutually exclusive")
	case req.DeleteAll:
		pred = core.Predicate{MatchAll: true, Before: req.OlderThan}
	case len(req.IDs) > 0:
		if req.OlderThan != nil {
			return core.InvalidFilter("olderThan only applies to deleteAll")
		}
		pred = core.Predicate{IDs: req.IDs}
	default:
		return core.InvalidFilter("either ids or deleteAll is required")
	}
	if err := pred.Validate(); err != nil {
		return err
	}

	if err := p.store.Delete(ctx, pred); err != nil {
		return err
	}
	p.logger.Infow("Alerts deleted",
		"role", c.Role,
		"ids", len(req.IDs),
		"delete_all", req.DeleteAll,
		"older_than", req.OlderThan)
	return nil
}
