package storage

import (
	"fmt"
	"strings"
	"time"

	"alertfeed/core"
	"alertfeed/index"
)

const alertsTable = "alerts"

// alertColumns is the scan order shared by every backend.
var alertColumns = []string{"id", "ts", "level", "message", "payload", "source_file", "source_offset", "ingested_at"}

// Payload JSON fields addressable by exact address filters.
const (
	payloadSourceAddr = "src_ip"
	payloadDestAddr   = "dest_ip"
)

// dialect captures the few places where backends spell SQL differently.
// Every fragment is built from constants; caller values only ever travel as
// bound arguments.
type dialect struct {
	name         string
	payloadField func(field string) string
	like         func(column string) string
	timeArg      func(t time.Time) any
	hourBucket   func(column string) string
	deleteStmt   string
}

var clickhouseDialect = dialect{
	name: "clickhouse",
	payloadField: func(field string) string {
		return fmt.Sprintf("JSONExtractString(payload, '%s')", field)
	},
	like:       func(column string) string { return column + " ILIKE ?" },
	timeArg:    func(t time.Time) any { return t.UTC() },
	hourBucket: func(column string) string { return "toStartOfHour(" + column + ")" },
	deleteStmt: "ALTER TABLE " + alertsTable + " DELETE WHERE ",
}

var sqliteDialect = dialect{
	name: "sqlite",
	payloadField: func(field string) string {
		return fmt.Sprintf("COALESCE(CASE WHEN json_valid(payload) THEN json_extract(payload, '$.%s') END, '')", field)
	},
	like:    func(column string) string { return column + ` LIKE ? ESCAPE '\'` },
	timeArg: func(t time.Time) any { return t.UTC().UnixNano() },
	hourBucket: func(column string) string {
		return fmt.Sprintf("(%s / %d) * %d", column, int64(time.Hour), int64(time.Hour))
	},
	deleteStmt: "DELETE FROM " + alertsTable + " WHERE ",
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern turns free text into a substring LIKE pattern with
// wildcards in the text matched literally.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

// where renders p as a WHERE body. ranked must be true when the FROM clause
// is the ranked subquery.
func (d dialect) where(p core.Predicate, ranked bool) (string, []any, error) {
	if err := p.Validate(); err != nil {
		return "", nil, err
	}

	conditions := []string{"1=1"}
	args := []any{}

	if p.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, d.timeArg(*p.Since))
	}
	if p.Until != nil {
		conditions = append(conditions, "ts <= ?")
		args = append(args, d.timeArg(*p.Until))
	}
	if p.Before != nil {
		conditions = append(conditions, "ts < ?")
		args = append(args, d.timeArg(*p.Before))
	}
	if p.IngestedAfter != nil {
		conditions = append(conditions, "ingested_at > ?")
		args = append(args, d.timeArg(*p.IngestedAfter))
	}
	if p.Severity != "" {
		conditions = append(conditions, "level = ?")
		args = append(args, string(p.Severity))
	}
	if text := strings.TrimSpace(p.Text); text != "" {
		pattern := containsPattern(text)
		conditions = append(conditions, "("+d.like("message")+" OR "+d.like("payload")+")")
		args = append(args, pattern, pattern)
	}
	addrs := []struct{ field, value string }{
		{payloadSourceAddr, p.SourceAddr},
		{payloadDestAddr, p.DestAddr},
	}
	for _, a := range addrs {
		field, addr := a.field, a.value
		if addr == "" {
			continue
		}
		if p.AddrMatch == core.AddrContains {
			conditions = append(conditions, d.like("payload"))
			args = append(args, containsPattern(addr))
		} else {
			conditions = append(conditions, d.payloadField(field)+" = ?")
			args = append(args, addr)
		}
	}
	if len(p.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(p.IDs)), ", ")
		conditions = append(conditions, "id IN ("+placeholders+")")
		for _, id := range p.IDs {
			args = append(args, id)
		}
	}
	if p.AfterIndex > 0 {
		if !ranked {
			return "", nil, ErrRankedFilterOnly
		}
		conditions = append(conditions, index.Column+" > ?")
		args = append(args, int64(p.AfterIndex))
	}

	return strings.Join(conditions, " AND "), args, nil
}

// orderBy renders a complete, deterministic ORDER BY body. Only two
// directions exist; anything not ascending sorts descending.
func orderBy(o core.Order) string {
	dir := "DESC"
	if o.Direction == core.Ascending {
		dir = "ASC"
	}
	keys := []string{"ts", "ingested_at", "id"}
	if o.Column == core.SortIngestion {
		keys = []string{"ingested_at", "ts", "id"}
	}
	for i, k := range keys {
		keys[i] = k + " " + dir
	}
	return strings.Join(keys, ", ")
}

func checkWindow(limit, offset int) error {
	if limit < 0 || offset < 0 {
		return ErrInvalidWindow
	}
	return nil
}

func (d dialect) countQuery(p core.Predicate) (string, []any, error) {
	ranked := p.AfterIndex > 0
	w, args, err := d.where(p, ranked)
	if err != nil {
		return "", nil, err
	}
	from := alertsTable
	if ranked {
		from = "(" + index.RankedSubquery(alertsTable, alertColumns) + ") AS ranked"
	}
	return fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", from, w), args, nil
}

func (d dialect) selectQuery(p core.Predicate, o core.Order, limit, offset int) (string, []any, error) {
	if err := checkWindow(limit, offset); err != nil {
		return "", nil, err
	}
	w, args, err := d.where(p, false)
	if err != nil {
		return "", nil, err
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT ? OFFSET ?",
		strings.Join(alertColumns, ", "), alertsTable, w, orderBy(o))
	return q, append(args, limit, offset), nil
}

// rankedQuery ranks the entire table first and applies p to the ranked rows.
func (d dialect) rankedQuery(p core.Predicate, o core.Order, limit, offset int) (string, []any, error) {
	if err := checkWindow(limit, offset); err != nil {
		return "", nil, err
	}
	w, args, err := d.where(p, true)
	if err != nil {
		return "", nil, err
	}
	q := fmt.Sprintf("SELECT %s, %s FROM (%s) AS ranked WHERE %s ORDER BY %s LIMIT ? OFFSET ?",
		strings.Join(alertColumns, ", "), index.Column,
		index.RankedSubquery(alertsTable, alertColumns), w, orderBy(o))
	return q, append(args, limit, offset), nil
}

func (d dialect) deleteQuery(p core.Predicate) (string, []any, error) {
	if p.IsEmpty() && !p.MatchAll {
		return "", nil, ErrUnfilteredDelete
	}
	w, args, err := d.where(p, false)
	if err != nil {
		return "", nil, err
	}
	return d.deleteStmt + w, args, nil
}

// statsQueries holds the dashboard aggregates. Each takes the args noted.
type statsQueries struct {
	total      string // none
	since      string // cutoff
	critical   string // level
	bySeverity string // none
	topSources string // limit
	hourly     string // cutoff
}

const topSourceLimit = 10

func (d dialect) statsQueries() statsQueries {
	src := d.payloadField(payloadSourceAddr)
	bucket := d.hourBucket("ingested_at")
	return statsQueries{
		total:      "SELECT count(*) FROM " + alertsTable,
		since:      "SELECT count(*) FROM " + alertsTable + " WHERE ingested_at >= ?",
		critical:   "SELECT count(*) FROM " + alertsTable + " WHERE level = ?",
		bySeverity: "SELECT level, count(*) AS c FROM " + alertsTable + " GROUP BY level ORDER BY level",
		topSources: fmt.Sprintf("SELECT %s AS addr, count(*) AS c FROM %s WHERE %s != '' GROUP BY addr ORDER BY c DESC, addr ASC LIMIT ?",
			src, alertsTable, src),
		hourly: fmt.Sprintf("SELECT %s AS hour, count(*) AS c FROM %s WHERE ingested_at >= ? GROUP BY hour ORDER BY hour",
			bucket, alertsTable),
	}
}
