package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"alertfeed/core"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	source_file TEXT NOT NULL DEFAULT '',
	source_offset INTEGER NOT NULL DEFAULT 0,
	ingested_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_total_order ON alerts(ingested_at, ts, id);
CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts);
CREATE INDEX IF NOT EXISTS idx_alerts_level ON alerts(level);
`

// SQLite is the embedded event store. Timestamps are stored as UTC
// nanoseconds so ordering and range filters are plain integer comparisons.
type SQLite struct {
	WriteDB *sql.DB // single writer
	ReadDB  *sql.DB // concurrent readers (WAL); same as WriteDB for :memory:
	Path    string
	Logger  *zap.SugaredLogger

	breaker *core.CircuitBreaker
	dialect dialect
	now     func() time.Time
}

// NewSQLite opens (creating if needed) the database at dbPath and ensures the schema.
func NewSQLite(dbPath string, breakerCfg core.BreakerConfig, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}
	breaker, err := core.NewCircuitBreaker(breakerCfg)
	if err != nil {
		return nil, err
	}

	s := &SQLite{Path: dbPath, Logger: logger, breaker: breaker, dialect: sqliteDialect, now: time.Now}

	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database, so one connection serves both roles.
		db, err := sql.Open("sqlite", "file::memory:?_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
		s.WriteDB, s.ReadDB = db, db
	} else {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

		writeDB, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
		}
		writeDB.SetMaxOpenConns(1)

		readDB, err := sql.Open("sqlite", dsn)
		if err != nil {
			_ = writeDB.Close()
			return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
		}
		readDB.SetMaxOpenConns(8)
		readDB.SetMaxIdleConns(4)
		s.WriteDB, s.ReadDB = writeDB, readDB
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.WriteDB.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if _, err := s.WriteDB.ExecContext(ctx, sqliteSchema); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create alerts table: %w", err)
	}

	logger.Infof("SQLite event store ready at %s", dbPath)
	return s, nil
}

// validateDatabasePath rejects traversal and malformed paths
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}
	if strings.ContainsAny(dbPath, "\x00?#") {
		return fmt.Errorf("database path contains forbidden characters")
	}
	return nil
}

func (s *SQLite) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return guarded(ctx, s.dialect.name, s.breaker, op, fn)
}

// Count returns the number of rows matching p.
func (s *SQLite) Count(ctx context.Context, p core.Predicate) (uint64, error) {
	q, args, err := s.dialect.countQuery(p)
	if err != nil {
		return 0, err
	}
	var total int64
	err = s.run(ctx, "count", func(ctx context.Context) error {
		return s.ReadDB.QueryRowContext(ctx, q, args...).Scan(&total)
	})
	if err != nil {
		return 0, err
	}
	return uint64(total), nil
}

// Select returns a window of matching rows.
func (s *SQLite) Select(ctx context.Context, p core.Predicate, o core.Order, limit, offset int) ([]core.Alert, error) {
	q, args, err := s.dialect.selectQuery(p, o, limit, offset)
	if err != nil {
		return nil, err
	}
	alerts := make([]core.Alert, 0, limit)
	err = s.run(ctx, "select", func(ctx context.Context) error {
		rows, err := s.ReadDB.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a core.Alert
			if err := scanSQLiteAlert(rows, &a); err != nil {
				return err
			}
			alerts = append(alerts, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

// SelectRanked returns a window of matching rows with their stable index.
func (s *SQLite) SelectRanked(ctx context.Context, p core.Predicate, o core.Order, limit, offset int) ([]core.IndexedAlert, error) {
	q, args, err := s.dialect.rankedQuery(p, o, limit, offset)
	if err != nil {
		return nil, err
	}
	alerts := make([]core.IndexedAlert, 0, limit)
	err = s.run(ctx, "select_ranked", func(ctx context.Context) error {
		rows, err := s.ReadDB.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a core.IndexedAlert
			var idx int64
			if err := scanSQLiteAlert(rows, &a.Alert, &idx); err != nil {
				return err
			}
			a.Index = uint64(idx)
			alerts = append(alerts, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

func scanSQLiteAlert(rows *sql.Rows, a *core.Alert, extra ...any) error {
	var ts, ingested, offset int64
	var level string
	dest := []any{&a.ID, &ts, &level, &a.Message, &a.Payload, &a.SourceFile, &offset, &ingested}
	if err := rows.Scan(append(dest, extra...)...); err != nil {
		return fmt.Errorf("failed to scan alert: %w", err)
	}
	a.BusinessTime = time.Unix(0, ts).UTC()
	a.IngestedAt = time.Unix(0, ingested).UTC()
	a.Severity = core.Severity(level)
	a.SourceOffset = uint64(offset)
	return nil
}

// Delete removes matching rows. The next Count observes the removal.
func (s *SQLite) Delete(ctx context.Context, p core.Predicate) error {
	q, args, err := s.dialect.deleteQuery(p)
	if err != nil {
		return err
	}
	return s.run(ctx, "delete", func(ctx context.Context) error {
		res, err := s.WriteDB.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil {
			s.Logger.Infow("Deleted alerts", "count", n)
		}
		return nil
	})
}

// Insert stores alerts. A zero IngestedAt is assigned by the store; ids
// already present are skipped.
func (s *SQLite) Insert(ctx context.Context, alerts []core.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	return s.run(ctx, "insert", func(ctx context.Context) error {
		tx, err := s.WriteDB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			alertsTable, strings.Join(alertColumns, ", ")))
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := s.now().UTC()
		for _, a := range alerts {
			ingested := a.IngestedAt
			if ingested.IsZero() {
				ingested = now
			}
			payload := a.Payload
			if payload == "" {
				payload = "{}"
			}
			if _, err := stmt.ExecContext(ctx, a.ID, a.BusinessTime.UTC().UnixNano(), string(a.Severity),
				a.Message, payload, a.SourceFile, int64(a.SourceOffset), ingested.UTC().UnixNano()); err != nil {
				return fmt.Errorf("failed to insert alert %s: %w", a.ID, err)
			}
		}
		return tx.Commit()
	})
}

// Stats computes the dashboard summary.
func (s *SQLite) Stats(ctx context.Context, now time.Time) (*core.Stats, error) {
	q := s.dialect.statsQueries()
	stats := &core.Stats{GeneratedAt: now.UTC()}
	err := s.run(ctx, "stats", func(ctx context.Context) error {
		var n int64
		if err := s.ReadDB.QueryRowContext(ctx, q.total).Scan(&n); err != nil {
			return err
		}
		stats.Total = uint64(n)
		if err := s.ReadDB.QueryRowContext(ctx, q.since, now.Add(-24*time.Hour).UTC().UnixNano()).Scan(&n); err != nil {
			return err
		}
		stats.Last24Hours = uint64(n)
		if err := s.ReadDB.QueryRowContext(ctx, q.since, now.Add(-time.Hour).UTC().UnixNano()).Scan(&n); err != nil {
			return err
		}
		stats.LastHour = uint64(n)
		if err := s.ReadDB.QueryRowContext(ctx, q.critical, string(core.SeverityCritical)).Scan(&n); err != nil {
			return err
		}
		stats.Critical = uint64(n)

		if err := s.queryPairs(ctx, q.bySeverity, nil, func(key any, c int64) {
			stats.BySeverity = append(stats.BySeverity, core.SeverityCount{Severity: core.Severity(asString(key)), Count: uint64(c)})
		}); err != nil {
			return err
		}
		if err := s.queryPairs(ctx, q.topSources, []any{topSourceLimit}, func(key any, c int64) {
			stats.TopSourceIPs = append(stats.TopSourceIPs, core.AddressCount{Address: asString(key), Count: uint64(c)})
		}); err != nil {
			return err
		}
		return s.queryPairs(ctx, q.hourly, []any{now.Add(-24 * time.Hour).UTC().UnixNano()}, func(key any, c int64) {
			bucket, _ := key.(int64)
			stats.HourlyCounts = append(stats.HourlyCounts, core.HourlyCount{Hour: time.Unix(0, bucket).UTC(), Count: uint64(c)})
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SQLite) queryPairs(ctx context.Context, q string, args []any, fn func(key any, count int64)) error {
	rows, err := s.ReadDB.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key any
		var c int64
		if err := rows.Scan(&key, &c); err != nil {
			return err
		}
		fn(key, c)
	}
	return rows.Err()
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// HealthCheck pings the database.
func (s *SQLite) HealthCheck(ctx context.Context) error {
	return core.Unavailable("sqlite ping", s.ReadDB.PingContext(ctx))
}

// Close closes both pools.
func (s *SQLite) Close() error {
	var firstErr error
	if s.ReadDB != nil && s.ReadDB != s.WriteDB {
		firstErr = s.ReadDB.Close()
	}
	if s.WriteDB != nil {
		if err := s.WriteDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
