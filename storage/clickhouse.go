package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"alertfeed/config"
	"alertfeed/core"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

var (
	// validDatabaseNameRegex ensures database names are safe from SQL injection
	validDatabaseNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

const clickhouseAlertsTable = `
CREATE TABLE IF NOT EXISTS alerts (
	id String,
	ts DateTime64(6, 'UTC'),
	level LowCardinality(String),
	message String,
	payload String,
	source_file String,
	source_offset UInt64,
	ingested_at DateTime64(6, 'UTC') DEFAULT now64(6),
	INDEX idx_id id TYPE bloom_filter(0.01) GRANULARITY 1,
	INDEX idx_level level TYPE set(0) GRANULARITY 1,
	INDEX idx_ts ts TYPE minmax GRANULARITY 1
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(ingested_at)
ORDER BY (ingested_at, ts, id)
SETTINGS index_granularity = 8192
`

// ClickHouse is the production event store.
type ClickHouse struct {
	Conn   driver.Conn
	Config *config.Config
	Logger *zap.SugaredLogger

	breaker *core.CircuitBreaker
	dialect dialect
}

// NewClickHouse connects, ensures the database and alerts table exist, and
// returns a ready store.
func NewClickHouse(cfg *config.Config, logger *zap.SugaredLogger) (*ClickHouse, error) {
	breaker, err := core.NewCircuitBreaker(core.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		Cooldown:    cfg.Breaker.Cooldown,
	})
	if err != nil {
		return nil, err
	}

	options := &clickhouse.Options{
		Addr: []string{cfg.ClickHouse.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": cfg.ClickHouse.MaxExecutionTime,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     cfg.ClickHouse.MaxPoolSize,
		MaxIdleConns:     max(cfg.ClickHouse.MaxPoolSize/2, 1),
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			// keepalive detects half-open connections between polls
			var d net.Dialer
			d.Timeout = 10 * time.Second
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}

	if cfg.ClickHouse.TLS {
		options.TLS = &tls.Config{MinVersion: tls.VersionTLS13}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	logger.Info("Connected to ClickHouse successfully")

	if err := ensureDatabase(ctx, conn, cfg.ClickHouse.Database, logger); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ensure database exists: %w", err)
	}

	ch := &ClickHouse{
		Conn:    conn,
		Config:  cfg,
		Logger:  logger,
		breaker: breaker,
		dialect: clickhouseDialect,
	}
	if err := ch.CreateTablesIfNotExist(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ch, nil
}

// validateDatabaseName ensures the database name is safe from SQL injection
func validateDatabaseName(database string) error {
	if database == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if len(database) > 64 {
		return fmt.Errorf("database name too long (max 64 characters)")
	}
	if !validDatabaseNameRegex.MatchString(database) {
		return fmt.Errorf("database name contains invalid characters (only alphanumeric and underscore allowed)")
	}
	return nil
}

// ensureDatabase creates the database if it doesn't exist
func ensureDatabase(ctx context.Context, conn driver.Conn, database string, logger *zap.SugaredLogger) error {
	if err := validateDatabaseName(database); err != nil {
		return fmt.Errorf("invalid database name: %w", err)
	}
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database)
	if err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	logger.Infof("Database '%s' is ready", database)
	return nil
}

// CreateTablesIfNotExist creates the alerts table if it doesn't exist
func (ch *ClickHouse) CreateTablesIfNotExist(ctx context.Context) error {
	if err := ch.Conn.Exec(ctx, clickhouseAlertsTable); err != nil {
		return fmt.Errorf("failed to create alerts table: %w", err)
	}
	ch.Logger.Info("Alerts table created/verified")
	return nil
}

// HealthCheck performs a health check on the ClickHouse connection
func (ch *ClickHouse) HealthCheck(ctx context.Context) error {
	return core.Unavailable("clickhouse ping", ch.Conn.Ping(ctx))
}

// Close closes the ClickHouse connection
func (ch *ClickHouse) Close() error {
	return ch.Conn.Close()
}

// GetVersion returns the ClickHouse server version
func (ch *ClickHouse) GetVersion(ctx context.Context) (string, error) {
	var version string
	err := ch.Conn.QueryRow(ctx, "SELECT version()").Scan(&version)
	if err != nil {
		return "", fmt.Errorf("failed to get version: %w", err)
	}
	return version, nil
}

func (ch *ClickHouse) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return guarded(ctx, ch.dialect.name, ch.breaker, op, fn)
}

// Count returns the number of rows matching p.
func (ch *ClickHouse) Count(ctx context.Context, p core.Predicate) (uint64, error) {
	q, args, err := ch.dialect.countQuery(p)
	if err != nil {
		return 0, err
	}
	var total uint64
	err = ch.run(ctx, "count", func(ctx context.Context) error {
		return ch.Conn.QueryRow(ctx, q, args...).Scan(&total)
	})
	return total, err
}

// Select returns a window of matching rows.
func (ch *ClickHouse) Select(ctx context.Context, p core.Predicate, o core.Order, limit, offset int) ([]core.Alert, error) {
	q, args, err := ch.dialect.selectQuery(p, o, limit, offset)
	if err != nil {
		return nil, err
	}
	alerts := make([]core.Alert, 0, limit)
	err = ch.run(ctx, "select", func(ctx context.Context) error {
		rows, err := ch.Conn.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a core.Alert
			if err := scanClickHouseAlert(rows, &a); err != nil {
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
func (ch *ClickHouse) SelectRanked(ctx context.Context, p core.Predicate, o core.Order, limit, offset int) ([]core.IndexedAlert, error) {
	q, args, err := ch.dialect.rankedQuery(p, o, limit, offset)
	if err != nil {
		return nil, err
	}
	alerts := make([]core.IndexedAlert, 0, limit)
	err = ch.run(ctx, "select_ranked", func(ctx context.Context) error {
		rows, err := ch.Conn.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a core.IndexedAlert
			if err := scanClickHouseAlert(rows, &a.Alert, &a.Index); err != nil {
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

func scanClickHouseAlert(rows driver.Rows, a *core.Alert, extra ...any) error {
	var level string
	dest := []any{&a.ID, &a.BusinessTime, &level, &a.Message, &a.Payload, &a.SourceFile, &a.SourceOffset, &a.IngestedAt}
	if err := rows.Scan(append(dest, extra...)...); err != nil {
		return fmt.Errorf("failed to scan alert: %w", err)
	}
	a.Severity = core.Severity(level)
	a.BusinessTime = a.BusinessTime.UTC()
	a.IngestedAt = a.IngestedAt.UTC()
	return nil
}

// Delete removes matching rows. The mutation runs synchronously so that the
// next Count reflects it.
func (ch *ClickHouse) Delete(ctx context.Context, p core.Predicate) error {
	q, args, err := ch.dialect.deleteQuery(p)
	if err != nil {
		return err
	}
	return ch.run(ctx, "delete", func(ctx context.Context) error {
		syncCtx := clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
			"mutations_sync": 1,
		}))
		return ch.Conn.Exec(syncCtx, q, args...)
	})
}

// Insert stores alerts in one batch. ingested_at is always assigned by the
// server, so any IngestedAt on the input is ignored.
func (ch *ClickHouse) Insert(ctx context.Context, alerts []core.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	cols := alertColumns[:len(alertColumns)-1]
	return ch.run(ctx, "insert", func(ctx context.Context) error {
		batch, err := ch.Conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", alertsTable, strings.Join(cols, ", ")))
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, a := range alerts {
			if err := batch.Append(a.ID, a.BusinessTime.UTC(), string(a.Severity), a.Message, a.Payload, a.SourceFile, a.SourceOffset); err != nil {
				_ = batch.Abort()
				return fmt.Errorf("failed to append alert %s to batch: %w", a.ID, err)
			}
		}
		return batch.Send()
	})
}

// Stats computes the dashboard summary.
func (ch *ClickHouse) Stats(ctx context.Context, now time.Time) (*core.Stats, error) {
	q := ch.dialect.statsQueries()
	stats := &core.Stats{GeneratedAt: now.UTC()}
	err := ch.run(ctx, "stats", func(ctx context.Context) error {
		if err := ch.Conn.QueryRow(ctx, q.total).Scan(&stats.Total); err != nil {
			return err
		}
		if err := ch.Conn.QueryRow(ctx, q.since, now.Add(-24*time.Hour).UTC()).Scan(&stats.Last24Hours); err != nil {
			return err
		}
		if err := ch.Conn.QueryRow(ctx, q.since, now.Add(-time.Hour).UTC()).Scan(&stats.LastHour); err != nil {
			return err
		}
		if err := ch.Conn.QueryRow(ctx, q.critical, string(core.SeverityCritical)).Scan(&stats.Critical); err != nil {
			return err
		}

		rows, err := ch.Conn.Query(ctx, q.bySeverity)
		if err != nil {
			return err
		}
		if err := scanCounts(rows, func(level string, c uint64) {
			stats.BySeverity = append(stats.BySeverity, core.SeverityCount{Severity: core.Severity(level), Count: c})
		}); err != nil {
			return err
		}

		rows, err = ch.Conn.Query(ctx, q.topSources, topSourceLimit)
		if err != nil {
			return err
		}
		if err := scanCounts(rows, func(addr string, c uint64) {
			stats.TopSourceIPs = append(stats.TopSourceIPs, core.AddressCount{Address: addr, Count: c})
		}); err != nil {
			return err
		}

		rows, err = ch.Conn.Query(ctx, q.hourly, now.Add(-24*time.Hour).UTC())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var hour time.Time
			var c uint64
			if err := rows.Scan(&hour, &c); err != nil {
				return err
			}
			stats.HourlyCounts = append(stats.HourlyCounts, core.HourlyCount{Hour: hour.UTC(), Count: c})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// scanCounts drains (key, count) rows into fn and closes rows. An error
// raised mid-stream is returned instead of a truncated result.
func scanCounts(rows driver.Rows, fn func(key string, c uint64)) error {
	defer rows.Close()
	for rows.Next() {
		var key string
		var c uint64
		if err := rows.Scan(&key, &c); err != nil {
			return err
		}
		fn(key, c)
	}
	return rows.Err()
}
