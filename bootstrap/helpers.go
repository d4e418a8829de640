package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"syscall"
)

// Backend names used in startup diagnostics.
const (
	backendClickHouse = "ClickHouse"
	backendRedis      = "Redis"
)

// configKeys names the config entry holding each backend's address.
var configKeys = map[string]string{
	backendClickHouse: "clickhouse.addr",
	backendRedis:      "redis.addr",
}

// diagnosis pairs an error signature with operator-facing advice.
// headline is formatted with the backend name and target.
type diagnosis struct {
	match    func(err error, msg string) bool
	headline string
	hints    []string
}

var dialDiagnoses = []diagnosis{
	{
		match: func(err error, _ string) bool {
			var netErr net.Error
			return errors.As(err, &netErr) && netErr.Timeout()
		},
		headline: "Connection to %s at %s timed out.",
		hints: []string{
			"The server may still be starting; wait and retry",
			"Check network latency and firewall rules between this host and the server",
		},
	},
	{
		match: func(err error, msg string) bool {
			var opErr *net.OpError
			if errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.ECONNREFUSED) {
				return true
			}
			return containsAny(msg, "connection refused")
		},
		headline: "Connection refused by %s at %s.",
		hints: []string{
			"The server is most likely not running",
			"Start it with docker compose, or switch to the embedded store with ALERTFEED_STORE_BACKEND=sqlite",
		},
	},
	{
		match:    func(_ error, msg string) bool { return containsAny(msg, "no such host", "lookup ") },
		headline: "Cannot resolve the %s host in %s.",
		hints:    []string{"Verify the hostname, or use an IP address such as 127.0.0.1"},
	},
	{
		match: func(_ error, msg string) bool {
			return containsAny(msg, "authentication", "noauth", "wrongpass", "denied")
		},
		headline: "%s rejected the credentials for %s.",
		hints:    []string{"Check the username and password in config.yaml or the ALERTFEED_* env vars"},
	},
}

var sqliteDiagnoses = []diagnosis{
	{
		match:    func(_ error, msg string) bool { return containsAny(msg, "permission denied", "access denied") },
		headline: "Permission denied opening the %s database at %s.",
		hints:    []string{"Check the directory permissions; for containers make sure the volume is writable by the service user"},
	},
	{
		match:    func(_ error, msg string) bool { return containsAny(msg, "database is locked", "sqlite_busy") },
		headline: "The %s database at %s is locked by another process.",
		hints:    []string{"Stop any other alertfeed instance using the same sqlite.path"},
	},
	{
		match:    func(_ error, msg string) bool { return containsAny(msg, "disk full", "no space", "sqlite_full") },
		headline: "No space left for the %s database at %s.",
		hints:    []string{"Free disk space or move sqlite.path to a larger volume"},
	},
	{
		match:    func(_ error, msg string) bool { return containsAny(msg, "corrupt", "malformed") },
		headline: "The %s database at %s appears to be corrupted.",
		hints:    []string{`Run sqlite3 <path> "PRAGMA integrity_check;" or restore from a copy`},
	},
	{
		match:    func(_ error, msg string) bool { return containsAny(msg, "invalid database path") },
		headline: "The %s path %s was rejected.",
		hints:    []string{"Use a plain relative or absolute file path in sqlite.path"},
	},
}

// DiagnoseConnectionError explains a failed dial to a network backend
// (ClickHouse or Redis) in terms an operator can act on.
func DiagnoseConnectionError(backend string, err error, addr string) string {
	if err == nil {
		return ""
	}
	if d, ok := firstMatch(dialDiagnoses, err); ok {
		hints := append(append([]string(nil), d.hints...), fmt.Sprintf("Verify %s in config.yaml", configKey(backend)))
		return render(fmt.Sprintf(d.headline, backend, addr), hints)
	}
	return render(fmt.Sprintf("Failed to connect to %s at %s: %v", backend, addr, err),
		[]string{fmt.Sprintf("Ensure %s is running and %s is correct", backend, configKey(backend))})
}

// DiagnoseSQLiteError explains a failure to open the embedded store.
func DiagnoseSQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}
	absPath, _ := filepath.Abs(dbPath)
	if d, ok := firstMatch(sqliteDiagnoses, err); ok {
		return render(fmt.Sprintf(d.headline, "SQLite", absPath), d.hints)
	}
	return render(fmt.Sprintf("Failed to open SQLite database at %s: %v", absPath, err),
		[]string{fmt.Sprintf("Ensure %s exists and is writable", filepath.Dir(absPath))})
}

func firstMatch(table []diagnosis, err error) (diagnosis, bool) {
	msg := strings.ToLower(err.Error())
	for _, d := range table {
		if d.match(err, msg) {
			return d, true
		}
	}
	return diagnosis{}, false
}

func configKey(backend string) string {
	if k, ok := configKeys[backend]; ok {
		return k
	}
	return "the address"
}

func render(headline string, hints []string) string {
	var b strings.Builder
	b.WriteString(headline)
	b.WriteString("\n  Remediation:")
	for _, h := range hints {
		b.WriteString("\n  - ")
		b.WriteString(h)
	}
	return b.String()
}

// containsAny reports whether the lower-cased msg contains any of subs.
func containsAny(msg string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
