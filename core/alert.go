package core

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the closed set of alert levels.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists every valid level, lowest first.
var Severities = []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// ParseSeverity accepts any casing of a known level.
func ParseSeverity(s string) (Severity, error) {
	candidate := Severity(strings.ToUpper(strings.TrimSpace(s)))
	for _, sev := range Severities {
		if sev == candidate {
			return sev, nil
		}
	}
	return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidFilter, s)
}

// Valid reports whether s is one of the known levels.
func (s Severity) Valid() bool {
	_, err := ParseSeverity(string(s))
	return err == nil
}

// Alert is a single ingested security alert. Alerts are never updated in
// place; the only mutation the system performs is deletion.
type Alert struct {
	ID           string    `json:"id"`
	BusinessTime time.Time `json:"ts"`
	Severity     Severity  `json:"level"`
	Message      string    `json:"message"`
	Payload      string    `json:"payload"`
	SourceFile   string    `json:"sourceFile"`
	SourceOffset uint64    `json:"sourceOffset"`
	IngestedAt   time.Time `json:"ingestedAt"`
}

// IndexedAlert is an alert together with the index shown to viewers.
// For browse results and live delivery Index is the alert's rank in the
// ingestion order; for search results it is the position-derived number.
type IndexedAlert struct {
	Index uint64 `json:"index"`
	Alert
}

// SeverityCount is one bucket of the per-level breakdown.
type SeverityCount struct {
	Severity Severity `json:"level"`
	Count    uint64   `json:"count"`
}

// AddressCount is one entry of the top source address list.
type AddressCount struct {
	Address string `json:"ip"`
	Count   uint64 `json:"count"`
}

// HourlyCount is one bucket of the last-24h series.
type HourlyCount struct {
	Hour  time.Time `json:"hour"`
	Count uint64    `json:"count"`
}

// Stats is the dashboard summary.
type Stats struct {
	Total        uint64          `json:"totalAlerts"`
	Last24Hours  uint64          `json:"last24Hours"`
	LastHour     uint64          `json:"lastHour"`
	Critical     uint64          `json:"criticalAlerts"`
	BySeverity   []SeverityCount `json:"bySeverity"`
	TopSourceIPs []AddressCount  `json:"topSourceIps"`
	HourlyCounts []HourlyCount   `json:"hourlyData"`
	GeneratedAt  time.Time       `json:"generatedAt"`
}
