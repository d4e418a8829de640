package core

import (
	"strings"
	"time"
)

// AddrMatch selects how address filters are compared.
type AddrMatch int

const (
	// AddrExact compares the src_ip / dest_ip fields of the payload for equality.
	AddrExact AddrMatch = iota
	// AddrContains matches the address as a substring of the raw payload text.
	AddrContains
)

// MaxIDsPerDelete bounds an explicit id-set delete.
const MaxIDsPerDelete = 10000

// Predicate is a conjunction of optional filters. The zero value matches every row.
type Predicate struct {
	// Business time range, inclusive on both ends.
	Since *time.Time
	Until *time.Time
	// Before matches business times strictly earlier than the cutoff.
	Before *time.Time
	// IngestedAfter matches ingestion times strictly later than the watermark.
	IngestedAfter *time.Time

	Severity   Severity
	Text       string
	SourceAddr string
	DestAddr   string
	AddrMatch  AddrMatch
	IDs        []string

	// AfterIndex keeps only rows whose stable index is greater. Ranked queries only.
	AfterIndex uint64

	// MatchAll must be set for an intentionally unfiltered delete.
	MatchAll bool
}

// IsEmpty reports whether the predicate carries no filter at all.
func (p Predicate) IsEmpty() bool {
	return p.Since == nil && p.Until == nil && p.Before == nil && p.IngestedAfter == nil &&
		p.Severity == "" && strings.TrimSpace(p.Text) == "" &&
		p.SourceAddr == "" && p.DestAddr == "" && len(p.IDs) == 0 && p.AfterIndex == 0
}

// Validate rejects contradictory or malformed predicates.
func (p Predicate) Validate() error {
	if p.Since != nil && p.Until != nil && p.Since.After(*p.Until) {
		return InvalidFilter("since %s is after until %s",
			p.Since.Format(time.RFC3339), p.Until.Format(time.RFC3339))
	}
	if p.Severity != "" && !p.Severity.Valid() {
		return InvalidFilter("unknown severity %q", p.Severity)
	}
	if len(p.IDs) > MaxIDsPerDelete {
		return InvalidFilter("too many ids: %d (max %d)", len(p.IDs), MaxIDsPerDelete)
	}
	for _, id := range p.IDs {
		if strings.TrimSpace(id) == "" {
			return InvalidFilter("empty id in id set")
		}
	}
	return nil
}

// SortColumn selects the primary sort key of a listing.
type SortColumn int

const (
	// SortBusinessTime orders by ts, then ingested_at, then id.
	SortBusinessTime SortColumn = iota
	// SortIngestion orders by ingested_at, then ts, then id (the stable-index order).
	SortIngestion
)

// Direction is a sort direction.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// ParseDirection allow-lists the caller-provided sort order. Empty means descending.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return Descending, nil
	case "asc":
		return Ascending, nil
	case "desc":
		return Descending, nil
	default:
		return "", InvalidFilter("sort order must be asc or desc, got %q", s)
	}
}

// Order is a complete ordering for a listing.
type Order struct {
	Column    SortColumn
	Direction Direction
}
