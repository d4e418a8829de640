// Package index assigns the stable position shown next to every alert.
//
// The stable index of an alert is its 1-based rank under the total order
// (ingested_at ASC, ts ASC, id ASC) over the whole table. Ranking always
// happens before any filter is applied; ranking a filtered subset would make
// indices move whenever the filter changes.
//
// Search results use a different, position-derived number (SearchIndex).
// The two are not interchangeable.
package index

import (
	"fmt"
	"sort"
	"strings"

	"alertfeed/core"
)

// OrderBy is the total order, as SQL.
const OrderBy = "ingested_at ASC, ts ASC, id ASC"

// Column is the name of the rank column produced by RankedSubquery.
const Column = "idx"

// Less reports whether a precedes b in the total order.
func Less(a, b core.Alert) bool {
	if !a.IngestedAt.Equal(b.IngestedAt) {
		return a.IngestedAt.Before(b.IngestedAt)
	}
	if !a.BusinessTime.Equal(b.BusinessTime) {
		return a.BusinessTime.Before(b.BusinessTime)
	}
	return a.ID < b.ID
}

// Rank returns every alert of the snapshot with its stable index, in index
// order. The input slice is not modified.
func Rank(snapshot []core.Alert) []core.IndexedAlert {
	sorted := make([]core.Alert, len(snapshot))
	copy(sorted, snapshot)
	sort.SliceStable(sorted, func(i, j int) bool { return Less(sorted[i], sorted[j]) })

	ranked := make([]core.IndexedAlert, len(sorted))
	for i, a := range sorted {
		ranked[i] = core.IndexedAlert{Index: BrowseIndex(i), Alert: a}
	}
	return ranked
}

// BrowseIndex converts a 0-based position in the total order into the stable
// index used by browsing and live delivery.
func BrowseIndex(position int) uint64 {
	return uint64(position) + 1
}

// SearchIndex numbers search results by descending position within the
// filtered result set: the first row of the first page gets total, the last
// row overall gets 1. row is the 0-based position within the page.
func SearchIndex(total uint64, offset, row int) uint64 {
	pos := uint64(offset) + uint64(row)
	if pos >= total {
		return 0
	}
	return total - pos
}

// RankedSubquery ranks every row of table under the total order. Filters
// must be applied to the result, never inside it. table must come from a
// fixed identifier, not from caller input.
func RankedSubquery(table string, columns []string) string {
	return fmt.Sprintf("SELECT %s, row_number() OVER (ORDER BY %s) AS %s FROM %s",
		strings.Join(columns, ", "), OrderBy, Column, table)
}
