package storage

import (
	"errors"
	"fmt"

	"alertfeed/core"
)

var (
	// ErrUnfilteredDelete is returned when Delete gets an empty predicate without MatchAll.
	ErrUnfilteredDelete = fmt.Errorf("%w: delete without any filter requires match-all", core.ErrInvalidFilter)

	// ErrRankedFilterOnly is returned when an index filter reaches a non-ranked query.
	ErrRankedFilterOnly = fmt.Errorf("%w: index filter is only valid on ranked queries", core.ErrInvalidFilter)

	// ErrInvalidWindow is returned for a negative limit or offset.
	ErrInvalidWindow = fmt.Errorf("%w: limit and offset must not be negative", core.ErrInvalidFilter)

	// ErrCheckpointCorrupt is returned when a stored watermark cannot be parsed.
	ErrCheckpointCorrupt = errors.New("stored watermark is corrupt")
)
