// Package expiry decides when a stored metadata record should be treated as
// stale on read. Expiry is advisory: the read path reports expired records as
// absent but never deletes them, so user state embedded in the payload
// survives until a maintenance sweep.
package expiry

import (
	"time"

	metacache "github.com/strmkit/metacache"
)

// Record types with dedicated TTL behaviour.
const (
	TypeMovie  = "movie"
	TypeSeries = "series"
)

// Policy holds per-type TTL configuration.
type Policy struct {
	// SeriesTTL is how long series metadata stays fresh. Series gain new
	// episodes, so they always expire.
	SeriesTTL time.Duration

	// MovieTTL is how long metadata for recently released movies stays
	// fresh. Ratings and artwork settle in the first year or so.
	MovieTTL time.Duration

	// NewReleaseWindow is the age in years up to which a movie counts as a
	// new release. Movies older than this never expire; their metadata is
	// effectively immutable.
	NewReleaseWindow int
}

// DefaultPolicy returns the standard TTLs: 30 days for series and new
// movies, a one-year new-release window.
func DefaultPolicy() Policy {
	return Policy{
		SeriesTTL:        30 * 24 * time.Hour,
		MovieTTL:         30 * 24 * time.Hour,
		NewReleaseWindow: 1,
	}
}

// Expired reports whether a record written at timestamp should be treated as
// stale at now. Unknown types never expire.
func (p Policy) Expired(typ string, data *metacache.Meta, timestamp, now time.Time) bool {
	switch typ {
	case TypeSeries:
		return now.Sub(timestamp) > p.SeriesTTL
	case TypeMovie:
		if !p.isNewRelease(data, now) {
			return false
		}
		return now.Sub(timestamp) > p.MovieTTL
	default:
		return false
	}
}

// isNewRelease reports whether the movie was released within the
// new-release window. A release year that does not parse is treated as an
// old release, keeping the record alive rather than churning it.
func (p Policy) isNewRelease(data *metacache.Meta, now time.Time) bool {
	year, ok := metacache.ReleaseYear(data)
	if !ok {
		return false
	}
	return now.Year()-year <= p.NewReleaseWindow
}
