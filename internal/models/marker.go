package models

import "time"

// WildcardSubject is the reserved marker subject meaning "every identity".
const WildcardSubject = "*"

// DefaultMarkerTTL bounds how long a logout marker lives if nothing clears it.
const DefaultMarkerTTL = time.Hour

// MarkerMatch describes which invalidation marker, if any, applies to a subject.
type MarkerMatch int

const (
	MatchNone MarkerMatch = iota
	MatchSubject
	MatchWildcard
)

// Marked returns true if any marker applies.
func (m MarkerMatch) Marked() bool {
	return m != MatchNone
}

func (m MarkerMatch) String() string {
	switch m {
	case MatchSubject:
		return "subject"
	case MatchWildcard:
		return "wildcard"
	default:
		return "none"
	}
}
