package repository

import (
	"bytes"

	"github.com/google/uuid"
)

// CompareIDs orders ids the way both PostgreSQL uuid columns and their canonical
// text form do.
func CompareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// CanonicalPair returns the two ids as (min, max).
func CanonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if CompareIDs(a, b) <= 0 {
		return a, b
	}
	return b, a
}
