package repository

import (
	"time"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// PageCursor resumes a listing ordered by (At DESC, ID DESC) after the last
// row of the previous page.
type PageCursor struct {
	At time.Time
	ID uuid.UUID
}

func clampPage(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
