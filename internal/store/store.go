// Package store persists websites and the crawl queue in SQLite and shares
// the crawl worker snapshot between processes through Redis.
package store

import (
	"context"
	"errors"

	"od-database/internal/models"
)

var (
	// ErrNotFound is returned when a website id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateURL is returned when inserting a URL that is already tracked.
	ErrDuplicateURL = errors.New("website url already exists")
)

// StatusStore holds the one crawl snapshot every process reads. The worker
// writes it on each transition; readers treat a missing value as idle.
type StatusStore interface {
	SetStatus(ctx context.Context, status models.CrawlSnapshot) error
	GetStatus(ctx context.Context) (models.CrawlSnapshot, bool, error)
}

var _ StatusStore = (*RedisStatusStore)(nil)
