// Package crawlstate holds the busy/idle state of the single crawl worker.
package crawlstate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"od-database/internal/logger"
	"od-database/internal/models"
)

// Mirror receives every transition so other processes can observe it.
type Mirror interface {
	SetStatus(ctx context.Context, status models.CrawlSnapshot) error
}

// State is the crawl worker state cell. Readers get an immutable snapshot
// swapped in as a whole, so busy and the current website always agree.
// Begin and End belong to the worker; everything else only reads.
type State struct {
	current  atomic.Pointer[models.CrawlSnapshot]
	mirror   Mirror
	mirrorMu sync.Mutex
	log      logger.Logger
	now      func() time.Time
}

// Option configures a State.
type Option func(*State)

// WithMirror publishes every transition to m.
func WithMirror(m Mirror) Option {
	return func(s *State) { s.mirror = m }
}

// WithLogger sets the logger used for mirror failures.
func WithLogger(log logger.Logger) Option {
	return func(s *State) { s.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// New returns an idle State.
func New(opts ...Option) *State {
	s := &State{
		log: logger.NewNop(),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	idle := models.IdleSnapshot(s.now())
	s.current.Store(&idle)
	return s
}

// Snapshot returns the current state.
func (s *State) Snapshot() models.CrawlSnapshot {
	return *s.current.Load()
}

// Begin moves the worker to Crawling on website.
func (s *State) Begin(ctx context.Context, website models.Website) models.CrawlSnapshot {
	next := models.CrawlingSnapshot(website.Ref(), s.now())
	s.current.Store(&next)
	s.publish(ctx)
	return next
}

// End moves the worker back to Idle. It is called whether the job
// succeeded or not.
func (s *State) End(ctx context.Context) models.CrawlSnapshot {
	next := models.IdleSnapshot(s.now())
	s.current.Store(&next)
	s.publish(ctx)
	return next
}

// Publish re-sends the current snapshot to the mirror, refreshing any expiry.
// It is safe to call concurrently with Begin and End.
func (s *State) Publish(ctx context.Context) {
	s.publish(ctx)
}

// publish reads the snapshot under mirrorMu so the mirror's last write is
// always the latest transition.
func (s *State) publish(ctx context.Context) {
	if s.mirror == nil {
		return
	}
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	snap := s.Snapshot()
	if err := s.mirror.SetStatus(ctx, snap); err != nil {
		s.log.Warn("failed to mirror crawl state", logger.Bool("busy", snap.Busy), logger.Error(err))
	}
}
