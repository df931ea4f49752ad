// Package intake admits submitted open directory URLs to the crawl queue.
package intake

import (
	"context"
	"errors"
	"time"

	"od-database/internal/logger"
	"od-database/internal/models"
	"od-database/internal/probe"
	"od-database/internal/store"
	"od-database/internal/urlcheck"
)

const (
	// MaxBulkURLs is the most URLs accepted by one SubmitBulk call.
	MaxBulkURLs = 10
	// DefaultProbeTimeout bounds a single probe round trip.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultLockTimeout bounds the wait for another submission on the same host.
	DefaultLockTimeout = 30 * time.Second
)

// Store is the persistence the pipeline needs.
type Store interface {
	FindByURL(ctx context.Context, url string) (models.Website, bool, error)
	FindAncestor(ctx context.Context, url string) (models.Website, bool, error)
	Admit(ctx context.Context, sub models.WebsiteSubmission) (models.Website, error)
}

// Pipeline runs each submission through dedup, validation, blacklist and
// probe before admitting it. Checks after normalisation run while holding
// the lock for the URL's host, so overlapping submissions are serialised.
type Pipeline struct {
	store        Store
	prober       probe.Prober
	blacklist    *urlcheck.Blacklist
	locker       Locker
	probeTimeout time.Duration
	lockTimeout  time.Duration
	metrics      *Metrics
	log          logger.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBlacklist sets the blacklist consulted before probing.
func WithBlacklist(b *urlcheck.Blacklist) Option {
	return func(p *Pipeline) { p.blacklist = b }
}

// WithLocker replaces the in-process host lock pool.
func WithLocker(l Locker) Option {
	return func(p *Pipeline) { p.locker = l }
}

// WithProbeTimeout sets the probe deadline.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.probeTimeout = d
		}
	}
}

// WithLockTimeout sets how long a submission waits for its host lock.
func WithLockTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.lockTimeout = d
		}
	}
}

// WithMetrics records outcomes and probe latency.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the pipeline logger.
func WithLogger(log logger.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// NewPipeline wires a pipeline around store and prober.
func NewPipeline(st Store, prober probe.Prober, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        st,
		prober:       prober,
		locker:       NewHostLocks(),
		probeTimeout: DefaultProbeTimeout,
		lockTimeout:  DefaultLockTimeout,
		log:          logger.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs one URL through the intake checks. Every failure is folded
// into a danger outcome; nothing is retried.
func (p *Pipeline) Submit(ctx context.Context, sub models.WebsiteSubmission) Outcome {
	sub.URL = urlcheck.Normalize(sub.URL)
	out := p.submit(ctx, sub)
	p.metrics.observeOutcome(out.Code)

	log := p.log.With(logger.String("url", out.URL), logger.String("code", out.Code))
	switch {
	case out.Accepted():
		log.Info("website queued", logger.Uint("website_id", out.WebsiteID))
	case errors.Is(out.Err, ErrUnavailable):
		log.Error("submission failed", logger.Error(out.Err))
	default:
		log.Debug("submission rejected")
	}
	return out
}

// SubmitBulk runs Submit for each URL in order. The whole call is rejected
// with ErrURLCount, before any processing, unless 1 <= len(urls) <= MaxBulkURLs.
func (p *Pipeline) SubmitBulk(ctx context.Context, urls []string, address, agent string) ([]Outcome, error) {
	if len(urls) == 0 || len(urls) > MaxBulkURLs {
		p.metrics.observeOutcome(CodeURLCount)
		return nil, ErrURLCount
	}
	outcomes := make([]Outcome, 0, len(urls))
	for _, u := range urls {
		outcomes = append(outcomes, p.Submit(ctx, models.WebsiteSubmission{
			URL:              u,
			SubmitterAddress: address,
			SubmitterAgent:   agent,
		}))
	}
	return outcomes, nil
}

func (p *Pipeline) submit(ctx context.Context, sub models.WebsiteSubmission) Outcome {
	url := sub.URL

	lockCtx, cancel := context.WithTimeout(ctx, p.lockTimeout)
	unlock, err := p.locker.Lock(lockCtx, lockKey(url))
	cancel()
	if err != nil {
		return rejected(url, errors.Join(ErrUnavailable, err))
	}
	defer unlock()

	if _, ok, err := p.store.FindByURL(ctx, url); err != nil {
		return rejected(url, errors.Join(ErrUnavailable, err))
	} else if ok {
		return rejected(url, ErrDuplicateExact)
	}

	if _, ok, err := p.store.FindAncestor(ctx, url); err != nil {
		return rejected(url, errors.Join(ErrUnavailable, err))
	} else if ok {
		return rejected(url, ErrDuplicateAncestor)
	}

	if !urlcheck.IsValid(url) {
		return rejected(url, ErrInvalidURL)
	}

	if p.blacklist.IsBlacklisted(url) {
		return rejected(url, ErrBlacklisted)
	}

	if err := p.probe(ctx, url); err != nil {
		return rejected(url, errors.Join(ErrProbeFailed, err))
	}

	website, err := p.store.Admit(ctx, sub)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateURL) {
			return rejected(url, ErrDuplicateExact)
		}
		return rejected(url, errors.Join(ErrUnavailable, err))
	}
	return accepted(url, website.ID)
}

func (p *Pipeline) probe(ctx context.Context, url string) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	start := time.Now()
	err := p.prober.Probe(probeCtx, url)
	reason := probe.Reason(err)
	p.metrics.observeProbe(reason, time.Since(start))
	if err != nil {
		p.log.Debug("probe rejected url",
			logger.String("url", url),
			logger.String("reason", reason),
			logger.Error(err))
	}
	return err
}

// lockKey groups URLs that can be prefixes of one another. Two canonical
// URLs can only overlap when they share scheme and host.
func lockKey(url string) string {
	if host := urlcheck.Host(url); host != "" {
		return host
	}
	return url
}
