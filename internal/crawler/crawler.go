// Package crawler walks open directory listings and reports the files found.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"od-database/internal/logger"
	"od-database/internal/models"
	"od-database/internal/probe"
)

// Config bounds a crawl.
type Config struct {
	MaxDepth      int
	Concurrency   int
	RatePerSecond float64
	MaxFiles      int64
	BatchSize     int
	UserAgent     string
	RespectRobots bool
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxDepth:      10,
		Concurrency:   4,
		RatePerSecond: 5,
		BatchSize:     500,
		UserAgent:     probe.DefaultUserAgent,
	}
}

// FileSink receives discovered files in batches. An error aborts the crawl.
type FileSink func(ctx context.Context, files []models.FileEntry) error

// Result totals a finished crawl.
type Result struct {
	Files       int64
	Bytes       int64
	Directories int
	Errors      int
	Truncated   bool
}

// ErrRootUnavailable is returned when the website root cannot be listed.
var ErrRootUnavailable = errors.New("website root could not be listed")

const maxListingBytes = 8 << 20

// Crawler walks a website breadth first, one directory level at a time.
type Crawler struct {
	client *http.Client
	cfg    Config
	log    logger.Logger
}

// New builds a Crawler. Zero config values take their defaults.
func New(client *http.Client, cfg Config, log logger.Logger) *Crawler {
	def := DefaultConfig()
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Crawler{client: client, cfg: cfg, log: log}
}

// Crawl lists website.URL and every subdirectory up to MaxDepth, handing
// files to sink after each level. Failing subdirectories are counted and
// skipped; a failing root aborts with ErrRootUnavailable.
func (c *Crawler) Crawl(ctx context.Context, website models.Website, sink FileSink) (Result, error) {
	root, err := url.Parse(website.URL)
	if err != nil {
		return Result{}, fmt.Errorf("parse website url: %w", err)
	}
	limiter := rate.NewLimiter(rate.Limit(c.cfg.RatePerSecond), c.cfg.Concurrency)
	log := c.log.With(logger.Uint("website_id", website.ID), logger.String("url", website.URL))
	robots := c.robots(ctx, root, log)
	if !robots.Allowed(root.Path) {
		return Result{}, fmt.Errorf("%w: disallowed by robots.txt", ErrRootUnavailable)
	}

	var (
		res     Result
		mu      sync.Mutex
		visited = map[string]struct{}{root.String(): {}}
		level   = []*url.URL{root}
	)

	for depth := 0; len(level) > 0 && depth <= c.cfg.MaxDepth; depth++ {
		var (
			next  []*url.URL
			files []models.FileEntry
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Concurrency)

		for _, dir := range level {
			g.Go(func() error {
				entries, err := c.list(gctx, limiter, dir)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if dir == root {
						return fmt.Errorf("%w: %v", ErrRootUnavailable, err)
					}
					if gctx.Err() != nil {
						return gctx.Err()
					}
					res.Errors++
					log.Warn("failed to list directory", logger.String("dir", dir.String()), logger.Error(err))
					return nil
				}
				res.Directories++
				for _, e := range entries {
					if !robots.Allowed(e.URL.Path) {
						continue
					}
					if e.IsDir {
						key := e.URL.String()
						if _, ok := visited[key]; !ok {
							visited[key] = struct{}{}
							next = append(next, e.URL)
						}
						continue
					}
					if c.cfg.MaxFiles > 0 && res.Files >= c.cfg.MaxFiles {
						res.Truncated = true
						continue
					}
					files = append(files, e.ToFileEntry(website.ID, root))
					res.Files++
					res.Bytes += e.Size
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}
		if err := c.flush(ctx, sink, files); err != nil {
			return res, err
		}
		if res.Truncated {
			log.Info("file limit reached", logger.Int64("max_files", c.cfg.MaxFiles))
			break
		}

		sort.Slice(next, func(i, j int) bool { return next[i].String() < next[j].String() })
		level = next
	}
	return res, nil
}

// robots returns nil (allow all) when robots.txt is disabled or unavailable.
func (c *Crawler) robots(ctx context.Context, root *url.URL, log logger.Logger) *RobotsRules {
	if !c.cfg.RespectRobots {
		return nil
	}
	body, err := FetchRobots(ctx, c.client, root, c.cfg.UserAgent)
	if err != nil {
		log.Debug("robots.txt unavailable, allowing all paths", logger.Error(err))
		return nil
	}
	rules, err := ParseRobots(body, c.cfg.UserAgent)
	if err != nil {
		log.Debug("robots.txt unparseable, allowing all paths", logger.Error(err))
		return nil
	}
	return rules
}

func (c *Crawler) flush(ctx context.Context, sink FileSink, files []models.FileEntry) error {
	for start := 0; start < len(files); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(files))
		if err := sink(ctx, files[start:end]); err != nil {
			return fmt.Errorf("deliver batch: %w", err)
		}
	}
	return nil
}

func (c *Crawler) list(ctx context.Context, limiter *rate.Limiter, dir *url.URL) ([]Entry, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dir.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &probe.StatusError{Code: resp.StatusCode}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "text/html" && mt != "application/xhtml+xml" {
			return nil, &probe.ContentTypeError{ContentType: mt}
		}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	return ParseListing(doc, dir), nil
}
