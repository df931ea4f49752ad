package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"od-database/internal/captcha"
	"od-database/internal/intake"
	"od-database/internal/logger"
	"od-database/internal/metrics"
	"od-database/internal/models"
	"od-database/internal/search"
	"od-database/internal/store"
)

const (
	websitesPerPage = 100
	queueLimit      = 1000
	linksLimit      = 10000
	readTimeout     = 5 * time.Second
)

type websiteStore interface {
	Stats(ctx context.Context) (models.Stats, error)
	Queue(ctx context.Context, limit int) ([]models.QueueEntry, error)
	ListWebsites(ctx context.Context, perPage, page int) ([]models.Website, error)
	GetWebsite(ctx context.Context, id uint) (models.Website, bool, error)
}

type submitter interface {
	Submit(ctx context.Context, sub models.WebsiteSubmission) intake.Outcome
	SubmitBulk(ctx context.Context, urls []string, address, agent string) ([]intake.Outcome, error)
}

type fileSearcher interface {
	Search(ctx context.Context, q search.Query) (models.SearchResults, error)
	ExtensionStats(ctx context.Context, websiteID uint) ([]models.ExtensionStat, error)
	WebsiteLinks(ctx context.Context, websiteID uint, limit int) ([]string, error)
}

type cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

type serverDeps struct {
	websites websiteStore
	intake   submitter
	search   fileSearcher
	status   store.StatusStore
	charts   cache
	captcha  captcha.Verifier
	registry *prometheus.Registry
	log      logger.Logger
}

type server struct {
	serverDeps
	now func() time.Time
}

func newServer(deps serverDeps) *server {
	if deps.log == nil {
		deps.log = logger.NewNop()
	}
	if deps.captcha == nil {
		deps.captcha = captcha.Disabled{}
	}
	return &server{serverDeps: deps, now: func() time.Time { return time.Now().UTC() }}
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), loggerMiddleware(s.log))

	r.GET("/", s.handleHome)
	r.GET("/queue", s.handleQueue)
	r.GET("/website", s.handleWebsites)
	r.GET("/website/:id", s.handleWebsite)
	r.GET("/website/:id/json_chart", s.handleWebsiteChart)
	r.GET("/website/:id/links", s.handleWebsiteLinks)
	r.GET("/search", s.handleSearch)
	r.POST("/enqueue", s.handleEnqueue)
	r.POST("/enqueue_bulk", s.handleEnqueueBulk)
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(s.registry)))
	}
	return r
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

const unavailableMessage = "The service is temporarily unavailable, please try again later"

// handleHome reports the crawl worker state and site statistics. Either
// part is null when its backend is down.
//
//	curl "http://localhost:8080/"
func (s *server) handleHome(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readTimeout)
	defer cancel()

	resp := gin.H{"crawl": nil, "stats": nil}
	if snap, err := s.crawlSnapshot(ctx); err != nil {
		_ = c.Error(err)
	} else {
		resp["crawl"] = snap
	}
	if stats, err := s.websites.Stats(ctx); err != nil {
		_ = c.Error(err)
	} else {
		resp["stats"] = stats
	}
	c.JSON(http.StatusOK, resp)
}

// crawlSnapshot reads the mirrored worker state. No mirror entry means the
// worker is not running, which reads as idle.
func (s *server) crawlSnapshot(ctx context.Context) (models.CrawlSnapshot, error) {
	if s.status == nil {
		return models.IdleSnapshot(s.now()), nil
	}
	snap, ok, err := s.status.GetStatus(ctx)
	if err != nil {
		return models.CrawlSnapshot{}, fmt.Errorf("read crawl status: %w", err)
	}
	if !ok || !snap.Consistent() {
		return models.IdleSnapshot(s.now()), nil
	}
	return snap, nil
}

func (s *server) handleQueue(c *gin.Context) {
	entries, err := s.websites.Queue(c.Request.Context(), queueLimit)
	if err != nil {
		s.unavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": entries})
}

// handleWebsites lists websites newest first, 100 per page.
//
//	curl "http://localhost:8080/website?p=2"
func (s *server) handleWebsites(c *gin.Context) {
	page := nonNegativeInt(c.Query("p"))
	sites, err := s.websites.ListWebsites(c.Request.Context(), websitesPerPage, page)
	if err != nil {
		s.unavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "per_page": websitesPerPage, "websites": sites})
}

func (s *server) handleWebsite(c *gin.Context) {
	site, ok := s.lookupWebsite(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, site)
}

// handleWebsiteChart returns the per-extension breakdown of a website,
// cached for a short while.
func (s *server) handleWebsiteChart(c *gin.Context) {
	site, ok := s.lookupWebsite(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	key := strconv.FormatUint(uint64(site.ID), 10)

	var stats []models.ExtensionStat
	if s.charts != nil {
		hit, err := s.charts.Get(ctx, key, &stats)
		if err != nil {
			s.log.Warn("chart cache read failed", logger.Uint("website_id", site.ID), logger.Error(err))
		}
		if hit {
			c.JSON(http.StatusOK, stats)
			return
		}
	}

	stats, err := s.search.ExtensionStats(ctx, site.ID)
	if err != nil {
		s.unavailable(c, err)
		return
	}
	if s.charts != nil {
		if err := s.charts.Set(ctx, key, stats); err != nil {
			s.log.Warn("chart cache write failed", logger.Uint("website_id", site.ID), logger.Error(err))
		}
	}
	c.JSON(http.StatusOK, stats)
}

// handleWebsiteLinks returns the indexed file URLs of a website, one per line.
func (s *server) handleWebsiteLinks(c *gin.Context) {
	site, ok := s.lookupWebsite(c)
	if !ok {
		return
	}
	links, err := s.search.WebsiteLinks(c.Request.Context(), site.ID, linksLimit)
	if err != nil {
		s.unavailable(c, err)
		return
	}
	c.String(http.StatusOK, strings.Join(links, "\n"))
}

// handleSearch runs a full-text file search. An empty q returns no results
// without touching the index.
//
//	curl "http://localhost:8080/search?q=ubuntu+iso&per_page=25&sort_order=size_desc"
func (s *server) handleSearch(c *gin.Context) {
	q := search.ParseQuery(c.Query("q"), c.Query("p"), c.Query("per_page"), c.Query("sort_order"))
	results, err := s.search.Search(c.Request.Context(), q)
	if err != nil {
		if invalid, ok := search.IsInvalidQuery(err); ok {
			c.JSON(http.StatusBadRequest, errorResponse{
				Error:   "invalid_query",
				Message: "Invalid query",
				Detail:  invalid.Detail,
			})
			return
		}
		s.unavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

// handleEnqueue submits one URL.
//
//	curl -X POST -d "url=http://example.com/pub/" -d "captcha=..." "http://localhost:8080/enqueue"
func (s *server) handleEnqueue(c *gin.Context) {
	if !s.verifyCaptcha(c) {
		return
	}
	out := s.intake.Submit(c.Request.Context(), models.WebsiteSubmission{
		URL:              c.PostForm("url"),
		SubmitterAddress: c.ClientIP(),
		SubmitterAgent:   c.Request.UserAgent(),
	})
	c.JSON(outcomeStatus(out), out)
}

// handleEnqueueBulk submits 1 to 10 whitespace-separated URLs and returns
// one outcome per URL in input order.
func (s *server) handleEnqueueBulk(c *gin.Context) {
	if !s.verifyCaptcha(c) {
		return
	}
	urls := strings.Fields(c.PostForm("urls"))
	outcomes, err := s.intake.SubmitBulk(c.Request.Context(), urls, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		msg, code := intake.Message(err)
		c.JSON(http.StatusBadRequest, errorResponse{Error: code, Message: msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

const captchaFailedMessage = "Invalid captcha please try again"

func (s *server) verifyCaptcha(c *gin.Context) bool {
	response := c.PostForm("captcha")
	if response == "" {
		response = c.PostForm("g-recaptcha-response")
	}
	err := s.captcha.Verify(c.Request.Context(), response, c.ClientIP())
	if err == nil {
		return true
	}
	if errors.Is(err, captcha.ErrFailed) {
		c.JSON(http.StatusForbidden, errorResponse{Error: "captcha_failed", Message: captchaFailedMessage})
		return false
	}
	s.unavailable(c, err)
	return false
}

func (s *server) lookupWebsite(c *gin.Context) (models.Website, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found"})
		return models.Website{}, false
	}
	site, ok, err := s.websites.GetWebsite(c.Request.Context(), uint(id))
	if err != nil {
		s.unavailable(c, err)
		return models.Website{}, false
	}
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found"})
		return models.Website{}, false
	}
	return site, true
}

func (s *server) unavailable(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "unavailable", Message: unavailableMessage})
}

func outcomeStatus(out intake.Outcome) int {
	switch {
	case out.Accepted():
		return http.StatusAccepted
	case out.Code == intake.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func nonNegativeInt(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
