package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"od-database/common"
	"od-database/internal/crawler"
	"od-database/internal/crawlstate"
	okafka "od-database/internal/kafka"
	"od-database/internal/logger"
	"od-database/internal/metrics"
	"od-database/internal/models"
	"od-database/internal/store"
)

// queueStore is the part of the website store the worker drives.
type queueStore interface {
	Dequeue(ctx context.Context) (models.QueueEntry, bool, error)
	GetWebsite(ctx context.Context, id uint) (models.Website, bool, error)
	SetStatus(ctx context.Context, id uint, status models.WebsiteStatus) error
	RecordCrawl(ctx context.Context, id uint, totals store.CrawlTotals) error
}

type crawlRunner interface {
	Crawl(ctx context.Context, website models.Website, sink crawler.FileSink) (crawler.Result, error)
}

type worker struct {
	store         queueStore
	crawler       crawlRunner
	files         okafka.FilePublisher
	dlq           okafka.FailurePublisher
	state         *crawlstate.State
	metrics       *workerMetrics
	log           logger.Logger
	pollInterval  time.Duration
	heartbeat     time.Duration
	jobTimeout    time.Duration
	retryMax      int
	retryBase     time.Duration
	retryMaxDelay time.Duration
	finishTimeout time.Duration
	now           func() time.Time
}

type workerConfig struct {
	pollInterval  time.Duration
	heartbeat     time.Duration
	jobTimeout    time.Duration
	retryMax      int
	retryBase     time.Duration
	retryMaxDelay time.Duration
}

func newWorker(
	st queueStore,
	runner crawlRunner,
	files okafka.FilePublisher,
	dlq okafka.FailurePublisher,
	state *crawlstate.State,
	m *workerMetrics,
	log logger.Logger,
	cfg workerConfig,
) *worker {
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = 5 * time.Second
	}
	if cfg.heartbeat <= 0 {
		cfg.heartbeat = 30 * time.Second
	}
	if cfg.jobTimeout <= 0 {
		cfg.jobTimeout = 6 * time.Hour
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &worker{
		store:         st,
		crawler:       runner,
		files:         files,
		dlq:           dlq,
		state:         state,
		metrics:       m,
		log:           log,
		pollInterval:  cfg.pollInterval,
		heartbeat:     cfg.heartbeat,
		jobTimeout:    cfg.jobTimeout,
		retryMax:      cfg.retryMax,
		retryBase:     cfg.retryBase,
		retryMaxDelay: cfg.retryMaxDelay,
		finishTimeout: defaultFinishTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// defaultFinishTimeout bounds the bookkeeping that runs after a crawl ends.
const defaultFinishTimeout = 10 * time.Second

// HTTP timeouts for listing fetches so a hung directory can't stall a level forever.
const (
	listingConnectTimeout  = 10 * time.Second
	listingResponseTimeout = 30 * time.Second
	listingTotalTimeout    = 2 * time.Minute
)

func buildHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: listingConnectTimeout}).DialContext,
			ResponseHeaderTimeout: listingResponseTimeout,
			MaxIdleConnsPerHost:   8,
		},
		Timeout: listingTotalTimeout,
	}
}

func main() {
	if err := common.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log := logger.Must(logger.Config{
		Level:   common.GetEnv("LOG_LEVEL", "info"),
		Service: "worker",
	})
	defer func() { _ = log.Sync() }()

	dbPath := common.GetEnv("DB_PATH", "od.sqlite3")
	redisAddr := common.GetEnv("REDIS_ADDR", "localhost:6379")
	statusKey := common.GetEnv("CRAWL_STATUS_KEY", "od:crawl:status")
	statusTTL := common.ParseDuration(common.GetEnv("CRAWL_STATUS_TTL", "2m"), 2*time.Minute)
	broker := common.GetEnv("KAFKA_BROKER", "localhost:9092")
	filesTopic := common.GetEnv("KAFKA_FILES_TOPIC", "od.crawl.files")
	dlqTopic := common.GetEnv("KAFKA_DLQ_TOPIC", "od.crawl.dlq")
	metricsAddr := common.GetEnv("METRICS_ADDR", ":9090")
	cfg := workerConfig{
		pollInterval:  common.ParseDuration(common.GetEnv("POLL_INTERVAL", "5s"), 5*time.Second),
		heartbeat:     common.ParseDuration(common.GetEnv("HEARTBEAT_INTERVAL", "30s"), 30*time.Second),
		jobTimeout:    common.ParseDuration(common.GetEnv("JOB_TIMEOUT", "6h"), 6*time.Hour),
		retryMax:      common.ParseInt(common.GetEnv("RETRY_MAX", "2"), 2),
		retryBase:     common.ParseDuration(common.GetEnv("RETRY_BASE_DELAY", "5s"), 5*time.Second),
		retryMaxDelay: common.ParseDuration(common.GetEnv("RETRY_MAX_DELAY", "1m"), time.Minute),
	}
	crawlCfg := crawler.Config{
		MaxDepth:      common.ParseInt(common.GetEnv("CRAWL_MAX_DEPTH", "10"), 10),
		Concurrency:   common.ParseInt(common.GetEnv("CRAWL_CONCURRENCY", "4"), 4),
		RatePerSecond: common.ParseFloat(common.GetEnv("CRAWL_RATE", "5"), 5),
		MaxFiles:      int64(common.ParseInt(common.GetEnv("CRAWL_MAX_FILES", "0"), 0)),
		BatchSize:     common.ParseInt(common.GetEnv("CRAWL_BATCH_SIZE", "500"), 500),
		UserAgent:     common.GetEnv("USER_AGENT", ""),
		RespectRobots: common.ParseBool(common.GetEnv("RESPECT_ROBOTS_TXT", ""), false),
	}

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatal("failed to open store", logger.String("path", dbPath), logger.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("failed to close store", logger.Error(err))
		}
	}()

	status := store.NewRedisStatusStore(redisAddr, statusKey, statusTTL)
	defer func() {
		if err := status.Close(); err != nil {
			log.Warn("failed to close redis client", logger.Error(err))
		}
	}()

	files := okafka.NewProducer(broker, filesTopic)
	defer func() {
		if err := files.Close(); err != nil {
			log.Warn("failed to close files writer", logger.Error(err))
		}
	}()
	dlq := okafka.NewProducer(broker, dlqTopic)
	defer func() {
		if err := dlq.Close(); err != nil {
			log.Warn("failed to close dlq writer", logger.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	m := newWorkerMetrics(reg)
	if metricsAddr != "" {
		metrics.Serve(ctx, metricsAddr, reg, log)
	}

	state := crawlstate.New(crawlstate.WithMirror(status), crawlstate.WithLogger(log))
	runner := crawler.New(buildHTTPClient(), crawlCfg, log)
	w := newWorker(st, runner, files, dlq, state, m, log, cfg)

	log.Info("worker polling queue",
		logger.String("db", dbPath),
		logger.String("files_topic", filesTopic),
		logger.Duration("poll_interval", cfg.pollInterval),
	)
	w.run(ctx)
	state.End(context.Background())
}

// run polls the queue until ctx is cancelled. Each tick drains every entry
// present. The heartbeat runs on its own goroutine so the mirrored state
// stays fresh while a crawl is in progress.
func (w *worker) run(ctx context.Context) {
	w.state.Publish(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()
	defer wg.Wait()

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			w.drain(ctx)
		}
	}
}

func (w *worker) heartbeatLoop(ctx context.Context) {
	beat := time.NewTicker(w.heartbeat)
	defer beat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			w.state.Publish(ctx)
		}
	}
}

func (w *worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.processNext(ctx)
		if err != nil {
			w.log.Error("queue poll failed", logger.Error(err))
			return
		}
		if !processed {
			return
		}
	}
}

// processNext takes the oldest queue entry and crawls it. It reports false
// when the queue was empty.
func (w *worker) processNext(ctx context.Context) (bool, error) {
	entry, ok, err := w.store.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return false, nil
	}
	website, ok, err := w.store.GetWebsite(ctx, entry.WebsiteID)
	if err != nil {
		return true, fmt.Errorf("load website %d: %w", entry.WebsiteID, err)
	}
	if !ok {
		w.log.Warn("queue entry without website", logger.Uint("website_id", entry.WebsiteID))
		return true, nil
	}

	w.state.Begin(ctx, website)
	defer func() {
		endCtx, cancel := w.finishContext(ctx)
		defer cancel()
		w.state.End(endCtx)
	}()
	w.metrics.setBusy(true)
	defer w.metrics.setBusy(false)

	w.crawlWebsite(ctx, website)
	return true, nil
}

func (w *worker) crawlWebsite(ctx context.Context, website models.Website) {
	job := models.CrawlJob{
		RunID:     uuid.NewString(),
		WebsiteID: website.ID,
		URL:       website.URL,
		StartedAt: w.now(),
	}
	log := w.log.With(logger.String("run_id", job.RunID), logger.Uint("website_id", website.ID), logger.String("url", website.URL))

	if err := w.store.SetStatus(ctx, website.ID, models.WebsiteCrawling); err != nil {
		log.Warn("failed to mark website crawling", logger.Error(err))
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	log.Info("crawl started")
	start := time.Now()
	run, err := w.crawlWithRetry(jobCtx, job, website)
	res := run.result
	w.metrics.observeCrawl(time.Since(start))

	// Shutdown cancels ctx; the outcome still has to land.
	finishCtx, finishCancel := w.finishContext(ctx)
	defer finishCancel()

	totals := store.CrawlTotals{
		Status:    models.WebsiteCrawled,
		FileCount: res.Files,
		ByteSize:  res.Bytes,
		At:        w.now(),
	}
	if err != nil {
		totals.Status = models.WebsiteFailed
		w.metrics.crawlFinished(models.WebsiteFailed)
		log.Error("crawl failed", logger.Error(err))
		if dlqErr := w.publishDLQ(finishCtx, job, run, err); dlqErr != nil {
			log.Error("dlq publish error", logger.Error(dlqErr))
		}
	} else {
		w.metrics.crawlFinished(models.WebsiteCrawled)
		log.Info("crawl finished",
			logger.Int64("files", res.Files),
			logger.Int64("bytes", res.Bytes),
			logger.Int("directories", res.Directories),
			logger.Int("errors", res.Errors),
			logger.Bool("truncated", res.Truncated),
		)
	}
	if err := w.store.RecordCrawl(finishCtx, website.ID, totals); err != nil {
		log.Error("failed to record crawl", logger.Error(err))
	}
}

// finishContext outlives cancellation of ctx for at most finishTimeout.
func (w *worker) finishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.finishTimeout)
}

// errPublish marks a sink failure so it is not mistaken for a crawl error.
var errPublish = errors.New("publish files")

// crawlRun reports what a possibly retried crawl got done.
type crawlRun struct {
	result    crawler.Result
	attempts  int
	published int64
}

// crawlWithRetry retries runs whose root could not be listed. Anything else
// (sink failures, cancellation) fails the run at once.
func (w *worker) crawlWithRetry(ctx context.Context, job models.CrawlJob, website models.Website) (crawlRun, error) {
	var run crawlRun
	sink := func(ctx context.Context, files []models.FileEntry) error {
		if err := w.files.WriteFiles(ctx, job, files); err != nil {
			return fmt.Errorf("%w: %w", errPublish, err)
		}
		run.published += int64(len(files))
		w.metrics.filesPublished(files)
		return nil
	}

	delay := w.retryBase
	for {
		res, err := w.crawler.Crawl(ctx, website, sink)
		run.result = res
		run.attempts++
		if err == nil || !errors.Is(err, crawler.ErrRootUnavailable) {
			return run, err
		}
		if run.attempts > w.retryMax {
			return run, err
		}
		w.log.Warn("crawl root unavailable, retrying",
			logger.Uint("website_id", website.ID),
			logger.Int("attempt", run.attempts),
			logger.Duration("delay", delay),
			logger.Error(err),
		)
		if delay > 0 {
			if w.retryMaxDelay > 0 && delay > w.retryMaxDelay {
				delay = w.retryMaxDelay
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return run, ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, crawler.ErrRootUnavailable):
		return models.FailureRootUnavailable
	case errors.Is(err, errPublish):
		return models.FailurePublish
	case errors.Is(err, context.DeadlineExceeded):
		return models.FailureTimeout
	case errors.Is(err, context.Canceled):
		return models.FailureCanceled
	default:
		return models.FailureOther
	}
}

func (w *worker) publishDLQ(ctx context.Context, job models.CrawlJob, run crawlRun, err error) error {
	if w.dlq == nil {
		return nil
	}
	return w.dlq.WriteFailure(ctx, models.CrawlFailure{
		RunID:          job.RunID,
		WebsiteID:      job.WebsiteID,
		URL:            job.URL,
		Reason:         failureReason(err),
		Error:          err.Error(),
		Attempts:       run.attempts,
		FilesPublished: run.published,
		StartedAt:      job.StartedAt,
		FailedAt:       w.now(),
	})
}
