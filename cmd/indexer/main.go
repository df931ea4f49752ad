package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"od-database/common"
	okafka "od-database/internal/kafka"
	"od-database/internal/logger"
	"od-database/internal/metrics"
	"od-database/internal/models"
	"od-database/internal/search"
)

type fileIndexer interface {
	IndexFiles(ctx context.Context, batch models.FileBatch) (search.BulkResult, error)
}

type indexer struct {
	reader        okafka.MessageReader
	index         fileIndexer
	coordinator   *commitCoordinator
	commitCh      chan<- kafka.Message
	sem           chan struct{}
	wg            *sync.WaitGroup
	jobTimeout    time.Duration
	retryMax      int
	retryBase     time.Duration
	retryMaxDelay time.Duration
	metrics       *indexerMetrics
	log           logger.Logger
}

type indexerConfig struct {
	concurrentJobs int
	jobTimeout     time.Duration
	retryMax       int
	retryBase      time.Duration
	retryMaxDelay  time.Duration
}

func newIndexer(
	reader okafka.MessageReader,
	index fileIndexer,
	coordinator *commitCoordinator,
	commitCh chan<- kafka.Message,
	wg *sync.WaitGroup,
	m *indexerMetrics,
	log logger.Logger,
	cfg indexerConfig,
) *indexer {
	if cfg.concurrentJobs < 1 {
		cfg.concurrentJobs = 1
	}
	if cfg.jobTimeout <= 0 {
		cfg.jobTimeout = 2 * time.Minute
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &indexer{
		reader:        reader,
		index:         index,
		coordinator:   coordinator,
		commitCh:      commitCh,
		sem:           make(chan struct{}, cfg.concurrentJobs),
		wg:            wg,
		jobTimeout:    cfg.jobTimeout,
		retryMax:      cfg.retryMax,
		retryBase:     cfg.retryBase,
		retryMaxDelay: cfg.retryMaxDelay,
		metrics:       m,
		log:           log,
	}
}

func main() {
	if err := common.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log := logger.Must(logger.Config{
		Level:   common.GetEnv("LOG_LEVEL", "info"),
		Service: "indexer",
	})
	defer func() { _ = log.Sync() }()

	broker := common.GetEnv("KAFKA_BROKER", "localhost:9092")
	filesTopic := common.GetEnv("KAFKA_FILES_TOPIC", "od.crawl.files")
	groupID := common.GetEnv("KAFKA_GROUP_ID", "od-indexer")
	metricsAddr := common.GetEnv("METRICS_ADDR", ":9092")
	cfg := indexerConfig{
		concurrentJobs: common.ParseInt(common.GetEnv("CONCURRENT_JOBS", "4"), 4),
		jobTimeout:     common.ParseDuration(common.GetEnv("JOB_TIMEOUT", "2m"), 2*time.Minute),
		retryMax:       common.ParseInt(common.GetEnv("RETRY_MAX", "3"), 3),
		retryBase:      common.ParseDuration(common.GetEnv("RETRY_BASE_DELAY", "500ms"), 500*time.Millisecond),
		retryMaxDelay:  common.ParseDuration(common.GetEnv("RETRY_MAX_DELAY", "10s"), 10*time.Second),
	}

	client, err := search.NewClient(search.Config{
		URL:      common.GetEnv("ELASTIC_URL", "http://localhost:9200"),
		Index:    common.GetEnv("ELASTIC_INDEX", "od-files"),
		Username: common.GetEnv("ELASTIC_USERNAME", ""),
		Password: common.GetEnv("ELASTIC_PASSWORD", ""),
	})
	if err != nil {
		log.Fatal("elasticsearch client error", logger.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ensureCtx, ensureCancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.Ping(ensureCtx)
	if err == nil {
		err = client.EnsureIndex(ensureCtx)
	}
	ensureCancel()
	if err != nil {
		log.Fatal("failed to ensure search index", logger.String("index", client.Index()), logger.Error(err))
	}

	reader := okafka.NewReader(broker, filesTopic, groupID)
	defer func() {
		if err := reader.Close(); err != nil {
			log.Warn("failed to close reader", logger.Error(err))
		}
	}()

	reg := metrics.NewRegistry()
	m := newIndexerMetrics(reg)
	if metricsAddr != "" {
		metrics.Serve(ctx, metricsAddr, reg, log)
	}

	commitCh := make(chan kafka.Message, cfg.concurrentJobs*2)
	coordinator := newCommitCoordinator(reader, commitCh, m, log)
	var coordWg sync.WaitGroup
	coordWg.Add(1)
	go coordinator.run(ctx, &coordWg)

	var wg sync.WaitGroup
	ix := newIndexer(reader, client, coordinator, commitCh, &wg, m, log, cfg)
	log.Info("indexer consuming",
		logger.String("topic", filesTopic),
		logger.String("group", groupID),
		logger.String("index", client.Index()),
		logger.Int("concurrent_jobs", cfg.concurrentJobs),
	)
	ix.run(ctx)
	wg.Wait()
	close(commitCh)
	coordWg.Wait()
}

// run fetches batches and dispatches them to goroutines bounded by the
// semaphore. Commits go through the coordinator.
func (ix *indexer) run(ctx context.Context) {
	for {
		msg, err := ix.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ix.log.Warn("fetch error", logger.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}
		ix.coordinator.track(msg)
		if err := ix.dispatch(ctx, msg); err != nil {
			return
		}
	}
}

func (ix *indexer) dispatch(ctx context.Context, msg kafka.Message) error {
	batch, err := okafka.DecodeFileBatch(msg)
	if err != nil {
		ix.log.Warn("invalid file batch payload",
			logger.Int("partition", msg.Partition),
			logger.Int64("offset", msg.Offset),
			logger.Error(err),
		)
		ix.metrics.batch("invalid")
		ix.commitCh <- msg
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ix.sem <- struct{}{}:
	}
	ix.metrics.inFlightAdd(1)
	ix.wg.Add(1)
	go ix.process(ctx, msg, batch)
	return nil
}

// process always hands msg to the coordinator so one bad batch can't stall
// its partition.
func (ix *indexer) process(ctx context.Context, msg kafka.Message, batch models.FileBatch) {
	defer func() {
		ix.metrics.inFlightAdd(-1)
		<-ix.sem
		ix.wg.Done()
		ix.commitCh <- msg
	}()

	jobCtx, cancel := context.WithTimeout(ctx, ix.jobTimeout)
	defer cancel()

	log := ix.log.With(
		logger.String("run_id", batch.RunID),
		logger.Uint("website_id", batch.WebsiteID),
		logger.Int("files", len(batch.Files)),
	)
	res, err := ix.indexWithRetry(jobCtx, batch)
	if err != nil {
		ix.metrics.batch("failed")
		log.Error("bulk index failed", logger.Error(err))
		return
	}
	ix.metrics.batch("indexed")
	ix.metrics.documentsWritten(res.Indexed, res.Failed)
	if res.Failed > 0 {
		log.Warn("bulk index partially failed",
			logger.Int("indexed", res.Indexed),
			logger.Int("failed", res.Failed),
			logger.String("first_error", res.FirstError),
		)
		return
	}
	log.Debug("batch indexed", logger.Int("indexed", res.Indexed))
}

func (ix *indexer) indexWithRetry(ctx context.Context, batch models.FileBatch) (search.BulkResult, error) {
	delay := ix.retryBase
	attempts := 0
	for {
		start := time.Now()
		res, err := ix.index.IndexFiles(ctx, batch)
		ix.metrics.observeBulk(time.Since(start))
		if err == nil {
			return res, nil
		}
		attempts++
		if attempts > ix.retryMax {
			return res, err
		}
		if delay > 0 {
			if ix.retryMaxDelay > 0 && delay > ix.retryMaxDelay {
				delay = ix.retryMaxDelay
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res, ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}
	}
}
