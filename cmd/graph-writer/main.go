package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"od-database/common"
	"od-database/internal/graph"
	okafka "od-database/internal/kafka"
	"od-database/internal/logger"
	"od-database/internal/metrics"
)

type graphWriter struct {
	driver  graph.DriverSessioner
	metrics *writerMetrics
	log     logger.Logger
}

// writerMetrics counts batches by outcome (received, written, failed) and
// the files merged into the graph.
type writerMetrics struct {
	batches *prometheus.CounterVec
	files   prometheus.Counter
}

func newWriterMetrics(reg prometheus.Registerer) *writerMetrics {
	f := promauto.With(reg)
	return &writerMetrics{
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "od_graph_writer_batches_total",
			Help: "File batches consumed by outcome.",
		}, []string{"outcome"}),
		files: f.NewCounter(prometheus.CounterOpts{
			Name: "od_graph_writer_files_written_total",
			Help: "File nodes merged into Neo4j.",
		}),
	}
}

func (m *writerMetrics) batch(outcome string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(outcome).Inc()
}

func (m *writerMetrics) filesWritten(n int) {
	if m == nil {
		return
	}
	m.files.Add(float64(n))
}

func main() {
	if err := common.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log := logger.Must(logger.Config{
		Level:   common.GetEnv("LOG_LEVEL", "info"),
		Service: "graph-writer",
	})
	defer func() { _ = log.Sync() }()

	broker := common.GetEnv("KAFKA_BROKER", "localhost:9092")
	filesTopic := common.GetEnv("KAFKA_FILES_TOPIC", "od.crawl.files")
	groupID := common.GetEnv("KAFKA_GRAPH_GROUP", "od-graph-writer")
	metricsAddr := common.GetEnv("METRICS_ADDR", ":9091")

	neo4jURI := common.GetEnv("NEO4J_URI", "neo4j://localhost:7687")
	neo4jUser := common.GetEnv("NEO4J_USER", "neo4j")
	neo4jPassword := common.GetEnv("NEO4J_PASSWORD", "neo4j")

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	driver, err := graph.NewDriver(connectCtx, neo4jURI, neo4jUser, neo4jPassword)
	cancelConnect()
	if err != nil {
		log.Fatal("neo4j driver error", logger.Error(err))
	}
	defer func() {
		if err := driver.Close(context.Background()); err != nil {
			log.Warn("neo4j close error", logger.Error(err))
		}
	}()

	reader := okafka.NewReader(broker, filesTopic, groupID)
	defer func() {
		if err := reader.Close(); err != nil {
			log.Warn("files reader close error", logger.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	writer := &graphWriter{
		driver:  driver,
		metrics: newWriterMetrics(reg),
		log:     log,
	}
	if metricsAddr != "" {
		metrics.Serve(ctx, metricsAddr, reg, log)
	}

	log.Info("graph writer consuming", logger.String("topic", filesTopic), logger.String("group", groupID))
	consumeBatches(ctx, reader, writer)
}

// consumeBatches commits a message only after its batch reached Neo4j.
func consumeBatches(ctx context.Context, reader okafka.MessageReader, writer *graphWriter) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			writer.log.Warn("files fetch error", logger.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}

		writer.metrics.batch("received")
		if err := writer.writeBatch(ctx, msg); err != nil {
			writer.metrics.batch("failed")
			writer.log.Error("graph write error",
				logger.Int("partition", msg.Partition),
				logger.Int64("offset", msg.Offset),
				logger.Error(err),
			)
			continue
		}
		writer.metrics.batch("written")

		if err := reader.CommitMessages(ctx, msg); err != nil {
			writer.log.Warn("files commit error", logger.Error(err))
		}
	}
}

func (w *graphWriter) writeBatch(ctx context.Context, msg kafka.Message) error {
	batch, err := okafka.DecodeFileBatch(msg)
	if err != nil {
		return err
	}
	if batch.WebsiteID == 0 || len(batch.Files) == 0 {
		return nil
	}
	if err := graph.WriteAll(ctx, w.driver, graph.BatchStatements(batch)); err != nil {
		return err
	}
	w.metrics.filesWritten(len(batch.Files))
	return nil
}
