package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"od-database/common"
	"od-database/internal/logger"
)

// metadataReader is the part of *kafka.Conn used to inspect topics.
type metadataReader interface {
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
	Close() error
}

func main() {
	if err := common.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log := logger.Must(logger.Config{Level: common.GetEnv("LOG_LEVEL", "info"), Service: "kafka-check"})
	defer func() { _ = log.Sync() }()

	broker := common.GetEnv("KAFKA_BROKER", "localhost:9092")
	topics := []string{
		common.GetEnv("KAFKA_FILES_TOPIC", "od.crawl.files"),
		common.GetEnv("KAFKA_DLQ_TOPIC", "od.crawl.dlq"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		log.Fatal("failed to connect to Kafka", logger.String("broker", broker), logger.Error(err))
	}

	counts, err := check(conn, topics)
	if err != nil {
		log.Fatal("kafka check failed", logger.String("broker", broker), logger.Error(err))
	}
	for _, topic := range topics {
		log.Info("topic ready", logger.String("topic", topic), logger.Int("partitions", counts[topic]))
	}
	log.Info("connected to Kafka", logger.String("broker", broker))
}

// check reads partition metadata for topics and fails when any topic has
// no partitions. The connection is closed before returning.
func check(conn metadataReader, topics []string) (map[string]int, error) {
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topics...)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	counts := make(map[string]int, len(topics))
	for _, p := range partitions {
		counts[p.Topic]++
	}
	var missing []string
	for _, topic := range topics {
		if counts[topic] == 0 {
			missing = append(missing, topic)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return counts, fmt.Errorf("topics without partitions: %s", strings.Join(missing, ", "))
	}
	return counts, nil
}
