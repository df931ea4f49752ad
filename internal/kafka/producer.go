package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"od-database/internal/models"
)

// FilePublisher publishes batches of crawled files.
type FilePublisher interface {
	WriteFiles(ctx context.Context, job models.CrawlJob, files []models.FileEntry) error
}

// FailurePublisher publishes failed crawl runs to the dead letter topic.
type FailurePublisher interface {
	WriteFailure(ctx context.Context, failure models.CrawlFailure) error
}

// Producer wraps a Kafka writer bound to one topic.
type Producer struct {
	writer MessageWriter
}

// NewProducer creates a Kafka producer for the given broker and topic.
func NewProducer(broker, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(broker),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: false,
			BatchTimeout:           50 * time.Millisecond,
		},
	}
}

// NewProducerWithWriter builds a producer using a custom writer (tests).
func NewProducerWithWriter(writer MessageWriter) *Producer {
	return &Producer{writer: writer}
}

// Close shuts down the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// WriteFiles publishes one FileBatch. Messages are keyed by website id so
// all batches of a website land on the same partition in order.
func (p *Producer) WriteFiles(ctx context.Context, job models.CrawlJob, files []models.FileEntry) error {
	payload, err := models.NewFileBatch(job, files)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   websiteKey(job.WebsiteID),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(job.RunID)},
		},
	})
}

// WriteFailure publishes a CrawlFailure. The reason header lets DLQ tooling
// filter without decoding the payload.
func (p *Producer) WriteFailure(ctx context.Context, failure models.CrawlFailure) error {
	payload, err := json.Marshal(failure)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   websiteKey(failure.WebsiteID),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(failure.RunID)},
			{Key: "reason", Value: []byte(failure.Reason)},
		},
	})
}

func websiteKey(id uint) []byte {
	return []byte(strconv.FormatUint(uint64(id), 10))
}
