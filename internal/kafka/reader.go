package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"od-database/internal/models"
)

// NewReader returns a consumer-group reader for topic. Offsets are only
// committed through CommitMessages, never in the background.
func NewReader(broker, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10 << 20,
		StartOffset: kafka.FirstOffset,
	})
}

// DecodeFileBatch parses a files-topic message. Files without a website id
// inherit the batch's.
func DecodeFileBatch(msg kafka.Message) (models.FileBatch, error) {
	var batch models.FileBatch
	if err := json.Unmarshal(msg.Value, &batch); err != nil {
		return models.FileBatch{}, fmt.Errorf("decode file batch at partition %d offset %d: %w", msg.Partition, msg.Offset, err)
	}
	for i := range batch.Files {
		if batch.Files[i].WebsiteID == 0 {
			batch.Files[i].WebsiteID = batch.WebsiteID
		}
	}
	return batch, nil
}
