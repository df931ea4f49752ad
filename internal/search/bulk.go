package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"od-database/internal/models"
)

// BulkResult summarises one bulk request.
type BulkResult struct {
	Indexed    int
	Failed     int
	FirstError string
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// IndexFiles writes every file of batch. Documents are keyed by
// FileEntry.DocumentID so a re-crawl overwrites instead of duplicating.
func (c *Client) IndexFiles(ctx context.Context, batch models.FileBatch) (BulkResult, error) {
	if len(batch.Files) == 0 {
		return BulkResult{}, nil
	}
	now := time.Now().UTC()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, f := range batch.Files {
		f.WebsiteID = batch.WebsiteID
		meta := map[string]any{"index": map[string]any{"_index": c.index, "_id": f.DocumentID()}}
		if err := enc.Encode(meta); err != nil {
			return BulkResult{}, fmt.Errorf("encode bulk meta: %w", err)
		}
		doc := fileDocument{
			WebsiteID:  batch.WebsiteID,
			WebsiteURL: batch.WebsiteURL,
			Path:       f.Path,
			Name:       f.Name,
			Ext:        f.Ext,
			Size:       f.Size,
			MTime:      f.MTime,
			IndexedAt:  now,
		}
		if err := enc.Encode(doc); err != nil {
			return BulkResult{}, fmt.Errorf("encode bulk document: %w", err)
		}
	}

	res, err := c.es.Bulk(&buf, c.es.Bulk.WithContext(ctx), c.es.Bulk.WithIndex(c.index))
	if err != nil {
		return BulkResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return BulkResult{}, fmt.Errorf("%w: bulk returned error [%d]: %s", ErrUnavailable, res.StatusCode, string(raw))
	}

	var resp bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return BulkResult{}, fmt.Errorf("decode bulk response: %w", err)
	}
	var result BulkResult
	for _, item := range resp.Items {
		for _, op := range item {
			if op.Error != nil || op.Status >= 300 {
				result.Failed++
				if result.FirstError == "" && op.Error != nil {
					result.FirstError = op.Error.Type + ": " + op.Error.Reason
				}
				continue
			}
			result.Indexed++
		}
	}
	return result, nil
}
