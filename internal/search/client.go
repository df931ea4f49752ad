// Package search indexes crawled files in Elasticsearch and queries them.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"

	"od-database/internal/models"
)

// Config configures the Elasticsearch connection.
type Config struct {
	URL        string
	Index      string
	Username   string
	Password   string
	MaxRetries int
	Transport  http.RoundTripper
}

// Client is the file index.
type Client struct {
	es    *es.Client
	index string
}

type fileDocument struct {
	WebsiteID  uint       `json:"website_id"`
	WebsiteURL string     `json:"website_url"`
	Path       string     `json:"path"`
	Name       string     `json:"name"`
	Ext        string     `json:"ext"`
	Size       int64      `json:"size"`
	MTime      *time.Time `json:"mtime,omitempty"`
	IndexedAt  time.Time  `json:"indexed_at"`
}

const indexMapping = `{
  "mappings": {
    "properties": {
      "website_id":  {"type": "long"},
      "website_url": {"type": "keyword"},
      "path":        {"type": "keyword"},
      "name":        {"type": "text", "fields": {"keyword": {"type": "keyword", "ignore_above": 512}}},
      "ext":         {"type": "keyword"},
      "size":        {"type": "long"},
      "mtime":       {"type": "date"},
      "indexed_at":  {"type": "date"}
    }
  }
}`

// NewClient connects to Elasticsearch. It does not contact the server.
func NewClient(cfg Config) (*Client, error) {
	addr := cfg.URL
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	esCfg := es.Config{
		Addresses:  []string{addr},
		MaxRetries: cfg.MaxRetries,
		Transport:  cfg.Transport,
	}
	if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}
	client, err := es.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Client{es: client, index: cfg.Index}, nil
}

// Index returns the index name.
func (c *Client) Index() string {
	return c.index
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: ping returned %s", ErrUnavailable, res.Status())
	}
	return nil
}

// EnsureIndex creates the file index with its mapping when missing.
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: index exists check returned %s", ErrUnavailable, res.Status())
	}

	res, err = c.es.Indices.Create(c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index returned error [%d]: %s", res.StatusCode, string(body))
	}
	return nil
}

// Search runs q against the file index. A malformed query string yields
// *InvalidQueryError; backend failures wrap ErrUnavailable.
func (c *Client) Search(ctx context.Context, q Query) (models.SearchResults, error) {
	q = q.normalized()
	results := models.SearchResults{
		Query:     q.Text,
		Page:      q.Page,
		PerPage:   q.PerPage,
		SortOrder: q.SortOrder,
		Hits:      []models.SearchHit{},
	}
	if q.Text == "" {
		return results, nil
	}

	var resp searchResponse
	if err := c.search(ctx, q.body(), &resp); err != nil {
		return models.SearchResults{}, err
	}
	results.Total = resp.Hits.Total.Value
	results.TookMs = resp.Took
	for _, hit := range resp.Hits.Hits {
		results.Hits = append(results.Hits, hit.toModel())
	}
	return results, nil
}

// ExtensionStats aggregates file count and size per extension for a website.
func (c *Client) ExtensionStats(ctx context.Context, websiteID uint) ([]models.ExtensionStat, error) {
	body := map[string]any{
		"size":  0,
		"query": map[string]any{"term": map[string]any{"website_id": websiteID}},
		"aggs": map[string]any{
			"ext": map[string]any{
				"terms": map[string]any{"field": "ext", "size": 40, "missing": ""},
				"aggs": map[string]any{
					"size": map[string]any{"sum": map[string]any{"field": "size"}},
				},
			},
		},
	}
	var resp struct {
		Aggregations struct {
			Ext struct {
				Buckets []struct {
					Key      string `json:"key"`
					DocCount int64  `json:"doc_count"`
					Size     struct {
						Value float64 `json:"value"`
					} `json:"size"`
				} `json:"buckets"`
			} `json:"ext"`
		} `json:"aggregations"`
	}
	if err := c.search(ctx, body, &resp); err != nil {
		return nil, err
	}
	stats := make([]models.ExtensionStat, 0, len(resp.Aggregations.Ext.Buckets))
	for _, b := range resp.Aggregations.Ext.Buckets {
		stats = append(stats, models.ExtensionStat{Ext: b.Key, Count: b.DocCount, Size: int64(b.Size.Value)})
	}
	return stats, nil
}

// WebsiteLinks returns up to limit absolute file URLs of a website.
func (c *Client) WebsiteLinks(ctx context.Context, websiteID uint, limit int) ([]string, error) {
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}
	body := map[string]any{
		"size":    limit,
		"query":   map[string]any{"term": map[string]any{"website_id": websiteID}},
		"sort":    []map[string]any{{"_doc": "asc"}},
		"_source": []string{"website_url", "path", "name"},
	}
	var resp searchResponse
	if err := c.search(ctx, body, &resp); err != nil {
		return nil, err
	}
	links := make([]string, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		links = append(links, hit.toModel().URL())
	}
	return links, nil
}

func (c *Client) search(ctx context.Context, body map[string]any, dst any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("encode search body: %w", err)
	}
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(&buf),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		if res.StatusCode == http.StatusBadRequest {
			return invalidQuery(raw)
		}
		return fmt.Errorf("%w: search returned error [%d]: %s", ErrUnavailable, res.StatusCode, string(raw))
	}
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode search response: %w", err)
	}
	return nil
}

type searchResponse struct {
	Took int64 `json:"took"`
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

type searchHit struct {
	ID     string       `json:"_id"`
	Score  *float64     `json:"_score"`
	Source fileDocument `json:"_source"`
}

func (h searchHit) toModel() models.SearchHit {
	hit := models.SearchHit{
		ID:         h.ID,
		WebsiteID:  h.Source.WebsiteID,
		WebsiteURL: h.Source.WebsiteURL,
		Path:       h.Source.Path,
		Name:       h.Source.Name,
		Ext:        h.Source.Ext,
		Size:       h.Source.Size,
		MTime:      h.Source.MTime,
	}
	if h.Score != nil {
		hit.Score = *h.Score
	}
	return hit
}

// IsInvalidQuery reports whether err is a rejected query.
func IsInvalidQuery(err error) (*InvalidQueryError, bool) {
	var iq *InvalidQueryError
	if errors.As(err, &iq) {
		return iq, true
	}
	return nil, false
}
