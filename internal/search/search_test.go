package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"od-database/internal/models"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type fakeES struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request, body string)
}

func (f *fakeES) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newFakeES(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body string)) (*Client, *fakeES) {
	t.Helper()
	fake := &fakeES{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fake.mu.Lock()
		fake.requests = append(fake.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(body)})
		fake.mu.Unlock()
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		fake.handler(w, r, string(body))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{URL: srv.URL, Index: "od-files"})
	require.NoError(t, err)
	return client, fake
}

func TestParseQueryDefaultsAndValidation(t *testing.T) {
	q := ParseQuery("  linux iso ", "", "", "")
	assert.Equal(t, Query{Text: "linux iso", Page: 0, PerPage: 50, SortOrder: SortScore}, q)

	q = ParseQuery("x", "3", "250", SortSizeDesc)
	assert.Equal(t, Query{Text: "x", Page: 3, PerPage: 250, SortOrder: SortSizeDesc}, q)

	q = ParseQuery("x", "-1", "42", "random")
	assert.Equal(t, 0, q.Page)
	assert.Equal(t, DefaultPerPage, q.PerPage)
	assert.Equal(t, SortScore, q.SortOrder)

	q = ParseQuery("x", "abc", "1000", SortNone)
	assert.Equal(t, 0, q.Page)
	assert.Equal(t, 1000, q.PerPage)
	assert.Equal(t, SortNone, q.SortOrder)
}

func TestPageIsClampedToResultWindow(t *testing.T) {
	q := ParseQuery("x", "99999999999999", "1000", "")
	assert.Equal(t, 9, q.Page)

	q = ParseQuery("x", "400", "25", "")
	assert.Equal(t, 399, q.Page)

	client, fake := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = io.WriteString(w, `{"took": 1, "hits": {"total": {"value": 0}, "hits": []}}`)
	})
	_, err := client.Search(context.Background(), Query{Text: "iso", Page: math.MaxInt, PerPage: 500})
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(fake.last().Body), &body))
	assert.EqualValues(t, MaxResultWindow-500, body["from"])
}

func TestSearchBuildsPagedSortedQuery(t *testing.T) {
	client, fake := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = io.WriteString(w, `{
			"took": 7,
			"hits": {
				"total": {"value": 2},
				"hits": [
					{"_id": "1:pub/a.iso", "_score": 3.5, "_source": {"website_id": 1, "website_url": "http://example.com/", "path": "pub/", "name": "a.iso", "ext": "iso", "size": 1024}},
					{"_id": "1:b.txt", "_score": null, "_source": {"website_id": 1, "website_url": "http://example.com/", "path": "", "name": "b.txt", "ext": "txt", "size": 3, "mtime": "2020-01-02T03:04:05Z"}}
				]
			}
		}`)
	})

	res, err := client.Search(context.Background(), Query{Text: "iso", Page: 2, PerPage: 25, SortOrder: SortSizeDesc})
	require.NoError(t, err)

	req := fake.last()
	assert.Equal(t, "/od-files/_search", req.Path)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	assert.EqualValues(t, 50, body["from"])
	assert.EqualValues(t, 25, body["size"])
	assert.Contains(t, req.Body, `"size":"desc"`)
	assert.Contains(t, req.Body, `"query_string"`)

	assert.EqualValues(t, 2, res.Total)
	assert.EqualValues(t, 7, res.TookMs)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, 3.5, res.Hits[0].Score)
	assert.Equal(t, "http://example.com/pub/a.iso", res.Hits[0].URL())
	require.NotNil(t, res.Hits[1].MTime)
	assert.Equal(t, 2020, res.Hits[1].MTime.Year())
}

func TestSearchEmptyQueryDoesNotHitBackend(t *testing.T) {
	client, fake := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		t.Fatal("backend should not be called")
	})
	res, err := client.Search(context.Background(), Query{Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.Empty(t, fake.requests)
}

func TestSearchInvalidQueryCarriesDetail(t *testing.T) {
	client, _ := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"type":"search_phase_execution_exception","reason":"all shards failed",
			"root_cause":[{"type":"query_shard_exception","reason":"Failed to parse query [name:(]"}]},"status":400}`)
	})

	_, err := client.Search(context.Background(), Query{Text: "name:("})
	require.Error(t, err)
	iq, ok := IsInvalidQuery(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "Failed to parse query [name:(]", iq.Detail)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestSearchServerErrorIsUnavailable(t *testing.T) {
	client, _ := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"boom"}`)
	})
	_, err := client.Search(context.Background(), Query{Text: "iso"})
	assert.ErrorIs(t, err, ErrUnavailable)
	_, ok := IsInvalidQuery(err)
	assert.False(t, ok)
}

func TestExtensionStats(t *testing.T) {
	client, fake := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = io.WriteString(w, `{"took":1,"hits":{"total":{"value":5},"hits":[]},
			"aggregations":{"ext":{"buckets":[
				{"key":"iso","doc_count":2,"size":{"value":4096}},
				{"key":"","doc_count":3,"size":{"value":10}}
			]}}}`)
	})

	stats, err := client.ExtensionStats(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, []models.ExtensionStat{{Ext: "iso", Count: 2, Size: 4096}, {Ext: "", Count: 3, Size: 10}}, stats)
	assert.Contains(t, fake.last().Body, `"website_id":9`)
}

func TestWebsiteLinks(t *testing.T) {
	client, _ := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = io.WriteString(w, `{"hits":{"total":{"value":2},"hits":[
			{"_id":"a","_source":{"website_url":"http://example.com/","path":"","name":"a.txt"}},
			{"_id":"b","_source":{"website_url":"http://example.com/","path":"x/","name":"b.txt"}}
		]}}`)
	})
	links, err := client.WebsiteLinks(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://example.com/a.txt", "http://example.com/x/b.txt"}, links)
}

func TestIndexFilesWritesNDJSON(t *testing.T) {
	client, fake := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		_, _ = io.WriteString(w, `{"took":3,"errors":true,"items":[
			{"index":{"_id":"4:pub/a.iso","status":201}},
			{"index":{"_id":"4:b.txt","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad size"}}}
		]}`)
	})

	mtime := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	batch := models.FileBatch{
		RunID:      "run-1",
		WebsiteID:  4,
		WebsiteURL: "http://example.com/",
		Files: []models.FileEntry{
			{Path: "pub/", Name: "a.iso", Ext: "iso", Size: 100, MTime: &mtime},
			{Path: "", Name: "b.txt", Ext: "txt", Size: 1},
		},
	}
	res, err := client.IndexFiles(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Indexed: 1, Failed: 1, FirstError: "mapper_parsing_exception: bad size"}, res)

	req := fake.last()
	assert.True(t, strings.HasSuffix(req.Path, "/_bulk"), req.Path)
	lines := strings.Split(strings.TrimSpace(req.Body), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"_id":"4:pub/a.iso"`)
	assert.Contains(t, lines[1], `"website_url":"http://example.com/"`)
	assert.Contains(t, lines[2], `"_id":"4:b.txt"`)
}

func TestIndexFilesEmptyBatch(t *testing.T) {
	client, fake := newFakeES(t, func(http.ResponseWriter, *http.Request, string) {})
	res, err := client.IndexFiles(context.Background(), models.FileBatch{WebsiteID: 1})
	require.NoError(t, err)
	assert.Equal(t, BulkResult{}, res)
	assert.Empty(t, fake.requests)
}

func TestEnsureIndexCreatesWhenMissing(t *testing.T) {
	client, fake := newFakeES(t, func(w http.ResponseWriter, r *http.Request, _ string) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	})
	require.NoError(t, client.EnsureIndex(context.Background()))

	req := fake.last()
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/od-files", req.Path)
	assert.Contains(t, req.Body, `"mappings"`)
}

func TestEnsureIndexExisting(t *testing.T) {
	client, fake := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, client.EnsureIndex(context.Background()))
	assert.Len(t, fake.requests, 1)
}

func TestPing(t *testing.T) {
	client, fake := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, client.Ping(context.Background()))
	assert.Equal(t, http.MethodHead, fake.last().Method)

	down, _ := newFakeES(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	assert.ErrorIs(t, down.Ping(context.Background()), ErrUnavailable)
}
