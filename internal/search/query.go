package search

import (
	"strconv"
	"strings"
)

// Sort orders accepted by Search.
const (
	SortScore    = "score"
	SortSizeAsc  = "size_asc"
	SortSizeDesc = "size_desc"
	SortDateAsc  = "date_asc"
	SortDateDesc = "date_desc"
	SortNone     = "none"
)

// DefaultPerPage is used when per_page is missing or not one of PerPageOptions.
const DefaultPerPage = 50

// MaxResultWindow is the deepest hit a page may reach, matching the
// index.max_result_window default of Elasticsearch.
const MaxResultWindow = 10000

// PerPageOptions are the page sizes a caller may request.
var PerPageOptions = []int{25, 50, 100, 250, 500, 1000}

var sortClauses = map[string][]map[string]any{
	SortScore:    {{"_score": "desc"}},
	SortSizeAsc:  {{"size": "asc"}},
	SortSizeDesc: {{"size": "desc"}},
	SortDateAsc:  {{"mtime": map[string]any{"order": "asc", "missing": "_last"}}},
	SortDateDesc: {{"mtime": map[string]any{"order": "desc", "missing": "_last"}}},
	SortNone:     {{"_doc": "asc"}},
}

// Query is one page of a file search.
type Query struct {
	Text      string
	Page      int
	PerPage   int
	SortOrder string
}

// ParseQuery builds a Query from raw request parameters. Values that do not
// parse fall back to their defaults instead of failing.
func ParseQuery(text, page, perPage, sortOrder string) Query {
	q := Query{
		Text:      strings.TrimSpace(text),
		PerPage:   DefaultPerPage,
		SortOrder: SortScore,
	}
	if p, err := strconv.Atoi(page); err == nil && p >= 0 {
		q.Page = p
	}
	if n, err := strconv.Atoi(perPage); err == nil && validPerPage(n) {
		q.PerPage = n
	}
	if _, ok := sortClauses[sortOrder]; ok {
		q.SortOrder = sortOrder
	}
	return q.normalized()
}

func validPerPage(n int) bool {
	for _, opt := range PerPageOptions {
		if n == opt {
			return true
		}
	}
	return false
}

func (q Query) normalized() Query {
	if q.Page < 0 {
		q.Page = 0
	}
	if !validPerPage(q.PerPage) {
		q.PerPage = DefaultPerPage
	}
	if last := MaxResultWindow/q.PerPage - 1; q.Page > last {
		q.Page = last
	}
	if _, ok := sortClauses[q.SortOrder]; !ok {
		q.SortOrder = SortScore
	}
	return q
}

func (q Query) body() map[string]any {
	return map[string]any{
		"query": map[string]any{
			"query_string": map[string]any{
				"query":            q.Text,
				"fields":           []string{"name^5", "name.keyword^2", "path", "ext"},
				"default_operator": "AND",
			},
		},
		"from": q.Page * q.PerPage,
		"size": q.PerPage,
		"sort": sortClauses[q.SortOrder],
	}
}
