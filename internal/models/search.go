package models

import "time"

// SearchHit is a file matching a search query.
type SearchHit struct {
	ID         string     `json:"id"`
	Score      float64    `json:"score"`
	WebsiteID  uint       `json:"website_id"`
	WebsiteURL string     `json:"website_url"`
	Path       string     `json:"path"`
	Name       string     `json:"name"`
	Ext        string     `json:"ext"`
	Size       int64      `json:"size"`
	MTime      *time.Time `json:"mtime,omitempty"`
}

// SearchResults is one page of search hits.
type SearchResults struct {
	Query     string      `json:"query"`
	Total     int64       `json:"total"`
	Page      int         `json:"page"`
	PerPage   int         `json:"per_page"`
	SortOrder string      `json:"sort_order"`
	TookMs    int64       `json:"took_ms"`
	Hits      []SearchHit `json:"hits"`
}

// URL returns the absolute URL of the hit.
func (h SearchHit) URL() string {
	return h.WebsiteURL + h.Path + h.Name
}
