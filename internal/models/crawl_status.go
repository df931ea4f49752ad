package models

import "time"

// WebsiteRef identifies the website a worker is crawling.
type WebsiteRef struct {
	ID  uint   `json:"id"`
	URL string `json:"url"`
}

// CrawlSnapshot is the busy/idle state of the crawl worker.
// Busy is true exactly when Current is set; use IdleSnapshot and
// CrawlingSnapshot to build values so the pair never disagrees.
type CrawlSnapshot struct {
	Busy      bool        `json:"busy"`
	Current   *WebsiteRef `json:"current_website"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// IdleSnapshot returns the state of a worker with no job.
func IdleSnapshot(at time.Time) CrawlSnapshot {
	return CrawlSnapshot{UpdatedAt: at}
}

// CrawlingSnapshot returns the state of a worker crawling ref.
func CrawlingSnapshot(ref WebsiteRef, at time.Time) CrawlSnapshot {
	return CrawlSnapshot{Busy: true, Current: &ref, UpdatedAt: at}
}

// Consistent reports whether Busy and Current agree.
func (s CrawlSnapshot) Consistent() bool {
	return s.Busy == (s.Current != nil)
}
