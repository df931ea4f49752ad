package models

import "time"

// WebsiteStatus is the crawl lifecycle state of a tracked website.
type WebsiteStatus string

const (
	WebsiteQueued   WebsiteStatus = "queued"
	WebsiteCrawling WebsiteStatus = "crawling"
	WebsiteCrawled  WebsiteStatus = "crawled"
	WebsiteFailed   WebsiteStatus = "failed"
)

// Website is a tracked open directory. URL is canonical and always ends with "/".
// FileCount, ByteSize, LastCrawled and Status are owned by the crawl worker.
type Website struct {
	ID               uint          `json:"id"`
	URL              string        `json:"url"`
	SubmitterAddress string        `json:"-"`
	SubmitterAgent   string        `json:"-"`
	Status           WebsiteStatus `json:"status"`
	FileCount        int64         `json:"file_count"`
	ByteSize         int64         `json:"byte_size"`
	LastCrawled      *time.Time    `json:"last_crawled,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Ref returns the lightweight reference used in crawl snapshots.
func (w Website) Ref() WebsiteRef {
	return WebsiteRef{ID: w.ID, URL: w.URL}
}

// WebsiteSubmission is the transient input of one intake request.
type WebsiteSubmission struct {
	URL              string `json:"url"`
	SubmitterAddress string `json:"submitter_address"`
	SubmitterAgent   string `json:"submitter_agent"`
}
