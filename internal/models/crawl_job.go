package models

import "time"

// CrawlJob identifies one crawl run of a website. RunID keys every Kafka
// message the run produces.
type CrawlJob struct {
	RunID     string    `json:"run_id"`
	WebsiteID uint      `json:"website_id"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at"`
}
