package models

import "time"

// Failure reasons carried by CrawlFailure.
const (
	FailureRootUnavailable = "root_unavailable"
	FailurePublish         = "publish"
	FailureTimeout         = "timeout"
	FailureCanceled        = "canceled"
	FailureOther           = "other"
)

// CrawlFailure is the dead-letter record of a crawl run that did not finish.
// FilesPublished counts files already on the files topic when the run failed.
type CrawlFailure struct {
	RunID          string    `json:"run_id"`
	WebsiteID      uint      `json:"website_id"`
	URL            string    `json:"url"`
	Reason         string    `json:"reason"`
	Error          string    `json:"error"`
	Attempts       int       `json:"attempts"`
	FilesPublished int64     `json:"files_published"`
	StartedAt      time.Time `json:"started_at"`
	FailedAt       time.Time `json:"failed_at"`
}
