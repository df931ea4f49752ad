package models

// Stats aggregates the tracked websites.
type Stats struct {
	WebsiteCount int64 `json:"website_count"`
	QueuedCount  int64 `json:"queued_count"`
	CrawledCount int64 `json:"crawled_count"`
	FailedCount  int64 `json:"failed_count"`
	FileCount    int64 `json:"file_count"`
	TotalSize    int64 `json:"total_size"`
}

// ExtensionStat is the per-extension breakdown of one website's files.
type ExtensionStat struct {
	Ext   string `json:"ext"`
	Count int64  `json:"count"`
	Size  int64  `json:"size"`
}
