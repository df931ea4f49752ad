package models

import "time"

// QueueEntry is a pending crawl of a website. Entries are drained oldest first.
type QueueEntry struct {
	ID        uint      `json:"id"`
	WebsiteID uint      `json:"website_id"`
	CreatedAt time.Time `json:"created_at"`
	Website   *Website  `json:"website,omitempty"`
}
