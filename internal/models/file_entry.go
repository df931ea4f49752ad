package models

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// FileEntry is one file discovered in an open directory.
// Path is the directory relative to the website root, without leading slash
// and with a trailing slash when non-empty.
type FileEntry struct {
	WebsiteID uint       `json:"website_id"`
	Path      string     `json:"path"`
	Name      string     `json:"name"`
	Ext       string     `json:"ext"`
	Size      int64      `json:"size"`
	MTime     *time.Time `json:"mtime,omitempty"`
}

// DocumentID is the stable identifier of the file in the search index.
func (f FileEntry) DocumentID() string {
	return fmt.Sprintf("%d:%s%s", f.WebsiteID, f.Path, f.Name)
}

// FileExt returns the lowercased extension of name without the dot.
func FileExt(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

// FileBatch is the payload written to the files topic.
type FileBatch struct {
	RunID      string      `json:"run_id"`
	WebsiteID  uint        `json:"website_id"`
	WebsiteURL string      `json:"website_url"`
	Files      []FileEntry `json:"files"`
}

// NewFileBatch marshals a batch of files discovered by job.
func NewFileBatch(job CrawlJob, files []FileEntry) ([]byte, error) {
	return json.Marshal(FileBatch{
		RunID:      job.RunID,
		WebsiteID:  job.WebsiteID,
		WebsiteURL: job.URL,
		Files:      files,
	})
}
