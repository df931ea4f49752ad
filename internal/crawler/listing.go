package crawler

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dustin/go-humanize"
	"golang.org/x/net/html"

	"od-database/internal/models"
)

// Entry is one link of a directory listing.
type Entry struct {
	Name  string
	URL   *url.URL
	IsDir bool
	Size  int64
	MTime *time.Time
}

var (
	datePatterns = []struct {
		re     *regexp.Regexp
		layout string
	}{
		{regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}(:\d{2})?`), "2006-01-02 15:04"},
		{regexp.MustCompile(`\d{2}-[A-Za-z]{3}-\d{4} \d{2}:\d{2}`), "02-Jan-2006 15:04"},
		{regexp.MustCompile(`\d{4}-[A-Za-z]{3}-\d{2} \d{2}:\d{2}`), "2006-Jan-02 15:04"},
	}
	sizePattern = regexp.MustCompile(`^\d+(\.\d+)?\s?([KMGTP]i?B?|B|bytes)?$`)
)

// ParseListing extracts the entries below base from a listing page.
// Links outside base, the parent link, sort links and fragments are skipped.
func ParseListing(doc *goquery.Document, base *url.URL) []Entry {
	seen := make(map[string]struct{})
	var entries []Entry

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		target := base.ResolveReference(ref)
		target.Fragment = ""
		target.RawQuery = ""
		if !isChild(base, target) {
			return
		}
		key := target.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}

		entry := Entry{
			Name:  childName(base, target),
			URL:   target,
			IsDir: strings.HasSuffix(target.Path, "/"),
		}
		size, mtime := rowMetadata(s)
		entry.MTime = mtime
		if !entry.IsDir {
			entry.Size = size
		}
		entries = append(entries, entry)
	})
	return entries
}

// ToFileEntry converts a file entry found under root into a FileEntry.
func (e Entry) ToFileEntry(websiteID uint, root *url.URL) models.FileEntry {
	dir := strings.TrimPrefix(e.URL.Path[:strings.LastIndex(e.URL.Path, "/")+1], root.Path)
	return models.FileEntry{
		WebsiteID: websiteID,
		Path:      dir,
		Name:      e.Name,
		Ext:       models.FileExt(e.Name),
		Size:      e.Size,
		MTime:     e.MTime,
	}
}

func isChild(base, target *url.URL) bool {
	if !strings.EqualFold(base.Host, target.Host) || base.Scheme != target.Scheme {
		return false
	}
	basePath := base.Path
	if !strings.HasSuffix(basePath, "/") {
		basePath += "/"
	}
	if !strings.HasPrefix(target.Path, basePath) || target.Path == basePath {
		return false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(target.Path, basePath), "/")
	return rest != "" && !strings.Contains(rest, "/")
}

func childName(base, target *url.URL) string {
	name := strings.TrimSuffix(strings.TrimPrefix(target.Path, base.Path), "/")
	if unescaped, err := url.PathUnescape(name); err == nil {
		return unescaped
	}
	return name
}

// rowMetadata reads size and modification time from the table row holding
// the link, or from the text following it in <pre> listings.
func rowMetadata(s *goquery.Selection) (int64, *time.Time) {
	var text string
	if row := s.Closest("tr"); row.Length() > 0 {
		cells := row.Find("td").Map(func(_ int, td *goquery.Selection) string { return td.Text() })
		if len(cells) == 0 {
			text = row.Text()
		} else {
			text = strings.Join(cells, " ")
		}
	} else if node := s.Nodes[0].NextSibling; node != nil && node.Type == html.TextNode {
		text = node.Data
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[:i]
		}
	}
	return parseSize(text), parseTime(text)
}

func parseTime(text string) *time.Time {
	for _, p := range datePatterns {
		m := p.re.FindString(text)
		if m == "" {
			continue
		}
		layout := p.layout
		if len(m) > len(layout) {
			layout += ":05"
		}
		if t, err := time.Parse(layout, m); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func parseSize(text string) int64 {
	fields := strings.Fields(text)
	for i := len(fields) - 1; i >= 0; i-- {
		f := fields[i]
		candidate := f
		if i+1 < len(fields) && isUnit(fields[i+1]) {
			candidate = f + " " + fields[i+1]
		}
		if !sizePattern.MatchString(candidate) && !sizePattern.MatchString(f) {
			continue
		}
		if strings.Contains(f, ":") {
			continue
		}
		n, err := humanize.ParseBytes(strings.TrimSuffix(candidate, "bytes"))
		if err != nil {
			continue
		}
		return int64(n)
	}
	return 0
}

func isUnit(s string) bool {
	switch strings.ToUpper(s) {
	case "B", "KB", "MB", "GB", "TB", "KIB", "MIB", "GIB", "TIB", "K", "M", "G", "T":
		return true
	}
	return false
}
