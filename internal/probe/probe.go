// Package probe decides whether a URL serves a browsable open directory listing.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DefaultUserAgent is sent with probe and crawl requests.
const DefaultUserAgent = "od-database/1.0 (+https://github.com/od-database/od-database)"

const (
	defaultMaxBody = 2 << 20
	// minListingLinks is the number of in-tree links required when the page
	// has no "Index of" title and no parent directory link.
	minListingLinks = 5
)

// ErrNotOpenDirectory is returned when the page was fetched but does not look
// like a directory listing.
var ErrNotOpenDirectory = errors.New("not an open directory")

// Prober checks a single URL. A nil error means the URL plausibly serves an
// open directory; the deadline is carried by ctx.
type Prober interface {
	Probe(ctx context.Context, rawURL string) error
}

// StatusError reports a non-2xx probe response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// ContentTypeError reports a response that is not HTML.
type ContentTypeError struct {
	ContentType string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("unexpected content type %q", e.ContentType)
}

// HTTPProber fetches the URL and classifies the returned HTML.
type HTTPProber struct {
	client    *http.Client
	userAgent string
	maxBody   int64
}

// NewHTTPProber builds a prober on client. A nil client gets a 10s timeout;
// callers are still expected to bound each Probe with a context deadline.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProber{
		client:    client,
		userAgent: DefaultUserAgent,
		maxBody:   defaultMaxBody,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return &ContentTypeError{ContentType: ct}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, p.maxBody))
	if err != nil {
		return err
	}
	base := resp.Request.URL
	if base == nil {
		base, err = url.Parse(rawURL)
		if err != nil {
			return err
		}
	}
	return Classify(doc, base)
}

// Classify applies the listing heuristics to an already parsed page.
func Classify(doc *goquery.Document, base *url.URL) error {
	if hasCMSMarkers(doc) {
		return fmt.Errorf("%w: cms markup", ErrNotOpenDirectory)
	}
	if doc.Find(`input[type="password"]`).Length() > 0 {
		return fmt.Errorf("%w: login form", ErrNotOpenDirectory)
	}

	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	heading := strings.ToLower(strings.TrimSpace(doc.Find("h1").First().Text()))
	if isListingTitle(title) || isListingTitle(heading) {
		return nil
	}

	links := countLinks(doc, base)
	if links.inTree == 0 {
		return fmt.Errorf("%w: no listing links", ErrNotOpenDirectory)
	}
	if links.inTree < 2*links.external {
		return fmt.Errorf("%w: mostly external links", ErrNotOpenDirectory)
	}
	if links.parent || links.inTree >= minListingLinks {
		return nil
	}
	return fmt.Errorf("%w: too few listing links", ErrNotOpenDirectory)
}

// Reason buckets a probe error for metrics.
func Reason(err error) string {
	var statusErr *StatusError
	var ctErr *ContentTypeError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotOpenDirectory):
		return "heuristic"
	case errors.As(err, &statusErr):
		return "status"
	case errors.As(err, &ctErr):
		return "content_type"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}

func isListingTitle(s string) bool {
	return strings.HasPrefix(s, "index of") || strings.HasPrefix(s, "directory listing")
}

func hasCMSMarkers(doc *goquery.Document) bool {
	generator, _ := doc.Find(`meta[name="generator"]`).Attr("content")
	generator = strings.ToLower(generator)
	for _, cms := range []string{"wordpress", "drupal", "joomla", "wix"} {
		if strings.Contains(generator, cms) {
			return true
		}
	}
	found := false
	doc.Find("link[href], script[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		ref, _ := s.Attr("href")
		if ref == "" {
			ref, _ = s.Attr("src")
		}
		if strings.Contains(ref, "/wp-content/") || strings.Contains(ref, "/wp-includes/") {
			found = true
			return false
		}
		return true
	})
	return found
}

type linkCounts struct {
	inTree   int
	external int
	parent   bool
}

func countLinks(doc *goquery.Document, base *url.URL) linkCounts {
	var counts linkCounts
	basePath := base.Path
	if !strings.HasSuffix(basePath, "/") {
		basePath += "/"
	}
	parentPath := parentDir(basePath)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "?") {
			return
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		target := base.ResolveReference(ref)
		if !strings.EqualFold(target.Host, base.Host) {
			counts.external++
			return
		}
		switch {
		case target.Path == parentPath && parentPath != basePath:
			counts.parent = true
		case strings.HasPrefix(target.Path, basePath) && target.Path != basePath:
			counts.inTree++
		default:
			counts.external++
		}
	})
	return counts
}

func parentDir(p string) string {
	trimmed := strings.TrimSuffix(p, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return "/"
	}
	return trimmed[:idx+1]
}
