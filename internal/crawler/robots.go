package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/temoto/robotstxt"
)

// RobotsRules is the robots.txt group that applies to our user agent.
// Disallow: /private forbids /private, /private.txt and /private/x alike.
type RobotsRules struct {
	group *robotstxt.Group
}

// Allowed reports whether path may be crawled. Nil rules allow everything.
func (r *RobotsRules) Allowed(path string) bool {
	if r == nil || r.group == nil {
		return true
	}
	return r.group.Test(normalizePath(path))
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}

// FetchRobots downloads /robots.txt of the host serving site.
func FetchRobots(ctx context.Context, client *http.Client, site *url.URL, userAgent string) ([]byte, error) {
	u := url.URL{Scheme: site.Scheme, Host: site.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("robots.txt fetch %s: status %d", u.String(), resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 512<<10))
}

// ParseRobots returns the group matching userAgent's product token, falling
// back to the "*" group.
func ParseRobots(body []byte, userAgent string) (*RobotsRules, error) {
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return &RobotsRules{group: data.FindGroup(productToken(userAgent))}, nil
}

func productToken(userAgent string) string {
	token, _, _ := strings.Cut(userAgent, "/")
	return strings.TrimSpace(token)
}
