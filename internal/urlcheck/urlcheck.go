// Package urlcheck canonicalises and validates submitted open directory URLs.
package urlcheck

import (
	"net"
	"strings"

	whatwgUrl "github.com/nlnwa/whatwg-url/url"
)

var urlParser = whatwgUrl.NewParser(whatwgUrl.WithPercentEncodeSinglePercentSign())

// Normalize returns the canonical form used for comparison and storage:
// surrounding whitespace trimmed and a trailing "/" appended when absent.
func Normalize(raw string) string {
	u := strings.TrimSpace(raw)
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

// IsValid reports whether rawURL is a well-formed http or https URL with a
// usable host. FTP and schemeless input are rejected.
func IsValid(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	if strings.ContainsAny(rawURL, " \t\r\n") {
		return false
	}
	parsed, err := urlParser.Parse(rawURL)
	if err != nil {
		return false
	}
	switch parsed.Protocol() {
	case "http:", "https:":
	default:
		return false
	}
	return validHost(parsed.Hostname())
}

// Host returns the lowercased hostname of rawURL, or "" when it cannot be parsed.
func Host(rawURL string) string {
	parsed, err := urlParser.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func validHost(host string) bool {
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	if host == "localhost" {
		return true
	}
	labels := strings.Split(strings.TrimSuffix(host, "."), ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
	}
	return true
}
