package urlcheck

import (
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Blacklist holds the URLs and hosts that may never be submitted.
//
// Entries come in three shapes:
//   - a URL with scheme ("https://spam.example.com/dl/") rejects that URL and
//     everything below it;
//   - a bare host ("spam.example.com") rejects the host and its subdomains;
//   - a pattern containing glob metacharacters ("*.example.net/*") is matched
//     against the whole normalized URL.
type Blacklist struct {
	prefixes []string
	hosts    map[string]struct{}
	globs    []glob.Glob
}

type blacklistFile struct {
	Entries []string `yaml:"entries"`
}

// NewBlacklist compiles entries into a Blacklist.
func NewBlacklist(entries []string) (*Blacklist, error) {
	b := &Blacklist{hosts: make(map[string]struct{})}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		switch {
		case strings.ContainsAny(entry, "*?[{"):
			g, err := glob.Compile(strings.ToLower(entry))
			if err != nil {
				return nil, fmt.Errorf("compile blacklist pattern %q: %w", entry, err)
			}
			b.globs = append(b.globs, g)
		case strings.Contains(entry, "://"):
			b.prefixes = append(b.prefixes, strings.ToLower(Normalize(entry)))
		default:
			b.hosts[strings.ToLower(strings.TrimSuffix(entry, "."))] = struct{}{}
		}
	}
	return b, nil
}

// LoadBlacklist reads a YAML blacklist document. A missing file yields an
// empty blacklist.
func LoadBlacklist(path string) (*Blacklist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewBlacklist(nil)
		}
		return nil, fmt.Errorf("read blacklist %s: %w", path, err)
	}
	var doc blacklistFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse blacklist %s: %w", path, err)
	}
	return NewBlacklist(doc.Entries)
}

// Len returns the number of compiled entries.
func (b *Blacklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.prefixes) + len(b.hosts) + len(b.globs)
}

// IsBlacklisted reports whether the normalized url matches any entry.
func (b *Blacklist) IsBlacklisted(url string) bool {
	if b == nil {
		return false
	}
	lower := strings.ToLower(url)
	for _, prefix := range b.prefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	if host := Host(url); host != "" {
		for candidate := host; candidate != ""; {
			if _, ok := b.hosts[candidate]; ok {
				return true
			}
			dot := strings.IndexByte(candidate, '.')
			if dot < 0 {
				break
			}
			candidate = candidate[dot+1:]
		}
	}
	for _, g := range b.globs {
		if g.Match(lower) {
			return true
		}
	}
	return false
}
