package gateway

import (
	"fmt"
	"strings"
)

// publicRule is one allow-list entry, scoped to a virtual host.
type publicRule struct {
	host    string // "*" matches any host
	pattern []string
}

// PublicPaths is the gateway's public allow-list. Entries are
// "host|pattern" strings; the pattern is a slash path where "*" matches
// one segment and a trailing "*" matches the rest of the path.
type PublicPaths struct {
	rules []publicRule
}

// ParsePublicPaths parses allow-list entries of the form
// "api.example.com|/v1/status" or "*|/health".
func ParsePublicPaths(entries []string) (*PublicPaths, error) {
	pp := &PublicPaths{}
	for _, entry := range entries {
		host, pattern, ok := strings.Cut(entry, "|")
		if !ok || host == "" || !strings.HasPrefix(pattern, "/") {
			return nil, fmt.Errorf("invalid public path entry %q, want host|/path", entry)
		}
		pp.rules = append(pp.rules, publicRule{
			host:    strings.ToLower(host),
			pattern: splitPath(pattern),
		})
	}
	return pp, nil
}

// Match reports whether the host+path pair is public.
func (pp *PublicPaths) Match(host, path string) bool {
	host = strings.ToLower(stripPort(host))
	segments := splitPath(path)

	for _, rule := range pp.rules {
		if rule.host != "*" && rule.host != host {
			continue
		}
		if matchSegments(rule.pattern, segments) {
			return true
		}
	}
	return false
}

func matchSegments(pattern, segments []string) bool {
	for i, p := range pattern {
		// Trailing wildcard swallows the remainder, including empty
		if p == "*" && i == len(pattern)-1 {
			return true
		}
		if i >= len(segments) {
			return false
		}
		if p != "*" && p != segments[i] {
			return false
		}
	}
	return len(pattern) == len(segments)
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
