package webhook

import (
	"strings"

	"golang.org/x/net/idna"
)

// Entry identifies a downstream HTTP consumer for a matched recipient.
type Entry struct {
	URL    string
	APIKey string
}

// wildcardPrefix marks a routing table pattern as a "*@<domain>" wildcard.
const wildcardPrefix = "*@"

// Table is a routing table mapping recipient patterns to webhook entries.
// A pattern is either a literal recipient address (exact match,
// case-sensitive as stored) or a wildcard of the form "*@<domain>" (matches
// any address whose suffix equals <domain>, by plain byte comparison).
//
// Table is immutable after NewTable returns: the routing table is
// constructed once at startup and shared read-only by every session.
type Table struct {
	exact     map[string]Entry
	wildcards []wildcardEntry
}

type wildcardEntry struct {
	domain string
	entry  Entry
}

// NewTable builds a routing table from a pattern->entry mapping. Wildcard
// domain labels are normalised to ASCII via IDNA so that a pattern authored
// with Unicode domain labels compares correctly against ASCII-normalised
// recipient addresses. This normalises the pattern string only - it does
// not change the suffix-comparison algorithm used by Resolve.
func NewTable(patterns map[string]Entry) Table {
	t := Table{exact: make(map[string]Entry, len(patterns))}
	for pattern, entry := range patterns {
		if strings.HasPrefix(pattern, wildcardPrefix) {
			domain := pattern[len(wildcardPrefix):]
			if ascii, err := idna.Lookup.ToASCII(domain); err == nil {
				domain = ascii
			}
			t.wildcards = append(t.wildcards, wildcardEntry{domain: domain, entry: entry})
			continue
		}
		t.exact[pattern] = entry
	}
	return t
}

// Resolve looks up the webhook entry responsible for address, in the exact
// order mandated for the Router:
//  1. Exact-match lookup of address in the table.
//  2. Otherwise, scan every wildcard pattern; if address ends with the
//     domain suffix (a byte-suffix comparison, NOT a domain-boundary
//     comparison - "*@example.com" matches "x@notexample.com" by design,
//     see the design notes on wildcard matching strictness), return it.
//
// If multiple wildcards match, any one may be returned; iteration order is
// not guaranteed.
func (t Table) Resolve(address string) (Entry, bool) {
	if entry, ok := t.exact[address]; ok {
		return entry, true
	}
	for _, w := range t.wildcards {
		if strings.HasSuffix(address, w.domain) {
			return w.entry, true
		}
	}
	return Entry{}, false
}
