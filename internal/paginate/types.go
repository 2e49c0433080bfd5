// Package paginate drives a browser session through an ordered page sequence
// for one store endpoint, emitting records until the listing is exhausted,
// the remote defense blocks the session, or an operation times out.
package paginate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// TerminalReason is the typed outcome of one task. Block detection is a
// value, not a fault: the machine stays a plain transition table.
type TerminalReason string

// Terminal reasons.
const (
	ReasonDone     TerminalReason = "done"
	ReasonBlocked  TerminalReason = "blocked"
	ReasonTimedOut TerminalReason = "timed_out"
)

// Task is one (store, endpoint) pagination job. Immutable; the machine
// advances its own cursor copy while consuming pages.
type Task struct {
	StoreID  string `json:"store_id"`
	Endpoint string `json:"endpoint"`
	Cursor   int    `json:"cursor"`
}

// PageURL renders the URL for the given cursor position.
func (t Task) PageURL(cursor int) string {
	sep := "?"
	if strings.Contains(t.Endpoint, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage=%d", t.Endpoint, sep, cursor)
}

// Record is an opaque, key-bearing payload. The core only uses the key for
// in-task deduplication and never interprets the payload.
type Record struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PageView is the snapshot handed to the extractor for one page.
type PageView struct {
	URL   string
	Page  int
	Title string
	HTML  string
}

// Pager is the session surface the machine drives. *session.Session
// satisfies it; tests use fakes.
type Pager interface {
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
}

// Extractor produces records from a page. Concrete site extraction is an
// external collaborator.
type Extractor interface {
	Extract(ctx context.Context, view PageView) ([]Record, error)
}

// BlockMarkers matches page titles and body signatures against known
// block-page markers. Matching is case-insensitive substring search.
type BlockMarkers struct {
	markers []string
}

// NewBlockMarkers normalizes and deduplicates the configured markers.
func NewBlockMarkers(markers []string) *BlockMarkers {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(markers))
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return &BlockMarkers{markers: out}
}

// Match returns the first marker found in s, or "" when none match.
func (b *BlockMarkers) Match(s string) string {
	if b == nil || s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	for _, m := range b.markers {
		if strings.Contains(lower, m) {
			return m
		}
	}
	return ""
}
