package paginate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
)

type fakePage struct {
	title   string
	records []Record
}

// fakePager serves a scripted page sequence keyed by cursor position.
type fakePager struct {
	pages    map[int]fakePage
	navErrAt int
	current  int
}

func (f *fakePager) Navigate(_ context.Context, url string) error {
	idx := strings.LastIndex(url, "=")
	page, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return fmt.Errorf("unparseable url %q", url)
	}
	if f.navErrAt != 0 && page == f.navErrAt {
		return errors.New("navigation timeout")
	}
	f.current = page
	return nil
}

func (f *fakePager) Title(_ context.Context) (string, error) {
	return f.pages[f.current].title, nil
}

func (f *fakePager) HTML(_ context.Context) (string, error) {
	return "<html><body>listing</body></html>", nil
}

type fakeExtractor struct {
	pager *fakePager
}

func (e *fakeExtractor) Extract(_ context.Context, _ PageView) ([]Record, error) {
	return e.pager.pages[e.pager.current].records, nil
}

func recordsN(prefix string, n int) []Record {
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Record{
			Key:     fmt.Sprintf("%s-%d", prefix, i),
			Payload: json.RawMessage(`{}`),
		})
	}
	return out
}

func newTestMachine(pager *fakePager, markers []string, fullPage int) *Machine {
	return NewMachine(
		pager,
		&fakeExtractor{pager: pager},
		NewBlockMarkers(markers),
		Config{FullPageSize: fullPage},
		nil,
	)
}

func TestRunStopsOnShortPage(t *testing.T) {
	t.Parallel()

	pager := &fakePager{pages: map[int]fakePage{
		1: {title: "Toys - page 1", records: recordsN("p1", 24)},
		2: {title: "Toys - page 2", records: recordsN("p2", 3)},
	}}
	m := newTestMachine(pager, []string{"access denied"}, 24)

	out := m.Run(context.Background(), Task{StoreID: "acme", Endpoint: "https://acme.test/toys"}, nil, Hooks{})
	if out.Reason != ReasonDone {
		t.Fatalf("reason = %s, want done", out.Reason)
	}
	if out.Pages != 2 {
		t.Fatalf("pages = %d, want exactly 2", out.Pages)
	}
	if out.Records != 27 {
		t.Fatalf("records = %d, want 27", out.Records)
	}
}

func TestRunBlockMarkerBeatsEmptyPage(t *testing.T) {
	t.Parallel()

	// The block page extracts zero records; the outcome must still be
	// blocked, never a silent empty result.
	pager := &fakePager{pages: map[int]fakePage{
		1: {title: "Access Denied", records: nil},
	}}
	m := newTestMachine(pager, []string{"access denied"}, 24)

	out := m.Run(context.Background(), Task{StoreID: "acme", Endpoint: "https://acme.test/toys"}, nil, Hooks{})
	if out.Reason != ReasonBlocked {
		t.Fatalf("reason = %s, want blocked", out.Reason)
	}
	if out.Pages != 1 {
		t.Fatalf("pages = %d, want exactly 1", out.Pages)
	}
	if out.Records != 0 {
		t.Fatalf("records = %d, want 0", out.Records)
	}
}

func TestRunNavigationFailureIsTimedOut(t *testing.T) {
	t.Parallel()

	pager := &fakePager{
		pages:    map[int]fakePage{1: {title: "ok", records: recordsN("p1", 5)}},
		navErrAt: 1,
	}
	m := newTestMachine(pager, nil, 24)

	out := m.Run(context.Background(), Task{StoreID: "acme", Endpoint: "https://acme.test/toys"}, nil, Hooks{})
	if out.Reason != ReasonTimedOut {
		t.Fatalf("reason = %s, want timed_out", out.Reason)
	}
	if out.Err == nil {
		t.Fatalf("expected Err to carry the navigation failure")
	}
	if out.Pages != 0 {
		t.Fatalf("pages = %d, want 0 for a failed navigation", out.Pages)
	}
}

func TestRunSeededSeenNeverReemits(t *testing.T) {
	t.Parallel()

	pager := &fakePager{pages: map[int]fakePage{
		1: {title: "page 1", records: recordsN("p1", 24)},
		2: {title: "page 2", records: recordsN("p2", 2)},
	}}
	m := newTestMachine(pager, nil, 24)

	seen := make(map[string]struct{})
	for _, rec := range recordsN("p1", 24) {
		seen[rec.Key] = struct{}{}
	}

	var emitted []string
	hooks := Hooks{OnRecord: func(_ int, rec Record) error {
		emitted = append(emitted, rec.Key)
		return nil
	}}
	out := m.Run(context.Background(), Task{StoreID: "acme", Endpoint: "https://acme.test/toys"}, seen, hooks)

	// Page 1 is entirely deduplicated: zero fresh records terminates the
	// task without re-emitting any key from the earlier attempt.
	if out.Reason != ReasonDone {
		t.Fatalf("reason = %s, want done", out.Reason)
	}
	if len(emitted) != 0 {
		t.Fatalf("re-emitted keys: %v", emitted)
	}
}

func TestRunCursorStartsAtTaskCursor(t *testing.T) {
	t.Parallel()

	pager := &fakePager{pages: map[int]fakePage{
		3: {title: "page 3", records: recordsN("p3", 4)},
	}}
	m := newTestMachine(pager, nil, 24)

	var pages []int
	hooks := Hooks{OnPage: func(page int) { pages = append(pages, page) }}
	out := m.Run(context.Background(), Task{StoreID: "acme", Endpoint: "https://acme.test/toys", Cursor: 3}, nil, hooks)
	if out.Reason != ReasonDone {
		t.Fatalf("reason = %s, want done", out.Reason)
	}
	if len(pages) != 1 || pages[0] != 3 {
		t.Fatalf("visited pages = %v, want [3]", pages)
	}
}

func TestBlockMarkersMatch(t *testing.T) {
	t.Parallel()

	m := NewBlockMarkers([]string{"Access Denied", "  verify you are human ", "access denied", ""})
	if got := m.Match("ACCESS DENIED - Store"); got != "access denied" {
		t.Fatalf("Match() = %q, want access denied", got)
	}
	if got := m.Match("Toys - page 1"); got != "" {
		t.Fatalf("Match() = %q, want empty", got)
	}
	var nilMarkers *BlockMarkers
	if got := nilMarkers.Match("anything"); got != "" {
		t.Fatalf("nil markers must never match, got %q", got)
	}
}

func TestTaskPageURL(t *testing.T) {
	t.Parallel()

	plain := Task{Endpoint: "https://acme.test/toys"}
	if got := plain.PageURL(2); got != "https://acme.test/toys?page=2" {
		t.Fatalf("PageURL() = %q", got)
	}
	query := Task{Endpoint: "https://acme.test/s?cat=toys"}
	if got := query.PageURL(5); got != "https://acme.test/s?cat=toys&page=5" {
		t.Fatalf("PageURL() = %q", got)
	}
}
