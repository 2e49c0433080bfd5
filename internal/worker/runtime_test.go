package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/storefleet/storefleet/internal/events"
	"github.com/storefleet/storefleet/internal/paginate"
	"github.com/storefleet/storefleet/internal/session"
)

// fakeSession scripts page titles/records per endpoint and page.
type fakeSession struct {
	pages    map[string][]int // endpoint -> record count per page (1-indexed)
	blockAt  map[string]bool  // endpoint -> first page is a block page
	closed   *int
	endpoint string
	page     int
}

func (f *fakeSession) Navigate(_ context.Context, url string) error {
	base, query, _ := strings.Cut(url, "?")
	_ = base
	for _, kv := range strings.Split(query, "&") {
		if v, ok := strings.CutPrefix(kv, "page="); ok {
			page, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			f.page = page
		}
	}
	f.endpoint = strings.SplitN(url, "?", 2)[0]
	return nil
}

func (f *fakeSession) Title(_ context.Context) (string, error) {
	if f.blockAt[f.endpoint] {
		return "Access Denied", nil
	}
	return "Listing", nil
}

func (f *fakeSession) HTML(_ context.Context) (string, error) {
	return "<html></html>", nil
}

func (f *fakeSession) Warmup(_ context.Context, _ string) error { return nil }

func (f *fakeSession) Close() { *f.closed++ }

// fakeExtractor fabricates keyed records according to the session script.
type fakeExtractor struct {
	sess *fakeSession
}

func (e *fakeExtractor) Extract(_ context.Context, view paginate.PageView) ([]paginate.Record, error) {
	counts := e.sess.pages[e.sess.endpoint]
	if view.Page < 1 || view.Page > len(counts) {
		return nil, nil
	}
	n := counts[view.Page-1]
	out := make([]paginate.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, paginate.Record{
			Key:     fmt.Sprintf("%s|p%d|%d", e.sess.endpoint, view.Page, i),
			Payload: json.RawMessage(`{"x":1}`),
		})
	}
	return out, nil
}

func newTestRuntime(t *testing.T, cfg Config, sess *fakeSession) (*Runtime, *int) {
	t.Helper()
	rt, err := New(cfg, &fakeExtractor{sess: sess}, nil)
	require.NoError(t, err)
	sessions := 0
	rt.newSession = func(_ *session.ProfileLock) (pagerSession, error) {
		sessions++
		return sess, nil
	}
	return rt, &sessions
}

func baseConfig(t *testing.T, tasks []paginate.Task) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		WorkerID:     "w-1",
		StoreID:      "acme",
		Tasks:        tasks,
		OutputPath:   filepath.Join(dir, "out.ndjson"),
		ProfilePath:  filepath.Join(dir, "profile"),
		BlockMarkers: []string{"access denied"},
		Paginate:     paginate.Config{FullPageSize: 5},
	}
}

func readAll(t *testing.T, path string) []events.Event {
	t.Helper()
	got, err := events.NewReader(path).Poll()
	require.NoError(t, err)
	return got
}

func eventsOfType(evts []events.Event, typ events.Type) []events.Event {
	var out []events.Event
	for _, e := range evts {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestRunEmitsLifecycleAndRecords(t *testing.T) {
	closed := 0
	sess := &fakeSession{
		pages:  map[string][]int{"https://acme.test/toys": {5, 2}},
		closed: &closed,
	}
	cfg := baseConfig(t, []paginate.Task{{StoreID: "acme", Endpoint: "https://acme.test/toys"}})
	rt, sessions := newTestRuntime(t, cfg, sess)

	require.NoError(t, rt.Run(context.Background()))

	evts := readAll(t, cfg.OutputPath)
	statuses := eventsOfType(evts, events.TypeStatus)
	require.Len(t, statuses, 3)
	require.Equal(t, "starting", statuses[0].Status)
	require.Equal(t, "healthy", statuses[1].Status)
	require.Equal(t, "stopping", statuses[2].Status)

	records := eventsOfType(evts, events.TypeRecord)
	require.Len(t, records, 7)
	done := eventsOfType(evts, events.TypeTaskDone)
	require.Len(t, done, 1)
	require.Equal(t, "done", done[0].Reason)

	require.Equal(t, 1, *sessions)
	require.Equal(t, 1, closed)
}

func TestRunBlockedTaskEmitsBlockAndRebuilds(t *testing.T) {
	closed := 0
	sess := &fakeSession{
		pages: map[string][]int{
			"https://acme.test/toys":  {0},
			"https://acme.test/books": {2},
		},
		blockAt: map[string]bool{"https://acme.test/toys": true},
		closed:  &closed,
	}
	cfg := baseConfig(t, []paginate.Task{
		{StoreID: "acme", Endpoint: "https://acme.test/toys"},
		{StoreID: "acme", Endpoint: "https://acme.test/books"},
	})
	rt, sessions := newTestRuntime(t, cfg, sess)

	// The block page only poisons the first endpoint.
	require.NoError(t, rt.Run(context.Background()))

	evts := readAll(t, cfg.OutputPath)
	blocks := eventsOfType(evts, events.TypeBlock)
	require.Len(t, blocks, 1)
	require.Equal(t, "https://acme.test/toys", blocks[0].Endpoint)

	// The worker proceeded to the next task on a fresh session.
	done := eventsOfType(evts, events.TypeTaskDone)
	require.Len(t, done, 2)
	require.Equal(t, "blocked", done[0].Reason)
	require.Equal(t, "done", done[1].Reason)
	require.Equal(t, 2, *sessions)
}

func TestRunSeedsDedupFromPriorAttempt(t *testing.T) {
	cfg := baseConfig(t, []paginate.Task{{StoreID: "acme", Endpoint: "https://acme.test/toys"}})

	// Simulate an earlier attempt that already emitted page 1 of the task.
	prior, err := events.OpenWriter(cfg.OutputPath, "w-0")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("https://acme.test/toys|p1|%d", i)
		require.NoError(t, prior.Record("acme", "https://acme.test/toys", 1, key, nil))
	}
	require.NoError(t, prior.Close())

	closed := 0
	sess := &fakeSession{
		pages:  map[string][]int{"https://acme.test/toys": {5, 2}},
		closed: &closed,
	}
	rt, _ := newTestRuntime(t, cfg, sess)
	require.NoError(t, rt.Run(context.Background()))

	evts := readAll(t, cfg.OutputPath)
	records := eventsOfType(evts, events.TypeRecord)
	// 5 from the prior attempt; the re-run terminates on page 1 with zero
	// fresh records and re-emits nothing.
	require.Len(t, records, 5)
}

func TestRunRotatesSessionOnTaskBoundary(t *testing.T) {
	closed := 0
	sess := &fakeSession{
		pages: map[string][]int{
			"https://acme.test/a": {1},
			"https://acme.test/b": {1},
			"https://acme.test/c": {1},
		},
		closed: &closed,
	}
	cfg := baseConfig(t, []paginate.Task{
		{StoreID: "acme", Endpoint: "https://acme.test/a"},
		{StoreID: "acme", Endpoint: "https://acme.test/b"},
		{StoreID: "acme", Endpoint: "https://acme.test/c"},
	})
	cfg.RestartEvery = 2
	rt, sessions := newTestRuntime(t, cfg, sess)

	require.NoError(t, rt.Run(context.Background()))
	require.Equal(t, 2, *sessions)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			WorkerID:    "w",
			StoreID:     "s",
			Tasks:       []paginate.Task{{StoreID: "s", Endpoint: "https://x"}},
			OutputPath:  "out",
			ProfilePath: "profile",
		}
	}
	require.NoError(t, base().Validate())

	broken := base()
	broken.Tasks = nil
	require.Error(t, broken.Validate())

	broken = base()
	broken.OutputPath = ""
	require.Error(t, broken.Validate())
}
