package paginate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config carries the empirically tuned thresholds as inputs; nothing is
// hard-coded in the machine itself.
type Config struct {
	// FullPageSize is the record count of a full listing page. A page
	// yielding fewer new records than this terminates the task.
	FullPageSize int
	// PageTimeout bounds one full fetch+extract cycle.
	PageTimeout time.Duration
	// PageDelay paces successive page fetches within a task.
	PageDelay time.Duration
	// MaxPages is a safety bound per task; zero means unbounded.
	MaxPages int
}

// Hooks let the worker observe machine progress without the machine knowing
// about heartbeats or output files.
type Hooks struct {
	// OnPage fires after each page fetch begins, with the cursor position.
	OnPage func(page int)
	// OnRecord fires once per new (deduplicated) record.
	OnRecord func(page int, rec Record) error
}

// Outcome summarizes one task run. Err is set for timeout-class outcomes so
// the worker knows the session must be rebuilt.
type Outcome struct {
	Reason  TerminalReason
	Pages   int
	Records int
	Err     error
}

// Machine executes the page sequence for single tasks. One machine serves a
// worker for the life of a session and is not safe for concurrent use.
type Machine struct {
	pager     Pager
	extractor Extractor
	markers   *BlockMarkers
	cfg       Config
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewMachine wires a machine over the given session surface.
func NewMachine(pager Pager, extractor Extractor, markers *BlockMarkers, cfg Config, logger *zap.Logger) *Machine {
	if cfg.FullPageSize <= 0 {
		cfg.FullPageSize = 24
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.PageDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.PageDelay), 1)
	}
	return &Machine{
		pager:     pager,
		extractor: extractor,
		markers:   markers,
		cfg:       cfg,
		limiter:   limiter,
		logger:    logger,
	}
}

// Run consumes pages in strict cursor order until a terminal state. The
// seen set is both read and extended, so a caller re-running a task after
// an earlier attempt can seed it and never re-emit keys.
func (m *Machine) Run(ctx context.Context, task Task, seen map[string]struct{}, hooks Hooks) Outcome {
	if seen == nil {
		seen = make(map[string]struct{})
	}
	cursor := task.Cursor
	if cursor < 1 {
		cursor = 1
	}

	out := Outcome{}
	for {
		if err := m.pacePage(ctx); err != nil {
			return m.terminal(task, out, ReasonTimedOut, err)
		}
		view, reason, err := m.fetchPage(ctx, task, cursor)
		if reason != "" {
			if reason == ReasonBlocked {
				// The block page itself was fetched; a failed navigation
				// was not.
				out.Pages++
			}
			return m.terminal(task, out, reason, err)
		}
		out.Pages++
		if hooks.OnPage != nil {
			hooks.OnPage(cursor)
		}

		records, err := m.extractor.Extract(ctx, view)
		if err != nil {
			return m.terminal(task, out, ReasonTimedOut, fmt.Errorf("extract page %d: %w", cursor, err))
		}

		// Advancing: dedup within the task, then decide continue/stop.
		fresh := 0
		for _, rec := range records {
			if rec.Key == "" {
				continue
			}
			if _, dup := seen[rec.Key]; dup {
				continue
			}
			seen[rec.Key] = struct{}{}
			fresh++
			out.Records++
			if hooks.OnRecord != nil {
				if err := hooks.OnRecord(cursor, rec); err != nil {
					return m.terminal(task, out, ReasonTimedOut, fmt.Errorf("emit record: %w", err))
				}
			}
		}

		if fresh == 0 || len(records) < m.cfg.FullPageSize {
			return m.terminal(task, out, ReasonDone, nil)
		}
		if m.cfg.MaxPages > 0 && out.Pages >= m.cfg.MaxPages {
			return m.terminal(task, out, ReasonDone, nil)
		}
		cursor++
	}
}

// fetchPage runs FetchingPage plus the block check that must precede
// extraction. A non-empty reason is terminal.
func (m *Machine) fetchPage(ctx context.Context, task Task, cursor int) (PageView, TerminalReason, error) {
	pageCtx, cancel := context.WithTimeout(ctx, m.cfg.PageTimeout)
	defer cancel()

	url := task.PageURL(cursor)
	if err := m.pager.Navigate(pageCtx, url); err != nil {
		return PageView{}, ReasonTimedOut, fmt.Errorf("fetch page %d: %w", cursor, err)
	}

	title, err := m.pager.Title(pageCtx)
	if err != nil {
		return PageView{}, ReasonTimedOut, fmt.Errorf("title page %d: %w", cursor, err)
	}
	// A block page must never be mistaken for an empty listing, so the
	// marker check runs before any extraction.
	if marker := m.markers.Match(title); marker != "" {
		return PageView{}, ReasonBlocked, fmt.Errorf("block marker %q in title", marker)
	}

	html, err := m.pager.HTML(pageCtx)
	if err != nil {
		return PageView{}, ReasonTimedOut, fmt.Errorf("snapshot page %d: %w", cursor, err)
	}
	if marker := m.markers.Match(html); marker != "" {
		return PageView{}, ReasonBlocked, fmt.Errorf("block marker %q in body", marker)
	}

	return PageView{URL: url, Page: cursor, Title: title, HTML: html}, "", nil
}

func (m *Machine) pacePage(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("page pacing: %w", err)
	}
	return nil
}

func (m *Machine) terminal(task Task, out Outcome, reason TerminalReason, err error) Outcome {
	out.Reason = reason
	out.Err = err
	fields := []zap.Field{
		zap.String("store", task.StoreID),
		zap.String("endpoint", task.Endpoint),
		zap.String("reason", string(reason)),
		zap.Int("pages", out.Pages),
		zap.Int("records", out.Records),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	m.logger.Info("Task terminal", fields...)
	return out
}
