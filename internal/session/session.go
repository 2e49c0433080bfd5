// Package session drives one headless Chrome instance bound to one on-disk
// browser profile. Every exposed operation runs through a single timeout
// combinator so no call can stall its worker indefinitely.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Timeout errors by operation class. A navigation timeout is recoverable by
// the pagination machine; an operation timeout on Title/FindElements/HTML is
// treated as a session crash and the caller must rebuild.
var (
	ErrNavigationTimeout = errors.New("navigation timeout")
	ErrOperationTimeout  = errors.New("session operation timeout")
)

// Config controls session construction and per-operation bounds.
type Config struct {
	Headless   bool
	OpTimeout  time.Duration
	NavTimeout time.Duration
}

// Session is one browser engine bound to one profile. It is driven
// sequentially: one navigation or extraction in flight at a time.
type Session struct {
	cfg         Config
	identity    Identity
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger
}

// New launches a browser over the locked profile with a freshly drawn
// identity. The identity is pinned before any navigation.
func New(cfg Config, lock *ProfileLock, logger *zap.Logger) (*Session, error) {
	if lock == nil {
		return nil, fmt.Errorf("profile lock is required")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	identity := NewIdentity()

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.UserDataDir(lock.Dir()),
		chromedp.UserAgent(identity.UserAgent),
		chromedp.WindowSize(identity.ViewportW, identity.ViewportH),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx, identity.apply()); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	logger.Debug("Session started",
		zap.String("profile", lock.Dir()),
		zap.String("user_agent", identity.UserAgent),
		zap.String("timezone", identity.Timezone),
	)
	return &Session{
		cfg:         cfg,
		identity:    identity,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		cancel:      browserCancel,
		logger:      logger,
	}, nil
}

// Identity returns the fixed identity for this session.
func (s *Session) Identity() Identity {
	return s.identity
}

// Navigate loads url and waits for the document body, bounded by the
// navigation timeout.
func (s *Session) Navigate(ctx context.Context, url string) error {
	err := s.withTimeout(ctx, s.cfg.NavTimeout, chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	})
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("navigate %s: %w", url, ErrNavigationTimeout)
		}
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Title returns the current document title.
func (s *Session) Title(ctx context.Context) (string, error) {
	var title string
	if err := s.withTimeout(ctx, s.cfg.OpTimeout, chromedp.Title(&title)); err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("read title: %w", ErrOperationTimeout)
		}
		return "", fmt.Errorf("read title: %w", err)
	}
	return title, nil
}

// FindElements resolves the selector against the current document. A missing
// selector yields an empty slice, not an error.
func (s *Session) FindElements(ctx context.Context, selector string) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	err := s.withTimeout(ctx, s.cfg.OpTimeout,
		chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("find %q: %w", selector, ErrOperationTimeout)
		}
		return nil, fmt.Errorf("find %q: %w", selector, err)
	}
	return nodes, nil
}

// HTML snapshots the current document's outer HTML.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	err := s.withTimeout(ctx, s.cfg.OpTimeout,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("snapshot html: %w", ErrOperationTimeout)
		}
		return "", fmt.Errorf("snapshot html: %w", err)
	}
	return html, nil
}

// Warmup visits a neutral entry point and performs a short randomized
// scroll-and-pause sequence so the session never arrives at a task endpoint
// with zero history.
func (s *Session) Warmup(ctx context.Context, entryURL string) error {
	if err := s.Navigate(ctx, entryURL); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	steps := 2 + rand.IntN(3)
	for i := 0; i < steps; i++ {
		pause := time.Duration(500+rand.IntN(1500)) * time.Millisecond
		scroll := 200 + rand.IntN(600)
		err := s.withTimeout(ctx, s.cfg.OpTimeout, chromedp.Tasks{
			chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", scroll), nil),
			chromedp.Sleep(pause),
		})
		if err != nil {
			return fmt.Errorf("warmup interaction: %w", err)
		}
	}
	s.logger.Debug("Warmup complete", zap.String("entry", entryURL), zap.Int("steps", steps))
	return nil
}

// Close tears down the browser and its allocator. Idempotent.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.cancel()
	s.allocCancel()
}

// withTimeout is the single combinator every exposed operation goes
// through: it bounds the chromedp run with the given duration and forwards
// cancellation from the caller's context.
func (s *Session) withTimeout(ctx context.Context, d time.Duration, action chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(s.browserCtx, d)
	defer cancel()

	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, action); err != nil {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// forwardCancel propagates cancellation of parent onto cancel until the
// returned stop function runs.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
