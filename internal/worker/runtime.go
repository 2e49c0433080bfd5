// Package worker implements the worker process runtime: one browser session
// iterating assigned tasks sequentially, reporting progress over the NDJSON
// event stream, and restarting its session on a task-count boundary to bound
// resource growth.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/storefleet/storefleet/internal/events"
	"github.com/storefleet/storefleet/internal/paginate"
	"github.com/storefleet/storefleet/internal/session"
)

// Config captures the worker launch contract plus tuning knobs.
type Config struct {
	WorkerID          string
	StoreID           string
	Tasks             []paginate.Task
	OutputPath        string
	ProfilePath       string
	WarmupURL         string
	RestartEvery      int
	HeartbeatInterval time.Duration
	Session           session.Config
	Paginate          paginate.Config
	BlockMarkers      []string
}

// Validate checks the launch contract. A violation is a fatal setup failure
// (non-zero exit), never something to limp along with.
func (c Config) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if c.StoreID == "" {
		return fmt.Errorf("store id is required")
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("task list is empty")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output path is required")
	}
	if c.ProfilePath == "" {
		return fmt.Errorf("profile path is required")
	}
	return nil
}

// Runtime executes the worker lifecycle.
type Runtime struct {
	cfg       Config
	extractor paginate.Extractor
	markers   *paginate.BlockMarkers
	logger    *zap.Logger

	// newSession is swapped out by tests to avoid launching Chrome.
	newSession func(lock *session.ProfileLock) (pagerSession, error)
}

// pagerSession is the slice of *session.Session the runtime depends on.
type pagerSession interface {
	paginate.Pager
	Warmup(ctx context.Context, entryURL string) error
	Close()
}

// New builds a Runtime. The extractor is the external site-specific
// collaborator; the core never interprets record payloads.
func New(cfg Config, extractor paginate.Extractor, logger *zap.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	r := &Runtime{
		cfg:       cfg,
		extractor: extractor,
		markers:   paginate.NewBlockMarkers(cfg.BlockMarkers),
		logger:    logger.With(zap.String("worker_id", cfg.WorkerID), zap.String("store", cfg.StoreID)),
	}
	r.newSession = func(lock *session.ProfileLock) (pagerSession, error) {
		return session.New(cfg.Session, lock, r.logger)
	}
	return r, nil
}

// Run executes the full worker lifecycle. It returns an error only for
// fatal setup failures; per-task failures are absorbed and the next task is
// always attempted. A clean return is always preceded by a `stopping`
// status event so the supervisor never misreads shutdown as a crash.
func (r *Runtime) Run(ctx context.Context) error {
	writer, err := events.OpenWriter(r.cfg.OutputPath, r.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer func() {
		if cerr := writer.Close(); cerr != nil {
			r.logger.Warn("Failed to close event writer", zap.Error(cerr))
		}
	}()
	if err := writer.Status("starting"); err != nil {
		return fmt.Errorf("report starting: %w", err)
	}

	// Seed dedup state from an earlier attempt against the same output file
	// so re-run tasks never re-emit keys.
	seenByEndpoint, priorRecords, err := events.CollectKeys(r.cfg.OutputPath)
	if err != nil {
		return fmt.Errorf("seed dedup state: %w", err)
	}
	writer.SeedRecordCount(priorRecords)

	lock, err := session.AcquireProfile(r.cfg.ProfilePath, r.logger)
	if err != nil {
		return fmt.Errorf("acquire profile: %w", err)
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			r.logger.Warn("Failed to release profile lock", zap.Error(rerr))
		}
	}()

	sess, err := r.startSession(ctx, lock)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer func() { sess.Close() }()

	if err := writer.Status("healthy"); err != nil {
		return fmt.Errorf("report healthy: %w", err)
	}
	stopHeartbeat := r.startHeartbeatLoop(ctx, writer)
	defer stopHeartbeat()

	tasksSinceRestart := 0
	for _, task := range r.cfg.Tasks {
		if ctx.Err() != nil {
			break
		}
		if r.cfg.RestartEvery > 0 && tasksSinceRestart >= r.cfg.RestartEvery {
			sess, err = r.rotateSession(ctx, sess, lock)
			if err != nil {
				return fmt.Errorf("rotate session: %w", err)
			}
			tasksSinceRestart = 0
		}

		rebuild := r.runTask(ctx, sess, task, seenByEndpoint, writer)
		tasksSinceRestart++
		if rebuild && ctx.Err() == nil {
			sess, err = r.rotateSession(ctx, sess, lock)
			if err != nil {
				return fmt.Errorf("rebuild session: %w", err)
			}
			tasksSinceRestart = 0
		}
	}

	if err := writer.Status("stopping"); err != nil {
		return fmt.Errorf("report stopping: %w", err)
	}
	r.logger.Info("Worker finished", zap.Int("tasks", len(r.cfg.Tasks)))
	return nil
}

// runTask drives one task through the pagination machine and reports its
// terminal state. The return value says whether the session must be torn
// down and rebuilt before the next task.
func (r *Runtime) runTask(
	ctx context.Context,
	sess pagerSession,
	task paginate.Task,
	seenByEndpoint map[string]map[string]struct{},
	writer *events.Writer,
) bool {
	seen := seenByEndpoint[task.Endpoint]
	if seen == nil {
		seen = make(map[string]struct{})
		seenByEndpoint[task.Endpoint] = seen
	}

	machine := paginate.NewMachine(sess, r.extractor, r.markers, r.cfg.Paginate, r.logger)
	hooks := paginate.Hooks{
		OnPage: func(page int) {
			if err := writer.Heartbeat(task.StoreID, task.Endpoint, page); err != nil {
				r.logger.Warn("Heartbeat write failed", zap.Error(err))
			}
		},
		OnRecord: func(page int, rec paginate.Record) error {
			return writer.Record(task.StoreID, task.Endpoint, page, rec.Key, rec.Payload)
		},
	}
	out := machine.Run(ctx, task, seen, hooks)

	if out.Reason == paginate.ReasonBlocked {
		reason := ""
		if out.Err != nil {
			reason = out.Err.Error()
		}
		if err := writer.Block(task.StoreID, task.Endpoint, out.Pages, reason); err != nil {
			r.logger.Warn("Block event write failed", zap.Error(err))
		}
	}
	if err := writer.TaskDone(task.StoreID, task.Endpoint, string(out.Reason)); err != nil {
		r.logger.Warn("Task done write failed", zap.Error(err))
	}

	// Blocked and timed-out sessions are poisoned: the worker cancels its
	// own session and rebuilds rather than retrying against it.
	return out.Reason != paginate.ReasonDone
}

func (r *Runtime) startSession(ctx context.Context, lock *session.ProfileLock) (pagerSession, error) {
	sess, err := r.newSession(lock)
	if err != nil {
		return nil, err
	}
	if r.cfg.WarmupURL != "" {
		if err := sess.Warmup(ctx, r.cfg.WarmupURL); err != nil {
			sess.Close()
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, fmt.Errorf("warm up: %w", err)
		}
	}
	return sess, nil
}

// rotateSession closes the current session, pauses briefly, and relaunches
// with a fresh identity over the same profile.
func (r *Runtime) rotateSession(ctx context.Context, old pagerSession, lock *session.ProfileLock) (pagerSession, error) {
	old.Close()
	pause := time.Duration(1+rand.IntN(3)) * time.Second
	select {
	case <-time.After(pause):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.logger.Info("Restarting session", zap.Duration("pause", pause))
	return r.startSession(ctx, lock)
}

func (r *Runtime) startHeartbeatLoop(ctx context.Context, writer *events.Writer) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := writer.Heartbeat(r.cfg.StoreID, "", 0); err != nil {
					r.logger.Warn("Heartbeat write failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
