package fleet

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storefleet/storefleet/internal/metrics"
	"github.com/storefleet/storefleet/internal/session"
)

// Publisher ships fleet events to an external topic. Implementations live
// under internal/publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SupervisorConfig controls fleet lifecycle and scaling behavior.
type SupervisorConfig struct {
	MaxWorkers      int
	PollInterval    time.Duration
	Cooldown        time.Duration
	StopGrace       time.Duration
	StallAfter      time.Duration
	CrashLimit      int
	CrashWindow     time.Duration
	ProfileBase     string
	RunDir          string
	StatusPath      string
	DecisionTimeout time.Duration
	EventTopic      string
}

// Validate checks for unusable configuration.
func (c SupervisorConfig) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("fleet.max_workers must be > 0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("fleet.poll_interval must be > 0")
	}
	if c.ProfileBase == "" {
		return fmt.Errorf("session.profile_dir must be set")
	}
	if c.RunDir == "" {
		return fmt.Errorf("fleet.run_dir must be set")
	}
	return nil
}

// workerSlot is a stable worker position with profile affinity. The
// crash-loop breaker retires a slot permanently after repeated crashes.
type workerSlot struct {
	index       int
	profileDir  string
	crashes     int
	lastCrashAt time.Time
	retired     bool
	busy        bool
}

type workerEntry struct {
	rec            WorkerRecord
	proc           ProcHandle
	assignment     Assignment
	slot           *workerSlot
	lastProgressAt time.Time
	terminating    bool
}

type workerExit struct {
	workerID string
	err      error
}

// Supervisor owns the worker set: it spawns and terminates worker
// processes, consults the decision strategy each poll, and publishes fleet
// status. All FleetState mutation happens on the supervisor's loop.
type Supervisor struct {
	cfg      SupervisorConfig
	monitor  *Monitor
	strategy DecisionStrategy
	launcher Launcher
	pub      Publisher
	logger   *zap.Logger
	now      func() time.Time

	// OnWorkerDone runs after a worker's clean exit, outside the
	// supervisor lock. Used to archive or load the finished output file.
	OnWorkerDone func(rec WorkerRecord, a Assignment)

	mu          sync.Mutex
	phase       Phase
	backlog     []Assignment
	entries     map[string]*workerEntry
	slots       []*workerSlot
	target      int
	lastScaling time.Time
	blockTotal  int
	stopping    bool
	runErr      error

	exits  chan workerExit
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSupervisor wires a supervisor over the given backlog. The strategy is
// always latency-guarded so a slow implementation degrades to hold.
func NewSupervisor(
	cfg SupervisorConfig,
	monitor *Monitor,
	strategy DecisionStrategy,
	launcher Launcher,
	pub Publisher,
	backlog []Assignment,
	logger *zap.Logger,
) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if monitor == nil || strategy == nil || launcher == nil {
		return nil, fmt.Errorf("monitor, strategy, and launcher are required")
	}
	if len(backlog) == 0 {
		return nil, fmt.Errorf("task backlog is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = 3 * time.Minute
	}
	if cfg.CrashLimit <= 0 {
		cfg.CrashLimit = 3
	}
	if cfg.CrashWindow <= 0 {
		cfg.CrashWindow = 10 * time.Minute
	}

	slots := make([]*workerSlot, 0, cfg.MaxWorkers)
	for i := 0; i < cfg.MaxWorkers; i++ {
		slots = append(slots, &workerSlot{
			index:      i,
			profileDir: filepath.Join(cfg.ProfileBase, fmt.Sprintf("slot-%02d", i)),
		})
	}
	return &Supervisor{
		cfg:      cfg,
		monitor:  monitor,
		strategy: NewGuarded(strategy, cfg.DecisionTimeout),
		launcher: launcher,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
		phase:    PhaseIdle,
		backlog:  append([]Assignment(nil), backlog...),
		entries:  make(map[string]*workerEntry),
		slots:    slots,
		target:   1,
		exits:    make(chan workerExit, cfg.MaxWorkers*2),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start spawns the validation worker and begins the poll loop. The first
// worker must report healthy before the fleet is allowed to grow.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.phase = PhaseWarming
	err := s.spawnLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("spawn warm-up worker: %w", err)
	}

	go s.loop(ctx)
	return nil
}

// Stop drains the fleet: every worker is signaled, then force-killed with
// its descendants after the grace period. Blocks until the loop finishes.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.stopping {
		s.stopping = true
		s.phase = PhaseDraining
		for _, entry := range s.entries {
			s.terminateLocked(entry)
		}
		close(s.stopCh)
	}
	s.mu.Unlock()
	<-s.doneCh
}

// Wait blocks until the fleet terminates. It returns an error only when the
// backlog could not be completed because every slot was retired.
func (s *Supervisor) Wait() error {
	<-s.doneCh
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Snapshot returns the current status document. Safe for concurrent use by
// the HTTP surface.
func (s *Supervisor) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case exit := <-s.exits:
			s.handleExit(exit)
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.beginDrain()
		case <-s.stopCh:
			s.awaitDead()
			return
		}

		s.mu.Lock()
		terminated := s.phase == PhaseTerminated
		s.mu.Unlock()
		if terminated {
			return
		}
	}
}

// beginDrain mirrors Stop but without blocking; the loop keeps draining
// exits until every worker is gone.
func (s *Supervisor) beginDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.stopping = true
	s.phase = PhaseDraining
	for _, entry := range s.entries {
		s.terminateLocked(entry)
	}
	close(s.stopCh)
}

// awaitDead consumes exit notifications until no workers remain.
func (s *Supervisor) awaitDead() {
	for {
		s.mu.Lock()
		remaining := len(s.entries)
		if remaining == 0 {
			s.phase = PhaseTerminated
		}
		s.mu.Unlock()
		if remaining == 0 {
			s.writeStatus()
			return
		}
		exit := <-s.exits
		s.handleExit(exit)
	}
}

// tick is one supervision pass: fold worker telemetry into the fleet
// state, advance the phase machine, consult the strategy, apply at most one
// scaling action, and publish the status snapshot.
func (s *Supervisor) tick(ctx context.Context) {
	s.mu.Lock()

	s.observeLocked()
	s.advancePhaseLocked()

	s.evictBlockedLocked()
	if s.phase == PhaseScaling || s.phase == PhaseSteady {
		s.decideLocked(ctx)
	}
	if len(s.entries) == 0 && len(s.backlog) > 0 && !s.stopping {
		// Total loss: re-run the warm-up gate before scaling again.
		s.phase = PhaseWarming
		if err := s.spawnLocked(); err != nil {
			s.failLocked(fmt.Errorf("respawn after total loss: %w", err))
		}
	}
	s.mu.Unlock()

	s.writeStatus()
}

// observeLocked polls every worker's event stream and process metrics and
// derives each worker's lifecycle status.
func (s *Supervisor) observeLocked() {
	now := s.now()
	for _, entry := range s.entries {
		report := s.monitor.Observe(entry.rec)
		s.applyReportLocked(entry, report, now)
	}
}

func (s *Supervisor) applyReportLocked(entry *workerEntry, report WorkerReport, now time.Time) {
	rec := &entry.rec
	if report.CPUSeconds > 0 {
		rec.CPUSeconds = report.CPUSeconds
	}
	if report.RSSBytes > 0 {
		rec.RSSBytes = report.RSSBytes
	}
	if !report.LastEventAt.IsZero() && report.LastEventAt.After(rec.LastHeartbeatAt) {
		rec.LastHeartbeatAt = report.LastEventAt
	}
	if report.NewRecords > 0 {
		entry.lastProgressAt = now
		metrics.AddRecords(rec.StoreID, report.NewRecords)
	}
	if report.RecordsTotal > rec.RecordsEmitted {
		rec.RecordsEmitted = report.RecordsTotal
	}
	if report.NewPages > 0 {
		rec.PagesFetched += report.NewPages
		metrics.AddPages(rec.StoreID, report.NewPages)
	}
	if elapsed := now.Sub(rec.StartedAt).Seconds(); elapsed > 0 {
		rec.Rate = float64(rec.RecordsEmitted) / elapsed
	}

	switch {
	case report.BlockEvents > 0:
		rec.Status = StatusBlocked
		s.blockTotal += report.BlockEvents
		for i := 0; i < report.BlockEvents; i++ {
			metrics.ObserveBlockEvent(rec.StoreID)
		}
		s.publishEvent("worker.blocked", rec.ID, rec.StoreID)
		s.logger.Warn("worker reported block",
			zap.String("worker_id", rec.ID), zap.String("store", rec.StoreID))
	case report.SawStopping:
		rec.Status = StatusStopping
	case rec.Status == StatusStarting && report.SawHealthy:
		rec.Status = StatusHealthy
		entry.lastProgressAt = now
	case rec.Status == StatusStalled && report.NewRecords > 0:
		rec.Status = StatusHealthy
	case rec.Status == StatusHealthy && report.ProcessAlive &&
		now.Sub(entry.lastProgressAt) > s.cfg.StallAfter:
		rec.Status = StatusStalled
		s.logger.Warn("worker stalled",
			zap.String("worker_id", rec.ID),
			zap.Duration("since_progress", now.Sub(entry.lastProgressAt)))
	}
}

// advancePhaseLocked runs the fleet phase machine.
func (s *Supervisor) advancePhaseLocked() {
	live := len(s.entries)
	switch s.phase {
	case PhaseWarming:
		if live == 0 && len(s.backlog) == 0 {
			s.phase = PhaseDraining
			return
		}
		for _, entry := range s.entries {
			if entry.rec.Status == StatusHealthy {
				s.phase = PhaseScaling
				s.logger.Info("warm-up worker healthy, fleet may scale")
				return
			}
		}
	case PhaseScaling:
		if len(s.backlog) == 0 {
			s.phase = PhaseDraining
		} else if live >= s.target && live >= s.cfg.MaxWorkers {
			s.phase = PhaseSteady
		}
	case PhaseSteady:
		if len(s.backlog) == 0 {
			s.phase = PhaseDraining
		}
	case PhaseDraining:
		if live == 0 {
			s.phase = PhaseTerminated
		}
	}
}

// evictBlockedLocked removes every blocked worker in the same tick the
// block was observed, in any phase and regardless of cooldown. A flagged
// session only gets more conspicuous the longer it keeps requesting.
func (s *Supervisor) evictBlockedLocked() {
	for _, entry := range s.entries {
		if entry.terminating || entry.rec.Status != StatusBlocked {
			continue
		}
		s.terminateLocked(entry)
		if s.target > 1 {
			s.target--
		}
		s.lastScaling = s.now()
		metrics.ObserveScaleAction("shrink")
		s.publishEvent("fleet.shrink", entry.rec.ID, "blocked worker evicted")
		s.logger.Warn("blocked worker evicted",
			zap.String("worker_id", entry.rec.ID),
			zap.String("store", entry.rec.StoreID))
	}
}

// decideLocked consults the strategy and applies at most one action.
func (s *Supervisor) decideLocked(ctx context.Context) {
	state := s.fleetStateLocked()
	host, err := s.monitor.Host()
	if err != nil {
		s.logger.Warn("host resource sampling failed", zap.Error(err))
		host = HostResources{}
	}

	start := s.now()
	verdict, err := s.strategy.Evaluate(ctx, state, host)
	metrics.ObserveDecision(s.now().Sub(start))
	if err != nil {
		s.logger.Warn("decision strategy failed, holding", zap.Error(err))
		return
	}

	switch verdict.Action {
	case ActionGrow:
		s.growLocked(verdict)
	case ActionShrink:
		s.shrinkLocked(verdict)
	default:
		s.logger.Debug("fleet holding", zap.String("reason", verdict.Reason))
	}
}

func (s *Supervisor) growLocked(verdict Verdict) {
	if len(s.entries) >= s.cfg.MaxWorkers {
		s.logger.Debug("grow verdict ignored, fleet at capacity")
		return
	}
	if len(s.backlog) == 0 {
		return
	}
	if err := s.spawnLocked(); err != nil {
		s.logger.Error("grow failed", zap.Error(err))
		return
	}
	s.target = len(s.entries)
	s.lastScaling = s.now()
	metrics.ObserveScaleAction("grow")
	s.publishEvent("fleet.grow", "", verdict.Reason)
	s.logger.Info("fleet grew",
		zap.Int("live", len(s.entries)), zap.String("reason", verdict.Reason))
}

// shrinkLocked removes one worker. A blocked worker is always preferred as
// the victim; otherwise the most recently started goes, so the longest
// running identities survive.
func (s *Supervisor) shrinkLocked(verdict Verdict) {
	var victim *workerEntry
	for _, entry := range s.entries {
		if entry.terminating {
			continue
		}
		if entry.rec.Status == StatusBlocked {
			victim = entry
			break
		}
	}
	if victim == nil {
		var candidates []*workerEntry
		for _, entry := range s.entries {
			if !entry.terminating {
				candidates = append(candidates, entry)
			}
		}
		if len(candidates) == 0 {
			return
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].rec.StartedAt.After(candidates[j].rec.StartedAt)
		})
		victim = candidates[0]
	}

	s.terminateLocked(victim)
	if s.target > 1 {
		s.target--
	}
	s.lastScaling = s.now()
	metrics.ObserveScaleAction("shrink")
	s.publishEvent("fleet.shrink", victim.rec.ID, verdict.Reason)
	s.logger.Info("fleet shrank",
		zap.String("worker_id", victim.rec.ID),
		zap.String("status", string(victim.rec.Status)),
		zap.String("reason", verdict.Reason))
}

// terminateLocked signals a worker and lets the exit path reap it. The
// assignment returns to the backlog because the work is unfinished.
func (s *Supervisor) terminateLocked(entry *workerEntry) {
	if entry.terminating {
		return
	}
	entry.terminating = true
	entry.rec.Status = StatusStopping
	proc := entry.proc
	grace := s.cfg.StopGrace
	go proc.Terminate(grace)
}

// handleExit classifies a worker exit and reacts: clean exits complete the
// assignment, crashes trip the slot breaker and respawn.
func (s *Supervisor) handleExit(exit workerExit) {
	s.mu.Lock()
	entry, ok := s.entries[exit.workerID]
	if !ok {
		s.mu.Unlock()
		return
	}

	// Final poll so events written just before exit are not lost.
	s.applyReportLocked(entry, s.monitor.Observe(entry.rec), s.now())
	s.monitor.Forget(entry.rec.OutputPath)

	delete(s.entries, exit.workerID)
	slot := entry.slot
	slot.busy = false
	metrics.SetLiveWorkers(len(s.entries))

	clean := exit.err == nil && !entry.terminating
	switch {
	case clean:
		slot.crashes = 0
		s.logger.Info("worker finished assignment",
			zap.String("worker_id", entry.rec.ID),
			zap.String("store", entry.rec.StoreID),
			zap.Int("records", entry.rec.RecordsEmitted))
		if s.OnWorkerDone != nil {
			rec, a := entry.rec, entry.assignment
			go s.OnWorkerDone(rec, a)
		}
		// Keep the fleet at target by pulling the next assignment.
		if len(s.backlog) > 0 && !s.stopping && len(s.entries) < s.target {
			if err := s.spawnLocked(); err != nil {
				s.logger.Error("spawn for next assignment failed", zap.Error(err))
			}
		}

	case entry.terminating:
		// Deliberate termination: unfinished work goes back on the queue
		// unless the whole fleet is draining.
		if !s.stopping {
			s.backlog = append(s.backlog, entry.assignment)
		}
		s.logger.Info("worker terminated",
			zap.String("worker_id", entry.rec.ID))

	default:
		s.handleCrashLocked(entry, exit.err)
	}

	if s.stopping && len(s.entries) == 0 {
		s.phase = PhaseTerminated
	}
	s.mu.Unlock()
	s.writeStatus()
}

// handleCrashLocked runs the crash-loop breaker: consecutive crashes within
// the window retire the slot, otherwise the same assignment respawns into
// the same slot so dedup seeding picks up where the dead worker left off.
func (s *Supervisor) handleCrashLocked(entry *workerEntry, exitErr error) {
	now := s.now()
	slot := entry.slot
	entry.rec.Status = StatusCrashed
	metrics.ObserveWorkerCrash()
	s.logger.Error("worker crashed",
		zap.String("worker_id", entry.rec.ID),
		zap.String("store", entry.rec.StoreID),
		zap.Int("slot", slot.index),
		zap.Error(exitErr))

	// The dead holder cannot release its profile lock.
	if err := session.ClearStaleLock(slot.profileDir, s.logger); err != nil {
		s.logger.Warn("profile lock cleanup failed", zap.Error(err))
	}

	if now.Sub(slot.lastCrashAt) > s.cfg.CrashWindow {
		slot.crashes = 0
	}
	slot.crashes++
	slot.lastCrashAt = now

	if slot.crashes >= s.cfg.CrashLimit {
		slot.retired = true
		s.backlog = append(s.backlog, entry.assignment)
		s.logger.Error("slot retired after repeated crashes",
			zap.Int("slot", slot.index), zap.Int("crashes", slot.crashes))
		s.publishEvent("fleet.slot_retired", entry.rec.ID, fmt.Sprintf("slot-%02d", slot.index))
		if s.allRetiredLocked() {
			s.failLocked(fmt.Errorf("all %d worker slots retired with %d assignments remaining",
				s.cfg.MaxWorkers, len(s.backlog)))
		}
		return
	}

	if s.stopping {
		return
	}
	if err := s.spawnIntoLocked(slot, entry.assignment); err != nil {
		s.logger.Error("respawn after crash failed", zap.Error(err))
		s.backlog = append(s.backlog, entry.assignment)
	}
}

func (s *Supervisor) allRetiredLocked() bool {
	for _, slot := range s.slots {
		if !slot.retired {
			return false
		}
	}
	return true
}

func (s *Supervisor) failLocked(err error) {
	s.runErr = err
	s.stopping = true
	s.phase = PhaseDraining
	for _, entry := range s.entries {
		s.terminateLocked(entry)
	}
	if len(s.entries) == 0 {
		s.phase = PhaseTerminated
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// spawnLocked pops the next assignment and launches it into a free slot.
func (s *Supervisor) spawnLocked() error {
	if len(s.backlog) == 0 {
		return fmt.Errorf("backlog empty")
	}
	slot := s.freeSlotLocked()
	if slot == nil {
		return fmt.Errorf("no free worker slot")
	}
	a := s.backlog[0]
	s.backlog = s.backlog[1:]
	if err := s.spawnIntoLocked(slot, a); err != nil {
		s.backlog = append([]Assignment{a}, s.backlog...)
		return err
	}
	return nil
}

func (s *Supervisor) spawnIntoLocked(slot *workerSlot, a Assignment) error {
	workerID := uuid.NewString()
	outputPath := s.outputPathFor(a.StoreID)

	// A crashed predecessor may have left the profile locked.
	if err := session.ClearStaleLock(slot.profileDir, s.logger); err != nil {
		s.logger.Warn("profile lock cleanup failed", zap.Error(err))
	}

	proc, err := s.launcher.Launch(a, workerID, slot.profileDir, outputPath)
	if err != nil {
		return fmt.Errorf("launch worker for store %s: %w", a.StoreID, err)
	}

	now := s.now()
	entry := &workerEntry{
		rec: WorkerRecord{
			ID:          workerID,
			StoreID:     a.StoreID,
			PID:         proc.PID(),
			ProfilePath: slot.profileDir,
			OutputPath:  outputPath,
			StartedAt:   now,
			Status:      StatusStarting,
		},
		proc:           proc,
		assignment:     a,
		slot:           slot,
		lastProgressAt: now,
	}
	slot.busy = true
	s.entries[workerID] = entry
	metrics.SetLiveWorkers(len(s.entries))

	go func() {
		err := proc.Wait()
		s.exits <- workerExit{workerID: workerID, err: err}
	}()

	s.logger.Info("worker spawned",
		zap.String("worker_id", workerID),
		zap.String("store", a.StoreID),
		zap.Int("slot", slot.index),
		zap.Int("pid", proc.PID()),
		zap.Int("tasks", len(a.Tasks)))
	return nil
}

func (s *Supervisor) freeSlotLocked() *workerSlot {
	for _, slot := range s.slots {
		if !slot.busy && !slot.retired {
			return slot
		}
	}
	return nil
}

// outputPathFor maps a store to its stable output file so a respawned
// worker seeds its dedup set from the previous attempt's records.
func (s *Supervisor) outputPathFor(storeID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, storeID)
	return filepath.Join(s.cfg.RunDir, sanitized+".ndjson")
}

func (s *Supervisor) fleetStateLocked() FleetState {
	state := FleetState{
		TargetWorkers:       s.target,
		LastScalingActionAt: s.lastScaling,
		BlockEventsTotal:    s.blockTotal,
	}
	for _, entry := range s.entries {
		state.Workers = append(state.Workers, entry.rec)
	}
	return state
}

func (s *Supervisor) snapshotLocked() StatusSnapshot {
	snap := StatusSnapshot{
		Timestamp:        s.now(),
		Phase:            s.phase,
		FleetTarget:      s.target,
		BlockEventsTotal: s.blockTotal,
		BacklogRemaining: len(s.backlog),
	}
	for _, entry := range s.entries {
		snap.Workers = append(snap.Workers, entry.rec)
	}
	sort.Slice(snap.Workers, func(i, j int) bool {
		return snap.Workers[i].StartedAt.Before(snap.Workers[j].StartedAt)
	})
	return snap
}

func (s *Supervisor) writeStatus() {
	if s.cfg.StatusPath == "" {
		return
	}
	snap := s.Snapshot()
	metrics.SetTargetWorkers(snap.FleetTarget)
	if err := WriteStatus(s.cfg.StatusPath, snap); err != nil {
		s.logger.Warn("status write failed", zap.Error(err))
	}
}

// publishEvent ships a fleet event to the configured topic, best effort.
func (s *Supervisor) publishEvent(kind, workerID, detail string) {
	if s.pub == nil || s.cfg.EventTopic == "" {
		return
	}
	payload := map[string]string{
		"kind":      kind,
		"worker_id": workerID,
		"detail":    detail,
		"ts":        s.now().UTC().Format(time.RFC3339),
	}
	topic := s.cfg.EventTopic
	pub := s.pub
	logger := s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := pub.Publish(ctx, topic, payload); err != nil {
			logger.Warn("fleet event publish failed",
				zap.String("kind", kind), zap.Error(err))
		}
	}()
}
