package fleet

import (
	"context"
	"fmt"
	"time"
)

// DecisionStrategy maps fleet and host metrics to a scale verdict. The
// default is pure and synchronous; a remote implementation may substitute as
// long as it honors the contract (wrap it in Guarded to bound its latency).
type DecisionStrategy interface {
	Evaluate(ctx context.Context, state FleetState, host HostResources) (Verdict, error)
}

// RuleConfig carries the thresholds for the default rule table.
type RuleConfig struct {
	MinMemHeadroom float64
	MinCPUHeadroom float64
	Cooldown       time.Duration
}

// RuleStrategy is the default pure threshold table: grow by one when the
// whole fleet is healthy, the host has headroom, and the cooldown has
// elapsed; shrink immediately on any block report; hold otherwise.
type RuleStrategy struct {
	cfg RuleConfig
	now func() time.Time
}

// NewRuleStrategy builds the default strategy.
func NewRuleStrategy(cfg RuleConfig) *RuleStrategy {
	if cfg.MinMemHeadroom <= 0 {
		cfg.MinMemHeadroom = 0.25
	}
	if cfg.MinCPUHeadroom <= 0 {
		cfg.MinCPUHeadroom = 0.30
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &RuleStrategy{cfg: cfg, now: time.Now}
}

// Evaluate implements DecisionStrategy.
func (s *RuleStrategy) Evaluate(_ context.Context, state FleetState, host HostResources) (Verdict, error) {
	// Block events lead every other signal: one flagged session is a
	// leading indicator for the whole fleet, so the shrink bypasses the
	// cooldown.
	if blocked := state.CountByStatus(StatusBlocked); blocked > 0 {
		return Verdict{
			Action: ActionShrink,
			Reason: fmt.Sprintf("%d blocked worker(s)", blocked),
		}, nil
	}

	if !state.AllHealthy() {
		return Verdict{Action: ActionHold, Reason: "fleet not fully healthy"}, nil
	}
	if mem := host.MemHeadroom(); mem < s.cfg.MinMemHeadroom {
		return Verdict{
			Action: ActionHold,
			Reason: fmt.Sprintf("memory headroom %.2f below %.2f", mem, s.cfg.MinMemHeadroom),
		}, nil
	}
	if cpu := host.CPUHeadroom(); cpu < s.cfg.MinCPUHeadroom {
		return Verdict{
			Action: ActionHold,
			Reason: fmt.Sprintf("cpu headroom %.2f below %.2f", cpu, s.cfg.MinCPUHeadroom),
		}, nil
	}
	if since := s.now().Sub(state.LastScalingActionAt); since < s.cfg.Cooldown {
		return Verdict{
			Action: ActionHold,
			Reason: fmt.Sprintf("cooldown: %s since last action", since.Round(time.Second)),
		}, nil
	}
	return Verdict{Action: ActionGrow, Reason: "fleet healthy with headroom"}, nil
}

// Guarded bounds any DecisionStrategy with a timeout and defaults to hold
// on timeout or failure, keeping the supervisor loop safe against a slow
// or broken (e.g. remote) implementation.
type Guarded struct {
	inner   DecisionStrategy
	timeout time.Duration
}

// NewGuarded wraps inner with the given evaluation timeout.
func NewGuarded(inner DecisionStrategy, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Guarded{inner: inner, timeout: timeout}
}

// Evaluate implements DecisionStrategy.
func (g *Guarded) Evaluate(ctx context.Context, state FleetState, host HostResources) (Verdict, error) {
	evalCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		verdict Verdict
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := g.inner.Evaluate(evalCtx, state, host)
		ch <- result{verdict: v, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return Verdict{Action: ActionHold, Reason: fmt.Sprintf("strategy error: %v", res.err)}, nil
		}
		return res.verdict, nil
	case <-evalCtx.Done():
		return Verdict{Action: ActionHold, Reason: "strategy timed out"}, nil
	}
}
