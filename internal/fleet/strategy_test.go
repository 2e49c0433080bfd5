package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func healthyFleet(n int) FleetState {
	state := FleetState{TargetWorkers: n}
	for i := 0; i < n; i++ {
		state.Workers = append(state.Workers, WorkerRecord{
			ID:     string(rune('a' + i)),
			Status: StatusHealthy,
		})
	}
	return state
}

func roomyHost() HostResources {
	return HostResources{
		MemTotalBytes:     16 << 30,
		MemAvailableBytes: 12 << 30,
		CPUCount:          8,
		Load1:             1.0,
	}
}

func TestRuleStrategyGrowsHealthyFleet(t *testing.T) {
	t.Parallel()

	strategy := NewRuleStrategy(RuleConfig{Cooldown: time.Minute})
	state := healthyFleet(2)
	state.LastScalingActionAt = time.Now().Add(-2 * time.Minute)

	verdict, err := strategy.Evaluate(context.Background(), state, roomyHost())
	require.NoError(t, err)
	require.Equal(t, ActionGrow, verdict.Action)
}

func TestRuleStrategyShrinksOnBlockIgnoringCooldown(t *testing.T) {
	t.Parallel()

	strategy := NewRuleStrategy(RuleConfig{Cooldown: time.Hour})
	state := healthyFleet(3)
	state.Workers[1].Status = StatusBlocked
	state.LastScalingActionAt = time.Now() // cooldown just started

	verdict, err := strategy.Evaluate(context.Background(), state, roomyHost())
	require.NoError(t, err)
	require.Equal(t, ActionShrink, verdict.Action)
}

func TestRuleStrategyHolds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		state func() FleetState
		host  func() HostResources
	}{
		{
			name: "starting worker",
			state: func() FleetState {
				s := healthyFleet(2)
				s.Workers[0].Status = StatusStarting
				return s
			},
			host: roomyHost,
		},
		{
			name: "stalled worker",
			state: func() FleetState {
				s := healthyFleet(2)
				s.Workers[1].Status = StatusStalled
				return s
			},
			host: roomyHost,
		},
		{
			name:  "empty fleet",
			state: func() FleetState { return FleetState{TargetWorkers: 1} },
			host:  roomyHost,
		},
		{
			name:  "low memory headroom",
			state: func() FleetState { return healthyFleet(2) },
			host: func() HostResources {
				h := roomyHost()
				h.MemAvailableBytes = 1 << 30
				return h
			},
		},
		{
			name:  "high load",
			state: func() FleetState { return healthyFleet(2) },
			host: func() HostResources {
				h := roomyHost()
				h.Load1 = 7.5
				return h
			},
		},
		{
			name: "cooldown running",
			state: func() FleetState {
				s := healthyFleet(2)
				s.LastScalingActionAt = time.Now().Add(-5 * time.Second)
				return s
			},
			host: roomyHost,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			strategy := NewRuleStrategy(RuleConfig{Cooldown: time.Minute})
			verdict, err := strategy.Evaluate(context.Background(), tc.state(), tc.host())
			require.NoError(t, err)
			require.Equal(t, ActionHold, verdict.Action, verdict.Reason)
		})
	}
}

type slowStrategy struct{ delay time.Duration }

func (s *slowStrategy) Evaluate(ctx context.Context, _ FleetState, _ HostResources) (Verdict, error) {
	select {
	case <-time.After(s.delay):
		return Verdict{Action: ActionGrow}, nil
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	}
}

type failingStrategy struct{}

func (failingStrategy) Evaluate(context.Context, FleetState, HostResources) (Verdict, error) {
	return Verdict{}, errors.New("decision backend unreachable")
}

func TestGuardedTimesOutToHold(t *testing.T) {
	t.Parallel()

	guarded := NewGuarded(&slowStrategy{delay: time.Second}, 20*time.Millisecond)
	verdict, err := guarded.Evaluate(context.Background(), healthyFleet(1), roomyHost())
	require.NoError(t, err)
	require.Equal(t, ActionHold, verdict.Action)
}

func TestGuardedErrorsToHold(t *testing.T) {
	t.Parallel()

	guarded := NewGuarded(failingStrategy{}, time.Second)
	verdict, err := guarded.Evaluate(context.Background(), healthyFleet(1), roomyHost())
	require.NoError(t, err)
	require.Equal(t, ActionHold, verdict.Action)
}

func TestGuardedPassesThroughFastVerdicts(t *testing.T) {
	t.Parallel()

	guarded := NewGuarded(&slowStrategy{delay: time.Millisecond}, time.Second)
	verdict, err := guarded.Evaluate(context.Background(), healthyFleet(1), roomyHost())
	require.NoError(t, err)
	require.Equal(t, ActionGrow, verdict.Action)
}
