package health

import (
	"context"
	"fmt"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/types"
)

// WindowResult is the verdict over one observation window
type WindowResult struct {
	Passed    bool
	Successes int
	MaxStreak int // longest run of consecutive failures
	Samples   []types.HealthSample
	Reason    string
}

// EvaluateWindow applies the gating rule to a complete sample set: the
// window passes iff at least MinSuccess samples are healthy AND no run
// of MaxConsecutiveFailures consecutive failures occurred. Both
// conditions are checked; a window with enough successes still fails on
// a long failure streak.
func EvaluateWindow(samples []types.HealthSample, cfg config.DeployConfig) WindowResult {
	res := WindowResult{Samples: samples}
	streak := 0
	for _, s := range samples {
		if s.Healthy {
			res.Successes++
			streak = 0
			continue
		}
		streak++
		if streak > res.MaxStreak {
			res.MaxStreak = streak
		}
	}

	switch {
	case res.MaxStreak >= cfg.MaxConsecutiveFailures:
		res.Reason = fmt.Sprintf("%d consecutive probe failures (limit %d)",
			res.MaxStreak, cfg.MaxConsecutiveFailures)
	case res.Successes < cfg.MinSuccess:
		res.Reason = fmt.Sprintf("only %d/%d probes healthy (need %d)",
			res.Successes, len(samples), cfg.MinSuccess)
	default:
		res.Passed = true
	}
	return res
}

// Monitor drives a full observation window against one endpoint
type Monitor struct {
	Prober ports.HealthProber
	Clock  ports.Clock
	Config config.DeployConfig
}

// Observe waits out the grace period, then probes url every
// health_interval until health_samples samples are collected or a
// failure streak makes the verdict unrecoverable. Every sample is
// handed to onSample before the next probe fires.
func (m *Monitor) Observe(ctx context.Context, url string, onSample func(types.HealthSample)) (WindowResult, error) {
	if m.Config.GracePeriod > 0 {
		if err := m.Clock.Sleep(ctx, m.Config.GracePeriod); err != nil {
			return WindowResult{}, err
		}
	}

	samples := make([]types.HealthSample, 0, m.Config.HealthSamples)
	streak := 0
	for i := 0; i < m.Config.HealthSamples; i++ {
		if i > 0 {
			if err := m.Clock.Sleep(ctx, m.Config.HealthInterval); err != nil {
				return WindowResult{}, err
			}
		}

		s := m.Prober.Probe(ctx, url, m.Config.HealthInterval)
		s.Attempt = i + 1
		samples = append(samples, s)
		if onSample != nil {
			onSample(s)
		}

		if s.Healthy {
			streak = 0
			continue
		}
		streak++
		// The streak rule can never un-fail: stop probing early.
		if streak >= m.Config.MaxConsecutiveFailures {
			break
		}
	}

	return EvaluateWindow(samples, m.Config), nil
}
