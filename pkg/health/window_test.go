package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/types"
)

func series(pattern string) []types.HealthSample {
	samples := make([]types.HealthSample, 0, len(pattern))
	for i, c := range pattern {
		samples = append(samples, types.HealthSample{
			Attempt: i + 1,
			Healthy: c == 'H',
		})
	}
	return samples
}

func TestEvaluateWindow(t *testing.T) {
	cfg := config.Default().Deploy // 12 samples, min 10, max streak 3

	tests := []struct {
		name    string
		pattern string // H = healthy, F = failed
		passed  bool
	}{
		{"all healthy", "HHHHHHHHHHHH", true},
		{"exactly min success", "FHHFHHHHHHHH", true},
		{"one below min success", "FFHFHHHHHHHH", false},
		{"streak below limit passes", "HHHHHHHHHHFF", true},
		{"streak at limit fails", "HHHHHHHHHFFF", false},
		{"streak mid-window fails", "HHHFFFHHHHHH", false},
		{"all failed", "FFFFFFFFFFFF", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := EvaluateWindow(series(tt.pattern), cfg)
			assert.Equal(t, tt.passed, res.Passed)
			if !tt.passed {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestEvaluateWindowStreakOverridesSuccesses(t *testing.T) {
	cfg := config.Default().Deploy
	cfg.HealthSamples = 15
	cfg.MinSuccess = 10

	// Twelve healthy samples satisfy min_success, but the trailing
	// streak still sinks the window.
	res := EvaluateWindow(series("HHHHHHHHHHHHFFF"), cfg)
	assert.False(t, res.Passed)
	assert.Equal(t, 12, res.Successes)
	assert.Equal(t, 3, res.MaxStreak)
	assert.Contains(t, res.Reason, "consecutive")
}

type fakeClock struct {
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Now() }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept = append(c.slept, d)
	return nil
}

type scriptedProber struct {
	pattern string
	calls   int
}

func (p *scriptedProber) Probe(_ context.Context, _ string, _ time.Duration) types.HealthSample {
	healthy := p.calls < len(p.pattern) && p.pattern[p.calls] == 'H'
	p.calls++
	return types.HealthSample{Timestamp: time.Now(), Healthy: healthy}
}

func TestMonitorCollectsFullWindow(t *testing.T) {
	cfg := config.Default().Deploy
	cfg.HealthSamples = 5
	cfg.MinSuccess = 4
	clock := &fakeClock{}
	prober := &scriptedProber{pattern: "HHHHH"}
	m := &Monitor{Prober: prober, Clock: clock, Config: cfg}

	var seen int
	res, err := m.Observe(context.Background(), "http://10.0.0.1:8080/healthz",
		func(types.HealthSample) { seen++ })
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 5, seen)
	assert.Len(t, res.Samples, 5)
	// Grace period plus four inter-probe sleeps.
	assert.Len(t, clock.slept, 5)
	assert.Equal(t, cfg.GracePeriod, clock.slept[0])
}

func TestMonitorStopsEarlyOnStreak(t *testing.T) {
	cfg := config.Default().Deploy
	cfg.HealthSamples = 12
	clock := &fakeClock{}
	prober := &scriptedProber{pattern: "HFFF"}
	m := &Monitor{Prober: prober, Clock: clock, Config: cfg}

	res, err := m.Observe(context.Background(), "http://10.0.0.1:8080/healthz", nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 4, prober.calls)
	assert.Equal(t, 3, res.MaxStreak)
}

func TestMonitorHonorsCancellation(t *testing.T) {
	cfg := config.Default().Deploy
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &Monitor{Prober: &scriptedProber{}, Clock: &fakeClock{}, Config: cfg}
	_, err := m.Observe(ctx, "http://10.0.0.1:8080/healthz", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPProberClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		healthy bool
	}{
		{"ok", http.StatusOK, true},
		{"redirect boundary", 399, true},
		{"client error", http.StatusNotFound, false},
		{"server error", http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s := NewHTTPProber().Probe(context.Background(), srv.URL, time.Second)
			assert.Equal(t, tt.healthy, s.Healthy)
			assert.Equal(t, tt.status, s.StatusCode)
			assert.Positive(t, s.Latency)
		})
	}
}

func TestHTTPProberTransportError(t *testing.T) {
	s := NewHTTPProber().Probe(context.Background(), "http://127.0.0.1:1/healthz", 200*time.Millisecond)
	assert.False(t, s.Healthy)
	assert.NotEmpty(t, s.Error)
	assert.Zero(t, s.StatusCode)
}
