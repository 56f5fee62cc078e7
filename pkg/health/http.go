package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/caravelhq/caravel/pkg/types"
)

// HTTPProber performs HTTP-based health probes against deployed
// containers. A probe is healthy iff the response status is in
// [200, 400); [400, 500) is reported as a client error, 500 and above
// as a server error, and transport failures carry the error text.
type HTTPProber struct {
	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// NewHTTPProber creates a prober with sane transport defaults
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		Client: &http.Client{
			// Per-request timeouts come from the probe call; this is a
			// hard ceiling against a wedged transport.
			Timeout: 30 * time.Second,
		},
	}
}

// Probe performs a single GET against url. Latency is measured end to
// end, DNS resolution included.
func (p *HTTPProber) Probe(ctx context.Context, url string, timeout time.Duration) types.HealthSample {
	start := time.Now()
	sample := types.HealthSample{Timestamp: start}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		sample.Error = fmt.Sprintf("failed to create request: %v", err)
		sample.Latency = time.Since(start)
		metrics.HealthProbes.WithLabelValues("error").Inc()
		return sample
	}

	resp, err := p.Client.Do(req)
	sample.Latency = time.Since(start)
	if err != nil {
		sample.Error = fmt.Sprintf("request failed: %v", err)
		metrics.HealthProbes.WithLabelValues("error").Inc()
		return sample
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	sample.StatusCode = resp.StatusCode
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		sample.Healthy = true
		metrics.HealthProbes.WithLabelValues("healthy").Inc()
	case resp.StatusCode < 500:
		sample.Error = fmt.Sprintf("client error: status %d", resp.StatusCode)
		metrics.HealthProbes.WithLabelValues("client_error").Inc()
	default:
		sample.Error = fmt.Sprintf("server error: status %d", resp.StatusCode)
		metrics.HealthProbes.WithLabelValues("server_error").Inc()
	}
	return sample
}
