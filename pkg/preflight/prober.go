package preflight

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober reports whether the eigencloud verification backend answers, and
// how long the round trip took.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// HTTPProber probes a status endpoint with a plain GET. Any response below
// 500 counts as reachable; the backend being up matters here, not whether
// this gateway is authorized against it.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber builds a prober with a dedicated client so probe timeouts
// never inherit from a shared transport.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("building probe request: %w", err)
	}
	start := time.Now()
	resp, err := p.Client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return elapsed, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	return elapsed, nil
}
