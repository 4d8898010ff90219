package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type CheckResult struct {
	Name       string `json:"name"`
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ProbeRunner evaluates dependency probes concurrently and caches the
// verdict briefly so readiness polling does not hammer the backends.
type ProbeRunner struct {
	timeout  time.Duration
	cacheTTL time.Duration
	probes   []Probe
	now      func() time.Time

	mu       sync.Mutex
	cachedAt time.Time
	ready    bool
	results  []CheckResult
}

func NewProbeRunner(timeout, cacheTTL time.Duration, probes ...Probe) *ProbeRunner {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProbeRunner{timeout: timeout, cacheTTL: cacheTTL, probes: probes, now: time.Now}
}

func (p *ProbeRunner) Ready(ctx context.Context) (bool, []CheckResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cacheTTL > 0 && !p.cachedAt.IsZero() && p.now().Sub(p.cachedAt) < p.cacheTTL {
		return p.ready, p.results
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	results := make([]CheckResult, len(p.probes))
	var g errgroup.Group
	for i, probe := range p.probes {
		g.Go(func() error {
			start := time.Now()
			err := probe.Check(ctx)
			results[i] = CheckResult{Name: probe.Name, Healthy: err == nil, DurationMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	ready := true
	for _, r := range results {
		ready = ready && r.Healthy
	}
	p.ready, p.results, p.cachedAt = ready, results, p.now()
	return ready, results
}
