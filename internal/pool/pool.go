// Package pool tracks the RunPod GPU worker fleet and selects a healthy
// ComfyUI endpoint for job submission.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Worker statuses as reported by the control plane.
const (
	StatusRunning  = "RUNNING"
	StatusStarting = "STARTING"
	StatusStopped  = "STOPPED"
	StatusExited   = "EXITED"
	StatusError    = "ERROR"
)

// ErrNoWorker is returned when no healthy running worker is available.
var ErrNoWorker = errors.New("pool: no eligible worker")

// DefaultRefreshInterval is the staleness window between pool refreshes.
const DefaultRefreshInterval = 30 * time.Second

// healthProbeTimeout bounds one /system_stats probe against a worker.
const healthProbeTimeout = 10 * time.Second

// Worker is one GPU worker in the pool. Workers are rebuilt wholesale on
// every refresh; identity across refreshes is by ID only.
type Worker struct {
	ID              string
	Name            string
	Status          string
	GPUType         string
	ComfyURL        string // empty when no public ComfyUI port is mapped
	LastHealthCheck *time.Time
	Healthy         bool
}

// Opts holds parameters for creating a Registry.
type Opts struct {
	APIKey      string
	EndpointID  string
	FallbackURL string // static ComfyUI URL used when no pool is configured

	// Optional overrides, primarily for tests.
	APIBase         string        // control-plane endpoint, default runpod graphql
	ProbeClient     *http.Client  // client for worker health probes
	RefreshInterval time.Duration // default DefaultRefreshInterval
	Now             func() time.Time
}

// Registry caches the worker fleet and its health. Refresh replaces the
// snapshot atomically; the mutex also makes concurrent refreshes
// single-flight within the staleness window.
type Registry struct {
	apiKey      string
	endpointID  string
	fallbackURL string
	apiBase     string

	api             *http.Client // bearer-authenticated control-plane client
	probe           *http.Client
	refreshInterval time.Duration
	now             func() time.Time

	mu          sync.Mutex
	workers     []Worker // listing order preserved for deterministic selection
	lastRefresh time.Time
}

// New creates a Registry. With empty credentials the registry is
// unconfigured: refreshes are no-ops and ComfyURL returns the fallback.
func New(opts Opts) *Registry {
	r := &Registry{
		apiKey:          opts.APIKey,
		endpointID:      opts.EndpointID,
		fallbackURL:     opts.FallbackURL,
		apiBase:         opts.APIBase,
		probe:           opts.ProbeClient,
		refreshInterval: opts.RefreshInterval,
		now:             opts.Now,
	}
	if r.apiBase == "" {
		r.apiBase = defaultAPIBase
	}
	if r.probe == nil {
		r.probe = &http.Client{Timeout: healthProbeTimeout}
	}
	if r.refreshInterval == 0 {
		r.refreshInterval = DefaultRefreshInterval
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.Configured() {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: r.apiKey})
		r.api = oauth2.NewClient(context.Background(), src)
		r.api.Timeout = 30 * time.Second
	}
	return r
}

// Configured reports whether control-plane credentials are present.
func (r *Registry) Configured() bool {
	return r.apiKey != "" && r.endpointID != ""
}

// Refresh fetches the worker list and probes health. Within the staleness
// window it is a no-op unless force is set. An unconfigured registry
// refreshes to an empty pool without any control-plane call. Listing
// failure propagates; probe failures only mark workers unhealthy.
func (r *Registry) Refresh(ctx context.Context, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.Configured() {
		r.workers = nil
		r.lastRefresh = now
		return nil
	}
	if !force && !r.lastRefresh.IsZero() && now.Sub(r.lastRefresh) < r.refreshInterval {
		return nil
	}

	workers, err := r.listWorkers(ctx)
	if err != nil {
		return err
	}

	// Probe all reachable workers concurrently; pool sizes are small
	// enough that no concurrency cap is needed.
	var wg sync.WaitGroup
	for i := range workers {
		if workers[i].ComfyURL == "" {
			continue
		}
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			r.checkHealth(ctx, w)
		}(&workers[i])
	}
	wg.Wait()

	r.workers = workers
	r.lastRefresh = now
	return nil
}

// checkHealth probes one worker's /system_stats endpoint. Any failure is
// recorded as unhealthy, never returned.
func (r *Registry) checkHealth(ctx context.Context, w *Worker) {
	checked := r.now()
	w.LastHealthCheck = &checked

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.ComfyURL+"/system_stats", nil)
	if err != nil {
		w.Healthy = false
		return
	}
	resp, err := r.probe.Do(req)
	if err != nil {
		w.Healthy = false
		return
	}
	defer resp.Body.Close()
	w.Healthy = resp.StatusCode == http.StatusOK
}

// Snapshot returns a copy of the current worker list.
func (r *Registry) Snapshot() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, len(r.workers))
	copy(out, r.workers)
	return out
}

// LastRefresh returns the time of the last successful refresh.
func (r *Registry) LastRefresh() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefresh
}

// RefreshLoop launches a goroutine that force-refreshes the pool on a
// fixed cadence until ctx is cancelled. Refresh failures are reported on
// the returned channel and the loop keeps going; the next generation job
// falls back or fails on its own.
func (r *Registry) RefreshLoop(ctx context.Context, interval time.Duration) <-chan error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx, true); err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			}
		}
	}()

	return errCh
}

// Eligible refreshes the pool (respecting the staleness window) and
// returns the first running, healthy worker with a resolved endpoint, in
// listing order. This is deliberately not load-aware; for the small pools
// this serves, first-eligible is enough, and a round-robin or
// least-loaded policy can replace this method without changing callers.
// Returns ErrNoWorker when no worker qualifies.
func (r *Registry) Eligible(ctx context.Context) (Worker, error) {
	if err := r.Refresh(ctx, false); err != nil {
		return Worker{}, err
	}
	for _, w := range r.Snapshot() {
		if w.Status == StatusRunning && w.Healthy && w.ComfyURL != "" {
			return w, nil
		}
	}
	return Worker{}, ErrNoWorker
}

// ComfyURL resolves the ComfyUI base URL for the next job. Without pool
// credentials the static fallback is returned with no control-plane call;
// with a pool but no eligible worker it also falls back. Control-plane
// failure propagates.
func (r *Registry) ComfyURL(ctx context.Context) (string, error) {
	if !r.Configured() {
		return r.fallbackURL, nil
	}
	w, err := r.Eligible(ctx)
	if errors.Is(err, ErrNoWorker) {
		return r.fallbackURL, nil
	}
	if err != nil {
		return "", fmt.Errorf("pool: resolve comfy url: %w", err)
	}
	return w.ComfyURL, nil
}
