package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the readiness state of one backend.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Probe checks one backend the gateway depends on.
type Probe struct {
	Name     string
	Category string // "stt", "tts", "llm", "db", "vector"
	// Required probes gate readiness; optional ones are only reported.
	Required bool
	Check    func(ctx context.Context) error
}

// Result is the outcome of one probe.
type Result struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   Status `json:"status"`
	Required bool   `json:"required"`
	Error    string `json:"error,omitempty"`
}

// Checker runs every registered probe concurrently.
type Checker struct {
	probes  map[string]Probe
	timeout time.Duration
}

// NewChecker creates a checker. A zero timeout defaults to 3s per probe run.
func NewChecker(timeout time.Duration, probes ...Probe) *Checker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	m := make(map[string]Probe, len(probes))
	for _, p := range probes {
		m[p.Name] = p
	}
	return &Checker{probes: m, timeout: timeout}
}

// Names returns all registered probe names, sorted.
func (c *Checker) Names() []string {
	names := make([]string, 0, len(c.probes))
	for k := range c.probes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Check runs all probes and reports whether every required one passed.
func (c *Checker) Check(ctx context.Context) ([]Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	names := c.Names()
	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			r := Result{Name: p.Name, Category: p.Category, Required: p.Required, Status: StatusHealthy}
			if err := p.Check(ctx); err != nil {
				r.Status = StatusUnhealthy
				r.Error = err.Error()
			}
			results[i] = r
		}(i, c.probes[name])
	}
	wg.Wait()

	ready := true
	for _, r := range results {
		if r.Required && r.Status != StatusHealthy {
			ready = false
		}
	}
	return results, ready
}

// ServeHTTP reports probe results as JSON; 503 when not ready.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	results, ready := c.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{"ready": ready, "services": results})
}

// HTTPCheck returns a probe that expects a 2xx from url.
func HTTPCheck(client *http.Client, url string) func(ctx context.Context) error {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}
