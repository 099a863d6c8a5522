// Package health checks storage backends on a fixed interval, independent
// of request traffic, and reports each result to registered listeners.
package health

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/scrypster/memvault/internal/storage"
)

// Checker is the part of a backend the monitor needs.
type Checker interface {
	Name() string
	HealthCheck(ctx context.Context) storage.HealthStatus
}

// Result is the latest check outcome for one backend.
type Result struct {
	Backend   string        `json:"backend"`
	OK        bool          `json:"ok"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
	Error     string        `json:"error,omitempty"`
}

// Listener receives every check result. The router registers one to feed
// breakers and its health ranking.
type Listener func(Result)

// Config configures the check loop.
type Config struct {
	// Interval between check rounds (default 10s).
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds each individual check (default 2s).
	Timeout time.Duration `yaml:"timeout"`
}

// Monitor runs health checks in the background.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	checkers  []Checker
	listeners []Listener
	results   map[string]Result
	running   bool
	stopCh    chan struct{}
	done      chan struct{}
}

// NewMonitor creates a stopped monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Monitor{
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		results:  make(map[string]Result),
	}
}

// Add registers a backend to check.
func (m *Monitor) Add(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// OnResult registers a listener for check results.
func (m *Monitor) OnResult(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Start runs a first round immediately, then one every interval, until
// Stop is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("health monitor is already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	stopCh, done := m.stopCh, m.done
	m.mu.Unlock()

	log.Printf("health: monitor started: interval=%v, timeout=%v", m.interval, m.timeout)

	go func() {
		defer close(done)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.CheckNow(ctx)
		for {
			select {
			case <-ctx.Done():
				log.Println("health: monitor stopping")
				return
			case <-ticker.C:
				m.CheckNow(ctx)
			}
		}
	}()
	return nil
}

// Stop ends the loop and waits for in-flight checks to return.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("health monitor is not running")
	}
	m.running = false
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	<-done
	return nil
}

// CheckNow checks every backend concurrently and returns the results in
// name order once all checks have finished.
func (m *Monitor) CheckNow(ctx context.Context) []Result {
	m.mu.Lock()
	checkers := append([]Checker(nil), m.checkers...)
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	results := make([]Result, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = m.check(ctx, c)
		}(i, c)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// Checks cut short by shutdown say nothing about the backends.
		return nil
	}

	m.mu.Lock()
	for _, r := range results {
		prev, seen := m.results[r.Backend]
		if seen && prev.OK != r.OK {
			if r.OK {
				log.Printf("health: %s recovered (latency=%v)", r.Backend, r.Latency)
			} else {
				log.Printf("health: %s failing: %s", r.Backend, r.Error)
			}
		}
		m.results[r.Backend] = r
	}
	m.mu.Unlock()

	for _, r := range results {
		for _, l := range listeners {
			l(r)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Backend < results[j].Backend })
	return results
}

func (m *Monitor) check(ctx context.Context, c Checker) Result {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	status := c.HealthCheck(ctx)
	r := Result{
		Backend:   c.Name(),
		OK:        status.OK,
		Latency:   status.Latency,
		CheckedAt: time.Now().UTC(),
	}
	if !status.OK {
		if status.Err != nil {
			r.Error = status.Err.Error()
		} else {
			r.Error = "health check failed"
		}
	}
	return r
}

// Results returns the latest result per backend in name order.
func (m *Monitor) Results() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Result, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}

// Result returns the latest result for one backend.
func (m *Monitor) Result(backend string) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[backend]
	return r, ok
}
