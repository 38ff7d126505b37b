// Package health tracks upstream provider availability with periodic probes
// and a hysteresis state machine, so a single flaky probe never flips routing
// decisions.
package health

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Status is the health state of one provider.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Probe performs one lightweight upstream call for the named provider. A nil
// error means the provider answered.
type Probe func(ctx context.Context, provider string) error

// Config tunes the monitor.
type Config struct {
	Probe Probe
	// Interval between probes per provider.
	Interval time.Duration
	// Timeout for a single probe call.
	Timeout time.Duration
	// SlowThreshold marks a successful probe as degraded when exceeded.
	SlowThreshold time.Duration
	// Flips require this many consecutive agreeing outcomes.
	FlipThreshold int
	// WindowSize bounds the rolling sample window per provider.
	WindowSize int
	Logger     *log.Logger
	// OnChange is invoked after a status flip, outside the monitor lock.
	OnChange func(provider string, status Status)
}

type sample struct {
	ok      bool
	latency time.Duration
	at      time.Time
}

type providerState struct {
	status       Status
	pending      Status
	pendingCount int
	window       []sample
	lastChecked  time.Time
}

// Monitor holds per-provider health state. Probe loops run on independent
// tickers and only ever update state; request-serving paths read it through
// IsUsable and Snapshot.
type Monitor struct {
	mu        sync.RWMutex
	providers map[string]*providerState

	probe         Probe
	interval      time.Duration
	timeout       time.Duration
	slowThreshold time.Duration
	flipThreshold int
	windowSize    int
	logger        *log.Logger
	onChange      func(string, Status)

	wg sync.WaitGroup
}

// New builds a Monitor. Zero durations and counts get workable defaults.
func New(cfg Config) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.SlowThreshold == 0 {
		cfg.SlowThreshold = 2 * time.Second
	}
	if cfg.FlipThreshold <= 0 {
		cfg.FlipThreshold = 3
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		providers:     make(map[string]*providerState),
		probe:         cfg.Probe,
		interval:      cfg.Interval,
		timeout:       cfg.Timeout,
		slowThreshold: cfg.SlowThreshold,
		flipThreshold: cfg.FlipThreshold,
		windowSize:    cfg.WindowSize,
		logger:        logger,
		onChange:      cfg.OnChange,
	}
}

// Register adds a provider in the unknown state. Registering twice is a no-op.
func (m *Monitor) Register(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[provider]; !ok {
		m.providers[provider] = &providerState{status: StatusUnknown}
	}
}

// Start launches one probe loop per registered provider. The loops stop when
// ctx is cancelled; Wait blocks until they have all returned.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.wg.Add(1)
		go m.loop(ctx, name)
	}
}

// Wait blocks until all probe loops have stopped.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) loop(ctx context.Context, provider string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx, provider)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx, provider)
		}
	}
}

// Check runs one probe for provider and folds the outcome into its state.
// Probe errors never propagate to callers.
func (m *Monitor) Check(ctx context.Context, provider string) {
	if m.probe == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := m.probe(probeCtx, provider)
	latency := time.Since(start)

	outcome := StatusHealthy
	switch {
	case err != nil:
		outcome = StatusDown
	case latency > m.slowThreshold:
		outcome = StatusDegraded
	}
	m.record(provider, outcome, sample{ok: err == nil, latency: latency, at: time.Now()})
}

func (m *Monitor) record(provider string, outcome Status, s sample) {
	m.mu.Lock()
	st, ok := m.providers[provider]
	if !ok {
		st = &providerState{status: StatusUnknown}
		m.providers[provider] = st
	}
	st.lastChecked = s.at
	st.window = append(st.window, s)
	if len(st.window) > m.windowSize {
		st.window = st.window[len(st.window)-m.windowSize:]
	}

	flipped := false
	switch {
	case st.status == StatusUnknown:
		// First observation sets the baseline without hysteresis.
		st.status = outcome
		st.pendingCount = 0
		flipped = true
	case outcome == st.status:
		st.pendingCount = 0
	case outcome == st.pending:
		st.pendingCount++
		if st.pendingCount >= m.flipThreshold {
			st.status = outcome
			st.pendingCount = 0
			flipped = true
		}
	default:
		st.pending = outcome
		st.pendingCount = 1
	}
	status := st.status
	m.mu.Unlock()

	if flipped {
		m.logger.Printf("[health] provider=%s status=%s", provider, status)
		if m.onChange != nil {
			m.onChange(provider, status)
		}
	}
}

// IsUsable reports whether provider may receive traffic. Only a confirmed
// down state removes a provider; unknown providers are given the benefit of
// the doubt.
func (m *Monitor) IsUsable(provider string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.providers[provider]
	if !ok {
		return true
	}
	return st.status != StatusDown
}

// StatusOf returns the current status of provider.
func (m *Monitor) StatusOf(provider string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.providers[provider]
	if !ok {
		return StatusUnknown
	}
	return st.status
}

// ProviderHealth is the reporting view of one provider.
type ProviderHealth struct {
	Provider    string        `json:"provider"`
	Status      Status        `json:"status"`
	AvgLatency  time.Duration `json:"avg_latency_ms"`
	ErrorRate   float64       `json:"error_rate"`
	SampleCount int           `json:"sample_count"`
	LastChecked time.Time     `json:"last_checked"`
}

// Snapshot returns the current state of every registered provider.
func (m *Monitor) Snapshot() []ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProviderHealth, 0, len(m.providers))
	for name, st := range m.providers {
		ph := ProviderHealth{
			Provider:    name,
			Status:      st.status,
			SampleCount: len(st.window),
			LastChecked: st.lastChecked,
		}
		if n := len(st.window); n > 0 {
			var total time.Duration
			failures := 0
			for _, s := range st.window {
				total += s.latency
				if !s.ok {
					failures++
				}
			}
			ph.AvgLatency = total / time.Duration(n)
			ph.ErrorRate = float64(failures) / float64(n)
		}
		out = append(out, ph)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
