// Package resource admits task starts against host utilization and a
// concurrent-task ceiling.
//
// A permit is granted immediately when the rolling CPU and memory averages
// and the running-task count are all under their ceilings. Otherwise the
// request joins a single FIFO queue. Blocking callers (AcquirePermit) wait on
// the queue; the orchestrator instead enqueues with Submit and drains
// admissible entries once per scheduling tick through Admitted.
//
// When either average reaches its critical threshold the manager enters
// emergency throttle and the effective ceiling drops to
// EmergencyTaskCeiling. Running tasks are never preempted; the ceiling only
// gates new admissions. Throttle clears once both averages fall back under
// the normal ceilings.
package resource

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/tessera/internal/config"
)

// Limits are the admission ceilings.
type Limits struct {
	MaxCPUPercent         float64
	MaxMemoryPercent      float64
	MaxConcurrentTasks    int
	CriticalCPUPercent    float64
	CriticalMemoryPercent float64
	EmergencyTaskCeiling  int
	// Window is the number of samples averaged.
	Window int
	// SampleInterval is the period of Run's sampling loop.
	SampleInterval time.Duration
}

// LimitsFromConfig converts the resources config section.
func LimitsFromConfig(c config.ResourceConfig) Limits {
	return Limits{
		MaxCPUPercent:         c.MaxCPUPercent,
		MaxMemoryPercent:      c.MaxMemoryPercent,
		MaxConcurrentTasks:    c.MaxConcurrentTasks,
		CriticalCPUPercent:    c.CriticalCPUPercent,
		CriticalMemoryPercent: c.CriticalMemoryPercent,
		EmergencyTaskCeiling:  c.EmergencyTaskCeiling,
		Window:                c.Window,
		SampleInterval:        c.SampleInterval,
	}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Running       []string `json:"running"`
	Queued        []string `json:"queued"`
	Ceiling       int      `json:"ceiling"`
	Emergency     bool     `json:"emergency"`
	AvgCPU        float64  `json:"avg_cpu_percent"`
	AvgMemory     float64  `json:"avg_memory_percent"`
	Samples       int      `json:"samples"`
	Admitted      uint64   `json:"admitted_total"`
	TimedOut      uint64   `json:"timed_out_total"`
	EmergencyHits uint64   `json:"emergency_total"`
}

// waiter is one queued permit request. Blocking waiters have a ready
// channel closed on grant; polled waiters are handed out by Admitted.
type waiter struct {
	ticket  string
	ready   chan struct{}
	granted bool
}

func (w *waiter) blocking() bool { return w.ready != nil }

// Options configure a Manager.
type Options struct {
	Sampler Sampler
	Logger  *slog.Logger
}

// Manager grants task-start permits.
//
// Thread-safety: All methods are safe for concurrent use.
type Manager struct {
	limits  Limits
	sampler Sampler
	logger  *slog.Logger

	mu        sync.Mutex
	window    []Sample
	next      int
	running   map[string]struct{}
	queue     []*waiter
	emergency bool

	admitted      uint64
	timedOut      uint64
	emergencyHits uint64
}

// NewManager creates a manager with no samples: until the first Observe,
// only the task ceiling gates admission.
func NewManager(limits Limits, opts Options) *Manager {
	if limits.Window <= 0 {
		limits.Window = 1
	}
	if limits.MaxConcurrentTasks <= 0 {
		limits.MaxConcurrentTasks = 1
	}
	if limits.EmergencyTaskCeiling <= 0 || limits.EmergencyTaskCeiling > limits.MaxConcurrentTasks {
		limits.EmergencyTaskCeiling = min(1, limits.MaxConcurrentTasks)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		limits:  limits,
		sampler: opts.Sampler,
		logger:  opts.Logger,
		window:  make([]Sample, 0, limits.Window),
		running: make(map[string]struct{}),
	}
}

// Limits returns the configured ceilings.
func (m *Manager) Limits() Limits { return m.limits }

// Run samples the host every SampleInterval until ctx is done. Sampling
// errors are logged and skipped.
func (m *Manager) Run(ctx context.Context) error {
	if m.sampler == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	interval := m.limits.SampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if s, err := m.sampler.Sample(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("resource sample failed", "error", err)
		} else {
			m.Observe(s)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Observe adds a sample to the rolling window, updates the throttle state
// and grants any blocking waiters that became admissible.
func (m *Manager) Observe(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.window) < m.limits.Window {
		m.window = append(m.window, s)
	} else {
		m.window[m.next] = s
	}
	m.next = (m.next + 1) % m.limits.Window

	cpu, memory := m.averagesLocked()
	switch {
	case !m.emergency && (atOrAbove(cpu, m.limits.CriticalCPUPercent) || atOrAbove(memory, m.limits.CriticalMemoryPercent)):
		m.emergency = true
		m.emergencyHits++
		m.logger.Warn("emergency throttle engaged",
			"avg_cpu_percent", cpu,
			"avg_memory_percent", memory,
			"ceiling", m.limits.EmergencyTaskCeiling,
			"running", len(m.running),
		)
	case m.emergency && under(cpu, m.limits.MaxCPUPercent) && under(memory, m.limits.MaxMemoryPercent):
		m.emergency = false
		m.logger.Info("emergency throttle cleared",
			"avg_cpu_percent", cpu,
			"avg_memory_percent", memory,
			"ceiling", m.limits.MaxConcurrentTasks,
		)
	}
	m.dispatchLocked()
}

func (m *Manager) averagesLocked() (cpu, memory float64) {
	if len(m.window) == 0 {
		return 0, 0
	}
	for _, s := range m.window {
		cpu += s.CPUPercent
		memory += s.MemoryPercent
	}
	n := float64(len(m.window))
	return cpu / n, memory / n
}

func (m *Manager) ceilingLocked() int {
	if m.emergency {
		return m.limits.EmergencyTaskCeiling
	}
	return m.limits.MaxConcurrentTasks
}

func (m *Manager) admissibleLocked() bool {
	if len(m.running) >= m.ceilingLocked() {
		return false
	}
	cpu, memory := m.averagesLocked()
	return under(cpu, m.limits.MaxCPUPercent) && under(memory, m.limits.MaxMemoryPercent)
}

// A zero percentage limit is unset.
func under(v, limit float64) bool     { return limit <= 0 || v < limit }
func atOrAbove(v, limit float64) bool { return limit > 0 && v >= limit }

func (m *Manager) grantLocked(ticket string) {
	m.running[ticket] = struct{}{}
	m.admitted++
}

// dispatchLocked grants blocking waiters at the head of the queue while
// capacity allows. A polled waiter at the head stops dispatch: it keeps
// its place until the next Admitted drain.
func (m *Manager) dispatchLocked() {
	for len(m.queue) > 0 && m.admissibleLocked() {
		w := m.queue[0]
		if !w.blocking() {
			return
		}
		m.popLocked()
		w.granted = true
		m.grantLocked(w.ticket)
		close(w.ready)
	}
}

func (m *Manager) popLocked() {
	m.queue[0] = nil
	m.queue = m.queue[1:]
	if len(m.queue) == 0 {
		m.queue = nil
	}
}

func (m *Manager) removeLocked(w *waiter) bool {
	for i, q := range m.queue {
		if q == w {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) queuedLocked(ticket string) bool {
	for _, w := range m.queue {
		if w.ticket == ticket {
			return true
		}
	}
	return false
}

// AcquirePermit grants ticket a permit, waiting in FIFO order for up to
// timeout. It returns false on timeout or when ctx ends first; it never
// returns an error. A ticket that already holds a permit gets true.
func (m *Manager) AcquirePermit(ctx context.Context, ticket string, timeout time.Duration) bool {
	m.mu.Lock()
	if _, ok := m.running[ticket]; ok {
		m.mu.Unlock()
		return true
	}
	if len(m.queue) == 0 && m.admissibleLocked() {
		m.grantLocked(ticket)
		m.mu.Unlock()
		return true
	}
	w := &waiter{ticket: ticket, ready: make(chan struct{})}
	m.queue = append(m.queue, w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w.granted {
		return true
	}
	m.removeLocked(w)
	m.timedOut++
	m.logger.Debug("permit wait timed out", "ticket", ticket, "timeout", timeout)
	// The head may have been this waiter; let the next one through.
	m.dispatchLocked()
	return false
}

// Submit enqueues ticket for polled admission. Submitting a ticket that is
// already queued or running is a no-op.
func (m *Manager) Submit(ticket string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[ticket]; ok || m.queuedLocked(ticket) {
		return
	}
	m.queue = append(m.queue, &waiter{ticket: ticket})
}

// Admitted drains the queue head while it is admissible, yielding each
// polled ticket as its permit is granted. It stops at the first entry that
// cannot be admitted, so each call is finite; calling it again on the next
// tick resumes from the same queue.
func (m *Manager) Admitted() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			m.mu.Lock()
			m.dispatchLocked()
			if len(m.queue) == 0 || !m.admissibleLocked() {
				m.mu.Unlock()
				return
			}
			w := m.queue[0]
			m.popLocked()
			m.grantLocked(w.ticket)
			m.mu.Unlock()

			if !yield(w.ticket) {
				return
			}
		}
	}
}

// Withdraw removes a polled ticket from the queue. It reports whether the
// ticket was queued.
func (m *Manager) Withdraw(ticket string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.queue {
		if w.ticket == ticket && !w.blocking() {
			m.removeLocked(w)
			m.dispatchLocked()
			return true
		}
	}
	return false
}

// Release returns ticket's permit and admits blocking waiters that now
// fit. Releasing a ticket without a permit is a no-op.
func (m *Manager) Release(ticket string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[ticket]; !ok {
		return
	}
	delete(m.running, ticket)
	m.dispatchLocked()
}

// Stats returns a snapshot of the manager's state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	cpu, memory := m.averagesLocked()
	s := Stats{
		Ceiling:       m.ceilingLocked(),
		Emergency:     m.emergency,
		AvgCPU:        cpu,
		AvgMemory:     memory,
		Samples:       len(m.window),
		Admitted:      m.admitted,
		TimedOut:      m.timedOut,
		EmergencyHits: m.emergencyHits,
		Running:       make([]string, 0, len(m.running)),
		Queued:        make([]string, 0, len(m.queue)),
	}
	for t := range m.running {
		s.Running = append(s.Running, t)
	}
	slices.Sort(s.Running)
	for _, w := range m.queue {
		s.Queued = append(s.Queued, w.ticket)
	}
	return s
}
