package resource

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tessera/internal/config"
	"github.com/roach88/tessera/internal/logging"
)

func testLimits(maxTasks int) Limits {
	return Limits{
		MaxCPUPercent:         80,
		MaxMemoryPercent:      85,
		MaxConcurrentTasks:    maxTasks,
		CriticalCPUPercent:    95,
		CriticalMemoryPercent: 95,
		EmergencyTaskCeiling:  1,
		Window:                2,
	}
}

func newTestManager(t *testing.T, limits Limits) (*Manager, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	m := NewManager(limits, Options{Logger: logging.NewWithWriter(&buf, logging.Options{Level: logging.LevelDebug})})
	return m, &buf
}

func TestAcquirePermit_FourthWaitsForRelease(t *testing.T) {
	m, _ := newTestManager(t, testLimits(3))
	ctx := context.Background()

	for _, ticket := range []string{"T-1", "T-2", "T-3"} {
		require.True(t, m.AcquirePermit(ctx, ticket, time.Millisecond), ticket)
	}

	got := make(chan bool, 1)
	go func() { got <- m.AcquirePermit(ctx, "T-4", 5*time.Second) }()

	require.Eventually(t, func() bool { return slices.Equal(m.Stats().Queued, []string{"T-4"}) },
		time.Second, time.Millisecond)
	select {
	case <-got:
		t.Fatal("fourth task admitted while three are running")
	default:
	}

	m.Release("T-2")
	select {
	case ok := <-got:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("fourth task not admitted after a release")
	}
	assert.Equal(t, []string{"T-1", "T-3", "T-4"}, m.Stats().Running)
}

func TestAcquirePermit_TimeoutReturnsFalse(t *testing.T) {
	m, logs := newTestManager(t, testLimits(1))
	ctx := context.Background()

	require.True(t, m.AcquirePermit(ctx, "T-1", time.Millisecond))
	assert.False(t, m.AcquirePermit(ctx, "T-2", 20*time.Millisecond))

	st := m.Stats()
	assert.Empty(t, st.Queued, "a timed-out waiter leaves the queue")
	assert.Equal(t, uint64(1), st.TimedOut)
	assert.Contains(t, logs.String(), "permit wait timed out")
}

func TestAcquirePermit_ContextCancelled(t *testing.T) {
	m, _ := newTestManager(t, testLimits(1))
	require.True(t, m.AcquirePermit(context.Background(), "T-1", time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, m.AcquirePermit(ctx, "T-2", time.Minute))
}

func TestAcquirePermit_Reentrant(t *testing.T) {
	m, _ := newTestManager(t, testLimits(1))
	ctx := context.Background()
	require.True(t, m.AcquirePermit(ctx, "T-1", time.Millisecond))
	assert.True(t, m.AcquirePermit(ctx, "T-1", time.Millisecond))
	assert.Equal(t, []string{"T-1"}, m.Stats().Running)
}

func TestAcquirePermit_FIFOOrder(t *testing.T) {
	m, _ := newTestManager(t, testLimits(1))
	ctx := context.Background()
	require.True(t, m.AcquirePermit(ctx, "T-0", time.Millisecond))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for _, ticket := range []string{"T-1", "T-2", "T-3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.AcquirePermit(ctx, ticket, 5*time.Second) {
				mu.Lock()
				order = append(order, ticket)
				mu.Unlock()
				m.Release(ticket)
			}
		}()
		// Enqueue in a known order.
		require.Eventually(t, func() bool { return slices.Contains(m.Stats().Queued, ticket) },
			time.Second, time.Millisecond)
	}

	m.Release("T-0")
	wg.Wait()
	assert.Equal(t, []string{"T-1", "T-2", "T-3"}, order)
}

func TestAdmitted_PolledDrain(t *testing.T) {
	m, _ := newTestManager(t, testLimits(3))
	for _, ticket := range []string{"T-1", "T-2", "T-3", "T-4"} {
		m.Submit(ticket)
	}
	m.Submit("T-1")

	assert.Equal(t, []string{"T-1", "T-2", "T-3"}, slices.Collect(m.Admitted()))
	assert.Empty(t, slices.Collect(m.Admitted()), "no capacity until a release")
	assert.Equal(t, []string{"T-4"}, m.Stats().Queued)

	m.Release("T-1")
	assert.Equal(t, []string{"T-4"}, slices.Collect(m.Admitted()))
	assert.Empty(t, m.Stats().Queued)
}

func TestAdmitted_StopsWhenConsumerStops(t *testing.T) {
	m, _ := newTestManager(t, testLimits(3))
	m.Submit("T-1")
	m.Submit("T-2")

	for ticket := range m.Admitted() {
		assert.Equal(t, "T-1", ticket)
		break
	}
	assert.Equal(t, []string{"T-2"}, m.Stats().Queued)
	assert.Equal(t, []string{"T-2"}, slices.Collect(m.Admitted()))
}

func TestWithdraw(t *testing.T) {
	m, _ := newTestManager(t, testLimits(1))
	m.Submit("T-1")
	m.Submit("T-2")

	assert.True(t, m.Withdraw("T-1"))
	assert.False(t, m.Withdraw("T-1"))
	assert.Equal(t, []string{"T-2"}, slices.Collect(m.Admitted()))
}

func TestUtilizationGatesAdmission(t *testing.T) {
	m, _ := newTestManager(t, testLimits(4))
	ctx := context.Background()

	m.Observe(Sample{CPUPercent: 90, MemoryPercent: 10})
	m.Observe(Sample{CPUPercent: 90, MemoryPercent: 10})
	assert.False(t, m.AcquirePermit(ctx, "T-1", 10*time.Millisecond))

	got := make(chan bool, 1)
	go func() { got <- m.AcquirePermit(ctx, "T-2", 5*time.Second) }()
	require.Eventually(t, func() bool { return len(m.Stats().Queued) == 1 }, time.Second, time.Millisecond)

	m.Observe(Sample{CPUPercent: 10, MemoryPercent: 10})
	assert.True(t, <-got)
}

func TestEmergencyThrottle(t *testing.T) {
	m, logs := newTestManager(t, testLimits(3))
	ctx := context.Background()

	require.True(t, m.AcquirePermit(ctx, "T-1", time.Millisecond))
	require.True(t, m.AcquirePermit(ctx, "T-2", time.Millisecond))

	m.Observe(Sample{CPUPercent: 99, MemoryPercent: 10})
	m.Observe(Sample{CPUPercent: 99, MemoryPercent: 10})
	st := m.Stats()
	assert.True(t, st.Emergency)
	assert.Equal(t, 1, st.Ceiling)
	assert.Equal(t, []string{"T-1", "T-2"}, st.Running, "in-flight tasks are not shed")
	assert.Contains(t, logs.String(), "emergency throttle engaged")

	// One low sample brings the two-sample average under the normal ceilings.
	m.Observe(Sample{CPUPercent: 10, MemoryPercent: 10})
	st = m.Stats()
	assert.False(t, st.Emergency)
	assert.Equal(t, 3, st.Ceiling)
	assert.Equal(t, uint64(1), st.EmergencyHits)
	assert.Contains(t, logs.String(), "emergency throttle cleared")

	assert.True(t, m.AcquirePermit(ctx, "T-3", time.Millisecond))
}

func TestEmergencyThrottle_LimitsNewAdmissions(t *testing.T) {
	limits := testLimits(3)
	limits.MaxMemoryPercent = 99
	limits.CriticalMemoryPercent = 90
	m, _ := newTestManager(t, limits)
	ctx := context.Background()

	m.Observe(Sample{CPUPercent: 10, MemoryPercent: 92})
	require.True(t, m.Stats().Emergency)

	assert.True(t, m.AcquirePermit(ctx, "T-1", time.Millisecond))
	assert.False(t, m.AcquirePermit(ctx, "T-2", 10*time.Millisecond))
}

type fakeSampler struct {
	mu      sync.Mutex
	samples []Sample
	err     error
}

func (f *fakeSampler) Sample(context.Context) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Sample{}, f.err
	}
	s := f.samples[0]
	if len(f.samples) > 1 {
		f.samples = f.samples[1:]
	}
	return s, nil
}

func TestRun_SamplesUntilCancelled(t *testing.T) {
	limits := testLimits(2)
	limits.SampleInterval = time.Millisecond
	sampler := &fakeSampler{samples: []Sample{{CPUPercent: 50, MemoryPercent: 40}}}
	m := NewManager(limits, Options{Sampler: sampler, Logger: logging.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Stats().Samples == 2 }, time.Second, time.Millisecond)
	st := m.Stats()
	assert.InDelta(t, 50, st.AvgCPU, 0.001)
	assert.InDelta(t, 40, st.AvgMemory, 0.001)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_LogsSampleErrors(t *testing.T) {
	limits := testLimits(2)
	limits.SampleInterval = time.Millisecond
	var buf bytes.Buffer
	m := NewManager(limits, Options{
		Sampler: &fakeSampler{err: errors.New("no /proc")},
		Logger:  logging.NewWithWriter(&buf, logging.Options{}),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)
	assert.Contains(t, buf.String(), "resource sample failed")
	assert.Zero(t, m.Stats().Samples)
}

func TestLimitsFromConfig(t *testing.T) {
	l := LimitsFromConfig(config.Default().Resources)
	assert.Equal(t, 4, l.MaxConcurrentTasks)
	assert.Equal(t, 80.0, l.MaxCPUPercent)
	assert.Equal(t, 1, l.EmergencyTaskCeiling)
	assert.Equal(t, 10, l.Window)
}

func TestStaticSampler(t *testing.T) {
	s, err := StaticSampler{CPUPercent: 1, MemoryPercent: 2}.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, s.MemoryPercent)
}
