package inactivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"wisefido-kiosk/internal/clock"
	"wisefido-kiosk/internal/device"
	"wisefido-kiosk/internal/measurement"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	mu       sync.Mutex
	warnings int
	finals   int
}

func (c *counter) get() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warnings, c.finals
}

func newTestGuard(opts Options) (*Guard, *clock.Fake, *counter) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	g := NewGuard(clk, nil, opts)
	c := &counter{}
	g.OnWarning(func() { c.mu.Lock(); c.warnings++; c.mu.Unlock() })
	g.OnFinal(func() { c.mu.Lock(); c.finals++; c.mu.Unlock() })
	return g, clk, c
}

func TestGuard_WarningThenFinal(t *testing.T) {
	g, clk, c := newTestGuard(DefaultOptions())
	g.RecordActivity()

	clk.Advance(29 * time.Second)
	w, f := c.get()
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, f)

	clk.Advance(time.Second)
	w, f = c.get()
	assert.Equal(t, 1, w)
	assert.Equal(t, 0, f)

	clk.Advance(30 * time.Second)
	w, f = c.get()
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, f)
	assert.True(t, g.State().Expired)
}

func TestGuard_FinalIsOneShotPerIdlePeriod(t *testing.T) {
	g, clk, c := newTestGuard(DefaultOptions())
	g.RecordActivity()

	clk.Advance(10 * time.Minute)
	_, f := c.get()
	assert.Equal(t, 1, f)
	assert.False(t, g.Armed())

	g.RecordActivity()
	clk.Advance(60 * time.Second)
	w, f := c.get()
	assert.Equal(t, 2, w)
	assert.Equal(t, 2, f)
}

func TestGuard_ActivityResetsBothTimers(t *testing.T) {
	g, clk, c := newTestGuard(DefaultOptions())
	g.RecordActivity()

	for i := 0; i < 5; i++ {
		clk.Advance(25 * time.Second)
		g.RecordActivity()
	}
	w, f := c.get()
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, f)

	clk.Advance(60 * time.Second)
	w, f = c.get()
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, f)
}

func TestGuard_SuspendedNeverFires(t *testing.T) {
	g, clk, c := newTestGuard(Options{Warning: 30 * time.Second, Final: 60 * time.Second, Enabled: true})
	g.RecordActivity()

	clk.Advance(20 * time.Second)
	g.SetSuspended(true)
	assert.False(t, g.Armed())
	assert.Equal(t, 0, clk.Pending(), "pending timers are cancelled, not ignored")

	clk.Advance(10 * time.Second) // t=30s
	clk.Advance(30 * time.Second) // t=60s
	w, f := c.get()
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, f)
}

func TestGuard_ResumeRestartsFromZero(t *testing.T) {
	g, clk, c := newTestGuard(DefaultOptions())
	g.RecordActivity()
	clk.Advance(25 * time.Second)

	g.SetSuspended(true)
	clk.Advance(5 * time.Minute)
	g.SetSuspended(false)

	clk.Advance(29 * time.Second)
	w, _ := c.get()
	assert.Equal(t, 0, w)

	clk.Advance(time.Second)
	w, _ = c.get()
	assert.Equal(t, 1, w)
}

func TestGuard_SetSuspendedIsIdempotent(t *testing.T) {
	g, clk, c := newTestGuard(DefaultOptions())
	g.RecordActivity()
	clk.Advance(20 * time.Second)

	// 未挂起时重复恢复不会重置计时
	g.SetSuspended(false)
	clk.Advance(10 * time.Second)
	w, _ := c.get()
	assert.Equal(t, 1, w)

	g.SetSuspended(true)
	g.SetSuspended(true)
	assert.True(t, g.State().Suspended)
	g.SetSuspended(false)
	assert.False(t, g.State().Suspended)
	assert.True(t, g.Armed())
}

func TestGuard_ExcludedPathIsInert(t *testing.T) {
	opts := DefaultOptions()
	opts.ExcludedPaths = []string{"/standby"}
	g, clk, c := newTestGuard(opts)

	g.SetPath("/standby")
	g.RecordActivity()
	assert.False(t, g.Armed())
	assert.True(t, g.State().Inert)

	clk.Advance(10 * time.Minute)
	w, f := c.get()
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, f)

	g.SetPath("/measure/weight")
	assert.True(t, g.Armed())
	clk.Advance(60 * time.Second)
	_, f = c.get()
	assert.Equal(t, 1, f)
}

func TestGuard_NavigatingToExcludedPathCancels(t *testing.T) {
	opts := DefaultOptions()
	opts.ExcludedPaths = []string{"/"}
	g, clk, c := newTestGuard(opts)

	g.SetPath("/checklist")
	clk.Advance(40 * time.Second)
	w, _ := c.get()
	require.Equal(t, 1, w)

	g.SetPath("/")
	clk.Advance(time.Hour)
	_, f := c.get()
	assert.Equal(t, 0, f)
}

func TestGuard_Disabled(t *testing.T) {
	opts := DefaultOptions()
	opts.Enabled = false
	g, clk, c := newTestGuard(opts)

	g.RecordActivity()
	clk.Advance(time.Hour)
	w, f := c.get()
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, f)

	g.SetEnabled(true)
	clk.Advance(time.Minute)
	_, f = c.get()
	assert.Equal(t, 1, f)
}

func TestGuard_ConfigureTimeouts(t *testing.T) {
	g, clk, c := newTestGuard(DefaultOptions())
	g.RecordActivity()
	clk.Advance(10 * time.Second)

	g.ConfigureTimeouts(5*time.Second, 8*time.Second)
	clk.Advance(5 * time.Second)
	w, f := c.get()
	assert.Equal(t, 1, w)
	assert.Equal(t, 0, f)

	clk.Advance(3 * time.Second)
	_, f = c.get()
	assert.Equal(t, 1, f)
}

func TestGuard_CloseStopsEverything(t *testing.T) {
	g, clk, c := newTestGuard(DefaultOptions())
	g.RecordActivity()
	g.Close()

	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Hour)
	w, f := c.get()
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, f)

	g.RecordActivity()
	assert.False(t, g.Armed())
}

// stubBackend 设备一直处于等待状态
type stubBackend struct{}

func (stubBackend) Prepare(ctx context.Context, m device.Metric) error { return nil }
func (stubBackend) Start(ctx context.Context, m device.Metric, p map[string]any) error {
	return nil
}
func (stubBackend) GetStatus(ctx context.Context, m device.Metric, q map[string]string) (device.Status, error) {
	return device.Status{Code: device.StatusWaiting}, nil
}
func (stubBackend) Stop(ctx context.Context, m device.Metric) error { return nil }

func TestGuard_WatchSuspendsDuringMeasurement(t *testing.T) {
	g, clk, c := newTestGuard(DefaultOptions())
	adapter, err := measurement.NewAdapter(device.MetricWeight, clk, nil)
	require.NoError(t, err)
	s := measurement.New(adapter, stubBackend{}, measurement.WithClock(clk))

	unwatch := g.Watch(s)
	g.RecordActivity()
	assert.False(t, g.State().Suspended)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, measurement.StateAwaitingPrecondition, s.State())
	assert.True(t, g.State().Suspended)

	clk.Advance(50 * time.Second)
	w, f := c.get()
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, f)

	s.Stop()
	assert.False(t, g.State().Suspended)

	clk.Advance(30 * time.Second)
	w, _ = c.get()
	assert.Equal(t, 1, w)

	unwatch()
	s.Close()
}

func TestGuard_UnwatchReleasesSuspension(t *testing.T) {
	g, clk, _ := newTestGuard(DefaultOptions())
	adapter, err := measurement.NewAdapter(device.MetricTemperature, clk, nil)
	require.NoError(t, err)
	s := measurement.New(adapter, stubBackend{}, measurement.WithClock(clk))

	unwatch := g.Watch(s)
	require.NoError(t, s.Start(context.Background()))
	require.True(t, g.State().Suspended)

	unwatch()
	assert.False(t, g.State().Suspended)
	s.Close()
}
