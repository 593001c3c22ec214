package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-kiosk/internal/checklist"
	"wisefido-kiosk/internal/clock"
	"wisefido-kiosk/internal/device"
	"wisefido-kiosk/internal/inactivity"
	"wisefido-kiosk/internal/measurement"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBackend 每个测量项一组脚本状态，用完后重复最后一个
type scriptedBackend struct {
	mu         sync.Mutex
	scripts    map[device.Metric][]device.Status
	last       map[device.Metric]device.Status
	prepareErr map[device.Metric]error
	prepares   map[device.Metric]int
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		scripts:    make(map[device.Metric][]device.Status),
		last:       make(map[device.Metric]device.Status),
		prepareErr: make(map[device.Metric]error),
		prepares:   make(map[device.Metric]int),
	}
}

func (b *scriptedBackend) script(m device.Metric, statuses ...device.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[m] = append(b.scripts[m], statuses...)
}

func (b *scriptedBackend) Prepare(ctx context.Context, m device.Metric) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prepares[m]++
	return b.prepareErr[m]
}

func (b *scriptedBackend) Start(ctx context.Context, m device.Metric, params map[string]any) error {
	return nil
}

func (b *scriptedBackend) GetStatus(ctx context.Context, m device.Metric, q map[string]string) (device.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.last[m]
	if !ok {
		st = device.Status{Code: device.StatusWaiting}
	}
	if s := b.scripts[m]; len(s) > 0 {
		st = s[0]
		b.scripts[m] = s[1:]
		b.last[m] = st
	}
	return st, nil
}

func (b *scriptedBackend) Stop(ctx context.Context, m device.Metric) error { return nil }

func f64(v float64) *float64 { return &v }

func newTestRunner(t *testing.T, backend device.Backend, hooks ...Hook) (*Runner, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	guard := inactivity.NewGuard(clk, nil, inactivity.Options{
		Warning: 30 * time.Second, Final: 60 * time.Second, Enabled: true,
		ExcludedPaths: []string{"/"},
	})
	r := NewRunner(Options{
		Backend: backend,
		Router:  checklist.NewRouter(),
		Guard:   guard,
		Clock:   clk,
		Settings: func(device.Metric) (*measurement.Override, measurement.Config) {
			cfg := measurement.DefaultConfig()
			cfg.MaxRetries = 2
			return nil, cfg
		},
		Hooks:       hooks,
		StandbyPath: "/",
	})
	t.Cleanup(r.Close)
	return r, clk
}

func TestRunner_CompletesChecklist(t *testing.T) {
	backend := newScriptedBackend()
	backend.script(device.MetricWeight,
		device.Status{Code: device.StatusReady},
		device.Status{Code: device.StatusCompleted, Value: f64(70.2)},
	)
	backend.script(device.MetricTemperature,
		device.Status{Code: device.StatusReady},
		device.Status{Code: device.StatusCompleted, Value: f64(36.8)},
	)
	r, clk := newTestRunner(t, backend)

	visitID, err := r.BeginVisit(context.Background(), []string{"weight", "temperature"})
	require.NoError(t, err)
	assert.NotEmpty(t, visitID)

	st := r.Status()
	assert.Equal(t, VisitRunning, st.State)
	assert.Equal(t, "/measure/weight", st.Path)
	assert.Equal(t, checklist.Progress{CurrentStep: 1, TotalSteps: 2, Percentage: 50}, st.Progress)
	require.NotNil(t, st.Session)
	assert.Equal(t, measurement.StateAwaitingPrecondition, st.Session.State)

	clk.Advance(2 * time.Second)
	st = r.Status()
	assert.Equal(t, "temperature", st.Step)
	assert.Equal(t, "/measure/temperature", st.Path)
	assert.Equal(t, 70.2, st.Results["weight"].Value)

	clk.Advance(2 * time.Second)
	st = r.Status()
	assert.Equal(t, VisitCompleted, st.State)
	assert.Equal(t, "/summary", st.Path)
	assert.Nil(t, st.Session)
	assert.Equal(t, 36.8, st.Results["temperature"].Value)
	assert.Equal(t, visitID, st.VisitID)
}

func TestRunner_ExhaustedWaitsForUserThenSkip(t *testing.T) {
	backend := newScriptedBackend()
	backend.prepareErr[device.MetricBloodPressureImage] = errors.New("camera offline")
	backend.script(device.MetricTemperature, device.Status{Code: device.StatusWaiting})
	r, clk := newTestRunner(t, backend)

	_, err := r.BeginVisit(context.Background(), []string{"blood_pressure_image", "temperature"})
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	st := r.Status()
	assert.Equal(t, VisitWaitingUser, st.State)
	require.NotNil(t, st.Session)
	assert.Equal(t, measurement.StateExhausted, st.Session.State)
	assert.Equal(t, measurement.RetriesExhausted, st.Session.LastError)

	require.NoError(t, r.Skip())
	st = r.Status()
	assert.Equal(t, VisitRunning, st.State)
	assert.Equal(t, "temperature", st.Step)
	assert.Equal(t, []string{"blood_pressure_image"}, st.Skipped)
}

func TestRunner_MeasureAgainAfterExhausted(t *testing.T) {
	backend := newScriptedBackend()
	backend.prepareErr[device.MetricBloodPressureImage] = errors.New("camera offline")
	r, clk := newTestRunner(t, backend)

	_, err := r.BeginVisit(context.Background(), []string{"blood_pressure_image"})
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	require.Equal(t, VisitWaitingUser, r.Status().State)

	backend.mu.Lock()
	delete(backend.prepareErr, device.MetricBloodPressureImage)
	backend.mu.Unlock()

	require.NoError(t, r.MeasureAgain())
	st := r.Status()
	assert.Equal(t, VisitRunning, st.State)
	assert.Equal(t, measurement.StateMeasuring, st.Session.State)
	assert.Equal(t, 0, st.Session.RetryCount)
}

func TestRunner_IdleTimeoutAbortsVisit(t *testing.T) {
	backend := newScriptedBackend()
	backend.prepareErr[device.MetricWeight] = errors.New("scale offline")
	r, clk := newTestRunner(t, backend)

	_, err := r.BeginVisit(context.Background(), []string{"weight"})
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	require.Equal(t, VisitWaitingUser, r.Status().State)

	clk.Advance(30 * time.Second)
	assert.True(t, r.Status().IdleWarning)

	clk.Advance(30 * time.Second)
	st := r.Status()
	assert.Equal(t, VisitAborted, st.State)
	assert.Equal(t, "/", st.Path)
	assert.Equal(t, "inactivity timeout", st.AbortReason)
	assert.Nil(t, st.Session)
}

func TestRunner_NoIdleTimeoutWhileMeasuring(t *testing.T) {
	backend := newScriptedBackend()
	backend.script(device.MetricWeight, device.Status{Code: device.StatusNoUser})
	r, clk := newTestRunner(t, backend)

	_, err := r.BeginVisit(context.Background(), []string{"weight"})
	require.NoError(t, err)

	// 等待站上秤 59 秒：会话处于等待前置条件，空闲计时挂起
	clk.Advance(59 * time.Second)
	st := r.Status()
	assert.Equal(t, VisitRunning, st.State)
	assert.False(t, st.IdleWarning)
}

func TestRunner_NavigateBetweenSteps(t *testing.T) {
	backend := newScriptedBackend()
	r, _ := newTestRunner(t, backend)

	_, err := r.BeginVisit(context.Background(), []string{"weight", "height", "temperature"})
	require.NoError(t, err)

	require.NoError(t, r.Navigate("/measure/temperature"))
	st := r.Status()
	assert.Equal(t, "temperature", st.Step)
	assert.Equal(t, 3, st.Progress.CurrentStep)

	assert.ErrorIs(t, r.Navigate("/measure/pulse_ox"), ErrUnknownPath)

	require.NoError(t, r.Navigate("/"))
	st = r.Status()
	assert.Equal(t, VisitAborted, st.State)
	assert.Equal(t, "/", st.Path)
}

func TestRunner_HooksAttachedAndReleased(t *testing.T) {
	backend := newScriptedBackend()
	var mu sync.Mutex
	attached, released := 0, 0
	hook := func(s *measurement.Session) func() {
		mu.Lock()
		attached++
		mu.Unlock()
		return func() {
			mu.Lock()
			released++
			mu.Unlock()
		}
	}
	r, _ := newTestRunner(t, backend, hook)

	_, err := r.BeginVisit(context.Background(), []string{"weight", "height"})
	require.NoError(t, err)
	require.NoError(t, r.Skip())
	require.NoError(t, r.Skip())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attached)
	assert.Equal(t, 2, released)
	assert.Equal(t, VisitCompleted, r.Status().State)
}

func TestRunner_BeginVisitValidation(t *testing.T) {
	r, _ := newTestRunner(t, newScriptedBackend())
	assert.ErrorIs(t, r.Skip(), ErrNoVisit)
	assert.ErrorIs(t, r.MeasureAgain(), ErrNoVisit)

	_, err := r.BeginVisit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyChecklist)

	_, err = r.BeginVisit(context.Background(), []string{"weight", "ecg"})
	assert.Error(t, err)

	_, err = r.BeginVisit(context.Background(), []string{"weight"})
	require.NoError(t, err)
	_, err = r.BeginVisit(context.Background(), []string{"weight"})
	assert.ErrorIs(t, err, ErrVisitActive)
}
