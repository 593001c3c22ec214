package measurement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-kiosk/internal/clock"
	"wisefido-kiosk/internal/device"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend 按脚本返回设备状态；脚本用完后重复最后一个状态
type fakeBackend struct {
	mu         sync.Mutex
	statuses   []device.Status
	last       device.Status
	prepareErr error
	startErr   error
	onStatus   func()

	prepares int
	starts   int
	stops    int
	polls    int
	queries  []map[string]string
}

func (b *fakeBackend) script(statuses ...device.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, statuses...)
}

func (b *fakeBackend) Prepare(ctx context.Context, metric device.Metric) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prepares++
	return b.prepareErr
}

func (b *fakeBackend) Start(ctx context.Context, metric device.Metric, params map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	return b.startErr
}

func (b *fakeBackend) GetStatus(ctx context.Context, metric device.Metric, query map[string]string) (device.Status, error) {
	b.mu.Lock()
	b.polls++
	b.queries = append(b.queries, query)
	st := b.last
	if len(b.statuses) > 0 {
		st = b.statuses[0]
		b.statuses = b.statuses[1:]
		b.last = st
	}
	hook := b.onStatus
	b.mu.Unlock()

	if hook != nil {
		hook()
	}
	return st, nil
}

func (b *fakeBackend) Stop(ctx context.Context, metric device.Metric) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	return nil
}

func (b *fakeBackend) counts() (prepares, starts, stops, polls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prepares, b.starts, b.stops, b.polls
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) states() []State {
	var out []State
	for _, ev := range l.ofType(EventStateChanged) {
		out = append(out, ev.To)
	}
	return out
}

func f64(v float64) *float64 { return &v }

func status(code device.Code) device.Status { return device.Status{Code: code} }

func withValue(code device.Code, v float64) device.Status {
	return device.Status{Code: code, Value: f64(v)}
}

func newTestSession(t *testing.T, kind Kind, cfg Config) (*Session, *fakeBackend, *clock.Fake, *eventLog) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	adapter, err := NewAdapter(kind, clk, nil)
	require.NoError(t, err)
	backend := &fakeBackend{}
	s := New(adapter, backend, WithClock(clk), WithConfig(cfg), WithID("test-session"))
	log := &eventLog{}
	s.Subscribe(log.record)
	return s, backend, clk, log
}

func TestSession_TemperatureSucceeds(t *testing.T) {
	s, backend, clk, log := newTestSession(t, device.MetricTemperature, DefaultConfig())
	backend.script(
		status(device.StatusNoContact),
		status(device.StatusReady),
		device.Status{Code: device.StatusMeasuring, LiveValue: f64(36.5)},
		withValue(device.StatusCompleted, 36.8),
	)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateAwaitingPrecondition, s.State())

	clk.Advance(time.Second)
	assert.Equal(t, StateAwaitingPrecondition, s.State())
	assert.Equal(t, PreconditionNotMet, s.Snapshot().LastError)
	assert.Equal(t, 0, s.Snapshot().RetryCount)

	clk.Advance(time.Second)
	assert.Equal(t, StateMeasuring, s.State())

	clk.Advance(time.Second)
	live := log.ofType(EventLiveValue)
	require.Len(t, live, 1)
	assert.Equal(t, 36.5, live[0].Reading.Value)

	clk.Advance(time.Second)
	snap := s.Snapshot()
	assert.Equal(t, StateSucceeded, snap.State)
	require.NotNil(t, snap.Final)
	assert.Equal(t, 36.8, snap.Final.Value)
	assert.Equal(t, "°C", snap.Final.Unit)
	assert.Equal(t, 0, snap.RetryCount)

	finals := log.ofType(EventFinalValue)
	require.Len(t, finals, 1)
	assert.Equal(t, 36.8, finals[0].Reading.Value)

	_, starts, stops, polls := backend.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	// 成功后轮询已停止
	clk.Advance(10 * time.Second)
	_, _, _, after := backend.counts()
	assert.Equal(t, polls, after)
	assert.Len(t, log.ofType(EventFinalValue), 1)
}

func TestSession_ConsecutiveNoContactSchedulesRetry(t *testing.T) {
	s, backend, clk, log := newTestSession(t, device.MetricTemperature, DefaultConfig())
	backend.script(
		status(device.StatusReady),
		status(device.StatusNoContact),
		status(device.StatusNoContact),
	)

	require.NoError(t, s.Start(context.Background()))
	clk.Advance(time.Second)
	require.Equal(t, StateMeasuring, s.State())

	clk.Advance(time.Second)
	assert.Equal(t, StateMeasuring, s.State(), "a single noisy poll is tolerated")
	assert.Equal(t, 0, s.Snapshot().RetryCount)

	clk.Advance(time.Second)
	snap := s.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, 1, snap.RetryCount)
	assert.Equal(t, 3, snap.MaxRetries)
	assert.Equal(t, TransientReadError, snap.LastError)
	assert.Contains(t, snap.Message, "Retry 1/3")

	retries := log.ofType(EventRetryScheduled)
	require.Len(t, retries, 1)
	assert.Equal(t, int64(2000), retries[0].WaitMs)

	// 冷却结束后恰好重新初始化一次
	prepares, _, _, _ := backend.counts()
	assert.Equal(t, 1, prepares)
	clk.Advance(1999 * time.Millisecond)
	prepares, _, _, _ = backend.counts()
	assert.Equal(t, 1, prepares)
	clk.Advance(time.Millisecond)
	prepares, _, _, _ = backend.counts()
	assert.Equal(t, 2, prepares)
	assert.Equal(t, StateAwaitingPrecondition, s.State())
	assert.Equal(t, 1, s.Snapshot().RetryCount, "retry count survives into the next attempt")
}

func TestSession_ImplausibleReadingIsNotSuccess(t *testing.T) {
	s, backend, clk, log := newTestSession(t, device.MetricTemperature, DefaultConfig())
	backend.script(
		status(device.StatusReady),
		withValue(device.StatusCompleted, 90.0),
	)

	require.NoError(t, s.Start(context.Background()))
	clk.Advance(2 * time.Second)

	snap := s.Snapshot()
	assert.Equal(t, StateMeasuring, snap.State)
	assert.Nil(t, snap.Final)
	assert.Equal(t, OutOfRangeReading, snap.LastError)
	assert.Empty(t, log.ofType(EventFinalValue))

	// 再次不合理 → 判定失败并进入重试
	clk.Advance(time.Second)
	snap = s.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, 1, snap.RetryCount)
	assert.Nil(t, snap.Final)
}

func TestSession_ExhaustsAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	s, backend, clk, log := newTestSession(t, device.MetricBloodPressureImage, cfg)
	backend.prepareErr = errors.New("dial tcp: connection refused")

	require.NoError(t, s.Start(context.Background()))
	snap := s.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, ConnectionError, snap.LastError)
	assert.Equal(t, 1, snap.RetryCount)

	clk.Advance(2 * time.Second)
	snap = s.Snapshot()
	assert.Equal(t, StateExhausted, snap.State)
	assert.Equal(t, RetriesExhausted, snap.LastError)
	assert.Equal(t, 2, snap.RetryCount)
	require.Len(t, log.ofType(EventExhausted), 1)

	// 不再自动重试
	clk.Advance(time.Minute)
	prepares, _, _, _ := backend.counts()
	assert.Equal(t, 2, prepares)
	assert.Equal(t, StateExhausted, s.State())

	// Start 在终态下被拒绝
	assert.ErrorIs(t, s.Start(context.Background()), ErrNotIdle)

	// 用户"重新测量"
	backend.mu.Lock()
	backend.prepareErr = nil
	backend.mu.Unlock()
	require.NoError(t, s.MeasureAgain(context.Background()))
	snap = s.Snapshot()
	assert.Equal(t, StateMeasuring, snap.State)
	assert.Equal(t, 0, snap.RetryCount)
	assert.Equal(t, ErrorNone, snap.LastError)
}

func TestSession_RetryNeverExceedsMax(t *testing.T) {
	for max := 1; max <= 4; max++ {
		cfg := DefaultConfig()
		cfg.MaxRetries = max
		s, backend, clk, log := newTestSession(t, device.MetricWeight, cfg)
		backend.prepareErr = errors.New("unreachable")

		require.NoError(t, s.Start(context.Background()))
		clk.Advance(time.Duration(max+2) * cfg.Cooldown)

		prepares, _, _, _ := backend.counts()
		assert.Equal(t, max, prepares)
		assert.Equal(t, StateExhausted, s.State())
		assert.Equal(t, max, s.Snapshot().RetryCount)
		assert.Len(t, log.ofType(EventRetryScheduled), max-1)
	}
}

func TestSession_TimeoutFailsAttempt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	s, backend, clk, _ := newTestSession(t, device.MetricPulseOx, cfg)
	backend.script(status(device.StatusNoContact))

	require.NoError(t, s.Start(context.Background()))
	clk.Advance(4 * time.Second)
	assert.Equal(t, StateAwaitingPrecondition, s.State())
	assert.Equal(t, 0, s.Snapshot().RetryCount)

	clk.Advance(time.Second)
	snap := s.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, TimeoutExceeded, snap.LastError)
	assert.Equal(t, 5*time.Second, snap.Elapsed)
	assert.Equal(t, 1, snap.RetryCount)
}

func TestSession_MeasuringStatusWhileAwaitingSkipsStart(t *testing.T) {
	s, backend, clk, _ := newTestSession(t, device.MetricWeight, DefaultConfig())
	backend.script(device.Status{Code: device.StatusMeasuring, LiveValue: f64(70.2)})

	require.NoError(t, s.Start(context.Background()))
	clk.Advance(time.Second)

	assert.Equal(t, StateMeasuring, s.State())
	_, starts, _, _ := backend.counts()
	assert.Equal(t, 0, starts)
	require.NotNil(t, s.Snapshot().Live)
	assert.Equal(t, 70.2, s.Snapshot().Live.Value)
}

func TestSession_StopReturnsToIdleAndHaltsPolling(t *testing.T) {
	s, backend, clk, log := newTestSession(t, device.MetricTemperature, DefaultConfig())
	backend.script(status(device.StatusWaiting))

	require.NoError(t, s.Start(context.Background()))
	clk.Advance(2 * time.Second)
	_, _, _, polls := backend.counts()
	require.Equal(t, 2, polls)

	s.Stop()
	s.Stop()
	assert.Equal(t, StateIdle, s.State())
	_, _, stops, _ := backend.counts()
	assert.Equal(t, 1, stops)

	clk.Advance(time.Minute)
	_, _, _, after := backend.counts()
	assert.Equal(t, polls, after)
	assert.Equal(t, []State{StateInitializing, StateAwaitingPrecondition, StateIdle}, log.states())
}

func TestSession_StopDuringCooldownCancelsRetry(t *testing.T) {
	s, backend, clk, _ := newTestSession(t, device.MetricBloodPressureImage, DefaultConfig())
	backend.prepareErr = errors.New("refused")

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateFailed, s.State())

	s.Stop()
	assert.Equal(t, StateIdle, s.State())
	clk.Advance(time.Minute)
	prepares, _, _, _ := backend.counts()
	assert.Equal(t, 1, prepares)
}

func TestSession_DiscardsResponseResolvedAfterStop(t *testing.T) {
	s, backend, clk, log := newTestSession(t, device.MetricBloodPressureImage, DefaultConfig())

	entered := make(chan struct{})
	release := make(chan struct{})
	backend.script(device.Status{Code: device.StatusCompleted, Values: map[string]float64{"systolic": 120, "diastolic": 80}})
	backend.onStatus = func() {
		close(entered)
		<-release
	}

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateMeasuring, s.State())

	done := make(chan struct{})
	go func() {
		clk.Advance(1500 * time.Millisecond)
		close(done)
	}()

	<-entered
	s.Stop()
	backend.mu.Lock()
	backend.onStatus = nil
	backend.mu.Unlock()
	// 新一轮已经开始，上一轮的响应才返回
	require.NoError(t, s.Start(context.Background()))
	close(release)
	<-done

	snap := s.Snapshot()
	assert.Equal(t, StateMeasuring, snap.State)
	assert.Nil(t, snap.Final)
	assert.Empty(t, log.ofType(EventFinalValue))
}

func TestSession_ComplianceClearance(t *testing.T) {
	s, backend, clk, log := newTestSession(t, device.MetricComplianceCheck, DefaultConfig())
	yes, no := true, false
	backend.script(
		device.Status{Code: device.StatusMeasuring, Compliant: &yes},
		device.Status{Code: device.StatusMeasuring, Compliant: &yes},
		device.Status{Code: device.StatusMeasuring, Compliant: &no, Violations: []string{"shoes on"}},
		device.Status{Code: device.StatusMeasuring, Compliant: &yes},
		device.Status{Code: device.StatusMeasuring, Compliant: &yes},
		device.Status{Code: device.StatusMeasuring, Compliant: &yes},
		device.Status{Code: device.StatusMeasuring, Compliant: &yes},
		device.Status{Code: device.StatusMeasuring, Compliant: &yes},
		device.Status{Code: device.StatusMeasuring, Compliant: &yes},
	)

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateMeasuring, s.State())

	clk.Advance(3 * time.Second) // 6 polls at 500ms
	assert.Equal(t, StateMeasuring, s.State())
	stageDone := 0
	for _, ev := range log.ofType(EventPrompt) {
		if ev.Prompt.Kind == PromptStageComplete {
			stageDone++
			assert.Equal(t, "feet", ev.Prompt.Stage)
		}
	}
	assert.Equal(t, 1, stageDone)

	clk.Advance(1500 * time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, StateSucceeded, snap.State)
	require.NotNil(t, snap.Final)
	assert.Equal(t, "feet,body", snap.Final.Labels["stages"])

	backend.mu.Lock()
	queries := backend.queries
	backend.mu.Unlock()
	require.Len(t, queries, 9)
	assert.Equal(t, "feet", queries[0]["stage"])
	assert.Equal(t, "body", queries[6]["stage"])

	var violations int
	for _, ev := range log.ofType(EventPrompt) {
		if ev.Prompt.Kind == PromptViolation {
			violations++
		}
	}
	assert.Equal(t, 1, violations)
}

func TestSession_ListenerMayCallSession(t *testing.T) {
	s, backend, clk, _ := newTestSession(t, device.MetricTemperature, DefaultConfig())
	backend.script(status(device.StatusReady), withValue(device.StatusCompleted, 37.1))

	var seen []State
	s.Subscribe(func(ev Event) {
		if ev.Type == EventStateChanged {
			seen = append(seen, s.State())
		}
	})

	require.NoError(t, s.Start(context.Background()))
	clk.Advance(2 * time.Second)
	assert.Equal(t, StateSucceeded, s.State())
	assert.NotEmpty(t, seen)
}

func TestSession_CloseRejectsStart(t *testing.T) {
	s, _, _, _ := newTestSession(t, device.MetricHeight, DefaultConfig())
	s.Close()
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
}

func TestSession_ContextCancelStopsPolling(t *testing.T) {
	s, backend, clk, _ := newTestSession(t, device.MetricTemperature, DefaultConfig())
	backend.script(status(device.StatusWaiting))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	clk.Advance(time.Second)
	cancel()
	s.Stop()

	_, _, _, polls := backend.counts()
	clk.Advance(5 * time.Second)
	_, _, _, after := backend.counts()
	assert.Equal(t, polls, after)
}

func stageCompletions(log *eventLog) []string {
	var out []string
	for _, ev := range log.ofType(EventPrompt) {
		if ev.Prompt.Kind == PromptStageComplete {
			out = append(out, ev.Prompt.Stage)
		}
	}
	return out
}

// 合规,合规,出错,合规：出错的轮询打断连续计数
func TestSession_ComplianceErrorPollBreaksRun(t *testing.T) {
	s, backend, clk, log := newTestSession(t, device.MetricComplianceCheck, DefaultConfig())
	yes := true
	compliant := device.Status{Code: device.StatusMeasuring, Compliant: &yes}
	backend.script(compliant, compliant, status(device.StatusError), compliant)

	require.NoError(t, s.Start(context.Background()))
	clk.Advance(2 * time.Second) // 4 polls at 500ms
	assert.Equal(t, StateMeasuring, s.State())
	assert.Empty(t, stageCompletions(log))

	clk.Advance(time.Second)
	assert.Equal(t, []string{"feet"}, stageCompletions(log))

	var holdStill int
	for _, ev := range log.ofType(EventPrompt) {
		if ev.Prompt.Kind == PromptHoldStill {
			holdStill++
		}
	}
	assert.Equal(t, 2, holdStill, "the run restarts after the error poll")
}

// 失败重试后，上一轮尝试的合规读数不再计入
func TestSession_ComplianceRetryStartsNewRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	s, backend, clk, log := newTestSession(t, device.MetricComplianceCheck, cfg)
	yes := true
	compliant := device.Status{Code: device.StatusMeasuring, Compliant: &yes}
	backend.script(compliant, compliant, status(device.StatusError), compliant)

	require.NoError(t, s.Start(context.Background()))
	clk.Advance(1500 * time.Millisecond)
	require.Equal(t, StateFailed, s.State())

	clk.Advance(2 * time.Second) // cooldown
	require.Equal(t, StateMeasuring, s.State())
	prepares, _, _, _ := backend.counts()
	require.Equal(t, 2, prepares)

	clk.Advance(500 * time.Millisecond)
	assert.Equal(t, []State{StateInitializing, StateMeasuring, StateFailed, StateInitializing, StateMeasuring}, log.states())
	assert.Empty(t, stageCompletions(log))

	clk.Advance(time.Second)
	assert.Equal(t, []string{"feet"}, stageCompletions(log))
	assert.Equal(t, StateMeasuring, s.State())
}

func TestSession_ComplianceRestartAfterStopStartsNewRun(t *testing.T) {
	s, backend, clk, log := newTestSession(t, device.MetricComplianceCheck, DefaultConfig())
	yes := true
	backend.script(device.Status{Code: device.StatusMeasuring, Compliant: &yes})

	require.NoError(t, s.Start(context.Background()))
	clk.Advance(time.Second)
	s.Stop()
	require.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Start(context.Background()))
	clk.Advance(500 * time.Millisecond)
	assert.Empty(t, stageCompletions(log))

	clk.Advance(time.Second)
	assert.Equal(t, []string{"feet"}, stageCompletions(log))
}
