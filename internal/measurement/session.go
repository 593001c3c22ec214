// Package measurement 测量采集会话：一个参数化的状态机引擎 + 各测量项适配器。
//
// 状态流转：
//
//	Idle → Initializing → (AwaitingPrecondition →) Measuring → Succeeded
//	                 ↘ Failed → (冷却) → Initializing …
//	                          ↘ Exhausted（需要用户"重新测量"）
//
// 所有异步边界（prepare/start/status、冷却、超时）都携带一个单调递增的代号（gen），
// 回到会话时与当前代号比较，不一致的结果直接丢弃。
package measurement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wisefido-kiosk/internal/clock"
	"wisefido-kiosk/internal/device"
	"wisefido-kiosk/internal/poller"
	"wisefido-kiosk/internal/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config 会话配置
type Config struct {
	MaxRetries        int           // 自动尝试上限，默认 3
	Cooldown          time.Duration // 失败后等待，默认 2s
	BackoffMultiplier float64       // >1 时指数退避
	MaxCooldown       time.Duration
	FailureThreshold  int           // 连续瞬时错误达到该次数判定失败，默认 2
	Interval          time.Duration // >0 时覆盖 Profile.Interval
	Timeout           time.Duration // >0 时覆盖 Profile.Timeout
	StopTimeout       time.Duration // 调用设备 stop 的超时，默认 3s
}

// DefaultConfig 默认会话配置
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		Cooldown:         2 * time.Second,
		FailureThreshold: 2,
		StopTimeout:      3 * time.Second,
	}
}

// Option 会话选项
type Option func(*Session)

// WithClock 指定时钟（测试用 clock.Fake）
func WithClock(c clock.Clock) Option { return func(s *Session) { s.clock = c } }

// WithLogger 指定日志
func WithLogger(l *zap.Logger) Option { return func(s *Session) { s.logger = l } }

// WithConfig 指定会话配置
func WithConfig(cfg Config) Option { return func(s *Session) { s.cfg = cfg } }

// WithID 指定会话 ID
func WithID(id string) Option { return func(s *Session) { s.id = id } }

// Snapshot 会话当前状态的只读副本
type Snapshot struct {
	ID         string        `json:"id"`
	Metric     Kind          `json:"metric"`
	State      State         `json:"state"`
	Live       *Reading      `json:"live,omitempty"`
	Final      *Reading      `json:"final,omitempty"`
	Progress   *float64      `json:"progress,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Timeout    time.Duration `json:"timeout"`
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	LastError  ErrorKind     `json:"last_error,omitempty"`
	Cause      string        `json:"cause,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// Session 单个测量项的采集会话，归创建它的页面所有
type Session struct {
	id      string
	adapter Adapter
	backend device.Backend
	clock   clock.Clock
	logger  *zap.Logger
	cfg     Config
	policy  *retry.Policy
	notify  *notifier

	mu             sync.Mutex
	state          State
	gen            uint64
	parent         context.Context
	cancelAttempt  context.CancelFunc
	loop           *poller.Loop[device.Status]
	timeoutTimer   clock.Timer
	cooldownTimer  clock.Timer
	armed          bool
	live           *Reading
	final          *Reading
	progress       *float64
	lastErr        ErrorKind
	cause          error
	message        string
	transientCount int
	attemptStart   time.Time
	elapsed        time.Duration
	closed         bool
	effects        []func()
}

// New 创建会话
func New(adapter Adapter, backend device.Backend, opts ...Option) *Session {
	s := &Session{
		adapter: adapter,
		backend: backend,
		cfg:     DefaultConfig(),
		state:   StateIdle,
		notify:  newNotifier(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.cfg.FailureThreshold < 1 {
		s.cfg.FailureThreshold = 1
	}
	if s.cfg.StopTimeout <= 0 {
		s.cfg.StopTimeout = 3 * time.Second
	}
	s.policy = retry.NewPolicy(retry.Config{
		MaxAttempts: s.cfg.MaxRetries,
		Cooldown:    s.cfg.Cooldown,
		Multiplier:  s.cfg.BackoffMultiplier,
		MaxCooldown: s.cfg.MaxCooldown,
	}, s.clock)
	s.logger = s.logger.With(
		zap.String("session_id", s.id),
		zap.String("metric", string(adapter.Kind())),
	)
	return s
}

// ID 会话 ID
func (s *Session) ID() string { return s.id }

// Metric 测量项
func (s *Session) Metric() Kind { return s.adapter.Kind() }

// Subscribe 订阅会话事件，返回取消订阅函数
func (s *Session) Subscribe(l Listener) func() {
	return s.notify.subscribe(l)
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot 返回当前状态副本
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:         s.id,
		Metric:     s.adapter.Kind(),
		State:      s.state,
		Live:       s.live.clone(),
		Final:      s.final.clone(),
		Elapsed:    s.elapsed,
		Timeout:    s.timeout(),
		RetryCount: s.policy.Attempts(),
		MaxRetries: s.policy.MaxAttempts(),
		LastError:  s.lastErr,
		Message:    s.message,
	}
	if s.progress != nil {
		snap.Progress = floatPtr(*s.progress)
	}
	if s.cause != nil {
		snap.Cause = s.cause.Error()
	}
	return snap
}

// Start Idle → Initializing，并调用设备 prepare。
// prepare 在调用方 goroutine 中执行；ctx 传给本会话的所有设备调用。
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotIdle, st)
	}
	s.parent = ctx
	s.mu.Unlock()

	s.logger.Info("Measurement session starting")
	s.beginAttempt()
	return nil
}

// Stop 停止轮询、取消所有定时器并回到 Idle；Succeeded/Exhausted 保持不变。可重复调用。
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopAttemptLocked()
	s.cancelCooldownLocked()
	if !s.state.Terminal() && s.state != StateIdle {
		s.message = "Measurement stopped"
		s.transitionLocked(StateIdle)
	}
	s.unlockAndFlush()
}

// Reset 用户"重新测量"：回到 Idle，清空结果并重置重试计数
func (s *Session) Reset() {
	s.mu.Lock()
	s.stopAttemptLocked()
	s.cancelCooldownLocked()
	s.policy.Reset()
	s.adapter.Reset()
	s.final = nil
	s.live = nil
	s.progress = nil
	s.lastErr = ErrorNone
	s.cause = nil
	s.transientCount = 0
	s.elapsed = 0
	s.message = ""
	if s.state != StateIdle {
		s.transitionLocked(StateIdle)
	}
	s.unlockAndFlush()
}

// MeasureAgain Reset 之后立即 Start
func (s *Session) MeasureAgain(ctx context.Context) error {
	s.Reset()
	return s.Start(ctx)
}

// Close 释放会话：停止一切并清空订阅，之后 Start 返回 ErrClosed
func (s *Session) Close() {
	s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notify.clear()
}

// beginAttempt 开始一次尝试：Initializing + prepare
func (s *Session) beginAttempt() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	parent := s.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancelAttempt = cancel
	s.transientCount = 0
	s.live = nil
	s.progress = nil
	s.elapsed = 0
	s.armed = true
	s.adapter.Interrupt()
	s.policy.RecordAttempt()
	s.message = "Preparing device"
	s.transitionLocked(StateInitializing)
	s.unlockAndFlush()

	err := s.backend.Prepare(ctx, s.adapter.Kind())

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("Discarding stale prepare result")
		return
	}
	if err != nil {
		s.failLocked(ConnectionError, err, "Unable to connect to the device")
		s.unlockAndFlush()
		return
	}

	s.attemptStart = s.clock.Now()
	s.startTimeoutLocked(gen)

	if s.adapter.Profile().RequiresPrecondition {
		s.message = s.adapter.Profile().PreconditionHint
		s.lastErr = PreconditionNotMet
		s.transitionLocked(StateAwaitingPrecondition)
		s.startLoopLocked(ctx, gen)
		s.unlockAndFlush()
		return
	}
	s.unlockAndFlush()

	s.beginAcquisition(ctx, gen, true)
}

// beginAcquisition 发送 start 命令后进入 Measuring；startLoop 为 false 时沿用当前轮询
func (s *Session) beginAcquisition(ctx context.Context, gen uint64, startLoop bool) {
	s.mu.Lock()
	params := s.adapter.StartParams()
	s.mu.Unlock()

	err := s.backend.Start(ctx, s.adapter.Kind(), params)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("Discarding stale start result")
		return
	}
	if err != nil {
		s.failLocked(ConnectionError, err, "Unable to start the measurement")
		s.unlockAndFlush()
		return
	}
	s.lastErr = ErrorNone
	s.message = "Measuring, please stay still"
	s.transitionLocked(StateMeasuring)
	if startLoop {
		s.startLoopLocked(ctx, gen)
	}
	s.unlockAndFlush()
}

func (s *Session) startLoopLocked(ctx context.Context, gen uint64) {
	if s.loop != nil {
		s.loop.Stop()
	}
	s.loop = poller.New[device.Status](s.clock, s.logger)
	fetch := func(ctx context.Context) (device.Status, error) {
		s.mu.Lock()
		query := s.adapter.StatusQuery()
		s.mu.Unlock()
		return s.backend.GetStatus(ctx, s.adapter.Kind(), query)
	}
	onResult := func(st device.Status) { s.handleStatus(ctx, gen, st) }
	onError := func(err error) { s.handlePollError(gen, err) }

	if err := s.loop.Start(ctx, s.interval(), fetch, onResult, onError); err != nil {
		s.logger.Error("Failed to start poll loop", zap.Error(err))
	}
}

func (s *Session) startTimeoutLocked(gen uint64) {
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
	s.timeoutTimer = s.clock.AfterFunc(s.timeout(), func() {
		s.mu.Lock()
		if gen != s.gen || !s.state.Polling() {
			s.mu.Unlock()
			return
		}
		s.elapsed = s.clock.Now().Sub(s.attemptStart)
		s.failLocked(TimeoutExceeded, nil, "Measurement took too long")
		s.unlockAndFlush()
	})
}

// handleStatus 处理一次轮询结果（单一转换入口）
func (s *Session) handleStatus(ctx context.Context, gen uint64, st device.Status) {
	s.mu.Lock()
	if gen != s.gen || !s.state.Polling() {
		s.mu.Unlock()
		return
	}
	s.elapsed = s.clock.Now().Sub(s.attemptStart)
	phase := s.state
	v := s.adapter.Interpret(phase, st)

	for i := range v.Prompts {
		p := v.Prompts[i]
		s.emitLocked(Event{Type: EventPrompt, Prompt: &p, Message: p.Text})
	}
	if v.Progress != nil {
		s.progress = floatPtr(*v.Progress)
	}

	switch v.Outcome {
	case OutcomeWaiting:
		s.transientCount = 0
		s.lastErr = PreconditionNotMet
		s.setMessageLocked(v.Message)
		s.unlockAndFlush()

	case OutcomeReady:
		s.transientCount = 0
		if phase != StateAwaitingPrecondition {
			s.setMessageLocked(v.Message)
			s.unlockAndFlush()
			return
		}
		s.logger.Info("Precondition met, starting acquisition")
		s.unlockAndFlush()
		s.beginAcquisition(ctx, gen, false)

	case OutcomeProgress:
		s.transientCount = 0
		if phase == StateAwaitingPrecondition {
			// 设备已自行开始采集
			s.lastErr = ErrorNone
			s.transitionLocked(StateMeasuring)
		}
		if v.Live != nil {
			s.live = v.Live
			s.emitLocked(Event{Type: EventLiveValue, Reading: v.Live.clone(), Progress: s.progress})
		}
		s.setMessageLocked(v.Message)
		s.unlockAndFlush()

	case OutcomeCompleted:
		s.succeedLocked(v.Reading, v.Message)
		s.unlockAndFlush()

	case OutcomeTransient:
		s.transientLocked(v.ErrKind, v.Message, nil)
		s.unlockAndFlush()

	default:
		s.unlockAndFlush()
	}
}

func (s *Session) handlePollError(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || !s.state.Polling() {
		s.mu.Unlock()
		return
	}
	s.elapsed = s.clock.Now().Sub(s.attemptStart)
	s.logger.Warn("Status poll failed", zap.Error(err))
	s.adapter.Interrupt()
	s.transientLocked(TransientReadError, "Lost connection to the device, retrying", err)
	s.unlockAndFlush()
}

func (s *Session) transientLocked(kind ErrorKind, msg string, cause error) {
	if kind == ErrorNone {
		kind = TransientReadError
	}
	s.transientCount++
	s.lastErr = kind
	s.cause = cause
	s.logger.Debug("Transient measurement error",
		zap.String("error_kind", string(kind)),
		zap.Int("consecutive", s.transientCount),
	)
	if s.transientCount >= s.cfg.FailureThreshold {
		s.failLocked(kind, cause, msg)
		return
	}
	s.setMessageLocked(msg)
}

// failLocked → Failed，然后由 RetryPolicy 决定冷却后重试还是 Exhausted
func (s *Session) failLocked(kind ErrorKind, cause error, msg string) {
	s.stopAttemptLocked()
	s.lastErr = kind
	s.cause = newError(kind, s.adapter.Kind(), cause)
	s.transientCount = 0
	s.message = msg
	s.transitionLocked(StateFailed)

	d := s.policy.RecordFailure()
	attempts, max := s.policy.Attempts(), s.policy.MaxAttempts()

	if d.Retry {
		s.message = fmt.Sprintf("%s. Retry %d/%d", msg, attempts, max)
		s.logger.Warn("Measurement attempt failed, retry scheduled",
			zap.String("error_kind", string(kind)),
			zap.Int("retry_count", attempts),
			zap.Int("max_retries", max),
			zap.Duration("cooldown", d.Wait),
		)
		s.emitLocked(Event{Type: EventRetryScheduled, ErrorKind: kind, Message: s.message, WaitMs: d.Wait.Milliseconds()})

		gen := s.gen
		s.cooldownTimer = s.clock.AfterFunc(d.Wait, func() {
			s.mu.Lock()
			if gen != s.gen || s.state != StateFailed || s.closed {
				s.mu.Unlock()
				return
			}
			s.cooldownTimer = nil
			s.mu.Unlock()
			s.beginAttempt()
		})
		return
	}

	s.lastErr = RetriesExhausted
	s.cause = newError(RetriesExhausted, s.adapter.Kind(), s.cause)
	s.message = fmt.Sprintf("%s. Measurement failed after %d attempts, tap to measure again", msg, attempts)
	s.logger.Error("Measurement retries exhausted",
		zap.String("error_kind", string(kind)),
		zap.Int("retry_count", attempts),
	)
	s.transitionLocked(StateExhausted)
	s.emitLocked(Event{Type: EventExhausted, ErrorKind: RetriesExhausted, Message: s.message})
}

func (s *Session) succeedLocked(r *Reading, msg string) {
	s.stopAttemptLocked()
	s.final = r.clone()
	s.live = nil
	s.transientCount = 0
	s.lastErr = ErrorNone
	s.cause = nil
	s.message = messageOr(msg, "Measurement complete")
	s.logger.Info("Measurement succeeded",
		zap.Float64("value", r.Value),
		zap.Duration("elapsed", s.elapsed),
	)
	s.transitionLocked(StateSucceeded)
	s.emitLocked(Event{Type: EventFinalValue, Reading: s.final.clone(), Message: s.message})
	// 事件中保留本次成功之前的重试次数
	s.policy.Reset()
}

// stopAttemptLocked 作废当前代号并释放本次尝试持有的一切（轮询、超时、ctx、设备）
func (s *Session) stopAttemptLocked() {
	s.gen++
	if s.loop != nil {
		s.loop.Stop()
		s.loop = nil
	}
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
		s.timeoutTimer = nil
	}
	if s.cancelAttempt != nil {
		s.cancelAttempt()
		s.cancelAttempt = nil
	}
	if s.armed {
		s.armed = false
		metric := s.adapter.Kind()
		s.effects = append(s.effects, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
			defer cancel()
			if err := s.backend.Stop(ctx, metric); err != nil {
				s.logger.Warn("Failed to stop device", zap.Error(err))
			}
		})
	}
}

func (s *Session) cancelCooldownLocked() {
	if s.cooldownTimer != nil {
		s.cooldownTimer.Stop()
		s.cooldownTimer = nil
	}
}

func (s *Session) transitionLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debug("Measurement state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	s.emitLocked(Event{Type: EventStateChanged, From: from, To: to, Message: s.message, ErrorKind: s.lastErr})
}

func (s *Session) setMessageLocked(msg string) {
	if msg == "" || msg == s.message {
		return
	}
	s.message = msg
	s.emitLocked(Event{Type: EventStatusMessage, Message: msg, ErrorKind: s.lastErr})
}

func (s *Session) emitLocked(ev Event) {
	ev.SessionID = s.id
	ev.Metric = s.adapter.Kind()
	ev.RetryCount = s.policy.Attempts()
	ev.MaxRetries = s.policy.MaxAttempts()
	ev.At = s.clock.Now()
	s.notify.push(ev)
}

// unlockAndFlush 释放锁后执行副作用并派发事件
func (s *Session) unlockAndFlush() {
	effects := s.effects
	s.effects = nil
	s.mu.Unlock()

	for _, fn := range effects {
		fn()
	}
	s.notify.flush()
}

func (s *Session) interval() time.Duration {
	if s.cfg.Interval > 0 {
		return s.cfg.Interval
	}
	return s.adapter.Profile().Interval
}

func (s *Session) timeout() time.Duration {
	if s.cfg.Timeout > 0 {
		return s.cfg.Timeout
	}
	return s.adapter.Profile().Timeout
}
