// Package flow 一次访问（visit）的测量流程：按检查清单逐项创建测量会话，
// 成功后由 checklist 路由到下一项，用尽重试后等待用户"重新测量"或"跳过"，空闲超时则回到待机页。
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"wisefido-kiosk/internal/checklist"
	"wisefido-kiosk/internal/clock"
	"wisefido-kiosk/internal/device"
	"wisefido-kiosk/internal/inactivity"
	"wisefido-kiosk/internal/measurement"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VisitState 访问状态
type VisitState string

const (
	VisitIdle        VisitState = "idle"
	VisitRunning     VisitState = "running"
	VisitWaitingUser VisitState = "waiting_user" // 当前项用尽重试
	VisitCompleted   VisitState = "completed"
	VisitAborted     VisitState = "aborted"
)

var (
	ErrNoVisit        = errors.New("no visit in progress")
	ErrVisitActive    = errors.New("a visit is already in progress")
	ErrEmptyChecklist = errors.New("checklist is empty")
	ErrUnknownPath    = errors.New("path is not part of the checklist")
)

// SettingsFunc 测量项的适配器覆盖参数和会话配置
type SettingsFunc func(metric device.Metric) (*measurement.Override, measurement.Config)

// Hook 会话创建后调用（例如把事件接到 publisher），返回的函数在会话释放时调用
type Hook func(s *measurement.Session) func()

// Options Runner 依赖
type Options struct {
	Backend     device.Backend
	Router      *checklist.Router
	Guard       *inactivity.Guard
	Clock       clock.Clock
	Logger      *zap.Logger
	Settings    SettingsFunc
	Hooks       []Hook
	StandbyPath string
}

// Status 当前访问状态
type Status struct {
	VisitID     string                         `json:"visit_id,omitempty"`
	State       VisitState                     `json:"state"`
	Path        string                         `json:"path"`
	Step        string                         `json:"step,omitempty"`
	Checklist   []string                       `json:"checklist,omitempty"`
	Progress    checklist.Progress             `json:"progress"`
	Session     *measurement.Snapshot          `json:"session,omitempty"`
	Results     map[string]measurement.Reading `json:"results,omitempty"`
	Skipped     []string                       `json:"skipped,omitempty"`
	IdleWarning bool                           `json:"idle_warning"`
	AbortReason string                         `json:"abort_reason,omitempty"`
}

// Runner 访问流程。所有会话调用都在 Runner 锁之外进行（会话事件会回调 Runner）。
type Runner struct {
	backend  device.Backend
	router   *checklist.Router
	guard    *inactivity.Guard
	clock    clock.Clock
	logger   *zap.Logger
	settings SettingsFunc
	hooks    []Hook
	standby  string

	mu          sync.Mutex
	ctx         context.Context
	visitID     string
	state       VisitState
	path        string
	steps       []string
	step        string
	session     *measurement.Session
	release     []func()
	results     map[string]measurement.Reading
	skipped     []string
	idleWarning bool
	abortReason string
}

// NewRunner 创建访问流程
func NewRunner(opts Options) *Runner {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Router == nil {
		opts.Router = checklist.NewRouter()
	}
	if opts.Guard == nil {
		opts.Guard = inactivity.NewGuard(opts.Clock, opts.Logger, inactivity.DefaultOptions())
	}
	if opts.Settings == nil {
		opts.Settings = func(device.Metric) (*measurement.Override, measurement.Config) {
			return nil, measurement.DefaultConfig()
		}
	}
	if opts.StandbyPath == "" {
		opts.StandbyPath = "/"
	}

	r := &Runner{
		backend:  opts.Backend,
		router:   opts.Router,
		guard:    opts.Guard,
		clock:    opts.Clock,
		logger:   opts.Logger,
		settings: opts.Settings,
		hooks:    opts.Hooks,
		standby:  opts.StandbyPath,
		state:    VisitIdle,
		path:     opts.StandbyPath,
	}
	r.guard.OnWarning(r.onIdleWarning)
	r.guard.OnFinal(r.onIdleFinal)
	r.guard.SetPath(r.path)
	return r
}

// VisitID 当前访问 ID（没有访问时为空）
func (r *Runner) VisitID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visitID
}

// BeginVisit 开始一次访问并进入清单第一项
func (r *Runner) BeginVisit(ctx context.Context, steps []string) (string, error) {
	list := make([]string, 0, len(steps))
	for _, s := range steps {
		if _, err := device.ParseMetric(s); err != nil {
			return "", fmt.Errorf("invalid checklist: %w", err)
		}
		list = append(list, s)
	}
	if len(list) == 0 {
		return "", ErrEmptyChecklist
	}

	r.mu.Lock()
	if r.state == VisitRunning || r.state == VisitWaitingUser {
		r.mu.Unlock()
		return "", ErrVisitActive
	}
	r.ctx = ctx
	r.visitID = uuid.NewString()
	r.state = VisitRunning
	r.steps = list
	r.step = ""
	r.results = make(map[string]measurement.Reading)
	r.skipped = nil
	r.abortReason = ""
	visitID := r.visitID
	r.mu.Unlock()

	r.logger.Info("Visit started", zap.String("visit_id", visitID), zap.Strings("checklist", list))
	r.guard.RecordActivity()
	r.advance("")
	return visitID, nil
}

// RecordActivity 用户操作（触摸、语音等）
func (r *Runner) RecordActivity() {
	r.mu.Lock()
	r.idleWarning = false
	r.mu.Unlock()
	r.guard.RecordActivity()
}

// MeasureAgain 当前项重新测量（用尽重试或已成功后都可以）
func (r *Runner) MeasureAgain() error {
	r.mu.Lock()
	s, ctx := r.session, r.ctx
	if s == nil {
		r.mu.Unlock()
		return ErrNoVisit
	}
	r.state = VisitRunning
	delete(r.results, r.step)
	r.mu.Unlock()

	r.RecordActivity()
	return s.MeasureAgain(ctx)
}

// Skip 跳过当前项进入下一项
func (r *Runner) Skip() error {
	r.mu.Lock()
	if r.session == nil {
		r.mu.Unlock()
		return ErrNoVisit
	}
	step := r.step
	r.skipped = append(r.skipped, step)
	r.state = VisitRunning
	r.mu.Unlock()

	r.logger.Info("Step skipped", zap.String("step", step))
	r.RecordActivity()
	r.advance(step)
	return nil
}

// Navigate 界面跳转：跳到清单中的某一项，或回到待机页（结束访问）
func (r *Runner) Navigate(path string) error {
	if path == r.standby {
		r.Abort("navigated to standby")
		return nil
	}
	step, ok := r.router.StepFromPath(path)

	r.mu.Lock()
	active := r.state == VisitRunning || r.state == VisitWaitingUser
	inList := ok && contains(r.steps, step)
	r.mu.Unlock()

	if !active || !inList {
		if path == r.router.CompletePath() || !active {
			r.guard.SetPath(path)
			r.mu.Lock()
			r.path = path
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}

	r.RecordActivity()
	r.enterStep(step)
	return nil
}

// Abort 结束当前访问并回到待机页
func (r *Runner) Abort(reason string) {
	r.mu.Lock()
	if r.state != VisitRunning && r.state != VisitWaitingUser {
		r.path = r.standby
		r.mu.Unlock()
		r.guard.SetPath(r.standby)
		return
	}
	s, release := r.detachLocked()
	r.state = VisitAborted
	r.abortReason = reason
	r.path = r.standby
	visitID := r.visitID
	r.mu.Unlock()

	r.teardown(s, release)
	r.guard.SetPath(r.standby)
	r.logger.Info("Visit aborted", zap.String("visit_id", visitID), zap.String("reason", reason))
}

// Close 结束访问并释放空闲计时
func (r *Runner) Close() {
	r.Abort("shutdown")
	r.guard.Close()
}

// Status 当前状态
func (r *Runner) Status() Status {
	r.mu.Lock()
	st := Status{
		VisitID:     r.visitID,
		State:       r.state,
		Path:        r.path,
		Step:        r.step,
		Checklist:   append([]string(nil), r.steps...),
		Progress:    r.router.Progress(r.step, r.steps),
		Skipped:     append([]string(nil), r.skipped...),
		IdleWarning: r.idleWarning,
		AbortReason: r.abortReason,
	}
	if len(r.results) > 0 {
		st.Results = make(map[string]measurement.Reading, len(r.results))
		for k, v := range r.results {
			st.Results[k] = v
		}
	}
	s := r.session
	r.mu.Unlock()

	if s != nil {
		snap := s.Snapshot()
		st.Session = &snap
	}
	return st
}

// advance 离开 from 进入下一项；没有下一项时完成访问
func (r *Runner) advance(from string) {
	r.mu.Lock()
	steps := r.steps
	r.mu.Unlock()

	next, ok := r.router.NextStep(from, steps)
	if !ok {
		r.complete()
		return
	}
	r.enterStep(next)
}

func (r *Runner) enterStep(step string) {
	metric, err := device.ParseMetric(step)
	if err != nil {
		r.logger.Error("Invalid checklist step", zap.String("step", step), zap.Error(err))
		return
	}

	ov, cfg := r.settings(metric)
	adapter, err := measurement.NewAdapter(metric, r.clock, ov)
	if err != nil {
		r.logger.Error("Failed to create adapter", zap.String("step", step), zap.Error(err))
		return
	}
	s := measurement.New(adapter, r.backend,
		measurement.WithClock(r.clock),
		measurement.WithLogger(r.logger),
		measurement.WithConfig(cfg),
	)

	r.mu.Lock()
	old, oldRelease := r.detachLocked()
	r.session = s
	r.step = step
	r.path = r.router.StepPath(step)
	r.state = VisitRunning
	ctx := r.ctx
	path := r.path
	r.mu.Unlock()

	r.teardown(old, oldRelease)

	var release []func()
	for _, h := range r.hooks {
		if fn := h(s); fn != nil {
			release = append(release, fn)
		}
	}
	release = append(release, r.guard.Watch(s))
	release = append(release, s.Subscribe(r.onSessionEvent))

	r.mu.Lock()
	if r.session == s {
		r.release = release
		release = nil
	}
	r.mu.Unlock()
	if release != nil {
		// 注册期间已被替换
		r.teardown(s, release)
		return
	}

	r.guard.SetPath(path)
	r.logger.Info("Step started", zap.String("step", step), zap.String("session_id", s.ID()))
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Start(ctx); err != nil {
		r.logger.Warn("Failed to start session", zap.String("step", step), zap.Error(err))
	}
}

// onSessionEvent 以 final_value（成功时最后一个事件）推进，保证其它订阅方先收到最终读数
func (r *Runner) onSessionEvent(ev measurement.Event) {
	if ev.Type != measurement.EventFinalValue && ev.Type != measurement.EventExhausted {
		return
	}

	r.mu.Lock()
	if r.session == nil || r.session.ID() != ev.SessionID {
		r.mu.Unlock()
		return
	}
	step := r.step

	if ev.Type == measurement.EventExhausted {
		r.state = VisitWaitingUser
		r.mu.Unlock()
		r.logger.Warn("Step needs user action", zap.String("step", step))
		return
	}

	if ev.Reading != nil {
		r.results[step] = *ev.Reading
	}
	r.mu.Unlock()
	r.logger.Info("Step completed", zap.String("step", step))
	r.advance(step)
}

func (r *Runner) complete() {
	r.mu.Lock()
	s, release := r.detachLocked()
	r.state = VisitCompleted
	r.step = ""
	r.path = r.router.CompletePath()
	path, visitID, n := r.path, r.visitID, len(r.results)
	r.mu.Unlock()

	r.teardown(s, release)
	r.guard.SetPath(path)
	r.logger.Info("Visit completed", zap.String("visit_id", visitID), zap.Int("results", n))
}

func (r *Runner) onIdleWarning() {
	r.mu.Lock()
	r.idleWarning = true
	r.mu.Unlock()
	r.logger.Info("Idle warning shown")
}

func (r *Runner) onIdleFinal() {
	r.mu.Lock()
	r.idleWarning = false
	r.mu.Unlock()
	r.Abort("inactivity timeout")
}

func (r *Runner) detachLocked() (*measurement.Session, []func()) {
	s, release := r.session, r.release
	r.session = nil
	r.release = nil
	return s, release
}

// teardown 取消订阅并释放会话（页面卸载）
func (r *Runner) teardown(s *measurement.Session, release []func()) {
	for i := len(release) - 1; i >= 0; i-- {
		release[i]()
	}
	if s != nil {
		s.Close()
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
