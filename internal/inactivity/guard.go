// Package inactivity 自助终端空闲超时：警告 + 最终超时两级计时，测量进行中自动挂起
package inactivity

import (
	"sync"
	"time"

	"wisefido-kiosk/internal/clock"

	"go.uber.org/zap"
)

const (
	DefaultWarning = 30 * time.Second
	DefaultFinal   = 60 * time.Second

	manualReason = "manual"
)

// Options 空闲计时配置
type Options struct {
	Warning       time.Duration
	Final         time.Duration
	Enabled       bool
	ExcludedPaths []string // 在这些页面上完全不计时（如待机/首页）
}

// DefaultOptions 默认配置
func DefaultOptions() Options {
	return Options{Warning: DefaultWarning, Final: DefaultFinal, Enabled: true}
}

// State 计时器状态快照
type State struct {
	Enabled      bool          `json:"enabled"`
	Suspended    bool          `json:"suspended"`
	Inert        bool          `json:"inert"` // 当前页面被排除
	Path         string        `json:"path"`
	LastActivity time.Time     `json:"last_activity"`
	Warned       bool          `json:"warned"`
	Expired      bool          `json:"expired"`
	Warning      time.Duration `json:"warning"`
	Final        time.Duration `json:"final"`
}

// Guard 空闲计时。
//
// 每次活动同时重置两个计时器；挂起时两个计时器都被取消（不是忽略），
// 恢复时从零重新计时。最终超时在一个空闲周期内只触发一次。
type Guard struct {
	clock  clock.Clock
	logger *zap.Logger

	mu           sync.Mutex
	warning      time.Duration
	final        time.Duration
	enabled      bool
	excluded     map[string]struct{}
	path         string
	reasons      map[string]struct{}
	lastActivity time.Time
	gen          uint64
	warnTimer    clock.Timer
	finalTimer   clock.Timer
	warned       bool
	expired      bool
	closed       bool

	onWarning []func()
	onFinal   []func()
}

// NewGuard 创建空闲计时；需要 SetPath 或 RecordActivity 后才开始计时
func NewGuard(clk clock.Clock, logger *zap.Logger, opts Options) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{
		clock:    clk,
		logger:   logger,
		warning:  opts.Warning,
		final:    opts.Final,
		enabled:  opts.Enabled,
		excluded: make(map[string]struct{}),
		reasons:  make(map[string]struct{}),
	}
	for _, p := range opts.ExcludedPaths {
		g.excluded[p] = struct{}{}
	}
	g.lastActivity = clk.Now()
	return g
}

// OnWarning 注册警告回调
func (g *Guard) OnWarning(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onWarning = append(g.onWarning, fn)
}

// OnFinal 注册最终超时回调
func (g *Guard) OnFinal(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onFinal = append(g.onFinal, fn)
}

// RecordActivity 用户或设备活动：开始新的空闲周期
func (g *Guard) RecordActivity() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastActivity = g.clock.Now()
	g.warned = false
	g.expired = false
	g.rearmLocked()
}

// SetSuspended 手动挂起/恢复；恢复后从零开始计时
func (g *Guard) SetSuspended(suspended bool) {
	g.setReason(manualReason, suspended)
}

// ConfigureTimeouts 修改超时并从当前时刻重新计时
func (g *Guard) ConfigureTimeouts(warning, final time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.warning = warning
	g.final = final
	g.lastActivity = g.clock.Now()
	g.warned = false
	g.expired = false
	g.rearmLocked()
}

// SetEnabled 开关空闲计时
func (g *Guard) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled == enabled {
		return
	}
	g.enabled = enabled
	g.lastActivity = g.clock.Now()
	g.warned = false
	g.expired = false
	g.rearmLocked()
}

// SetPath 当前页面变化（页面切换视为一次活动）
func (g *Guard) SetPath(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.path = path
	g.lastActivity = g.clock.Now()
	g.warned = false
	g.expired = false
	g.rearmLocked()
}

// SetExcludedPaths 替换排除页面集合
func (g *Guard) SetExcludedPaths(paths []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.excluded = make(map[string]struct{}, len(paths))
	for _, p := range paths {
		g.excluded[p] = struct{}{}
	}
	g.rearmLocked()
}

// Close 取消所有计时器，之后不会再触发任何回调
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.gen++
	g.cancelTimersLocked()
	g.onWarning = nil
	g.onFinal = nil
}

// State 当前状态
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, inert := g.excluded[g.path]
	return State{
		Enabled:      g.enabled,
		Suspended:    len(g.reasons) > 0,
		Inert:        inert,
		Path:         g.path,
		LastActivity: g.lastActivity,
		Warned:       g.warned,
		Expired:      g.expired,
		Warning:      g.warning,
		Final:        g.final,
	}
}

// Armed 是否有计时器在运行
func (g *Guard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.warnTimer != nil || g.finalTimer != nil
}

func (g *Guard) setReason(reason string, suspended bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, had := g.reasons[reason]
	if suspended == had {
		return
	}
	wasSuspended := len(g.reasons) > 0
	if suspended {
		g.reasons[reason] = struct{}{}
	} else {
		delete(g.reasons, reason)
	}
	nowSuspended := len(g.reasons) > 0
	if wasSuspended == nowSuspended {
		return
	}

	if nowSuspended {
		g.logger.Debug("Inactivity timer suspended", zap.String("reason", reason))
	} else {
		// 测量期间视为持续活动
		g.lastActivity = g.clock.Now()
		g.warned = false
		g.expired = false
		g.logger.Debug("Inactivity timer resumed", zap.String("reason", reason))
	}
	g.rearmLocked()
}

func (g *Guard) activeLocked() bool {
	if g.closed || !g.enabled || len(g.reasons) > 0 {
		return false
	}
	_, excluded := g.excluded[g.path]
	return !excluded
}

// rearmLocked 取消现有计时器，并在允许时按 lastActivity 重新排程
func (g *Guard) rearmLocked() {
	g.gen++
	g.cancelTimersLocked()
	if !g.activeLocked() {
		return
	}

	gen := g.gen
	idle := g.clock.Now().Sub(g.lastActivity)
	if !g.warned && g.warning > 0 && g.warning < g.final {
		g.warnTimer = g.clock.AfterFunc(remaining(g.warning, idle), func() { g.fire(gen, false) })
	}
	if !g.expired && g.final > 0 {
		g.finalTimer = g.clock.AfterFunc(remaining(g.final, idle), func() { g.fire(gen, true) })
	}
}

func (g *Guard) cancelTimersLocked() {
	if g.warnTimer != nil {
		g.warnTimer.Stop()
		g.warnTimer = nil
	}
	if g.finalTimer != nil {
		g.finalTimer.Stop()
		g.finalTimer = nil
	}
}

func (g *Guard) fire(gen uint64, final bool) {
	g.mu.Lock()
	if gen != g.gen || !g.activeLocked() {
		g.mu.Unlock()
		return
	}
	var callbacks []func()
	if final {
		g.finalTimer = nil
		if g.expired {
			g.mu.Unlock()
			return
		}
		g.expired = true
		callbacks = append(callbacks, g.onFinal...)
		g.logger.Info("Inactivity timeout reached", zap.String("path", g.path))
	} else {
		g.warnTimer = nil
		if g.warned {
			g.mu.Unlock()
			return
		}
		g.warned = true
		callbacks = append(callbacks, g.onWarning...)
		g.logger.Info("Inactivity warning", zap.String("path", g.path))
	}
	g.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func remaining(limit, idle time.Duration) time.Duration {
	if idle >= limit {
		return 0
	}
	return limit - idle
}
