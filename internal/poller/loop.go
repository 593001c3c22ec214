// Package poller 固定间隔、可取消的状态轮询
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"wisefido-kiosk/internal/clock"

	"go.uber.org/zap"
)

// ErrAlreadyRunning 轮询已在运行
var ErrAlreadyRunning = errors.New("poll loop already running")

// FetchFunc 拉取一次状态；ctx 在 Stop 时被取消
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Loop 固定速率轮询。
//
// 同一时刻最多一个 fetch 在执行：上一个 tick 尚未结束（包括回调）时到期的 tick 直接跳过。
// Stop 之后才返回的结果会被静默丢弃，onResult/onError 都不会被调用。
type Loop[T any] struct {
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	running  bool
	gen      uint64
	interval time.Duration
	fetch    FetchFunc[T]
	onResult func(T)
	onError  func(error)
	timer    clock.Timer
	inFlight bool
	cancel   context.CancelFunc
	ctx      context.Context

	ticks   uint64
	skipped uint64
	stale   uint64
}

// New 创建轮询器
func New[T any](clk clock.Clock, logger *zap.Logger) *Loop[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop[T]{clock: clk, logger: logger}
}

// Start 启动轮询，第一次拉取在 interval 之后
func (l *Loop[T]) Start(ctx context.Context, interval time.Duration, fetch FetchFunc[T], onResult func(T), onError func(error)) error {
	if interval <= 0 {
		return errors.New("poll interval must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return ErrAlreadyRunning
	}

	l.gen++
	l.running = true
	l.inFlight = false
	l.interval = interval
	l.fetch = fetch
	l.onResult = onResult
	l.onError = onError
	l.ctx, l.cancel = context.WithCancel(ctx)

	gen := l.gen
	l.timer = l.clock.AfterFunc(interval, func() { l.tick(gen) })
	return nil
}

// Stop 停止轮询；可重复调用，也可以在 Start 之前调用
func (l *Loop[T]) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}
	l.running = false
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// Running 是否在运行
func (l *Loop[T]) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stats 已执行 tick 数、因上一 tick 未结束而跳过的数量、被丢弃的过期结果数量
func (l *Loop[T]) Stats() (ticks, skipped, stale uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticks, l.skipped, l.stale
}

func (l *Loop[T]) tick(gen uint64) {
	l.mu.Lock()
	if !l.running || gen != l.gen {
		l.mu.Unlock()
		return
	}

	// 固定速率：先排下一次
	l.timer = l.clock.AfterFunc(l.interval, func() { l.tick(gen) })

	if l.inFlight {
		l.skipped++
		l.mu.Unlock()
		l.logger.Debug("Poll tick skipped, previous fetch still in flight")
		return
	}
	l.inFlight = true
	l.ticks++
	ctx, fetch := l.ctx, l.fetch
	onResult, onError := l.onResult, l.onError
	l.mu.Unlock()

	value, err := fetch(ctx)

	l.mu.Lock()
	if !l.running || gen != l.gen {
		l.stale++
		l.mu.Unlock()
		l.logger.Debug("Discarding poll result resolved after stop")
		return
	}
	l.mu.Unlock()

	if err != nil {
		onError(err)
	} else {
		onResult(value)
	}

	l.mu.Lock()
	if gen == l.gen {
		l.inFlight = false
	}
	l.mu.Unlock()
}
