// Package publisher 把测量会话事件异步分发到 Redis Stream、实时读数缓存和数据库
package publisher

import (
	"context"
	"sync"

	"wisefido-kiosk/internal/measurement"

	"go.uber.org/zap"
)

// Sink 事件接收方
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev measurement.Event) error
}

// Dispatcher 会话监听器只负责入队，由 Run 的 goroutine 依次交给各个 Sink，
// 这样 Redis/数据库的延迟不会拖慢会话自身的轮询回调。
type Dispatcher struct {
	sinks  []Sink
	queue  chan measurement.Event
	logger *zap.Logger

	mu      sync.Mutex
	dropped uint64
}

// NewDispatcher 创建分发器；bufferSize 为队列长度，队列满时丢弃新事件
func NewDispatcher(logger *zap.Logger, bufferSize int, sinks ...Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sinks:  sinks,
		queue:  make(chan measurement.Event, bufferSize),
		logger: logger,
	}
}

// Attach 订阅会话事件，返回取消订阅函数
func (d *Dispatcher) Attach(s *measurement.Session) func() {
	return s.Subscribe(func(ev measurement.Event) { d.Enqueue(ev) })
}

// Enqueue 非阻塞入队
func (d *Dispatcher) Enqueue(ev measurement.Event) bool {
	select {
	case d.queue <- ev:
		return true
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.logger.Warn("Event queue full, dropping event",
			zap.String("type", string(ev.Type)),
			zap.String("session_id", ev.SessionID),
		)
		return false
	}
}

// Dropped 因队列满而丢弃的事件数
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run 处理事件直到 ctx 取消；取消后把队列中剩余的事件处理完再返回
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ctx, ev)
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	ctx := context.Background()
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev measurement.Event) {
	for _, s := range d.sinks {
		if err := s.Handle(ctx, ev); err != nil {
			d.logger.Error("Failed to handle event",
				zap.String("sink", s.Name()),
				zap.String("type", string(ev.Type)),
				zap.String("session_id", ev.SessionID),
				zap.Error(err),
			)
		}
	}
}
