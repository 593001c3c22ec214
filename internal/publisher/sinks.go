package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rediscommon "wisefido-kiosk/internal/common/redis"
	"wisefido-kiosk/internal/measurement"
	"wisefido-kiosk/internal/repository"
	"wisefido-kiosk/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	// DefaultStream 会话事件 stream
	DefaultStream = "kiosk:measurement:stream"
	// DefaultStreamMaxLen stream 近似保留条数
	DefaultStreamMaxLen = 10000
	// DefaultLiveTTL 实时读数缓存过期时间
	DefaultLiveTTL = 30 * time.Second
)

// StreamEvent 写入 stream 的事件（会话事件 + kiosk/访问标识）
type StreamEvent struct {
	measurement.Event
	KioskID string `json:"kiosk_id"`
	VisitID string `json:"visit_id,omitempty"`
}

// VisitFunc 返回当前访问 ID（没有进行中的访问时返回空）
type VisitFunc func() string

// StreamPublisher 把所有会话事件写入 Redis Stream，供后台服务消费
type StreamPublisher struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	kioskID string
	visit   VisitFunc
}

// NewStreamPublisher 创建 stream 发布器
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64, kioskID string, visit VisitFunc) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen, kioskID: kioskID, visit: visit}
}

func (p *StreamPublisher) Name() string { return "stream" }

func (p *StreamPublisher) Handle(ctx context.Context, ev measurement.Event) error {
	out := StreamEvent{Event: ev, KioskID: p.kioskID}
	if p.visit != nil {
		out.VisitID = p.visit()
	}
	if _, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, p.maxLen, out); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.stream, err)
	}
	return nil
}

// LiveCache 缓存每个测量项的实时读数（kiosk:{kiosk}:live:{metric}），界面断线重连时读取
type LiveCache struct {
	kv      store.KV
	kioskID string
	ttl     time.Duration
}

// NewLiveCache 创建实时读数缓存
func NewLiveCache(kv store.KV, kioskID string, ttl time.Duration) *LiveCache {
	if ttl <= 0 {
		ttl = DefaultLiveTTL
	}
	return &LiveCache{kv: kv, kioskID: kioskID, ttl: ttl}
}

// LiveEntry 缓存内容
type LiveEntry struct {
	SessionID string               `json:"session_id"`
	Reading   *measurement.Reading `json:"reading"`
	Progress  *float64             `json:"progress,omitempty"`
	Final     bool                 `json:"final"`
	At        time.Time            `json:"at"`
}

func (c *LiveCache) Name() string { return "live_cache" }

func (c *LiveCache) Key(metric measurement.Kind) string {
	return fmt.Sprintf("kiosk:%s:live:%s", c.kioskID, metric)
}

func (c *LiveCache) Handle(ctx context.Context, ev measurement.Event) error {
	switch ev.Type {
	case measurement.EventLiveValue, measurement.EventFinalValue:
		entry := LiveEntry{
			SessionID: ev.SessionID,
			Reading:   ev.Reading,
			Progress:  ev.Progress,
			Final:     ev.Type == measurement.EventFinalValue,
			At:        ev.At,
		}
		b, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return c.kv.Set(ctx, c.Key(ev.Metric), string(b), c.ttl)
	case measurement.EventStateChanged:
		// 新一轮开始时清掉上一轮的读数
		if ev.To == measurement.StateInitializing || ev.To == measurement.StateIdle {
			return c.kv.Delete(ctx, c.Key(ev.Metric))
		}
	}
	return nil
}

// Get 读取缓存；没有时返回 store.ErrMiss
func (c *LiveCache) Get(ctx context.Context, metric measurement.Kind) (*LiveEntry, error) {
	raw, err := c.kv.Get(ctx, c.Key(metric))
	if err != nil {
		return nil, err
	}
	var entry LiveEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("invalid live cache entry: %w", err)
	}
	return &entry, nil
}

// MeasurementSaver repository.MeasurementRepository 的写入部分
type MeasurementSaver interface {
	Save(ctx context.Context, m *repository.Measurement) error
}

// Recorder 把最终读数写入数据库
type Recorder struct {
	repo    MeasurementSaver
	kioskID string
	visit   VisitFunc
	logger  *zap.Logger
}

// NewRecorder 创建最终读数记录器
func NewRecorder(repo MeasurementSaver, kioskID string, visit VisitFunc, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{repo: repo, kioskID: kioskID, visit: visit, logger: logger}
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Handle(ctx context.Context, ev measurement.Event) error {
	if ev.Type != measurement.EventFinalValue {
		return nil
	}
	if ev.Reading == nil {
		return errors.New("final value event without reading")
	}
	m := &repository.Measurement{
		KioskID:    r.kioskID,
		SessionID:  ev.SessionID,
		Metric:     string(ev.Metric),
		Value:      ev.Reading.Value,
		Unit:       ev.Reading.Unit,
		Fields:     ev.Reading.Fields,
		Labels:     ev.Reading.Labels,
		RetryCount: ev.RetryCount,
		MeasuredAt: ev.At,
	}
	if r.visit != nil {
		m.VisitID = r.visit()
	}
	if err := r.repo.Save(ctx, m); err != nil {
		return err
	}
	r.logger.Info("Measurement recorded",
		zap.String("measurement_id", m.MeasurementID),
		zap.String("metric", m.Metric),
		zap.Float64("value", m.Value),
	)
	return nil
}
