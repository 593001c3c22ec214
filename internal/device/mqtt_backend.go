package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mqttcommon "wisefido-kiosk/internal/common/mqtt"

	"go.uber.org/zap"
)

// Transport MQTT 收发能力（*mqttcommon.Client 满足该接口）
type Transport interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(topics ...string) error
}

// command 下发到设备的命令
type command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// MQTTBackend 设备固件通过 MQTT 上报状态的实现
//
// 主题格式：
//   - 命令: kiosk/{kiosk_id}/{metric}/command
//   - 状态: kiosk/{kiosk_id}/{metric}/status
//
// GetStatus 返回最近一次上报的状态；尚未上报时返回 waiting。
type MQTTBackend struct {
	transport Transport
	kioskID   string
	qos       byte
	logger    *zap.Logger

	mu     sync.RWMutex
	latest map[Metric]Status
}

// NewMQTTBackend 创建 MQTT 设备后端
func NewMQTTBackend(transport Transport, kioskID string, qos byte, logger *zap.Logger) *MQTTBackend {
	return &MQTTBackend{
		transport: transport,
		kioskID:   kioskID,
		qos:       qos,
		logger:    logger,
		latest:    make(map[Metric]Status),
	}
}

// Open 订阅状态主题
func (b *MQTTBackend) Open() error {
	topic := b.statusTopic("+")
	if err := b.transport.Subscribe(topic, b.qos, b.handleStatus); err != nil {
		return fmt.Errorf("failed to subscribe to status topic: %w", err)
	}
	b.logger.Info("MQTT device backend subscribed", zap.String("topic", topic))
	return nil
}

// Close 取消订阅
func (b *MQTTBackend) Close() error {
	return b.transport.Unsubscribe(b.statusTopic("+"))
}

func (b *MQTTBackend) Prepare(ctx context.Context, metric Metric) error {
	// 新一轮开始前丢弃上一轮残留的状态
	b.forget(metric)
	return b.send(ctx, metric, command{Command: "prepare"})
}

func (b *MQTTBackend) Start(ctx context.Context, metric Metric, params map[string]any) error {
	return b.send(ctx, metric, command{Command: "start", Params: params})
}

func (b *MQTTBackend) Stop(ctx context.Context, metric Metric) error {
	err := b.send(ctx, metric, command{Command: "stop"})
	b.forget(metric)
	return err
}

func (b *MQTTBackend) GetStatus(ctx context.Context, metric Metric, query map[string]string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}

	b.mu.RLock()
	st, ok := b.latest[metric]
	b.mu.RUnlock()
	if !ok {
		return Status{Code: StatusWaiting}, nil
	}

	// 合规检查按阶段上报，阶段不一致的状态视为尚未就绪
	if stage := query["stage"]; stage != "" && st.Stage != "" && st.Stage != stage {
		return Status{Code: StatusWaiting}, nil
	}
	return st, nil
}

func (b *MQTTBackend) send(ctx context.Context, metric Metric, cmd command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := b.transport.Publish(b.commandTopic(metric), b.qos, false, payload); err != nil {
		return fmt.Errorf("failed to %s %s: %w", cmd.Command, metric, err)
	}
	return nil
}

// handleStatus 处理设备状态上报
func (b *MQTTBackend) handleStatus(topic string, payload []byte) error {
	// kiosk/{kiosk_id}/{metric}/status
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[3] != "status" {
		return fmt.Errorf("invalid topic format: %s", topic)
	}
	metric, err := ParseMetric(parts[2])
	if err != nil {
		return err
	}

	var st Status
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("failed to unmarshal status: %w", err)
	}
	if st.Code == "" {
		return fmt.Errorf("status without code on %s", topic)
	}

	b.mu.Lock()
	b.latest[metric] = st
	b.mu.Unlock()

	b.logger.Debug("Device status received",
		zap.String("metric", string(metric)),
		zap.String("status", string(st.Code)),
	)
	return nil
}

func (b *MQTTBackend) forget(metric Metric) {
	b.mu.Lock()
	delete(b.latest, metric)
	b.mu.Unlock()
}

func (b *MQTTBackend) statusTopic(metric string) string {
	return fmt.Sprintf("kiosk/%s/%s/status", b.kioskID, metric)
}

func (b *MQTTBackend) commandTopic(metric Metric) string {
	return fmt.Sprintf("kiosk/%s/%s/command", b.kioskID, metric)
}
