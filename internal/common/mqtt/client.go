// Package mqtt 设备网关 MQTT 连接
package mqtt

import (
	"fmt"
	"sync"
	"time"

	"wisefido-kiosk/internal/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const defaultOpTimeout = 5 * time.Second

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client 带自动重订阅的 MQTT 客户端。
// CleanSession 下断线重连后 broker 不保留订阅，OnConnect 时按记录重新订阅。
type Client struct {
	client    mqtt.Client
	broker    string
	opTimeout time.Duration
	logger    *zap.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

// NewClient 创建客户端并连接；连接超时由 cfg.ConnectTimeout 决定
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		broker:    cfg.Broker,
		opTimeout: cfg.ConnectTimeout,
		logger:    logger,
		subs:      make(map[string]subscription),
	}
	if c.opTimeout <= 0 {
		c.opTimeout = defaultOpTimeout
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(c.opTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}

	c.client = mqtt.NewClient(opts)
	if err := c.wait(c.client.Connect(), "connect to "+cfg.Broker); err != nil {
		return nil, err
	}
	return c, nil
}

// Subscribe 订阅主题并记录下来，重连后自动恢复
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := c.wait(c.client.Subscribe(topic, qos, c.dispatch(handler)), "subscribe to "+topic); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

// Publish 发布消息
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return c.wait(c.client.Publish(topic, qos, retained, payload), "publish to "+topic)
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()
	return c.wait(c.client.Unsubscribe(topics...), "unsubscribe")
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for t, s := range c.subs {
		subs[t] = s
	}
	c.mu.Unlock()

	c.logger.Info("MQTT connected", zap.String("broker", c.broker), zap.Int("resubscribe", len(subs)))
	for topic, s := range subs {
		// 回调在 paho 的连接 goroutine 中执行，不等待结果
		client.Subscribe(topic, s.qos, c.dispatch(s.handler))
	}
}

func (c *Client) dispatch(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}
}

// wait 等待 token 完成；超时视为失败，避免 broker 不可达时无限阻塞
func (c *Client) wait(token mqtt.Token, op string) error {
	if !token.WaitTimeout(c.opTimeout) {
		return fmt.Errorf("failed to %s: timed out after %s", op, c.opTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}
