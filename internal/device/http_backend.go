package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// envelope 设备网关统一响应格式
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// HTTPBackend 通过 REST 网关访问设备
type HTTPBackend struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewHTTPBackend 创建 HTTP 设备后端
// 不使用 resty 自带重试：重试由测量会话的 RetryPolicy 统一决定
func NewHTTPBackend(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPBackend {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &HTTPBackend{httpClient: client, logger: logger}
}

// Prepare 唤醒/初始化传感器
func (b *HTTPBackend) Prepare(ctx context.Context, metric Metric) error {
	_, err := b.call(ctx, metric, "prepare", nil)
	return err
}

// Start 开始采集
func (b *HTTPBackend) Start(ctx context.Context, metric Metric, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	_, err := b.call(ctx, metric, "start", params)
	return err
}

// Stop 停止采集
func (b *HTTPBackend) Stop(ctx context.Context, metric Metric) error {
	_, err := b.call(ctx, metric, "stop", nil)
	return err
}

// GetStatus 查询设备状态
func (b *HTTPBackend) GetStatus(ctx context.Context, metric Metric, query map[string]string) (Status, error) {
	var env envelope
	resp, err := b.httpClient.R().
		SetContext(ctx).
		SetPathParam("metric", string(metric)).
		SetQueryParams(query).
		SetResult(&env).
		Get("/api/v1/devices/{metric}/status")
	if err != nil {
		return Status{}, fmt.Errorf("failed to get %s status: %w", metric, err)
	}
	if resp.IsError() {
		return Status{}, fmt.Errorf("failed to get %s status: http %d", metric, resp.StatusCode())
	}
	if env.Code != 0 {
		return Status{}, fmt.Errorf("%w: %s (code: %d)", ErrRejected, env.Msg, env.Code)
	}

	var st Status
	if err := json.Unmarshal(env.Data, &st); err != nil {
		return Status{}, fmt.Errorf("failed to unmarshal %s status: %w", metric, err)
	}
	return st, nil
}

func (b *HTTPBackend) call(ctx context.Context, metric Metric, action string, body any) (*envelope, error) {
	var env envelope
	req := b.httpClient.R().
		SetContext(ctx).
		SetPathParam("metric", string(metric)).
		SetResult(&env)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Post("/api/v1/devices/{metric}/" + action)
	if err != nil {
		b.logger.Warn("Device gateway call failed",
			zap.String("metric", string(metric)),
			zap.String("action", action),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to %s %s: %w", action, metric, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to %s %s: http %d", action, metric, resp.StatusCode())
	}
	if env.Code != 0 {
		b.logger.Warn("Device gateway returned error",
			zap.String("metric", string(metric)),
			zap.String("action", action),
			zap.Int("code", env.Code),
			zap.String("msg", env.Msg),
		)
		return nil, fmt.Errorf("%w: %s (code: %d)", ErrRejected, env.Msg, env.Code)
	}

	b.logger.Debug("Device gateway call succeeded",
		zap.String("metric", string(metric)),
		zap.String("action", action),
	)
	return &env, nil
}
