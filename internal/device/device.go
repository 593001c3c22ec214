// Package device 定义测量设备/视觉后端的调用边界（prepare/start/status/stop）及其 HTTP、MQTT 实现
package device

import (
	"context"
	"errors"
)

// Metric 测量项
type Metric string

const (
	MetricWeight             Metric = "weight"
	MetricHeight             Metric = "height"
	MetricTemperature        Metric = "temperature"
	MetricPulseOx            Metric = "pulse_ox"
	MetricBloodPressureImage Metric = "blood_pressure_image"
	MetricComplianceCheck    Metric = "compliance_check"
)

// Metrics 全部测量项
var Metrics = []Metric{
	MetricWeight,
	MetricHeight,
	MetricTemperature,
	MetricPulseOx,
	MetricBloodPressureImage,
	MetricComplianceCheck,
}

// ParseMetric 解析测量项名称
func ParseMetric(s string) (Metric, error) {
	for _, m := range Metrics {
		if string(m) == s {
			return m, nil
		}
	}
	return "", errors.New("unknown metric: " + s)
}

// Code 设备状态码
type Code string

const (
	StatusIdle      Code = "idle"
	StatusWaiting   Code = "waiting"
	StatusReady     Code = "ready"
	StatusMeasuring Code = "measuring"
	StatusCompleted Code = "completed"
	StatusNoContact Code = "no_contact"
	StatusNoUser    Code = "no_user"
	StatusError     Code = "error"
)

// Status getStatus 返回的设备状态
type Status struct {
	Code       Code               `json:"status"`
	Value      *float64           `json:"value,omitempty"`
	Values     map[string]float64 `json:"values,omitempty"`
	LiveValue  *float64           `json:"live_value,omitempty"`
	Progress   *float64           `json:"progress,omitempty"` // 0-100
	ElapsedMs  *int64             `json:"elapsed_ms,omitempty"`
	Ready      *bool              `json:"ready,omitempty"` // 前置条件（手指/站上秤/站到测高仪下）
	Compliant  *bool              `json:"compliant,omitempty"`
	Violations []string           `json:"violations,omitempty"`
	Stage      string             `json:"stage,omitempty"` // 合规检查阶段
	Message    string             `json:"message,omitempty"`
}

// Backend 设备后端
type Backend interface {
	Prepare(ctx context.Context, metric Metric) error
	Start(ctx context.Context, metric Metric, params map[string]any) error
	GetStatus(ctx context.Context, metric Metric, query map[string]string) (Status, error)
	Stop(ctx context.Context, metric Metric) error
}

// ErrRejected 后端返回了业务错误码
var ErrRejected = errors.New("device backend rejected request")
