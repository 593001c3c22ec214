package measurement

import "wisefido-kiosk/internal/device"

// Kind 测量项
type Kind = device.Metric

// State 会话状态
type State string

const (
	StateIdle                 State = "idle"
	StateInitializing         State = "initializing"
	StateAwaitingPrecondition State = "awaiting_precondition"
	StateMeasuring            State = "measuring"
	StateSucceeded            State = "succeeded"
	StateFailed               State = "failed"
	StateExhausted            State = "exhausted"
)

// Polling 是否处于轮询中（空闲计时需要挂起的状态）
func (s State) Polling() bool {
	return s == StateAwaitingPrecondition || s == StateMeasuring
}

// Terminal 成功或用尽，需要用户操作才能重新开始
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted
}

// Reading 测量读数
type Reading struct {
	Value  float64            `json:"value"`
	Unit   string             `json:"unit,omitempty"`
	Fields map[string]float64 `json:"fields,omitempty"`
	Labels map[string]string  `json:"labels,omitempty"`
}

func (r *Reading) clone() *Reading {
	if r == nil {
		return nil
	}
	out := &Reading{Value: r.Value, Unit: r.Unit}
	if r.Fields != nil {
		out.Fields = make(map[string]float64, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	if r.Labels != nil {
		out.Labels = make(map[string]string, len(r.Labels))
		for k, v := range r.Labels {
			out.Labels[k] = v
		}
	}
	return out
}
