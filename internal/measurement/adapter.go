package measurement

import (
	"fmt"
	"time"

	"wisefido-kiosk/internal/device"
)

// Profile 测量项参数
type Profile struct {
	Interval             time.Duration // 轮询间隔
	Timeout              time.Duration // 单次尝试的时间预算
	RequiresPrecondition bool          // 是否需要物理前置条件
	PreconditionHint     string        // 等待前置条件时的提示
	Unit                 string
}

// Range 合理读数区间（闭区间）
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains 是否在区间内
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Override 覆盖默认 Profile 与区间（来自配置文件）
type Override struct {
	Interval time.Duration
	Timeout  time.Duration
	Limits   map[string]Range
}

// Outcome 一次轮询结果的分类
type Outcome int

const (
	OutcomeWaiting   Outcome = iota // 前置条件未满足，继续等待（不计失败）
	OutcomeReady                    // 前置条件满足，可以开始采集
	OutcomeProgress                 // 采集中
	OutcomeCompleted                // 完成且读数合理
	OutcomeTransient                // 瞬时错误，连续达到阈值后判定失败
)

// Prompt 给语音/界面层的提示
type Prompt struct {
	Kind       PromptKind `json:"kind"`
	Text       string     `json:"text,omitempty"`
	Stage      string     `json:"stage,omitempty"`
	Violations []string   `json:"violations,omitempty"`
}

// PromptKind 提示类型
type PromptKind string

const (
	PromptHoldStill     PromptKind = "hold_still"
	PromptViolation     PromptKind = "violation"
	PromptStageComplete PromptKind = "stage_complete"
)

// Verdict 适配器对一次设备状态的解释
type Verdict struct {
	Outcome  Outcome
	Reading  *Reading // OutcomeCompleted 时的最终读数
	Live     *Reading // 采集中的参考读数
	Progress *float64
	ErrKind  ErrorKind // OutcomeTransient 时的分类
	Message  string
	Prompts  []Prompt
}

// Adapter 测量项适配器：会话引擎只通过它理解某个传感器
type Adapter interface {
	Kind() Kind
	Profile() Profile
	StartParams() map[string]any
	StatusQuery() map[string]string
	Interpret(phase State, st device.Status) Verdict
	// Interrupt 连续读数被打断：新尝试开始或一次轮询失败
	Interrupt()
	Reset()
}

func applyOverride(p Profile, limits map[string]Range, ov *Override) (Profile, map[string]Range) {
	out := make(map[string]Range, len(limits))
	for k, v := range limits {
		out[k] = v
	}
	if ov == nil {
		return p, out
	}
	if ov.Interval > 0 {
		p.Interval = ov.Interval
	}
	if ov.Timeout > 0 {
		p.Timeout = ov.Timeout
	}
	for k, v := range ov.Limits {
		out[k] = v
	}
	return p, out
}

func validateRanges(r *Reading, limits map[string]Range, required []string) error {
	for _, name := range required {
		if _, ok := fieldValue(r, name); !ok {
			return fmt.Errorf("missing %s", name)
		}
	}
	for name, rng := range limits {
		v, ok := fieldValue(r, name)
		if !ok {
			continue
		}
		if !rng.Contains(v) {
			return fmt.Errorf("%s %.1f outside %.1f-%.1f", name, v, rng.Min, rng.Max)
		}
	}
	return nil
}

func fieldValue(r *Reading, name string) (float64, bool) {
	if name == "value" {
		return r.Value, true
	}
	v, ok := r.Fields[name]
	return v, ok
}

func floatPtr(v float64) *float64 { return &v }
