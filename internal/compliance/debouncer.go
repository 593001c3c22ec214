// Package compliance 实现测量前合规检查的连续确认（debounce）与多阶段推进
package compliance

import (
	"time"

	"wisefido-kiosk/internal/clock"
)

const (
	// DefaultRequiredCount 阶段完成所需的连续合规次数
	DefaultRequiredCount = 3
	// DefaultViolationGap 两次违规语音提示之间的最小间隔
	DefaultViolationGap = 3500 * time.Millisecond
)

// Observation 一次 Observe 的结果
type Observation struct {
	StageComplete        bool
	ShouldSpeakHoldStill bool
	ShouldSpeakViolation bool
	Violations           []string
	Count                int // 本次观察后的连续合规计数
}

// Debouncer 连续合规计数器：任何一次不合规都会把计数清零
type Debouncer struct {
	clock                 clock.Clock
	requiredCount         int
	violationGap          time.Duration
	consecutive           int
	lastViolationSpokenAt time.Time
}

// NewDebouncer 创建计数器；requiredCount<=0 时使用默认值 3
func NewDebouncer(clk clock.Clock, requiredCount int, violationGap time.Duration) *Debouncer {
	if requiredCount <= 0 {
		requiredCount = DefaultRequiredCount
	}
	if violationGap <= 0 {
		violationGap = DefaultViolationGap
	}
	return &Debouncer{clock: clk, requiredCount: requiredCount, violationGap: violationGap}
}

// Observe 记录一次轮询结果
func (d *Debouncer) Observe(compliant bool, violations []string) Observation {
	if !compliant {
		d.consecutive = 0
		obs := Observation{Violations: violations}
		now := d.clock.Now()
		if d.lastViolationSpokenAt.IsZero() || now.Sub(d.lastViolationSpokenAt) >= d.violationGap {
			obs.ShouldSpeakViolation = true
			d.lastViolationSpokenAt = now
		}
		return obs
	}

	d.consecutive++
	obs := Observation{Count: d.consecutive}
	if d.consecutive == 1 {
		obs.ShouldSpeakHoldStill = true
	}
	if d.consecutive >= d.requiredCount {
		obs.StageComplete = true
		d.consecutive = 0
		obs.Count = 0
	}
	return obs
}

// Reset 清零计数（新阶段开始时重新计数）
func (d *Debouncer) Reset() {
	d.consecutive = 0
}

// Count 当前连续合规次数
func (d *Debouncer) Count() int { return d.consecutive }

// RequiredCount 所需连续次数
func (d *Debouncer) RequiredCount() int { return d.requiredCount }
