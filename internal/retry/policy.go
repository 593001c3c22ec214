// Package retry 实现测量会话的有限次重试记账（无 I/O，不持有定时器）
package retry

import (
	"time"

	"wisefido-kiosk/internal/clock"

	"github.com/cenkalti/backoff/v5"
)

// Config 重试策略配置
type Config struct {
	MaxAttempts int           // 最大自动尝试次数（≥1）
	Cooldown    time.Duration // 失败后到下次尝试的等待时间
	Multiplier  float64       // >1 时按指数退避，否则固定冷却
	MaxCooldown time.Duration // 指数退避上限，默认 Cooldown*10
}

// Decision RecordFailure 的结果
type Decision struct {
	Retry bool
	Wait  time.Duration
}

// Policy 重试策略。不是并发安全的，由所属 Session 在自身锁内调用。
type Policy struct {
	cfg           Config
	clock         clock.Clock
	schedule      backoff.BackOff
	attempts      int
	lastAttemptAt time.Time
}

// NewPolicy 创建重试策略
func NewPolicy(cfg Config, clk clock.Clock) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}

	var schedule backoff.BackOff
	if cfg.Multiplier > 1 && cfg.Cooldown > 0 {
		maxCooldown := cfg.MaxCooldown
		if maxCooldown <= 0 {
			maxCooldown = cfg.Cooldown * 10
		}
		schedule = &backoff.ExponentialBackOff{
			InitialInterval:     cfg.Cooldown,
			RandomizationFactor: 0,
			Multiplier:          cfg.Multiplier,
			MaxInterval:         maxCooldown,
		}
	} else {
		schedule = backoff.NewConstantBackOff(cfg.Cooldown)
	}
	schedule.Reset()

	return &Policy{cfg: cfg, clock: clk, schedule: schedule}
}

// ShouldRetry 是否还允许自动尝试
func (p *Policy) ShouldRetry() bool {
	return p.attempts < p.cfg.MaxAttempts
}

// RecordAttempt 记录一次尝试开始的时间
func (p *Policy) RecordAttempt() {
	p.lastAttemptAt = p.clock.Now()
}

// RecordFailure 记录一次失败；attempts 不会超过 MaxAttempts
func (p *Policy) RecordFailure() Decision {
	if p.attempts < p.cfg.MaxAttempts {
		p.attempts++
	}
	if p.attempts >= p.cfg.MaxAttempts {
		return Decision{Retry: false}
	}

	wait := p.schedule.NextBackOff()
	if wait == backoff.Stop || wait < 0 {
		wait = p.cfg.Cooldown
	}
	return Decision{Retry: true, Wait: wait}
}

// Reset 清零计数（仅在测量成功或用户手动"重新测量"时调用）
func (p *Policy) Reset() {
	p.attempts = 0
	p.schedule.Reset()
}

// Attempts 已记录的失败次数
func (p *Policy) Attempts() int { return p.attempts }

// MaxAttempts 最大尝试次数
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// Exhausted 是否已用尽
func (p *Policy) Exhausted() bool { return !p.ShouldRetry() }

// LastAttemptAt 最近一次尝试开始时间
func (p *Policy) LastAttemptAt() time.Time { return p.lastAttemptAt }
