// Package clock 提供可替换的时间源，所有计时器（轮询、冷却、超时、空闲）都经由它创建，
// 便于在单元测试中用 Fake 精确推进时间。
package clock

import "time"

// Timer 可取消的定时回调
type Timer interface {
	// Stop 取消尚未触发的回调，返回 false 表示已触发或已取消
	Stop() bool
}

// Clock 时间源
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// New 返回基于系统时间的 Clock
func New() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
