package measurement

import (
	"errors"
	"fmt"
)

// ErrorKind 测量错误分类
type ErrorKind string

const (
	ErrorNone          ErrorKind = ""
	ConnectionError    ErrorKind = "connection_error"    // prepare/start 调用失败
	PreconditionNotMet ErrorKind = "precondition_not_met" // 无手指/无人/未接触，不消耗重试次数
	TransientReadError ErrorKind = "transient_read_error" // 单次读数异常
	OutOfRangeReading  ErrorKind = "out_of_range_reading" // 完成但读数不合理
	TimeoutExceeded    ErrorKind = "timeout_exceeded"
	RetriesExhausted   ErrorKind = "retries_exhausted"
)

var (
	ErrConnection         = errors.New("device connection failed")
	ErrPreconditionNotMet = errors.New("precondition not met")
	ErrTransientRead      = errors.New("transient read error")
	ErrOutOfRange         = errors.New("reading out of plausible range")
	ErrTimeoutExceeded    = errors.New("measurement timeout exceeded")
	ErrRetriesExhausted   = errors.New("measurement retries exhausted")

	// ErrNotIdle Start 只能在 Idle 状态调用
	ErrNotIdle = errors.New("measurement session is not idle")
	// ErrClosed 会话已释放
	ErrClosed = errors.New("measurement session closed")
)

// Sentinel 返回该分类对应的哨兵错误
func (k ErrorKind) Sentinel() error {
	switch k {
	case ConnectionError:
		return ErrConnection
	case PreconditionNotMet:
		return ErrPreconditionNotMet
	case TransientReadError:
		return ErrTransientRead
	case OutOfRangeReading:
		return ErrOutOfRange
	case TimeoutExceeded:
		return ErrTimeoutExceeded
	case RetriesExhausted:
		return ErrRetriesExhausted
	default:
		return nil
	}
}

// Retryable 是否经由 RetryPolicy 处理
func (k ErrorKind) Retryable() bool {
	switch k {
	case ConnectionError, TransientReadError, OutOfRangeReading, TimeoutExceeded:
		return true
	default:
		return false
	}
}

// Error 测量错误
type Error struct {
	Kind   ErrorKind
	Metric Kind
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Metric, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Metric, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 支持 errors.Is(err, ErrTimeoutExceeded) 这类判断
func (e *Error) Is(target error) bool {
	s := e.Kind.Sentinel()
	return s != nil && target == s
}

func newError(kind ErrorKind, metric Kind, cause error) *Error {
	return &Error{Kind: kind, Metric: metric, Err: cause}
}
