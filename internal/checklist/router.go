// Package checklist 根据当天检查清单计算下一页面和进度
package checklist

import (
	"math"
	"strings"
)

const (
	DefaultPathPrefix   = "/measure/"
	DefaultCompletePath = "/summary"
)

// Progress 清单进度
type Progress struct {
	CurrentStep int `json:"current_step"` // 从 1 开始；不在清单中时为 0
	TotalSteps  int `json:"total_steps"`
	Percentage  int `json:"percentage"`
}

// Router 步骤路由
type Router struct {
	prefix    string
	complete  string
	overrides map[string]string
}

// Option 路由选项
type Option func(*Router)

// WithPathPrefix 步骤页面前缀，默认 /measure/
func WithPathPrefix(prefix string) Option {
	return func(r *Router) { r.prefix = prefix }
}

// WithCompletePath 全部完成后的页面，默认 /summary
func WithCompletePath(path string) Option {
	return func(r *Router) { r.complete = path }
}

// WithStepPath 为某个步骤指定页面
func WithStepPath(step, path string) Option {
	return func(r *Router) { r.overrides[step] = path }
}

// NewRouter 创建步骤路由
func NewRouter(opts ...Option) *Router {
	r := &Router{
		prefix:    DefaultPathPrefix,
		complete:  DefaultCompletePath,
		overrides: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NextPath 当前步骤之后的页面。
// 当前步骤不在清单中时返回第一个步骤；已是最后一步（或清单为空）时返回完成页。
func (r *Router) NextPath(current string, list []string) string {
	steps := normalize(list)
	if len(steps) == 0 {
		return r.complete
	}
	idx := indexOf(steps, current)
	if idx < 0 {
		return r.StepPath(steps[0])
	}
	if idx+1 >= len(steps) {
		return r.complete
	}
	return r.StepPath(steps[idx+1])
}

// NextStep 当前步骤之后的步骤 ID；没有下一步时 ok 为 false
func (r *Router) NextStep(current string, list []string) (string, bool) {
	steps := normalize(list)
	idx := indexOf(steps, current)
	if idx+1 >= len(steps) {
		return "", false
	}
	return steps[idx+1], true
}

// Progress 当前步骤在清单中的位置
func (r *Router) Progress(current string, list []string) Progress {
	steps := normalize(list)
	p := Progress{TotalSteps: len(steps)}
	if idx := indexOf(steps, current); idx >= 0 {
		p.CurrentStep = idx + 1
	}
	if p.TotalSteps > 0 {
		p.Percentage = int(math.Round(float64(p.CurrentStep) / float64(p.TotalSteps) * 100))
	}
	return p
}

// StepPath 步骤对应的页面
func (r *Router) StepPath(step string) string {
	if p, ok := r.overrides[step]; ok {
		return p
	}
	return r.prefix + step
}

// CompletePath 完成页
func (r *Router) CompletePath() string { return r.complete }

// StepFromPath StepPath 的反向解析
func (r *Router) StepFromPath(path string) (string, bool) {
	for step, p := range r.overrides {
		if p == path {
			return step, true
		}
	}
	if !strings.HasPrefix(path, r.prefix) {
		return "", false
	}
	step := strings.TrimPrefix(path, r.prefix)
	if step == "" || strings.Contains(step, "/") {
		return "", false
	}
	return step, true
}

// normalize 去掉空白项和重复项，保留首次出现的顺序
func normalize(list []string) []string {
	out := make([]string, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func indexOf(steps []string, step string) int {
	for i, s := range steps {
		if s == step {
			return i
		}
	}
	return -1
}
