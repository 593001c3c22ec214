package compliance

// Stage 检查阶段
type Stage string

const (
	StageFeet Stage = "feet"
	StageBody Stage = "body"
)

// DefaultStages 默认阶段顺序：先脚部，再身体
var DefaultStages = []Stage{StageFeet, StageBody}

// Step Clearance.Observe 的结果
type Step struct {
	Observation
	Stage     Stage // 本次观察所属阶段
	NextStage Stage // 阶段完成后进入的阶段（全部完成时为空）
	Done      bool  // 所有阶段已完成
}

// Clearance 按顺序推进的多阶段合规检查
type Clearance struct {
	debouncer *Debouncer
	stages    []Stage
	index     int
}

// NewClearance 创建多阶段检查；stages 为空时使用 DefaultStages
func NewClearance(d *Debouncer, stages []Stage) *Clearance {
	if len(stages) == 0 {
		stages = DefaultStages
	}
	return &Clearance{debouncer: d, stages: append([]Stage(nil), stages...)}
}

// Current 当前阶段；全部完成后返回空
func (c *Clearance) Current() Stage {
	if c.index >= len(c.stages) {
		return ""
	}
	return c.stages[c.index]
}

// Done 是否全部完成
func (c *Clearance) Done() bool { return c.index >= len(c.stages) }

// Observe 把一次轮询结果交给当前阶段
func (c *Clearance) Observe(compliant bool, violations []string) Step {
	if c.Done() {
		return Step{Done: true}
	}

	stage := c.Current()
	obs := c.debouncer.Observe(compliant, violations)
	step := Step{Observation: obs, Stage: stage}
	if obs.StageComplete {
		c.index++
		c.debouncer.Reset()
		step.NextStage = c.Current()
		step.Done = c.Done()
	}
	return step
}

// Interrupt 打断当前阶段的连续计数，阶段进度不变
func (c *Clearance) Interrupt() {
	c.debouncer.Reset()
}

// Reset 回到第一阶段
func (c *Clearance) Reset() {
	c.index = 0
	c.debouncer.Reset()
}

// Stages 阶段列表
func (c *Clearance) Stages() []Stage {
	return append([]Stage(nil), c.stages...)
}
