package measurement

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"wisefido-kiosk/internal/clock"
	"wisefido-kiosk/internal/compliance"
	"wisefido-kiosk/internal/device"
)

// DefaultLimits 各测量项默认合理区间
var DefaultLimits = map[Kind]map[string]Range{
	device.MetricWeight:      {"value": {Min: 2, Max: 300}},
	device.MetricHeight:      {"value": {Min: 50, Max: 250}},
	device.MetricTemperature: {"value": {Min: 34.0, Max: 42.0}},
	device.MetricPulseOx: {
		"heart_rate":  {Min: 1, Max: 250},
		"spo2":        {Min: 50, Max: 100},
		"respiration": {Min: 0, Max: 80},
	},
	device.MetricBloodPressureImage: {
		"systolic":  {Min: 60, Max: 260},
		"diastolic": {Min: 30, Max: 160},
		"pulse":     {Min: 30, Max: 220},
	},
}

// DefaultProfiles 各测量项默认参数
var DefaultProfiles = map[Kind]Profile{
	device.MetricWeight: {
		Interval: time.Second, Timeout: 60 * time.Second,
		RequiresPrecondition: true, PreconditionHint: "Please step on the scale", Unit: "kg",
	},
	device.MetricHeight: {
		Interval: time.Second, Timeout: 60 * time.Second,
		RequiresPrecondition: true, PreconditionHint: "Please stand under the height sensor", Unit: "cm",
	},
	device.MetricTemperature: {
		Interval: time.Second, Timeout: 30 * time.Second,
		RequiresPrecondition: true, PreconditionHint: "Please move closer to the temperature sensor", Unit: "°C",
	},
	device.MetricPulseOx: {
		Interval: time.Second, Timeout: 30 * time.Second,
		RequiresPrecondition: true, PreconditionHint: "Please place your finger on the sensor", Unit: "bpm",
	},
	device.MetricBloodPressureImage: {
		Interval: 1500 * time.Millisecond, Timeout: 60 * time.Second, Unit: "mmHg",
	},
	device.MetricComplianceCheck: {
		Interval: 500 * time.Millisecond, Timeout: 60 * time.Second,
	},
}

// NewAdapter 按测量项创建适配器
func NewAdapter(kind Kind, clk clock.Clock, ov *Override) (Adapter, error) {
	profile, ok := DefaultProfiles[kind]
	if !ok {
		return nil, fmt.Errorf("no profile for metric %q", kind)
	}
	profile, limits := applyOverride(profile, DefaultLimits[kind], ov)

	switch kind {
	case device.MetricWeight, device.MetricHeight, device.MetricTemperature:
		return &vitalAdapter{kind: kind, profile: profile, limits: limits, extract: singleValue(string(kind))}, nil
	case device.MetricPulseOx:
		return &vitalAdapter{
			kind: kind, profile: profile, limits: limits,
			extract:  multiValue("heart_rate", []string{"heart_rate", "spo2"}),
			required: []string{"heart_rate", "spo2"},
		}, nil
	case device.MetricBloodPressureImage:
		return &vitalAdapter{
			kind: kind, profile: profile, limits: limits,
			extract:  multiValue("systolic", []string{"systolic", "diastolic"}),
			required: []string{"systolic", "diastolic"},
			check:    checkSystolicAboveDiastolic,
		}, nil
	case device.MetricComplianceCheck:
		return NewComplianceAdapter(clk, profile, nil), nil
	default:
		return nil, fmt.Errorf("unsupported metric %q", kind)
	}
}

// vitalAdapter 单/多值生命体征适配器
type vitalAdapter struct {
	kind     Kind
	profile  Profile
	limits   map[string]Range
	required []string
	extract  func(st device.Status) (*Reading, bool)
	check    func(r *Reading) error
}

func (a *vitalAdapter) Kind() Kind                     { return a.kind }
func (a *vitalAdapter) Profile() Profile               { return a.profile }
func (a *vitalAdapter) StartParams() map[string]any    { return nil }
func (a *vitalAdapter) StatusQuery() map[string]string { return nil }
func (a *vitalAdapter) Interrupt()                     {}
func (a *vitalAdapter) Reset()                         {}

func (a *vitalAdapter) Interpret(phase State, st device.Status) Verdict {
	switch st.Code {
	case device.StatusError:
		return Verdict{Outcome: OutcomeTransient, ErrKind: TransientReadError, Message: messageOr(st.Message, "Sensor error, please hold on")}

	case device.StatusNoContact, device.StatusNoUser:
		if phase == StateAwaitingPrecondition {
			return Verdict{Outcome: OutcomeWaiting, Message: messageOr(st.Message, a.profile.PreconditionHint)}
		}
		// 采集中失去接触按瞬时错误处理
		return Verdict{Outcome: OutcomeTransient, ErrKind: TransientReadError, Message: "Contact lost, " + lowerFirst(a.profile.PreconditionHint)}

	case device.StatusIdle, device.StatusWaiting, device.StatusReady:
		if phase == StateAwaitingPrecondition {
			if st.Code == device.StatusReady || (st.Ready != nil && *st.Ready) {
				return Verdict{Outcome: OutcomeReady, Message: "Measuring, please stay still"}
			}
			return Verdict{Outcome: OutcomeWaiting, Message: messageOr(st.Message, a.profile.PreconditionHint)}
		}
		return Verdict{Outcome: OutcomeProgress, Live: a.live(st), Progress: st.Progress}

	case device.StatusMeasuring:
		return Verdict{Outcome: OutcomeProgress, Live: a.live(st), Progress: st.Progress, Message: messageOr(st.Message, "Measuring, please stay still")}

	case device.StatusCompleted:
		reading, ok := a.extract(st)
		if !ok {
			return Verdict{Outcome: OutcomeTransient, ErrKind: TransientReadError, Message: "No reading returned, retrying"}
		}
		reading.Unit = a.profile.Unit
		if err := a.validate(reading); err != nil {
			return Verdict{Outcome: OutcomeTransient, ErrKind: OutOfRangeReading, Message: "Implausible reading (" + err.Error() + "), measuring again"}
		}
		return Verdict{Outcome: OutcomeCompleted, Reading: reading, Message: "Measurement complete"}

	default:
		return Verdict{Outcome: OutcomeTransient, ErrKind: TransientReadError, Message: fmt.Sprintf("Unexpected device status %q", st.Code)}
	}
}

func (a *vitalAdapter) validate(r *Reading) error {
	if err := validateRanges(r, a.limits, a.required); err != nil {
		return err
	}
	if a.check != nil {
		return a.check(r)
	}
	return nil
}

func (a *vitalAdapter) live(st device.Status) *Reading {
	if st.LiveValue != nil {
		return &Reading{Value: *st.LiveValue, Unit: a.profile.Unit}
	}
	if r, ok := a.extract(st); ok {
		r.Unit = a.profile.Unit
		return r
	}
	return nil
}

func singleValue(key string) func(st device.Status) (*Reading, bool) {
	return func(st device.Status) (*Reading, bool) {
		if st.Value != nil {
			return &Reading{Value: *st.Value}, true
		}
		if v, ok := st.Values[key]; ok {
			return &Reading{Value: v}, true
		}
		return nil, false
	}
}

func multiValue(primary string, needed []string) func(st device.Status) (*Reading, bool) {
	return func(st device.Status) (*Reading, bool) {
		if len(st.Values) == 0 {
			return nil, false
		}
		fields := make(map[string]float64, len(st.Values))
		for k, v := range st.Values {
			fields[k] = v
		}
		if _, ok := fields[primary]; !ok && st.Value != nil {
			fields[primary] = *st.Value
		}
		for _, k := range needed {
			if _, ok := fields[k]; !ok {
				return nil, false
			}
		}
		return &Reading{Value: fields[primary], Fields: fields}, true
	}
}

func checkSystolicAboveDiastolic(r *Reading) error {
	if r.Fields["systolic"] <= r.Fields["diastolic"] {
		return errors.New("systolic not above diastolic")
	}
	return nil
}

// ComplianceAdapter 测量前合规检查（脚部、身体两阶段）
type ComplianceAdapter struct {
	profile   Profile
	clearance *compliance.Clearance
}

// NewComplianceAdapter 创建合规检查适配器；stages 为空时使用 feet→body
func NewComplianceAdapter(clk clock.Clock, profile Profile, stages []compliance.Stage) *ComplianceAdapter {
	d := compliance.NewDebouncer(clk, compliance.DefaultRequiredCount, compliance.DefaultViolationGap)
	return &ComplianceAdapter{profile: profile, clearance: compliance.NewClearance(d, stages)}
}

func (a *ComplianceAdapter) Kind() Kind                  { return device.MetricComplianceCheck }
func (a *ComplianceAdapter) Profile() Profile            { return a.profile }
func (a *ComplianceAdapter) StartParams() map[string]any { return nil }
func (a *ComplianceAdapter) Reset()                      { a.clearance.Reset() }

// Interrupt 当前阶段的连续合规计数归零，已完成的阶段保留
func (a *ComplianceAdapter) Interrupt() { a.clearance.Interrupt() }

// Stage 当前阶段
func (a *ComplianceAdapter) Stage() compliance.Stage { return a.clearance.Current() }

func (a *ComplianceAdapter) StatusQuery() map[string]string {
	if a.clearance.Done() {
		return nil
	}
	return map[string]string{"stage": string(a.clearance.Current())}
}

func (a *ComplianceAdapter) Interpret(phase State, st device.Status) Verdict {
	if st.Code == device.StatusError {
		a.clearance.Interrupt()
		return Verdict{Outcome: OutcomeTransient, ErrKind: TransientReadError, Message: messageOr(st.Message, "Camera error, please hold on")}
	}
	if st.Compliant == nil {
		// 没有合规结论的轮询不算连续读数
		a.clearance.Interrupt()
		if st.Code == device.StatusWaiting || st.Code == device.StatusIdle {
			return Verdict{Outcome: OutcomeProgress, Message: "Preparing camera"}
		}
		return Verdict{Outcome: OutcomeTransient, ErrKind: TransientReadError, Message: "No compliance result, retrying"}
	}

	step := a.clearance.Observe(*st.Compliant, st.Violations)
	stage := string(step.Stage)
	v := Verdict{Outcome: OutcomeProgress}

	if step.ShouldSpeakHoldStill {
		v.Prompts = append(v.Prompts, Prompt{Kind: PromptHoldStill, Text: "Hold still", Stage: stage})
		v.Message = "Hold still"
	}
	if !*st.Compliant {
		v.Message = "Please adjust: " + strings.Join(st.Violations, ", ")
		if step.ShouldSpeakViolation {
			v.Prompts = append(v.Prompts, Prompt{Kind: PromptViolation, Text: v.Message, Stage: stage, Violations: st.Violations})
		}
	}
	if step.StageComplete {
		v.Prompts = append(v.Prompts, Prompt{Kind: PromptStageComplete, Text: stage + " check passed", Stage: stage})
		v.Message = stage + " check passed"
	}

	stages := a.clearance.Stages()
	done := 0
	for i, s := range stages {
		if s == a.clearance.Current() {
			done = i
			break
		}
		done = i + 1
	}
	v.Progress = floatPtr(float64(done) / float64(len(stages)) * 100)

	if step.Done {
		names := make([]string, 0, len(stages))
		for _, s := range stages {
			names = append(names, string(s))
		}
		v.Outcome = OutcomeCompleted
		v.Reading = &Reading{Value: 1, Unit: "pass", Labels: map[string]string{"stages": strings.Join(names, ",")}}
		v.Message = "Clearance complete"
	}
	return v
}

func messageOr(msg, def string) string {
	if msg != "" {
		return msg
	}
	return def
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
