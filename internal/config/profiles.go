package config

import (
	"fmt"
	"os"
	"time"

	"wisefido-kiosk/internal/device"
	"wisefido-kiosk/internal/measurement"

	"gopkg.in/yaml.v3"
)

// MetricProfile 单个测量项的覆盖配置（YAML）
//
//	metrics:
//	  temperature:
//	    interval_ms: 1000
//	    timeout_ms: 30000
//	    max_retries: 3
//	    cooldown_ms: 2000
//	    limits:
//	      value: {min: 34.0, max: 42.0}
type MetricProfile struct {
	IntervalMs int                          `yaml:"interval_ms"`
	TimeoutMs  int                          `yaml:"timeout_ms"`
	MaxRetries int                          `yaml:"max_retries"`
	CooldownMs int                          `yaml:"cooldown_ms"`
	Limits     map[string]measurement.Range `yaml:"limits"`
}

type profilesFile struct {
	Metrics map[string]MetricProfile `yaml:"metrics"`
}

// LoadProfiles 读取测量项配置文件
func LoadProfiles(path string) (map[device.Metric]MetricProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metric profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles 解析并校验测量项配置
func ParseProfiles(data []byte) (map[device.Metric]MetricProfile, error) {
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse metric profiles: %w", err)
	}

	out := make(map[device.Metric]MetricProfile, len(f.Metrics))
	for name, p := range f.Metrics {
		metric, err := device.ParseMetric(name)
		if err != nil {
			return nil, err
		}
		if p.IntervalMs < 0 || p.TimeoutMs < 0 || p.MaxRetries < 0 || p.CooldownMs < 0 {
			return nil, fmt.Errorf("%s: negative values are not allowed", name)
		}
		if p.IntervalMs > 0 && p.TimeoutMs > 0 && p.IntervalMs >= p.TimeoutMs {
			return nil, fmt.Errorf("%s: interval_ms must be shorter than timeout_ms", name)
		}
		for field, r := range p.Limits {
			if r.Min > r.Max {
				return nil, fmt.Errorf("%s: limit %s has min %.1f above max %.1f", name, field, r.Min, r.Max)
			}
		}
		out[metric] = p
	}
	return out, nil
}

// Override 转换为适配器覆盖参数
func (p MetricProfile) Override() *measurement.Override {
	return &measurement.Override{
		Interval: time.Duration(p.IntervalMs) * time.Millisecond,
		Timeout:  time.Duration(p.TimeoutMs) * time.Millisecond,
		Limits:   p.Limits,
	}
}

// SessionConfig 在基础会话配置上应用该测量项的重试设置
func (p MetricProfile) SessionConfig(base measurement.Config) measurement.Config {
	if p.MaxRetries > 0 {
		base.MaxRetries = p.MaxRetries
	}
	if p.CooldownMs > 0 {
		base.Cooldown = time.Duration(p.CooldownMs) * time.Millisecond
	}
	return base
}

// SessionConfig 服务级会话配置
func (c *Config) SessionConfig() measurement.Config {
	sc := measurement.DefaultConfig()
	sc.MaxRetries = c.Session.MaxRetries
	sc.Cooldown = c.Session.Cooldown
	sc.BackoffMultiplier = c.Session.BackoffMultiplier
	sc.MaxCooldown = c.Session.MaxCooldown
	sc.FailureThreshold = c.Session.FailureThreshold
	sc.StopTimeout = c.Device.StopTimeout
	return sc
}

// MetricSettings 某个测量项最终生效的适配器覆盖参数和会话配置
func (c *Config) MetricSettings(metric device.Metric) (*measurement.Override, measurement.Config) {
	base := c.SessionConfig()
	p, ok := c.Profiles[metric]
	if !ok {
		return nil, base
	}
	return p.Override(), p.SessionConfig(base)
}
