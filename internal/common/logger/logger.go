// Package logger 统一的 zap 日志构造
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger 创建 Logger
// level: debug / info / warn(warning) / error，无法识别时为 info
// format: "console" 为开发格式，其余均为 JSON
// serviceName: 写入 service_name 字段，空则不写
func NewLogger(level string, format string, serviceName string) (*zap.Logger, error) {
	cfg := buildConfig(format)
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	var fields []zap.Field
	if serviceName != "" {
		fields = append(fields, zap.String("service_name", serviceName))
	}
	// 多台终端共用日志收集时用主机名区分来源
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		fields = append(fields, zap.String("hostname", hostname))
	}
	return base.With(fields...), nil
}

func buildConfig(format string) zap.Config {
	if strings.EqualFold(format, "console") {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}

	cfg := zap.NewProductionConfig()
	// 测量事件日志不能被采样丢弃
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg
}

func parseLevel(level string) zapcore.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return zapcore.WarnLevel
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil || lvl > zapcore.ErrorLevel {
		return zapcore.InfoLevel
	}
	return lvl
}
