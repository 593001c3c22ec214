package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	commoncfg "wisefido-kiosk/internal/common/config"
	"wisefido-kiosk/internal/device"
)

// Config wisefido-kiosk（测量采集终端）配置
type Config struct {
	KioskID string

	HTTP struct {
		Addr string
	}

	Device struct {
		Transport   string // http | mqtt
		BaseURL     string
		Timeout     time.Duration
		StopTimeout time.Duration
	}

	DBEnabled bool
	Database  commoncfg.DatabaseConfig

	RedisEnabled bool
	Redis        commoncfg.RedisConfig
	Stream       struct {
		Name   string
		MaxLen int64
	}
	LiveTTL time.Duration

	MQTT commoncfg.MQTTConfig

	Session struct {
		MaxRetries        int
		Cooldown          time.Duration
		BackoffMultiplier float64
		MaxCooldown       time.Duration
		FailureThreshold  int
	}

	Idle struct {
		Enabled       bool
		Warning       time.Duration
		Final         time.Duration
		ExcludedPaths []string
		StandbyPath   string
	}

	Checklist    []string
	CompletePath string

	Log struct {
		Level  string
		Format string
	}

	ProfilesFile string
	Profiles     map[device.Metric]MetricProfile
}

// Load 从环境变量加载配置；设置了 METRIC_PROFILES_FILE 时同时加载测量项配置文件
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.KioskID = getEnv("KIOSK_ID", hostnameOr("kiosk-local"))
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Device.Transport = strings.ToLower(getEnv("DEVICE_TRANSPORT", "http"))
	cfg.Device.BaseURL = getEnv("DEVICE_BASE_URL", "http://localhost:9000")
	cfg.Device.Timeout = parseMillis(getEnv("DEVICE_TIMEOUT_MS", "3000"), 3*time.Second)
	cfg.Device.StopTimeout = parseMillis(getEnv("DEVICE_STOP_TIMEOUT_MS", "3000"), 3*time.Second)
	if cfg.Device.Transport != "http" && cfg.Device.Transport != "mqtt" {
		return nil, fmt.Errorf("invalid DEVICE_TRANSPORT %q (want http or mqtt)", cfg.Device.Transport)
	}

	cfg.DBEnabled = getEnv("DB_ENABLED", "false") == "true"
	cfg.Database = commoncfg.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "owlrd",
		SSLMode:        "disable",
		MaxConns:       parseInt(getEnv("DB_MAX_CONNS", "5"), 5),
		MaxIdle:        parseInt(getEnv("DB_MAX_IDLE", "2"), 2),
		ConnectTimeout: 3 * time.Second,
	}
	if err := cfg.Database.LoadFromEnv("DB"); err != nil {
		return nil, err
	}

	cfg.RedisEnabled = getEnv("REDIS_ENABLED", "true") == "true"
	cfg.Redis = commoncfg.RedisConfig{Addr: "localhost:6379", DialTimeout: 2 * time.Second, PoolSize: 4}
	if err := cfg.Redis.LoadFromEnv("REDIS"); err != nil {
		return nil, err
	}
	cfg.Stream.Name = getEnv("MEASUREMENT_STREAM", "kiosk:measurement:stream")
	cfg.Stream.MaxLen = int64(parseInt(getEnv("MEASUREMENT_STREAM_MAXLEN", "10000"), 10000))
	cfg.LiveTTL = parseMillis(getEnv("LIVE_CACHE_TTL_MS", "30000"), 30*time.Second)

	cfg.MQTT = commoncfg.MQTTConfig{
		Broker:         "tcp://localhost:1883",
		ClientID:       "wisefido-kiosk-" + cfg.KioskID,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
	if err := cfg.MQTT.LoadFromEnv("MQTT"); err != nil {
		return nil, err
	}

	cfg.Session.MaxRetries = parseInt(getEnv("SESSION_MAX_RETRIES", "3"), 3)
	cfg.Session.Cooldown = parseMillis(getEnv("SESSION_COOLDOWN_MS", "2000"), 2*time.Second)
	cfg.Session.BackoffMultiplier = parseFloat(getEnv("SESSION_BACKOFF_MULTIPLIER", "1"), 1)
	cfg.Session.MaxCooldown = parseMillis(getEnv("SESSION_MAX_COOLDOWN_MS", "0"), 0)
	cfg.Session.FailureThreshold = parseInt(getEnv("SESSION_FAILURE_THRESHOLD", "2"), 2)

	cfg.Idle.Enabled = getEnv("IDLE_ENABLED", "true") == "true"
	cfg.Idle.Warning = parseMillis(getEnv("IDLE_WARNING_MS", "30000"), 30*time.Second)
	cfg.Idle.Final = parseMillis(getEnv("IDLE_FINAL_MS", "60000"), 60*time.Second)
	cfg.Idle.StandbyPath = getEnv("IDLE_STANDBY_PATH", "/")
	cfg.Idle.ExcludedPaths = splitList(getEnv("IDLE_EXCLUDED_PATHS", "/,/standby"))
	if cfg.Idle.Warning >= cfg.Idle.Final {
		return nil, fmt.Errorf("IDLE_WARNING_MS (%s) must be shorter than IDLE_FINAL_MS (%s)", cfg.Idle.Warning, cfg.Idle.Final)
	}

	cfg.Checklist = splitList(getEnv("CHECKLIST", "compliance_check,weight,height,temperature,pulse_ox,blood_pressure_image"))
	for _, step := range cfg.Checklist {
		if _, err := device.ParseMetric(step); err != nil {
			return nil, fmt.Errorf("invalid CHECKLIST: %w", err)
		}
	}
	cfg.CompletePath = getEnv("CHECKLIST_COMPLETE_PATH", "/summary")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.ProfilesFile = getEnv("METRIC_PROFILES_FILE", "")
	if cfg.ProfilesFile != "" {
		profiles, err := LoadProfiles(cfg.ProfilesFile)
		if err != nil {
			return nil, err
		}
		cfg.Profiles = profiles
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseFloat(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func parseMillis(s string, def time.Duration) time.Duration {
	ms, err := strconv.Atoi(s)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostnameOr(def string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return def
}
