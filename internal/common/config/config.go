// Package config 数据库、Redis、MQTT 连接配置。默认值由调用方给出，环境变量按前缀覆盖。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DatabaseConfig 测量结果落库的 PostgreSQL 连接
type DatabaseConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	SSLMode        string
	MaxConns       int
	MaxIdle        int
	ConnectTimeout time.Duration
}

// RedisConfig 事件流和实时读数缓存使用的 Redis
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	PoolSize    int
}

// MQTTConfig 设备状态上报 / 命令下发
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// GetDSN lib/pq 连接串；connect_timeout 以秒计，最少 1 秒
func (c *DatabaseConfig) GetDSN() string {
	parts := []string{
		"host=" + c.Host,
		"port=" + strconv.Itoa(c.Port),
		"user=" + c.User,
		"password=" + c.Password,
		"dbname=" + c.Database,
		"sslmode=" + c.SSLMode,
		"application_name=wisefido-kiosk",
	}
	if c.ConnectTimeout > 0 {
		secs := int(c.ConnectTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		parts = append(parts, "connect_timeout="+strconv.Itoa(secs))
	}
	return strings.Join(parts, " ")
}

// LoadFromEnv 读取 {prefix}_HOST/_PORT/_USER/_PASSWORD/_NAME/_SSLMODE/_CONNECT_TIMEOUT_MS
func (c *DatabaseConfig) LoadFromEnv(prefix string) error {
	env := envLoader{prefix: prefix}
	env.str("HOST", &c.Host)
	env.num("PORT", &c.Port)
	env.str("USER", &c.User)
	env.str("PASSWORD", &c.Password)
	env.str("NAME", &c.Database)
	env.str("SSLMODE", &c.SSLMode)
	env.millis("CONNECT_TIMEOUT_MS", &c.ConnectTimeout)
	return env.err()
}

// LoadFromEnv 读取 {prefix}_ADDR/_PASSWORD/_DB/_DIAL_TIMEOUT_MS/_POOL_SIZE
func (c *RedisConfig) LoadFromEnv(prefix string) error {
	env := envLoader{prefix: prefix}
	env.str("ADDR", &c.Addr)
	env.str("PASSWORD", &c.Password)
	env.num("DB", &c.DB)
	env.millis("DIAL_TIMEOUT_MS", &c.DialTimeout)
	env.num("POOL_SIZE", &c.PoolSize)
	return env.err()
}

// LoadFromEnv 读取 {prefix}_BROKER/_CLIENT_ID/_USERNAME/_PASSWORD/_QOS/_KEEPALIVE_MS/_CONNECT_TIMEOUT_MS
func (c *MQTTConfig) LoadFromEnv(prefix string) error {
	env := envLoader{prefix: prefix}
	env.str("BROKER", &c.Broker)
	env.str("CLIENT_ID", &c.ClientID)
	env.str("USERNAME", &c.Username)
	env.str("PASSWORD", &c.Password)
	qos := int(c.QoS)
	env.num("QOS", &qos)
	if qos < 0 || qos > 2 {
		env.fail("QOS", strconv.Itoa(qos))
	} else {
		c.QoS = byte(qos)
	}
	env.millis("KEEPALIVE_MS", &c.KeepAlive)
	env.millis("CONNECT_TIMEOUT_MS", &c.ConnectTimeout)
	return env.err()
}

// envLoader 格式错误的值不会覆盖原值，全部错误在 err() 中一起返回
type envLoader struct {
	prefix string
	bad    []string
}

func (l *envLoader) lookup(suffix string) (string, bool) {
	v := os.Getenv(l.prefix + "_" + suffix)
	return v, v != ""
}

func (l *envLoader) fail(suffix, value string) {
	l.bad = append(l.bad, fmt.Sprintf("%s_%s=%q", l.prefix, suffix, value))
}

func (l *envLoader) str(suffix string, dst *string) {
	if v, ok := l.lookup(suffix); ok {
		*dst = v
	}
}

func (l *envLoader) num(suffix string, dst *int) {
	v, ok := l.lookup(suffix)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(suffix, v)
		return
	}
	*dst = n
}

func (l *envLoader) millis(suffix string, dst *time.Duration) {
	v, ok := l.lookup(suffix)
	if !ok {
		return
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		l.fail(suffix, v)
		return
	}
	*dst = time.Duration(ms) * time.Millisecond
}

func (l *envLoader) err() error {
	if len(l.bad) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment values: %s", strings.Join(l.bad, ", "))
}
