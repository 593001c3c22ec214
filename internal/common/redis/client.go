// Package redis kiosk 使用的 Redis 连接和 Stream 读写
package redis

import (
	"context"
	"time"

	"wisefido-kiosk/internal/common/config"

	"github.com/go-redis/redis/v8"
)

const defaultPingTimeout = 2 * time.Second

// NewRedisClient 创建 Redis 客户端。终端与 Redis 之间可能是不稳定的网络，读写超时和连接池都按小流量设置。
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.DialTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   1,
	}
	return redis.NewClient(opts)
}

// Ping 检查 Redis 是否可用；ctx 没有截止时间时最多等待 2 秒
func Ping(ctx context.Context, client *redis.Client) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPingTimeout)
		defer cancel()
	}
	return client.Ping(ctx).Err()
}

// Close 关闭客户端，nil 时忽略
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
