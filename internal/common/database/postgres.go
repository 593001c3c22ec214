// Package database 测量结果库的 PostgreSQL 连接
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-kiosk/internal/common/config"

	_ "github.com/lib/pq"
)

// NewPostgresDB 打开连接池并确认数据库可达。
// 数据库只用于落库，连接数保持很小；ConnectTimeout 同时限制 Ping 的等待时间。
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}

	return db, nil
}

// Close 关闭连接池，nil 时忽略
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
