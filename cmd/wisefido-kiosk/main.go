package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-kiosk/internal/common/logger"
	"wisefido-kiosk/internal/config"
	"wisefido-kiosk/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	lg, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-kiosk")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("Starting wisefido-kiosk service",
		zap.String("kiosk_id", cfg.KioskID),
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("device_transport", cfg.Device.Transport),
		zap.String("profiles_file", cfg.ProfilesFile),
	)

	// 创建服务
	kiosk, err := service.NewKioskService(cfg, lg)
	if err != nil {
		lg.Fatal("Failed to create kiosk service", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- kiosk.Start(context.Background())
	}()

	// 等待中断信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		lg.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			lg.Error("Kiosk service exited", zap.Error(err))
		}
	}

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := kiosk.Stop(shutdownCtx); err != nil {
		lg.Error("Error during shutdown", zap.Error(err))
	}

	lg.Info("Service stopped")
}
