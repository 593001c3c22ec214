package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"wisefido-kiosk/internal/checklist"
	"wisefido-kiosk/internal/clock"
	"wisefido-kiosk/internal/common/database"
	mqttcommon "wisefido-kiosk/internal/common/mqtt"
	rediscommon "wisefido-kiosk/internal/common/redis"
	"wisefido-kiosk/internal/config"
	"wisefido-kiosk/internal/device"
	"wisefido-kiosk/internal/flow"
	"wisefido-kiosk/internal/httpapi"
	"wisefido-kiosk/internal/inactivity"
	"wisefido-kiosk/internal/publisher"
	"wisefido-kiosk/internal/repository"
	"wisefido-kiosk/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const dispatchBuffer = 256

// KioskService 测量采集终端服务：设备后端、事件分发、访问流程和界面 API
type KioskService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	mqttBackend *device.MQTTBackend

	dispatcher *publisher.Dispatcher
	runner     *flow.Runner
	router     *httpapi.Router
	server     *Server

	// 会话的设备调用使用该 ctx，Stop 时取消
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKioskService 按配置连接依赖并组装服务。Redis 和数据库不可用时降级运行（不发布/不落库）。
func NewKioskService(cfg *config.Config, logger *zap.Logger) (*KioskService, error) {
	s := &KioskService{config: cfg, logger: logger}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	backend, err := s.openBackend()
	if err != nil {
		s.cancel()
		return nil, err
	}

	var (
		sinks []publisher.Sink
		live  httpapi.LiveReader
		repo  *repository.MeasurementRepository
	)
	visit := func() string {
		if s.runner == nil {
			return ""
		}
		return s.runner.VisitID()
	}

	if cfg.RedisEnabled {
		client := rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(s.ctx, client); err != nil {
			logger.Warn("Redis unavailable, measurement events will not be published", zap.Error(err))
			_ = client.Close()
		} else {
			s.redisClient = client
			cache := publisher.NewLiveCache(store.NewRedisKV(client), cfg.KioskID, cfg.LiveTTL)
			sinks = append(sinks,
				publisher.NewStreamPublisher(client, cfg.Stream.Name, cfg.Stream.MaxLen, cfg.KioskID, visit),
				cache,
			)
			live = cache
		}
	}

	if cfg.DBEnabled {
		if db, err := database.NewPostgresDB(s.ctx, &cfg.Database); err != nil {
			logger.Warn("DB enabled but connection failed, measurements will not be persisted", zap.Error(err))
		} else {
			repo = repository.NewMeasurementRepository(db, logger)
			if err := repo.EnsureSchema(s.ctx); err != nil {
				logger.Warn("Failed to ensure measurement schema", zap.Error(err))
			}
			s.db = db
			sinks = append(sinks, publisher.NewRecorder(repo, cfg.KioskID, visit, logger))
		}
	}

	s.dispatcher = publisher.NewDispatcher(logger, dispatchBuffer, sinks...)

	clk := clock.New()
	guard := inactivity.NewGuard(clk, logger, inactivity.Options{
		Enabled:       cfg.Idle.Enabled,
		Warning:       cfg.Idle.Warning,
		Final:         cfg.Idle.Final,
		ExcludedPaths: cfg.Idle.ExcludedPaths,
	})
	s.runner = flow.NewRunner(flow.Options{
		Backend:     backend,
		Router:      checklist.NewRouter(checklist.WithCompletePath(cfg.CompletePath)),
		Guard:       guard,
		Clock:       clk,
		Logger:      logger,
		Settings:    cfg.MetricSettings,
		Hooks:       []flow.Hook{s.dispatcher.Attach},
		StandbyPath: cfg.Idle.StandbyPath,
	})

	s.router = httpapi.NewRouter(logger)
	s.router.RegisterKioskRoutes(httpapi.NewKioskHandler(s.ctx, s.runner, cfg.Checklist, live, logger))
	if repo != nil {
		s.router.RegisterMeasurementRoutes(httpapi.NewMeasurementHandler(repo, cfg.KioskID, logger))
	}
	s.server = NewServer(cfg.HTTP.Addr, cfg.KioskID, s.router, logger)

	logger.Info("Kiosk service assembled",
		zap.String("kiosk_id", cfg.KioskID),
		zap.String("device_transport", cfg.Device.Transport),
		zap.Bool("redis", s.redisClient != nil),
		zap.Bool("database", s.db != nil),
		zap.Strings("checklist", cfg.Checklist),
	)
	return s, nil
}

func (s *KioskService) openBackend() (device.Backend, error) {
	cfg := s.config
	if cfg.Device.Transport != "mqtt" {
		return device.NewHTTPBackend(cfg.Device.BaseURL, cfg.Device.Timeout, s.logger), nil
	}

	client, err := mqttcommon.NewClient(&cfg.MQTT, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	backend := device.NewMQTTBackend(client, cfg.KioskID, cfg.MQTT.QoS, s.logger)
	if err := backend.Open(); err != nil {
		client.Disconnect()
		return nil, err
	}
	s.mqttClient = client
	s.mqttBackend = backend
	return backend, nil
}

// Handler 界面 API
func (s *KioskService) Handler() http.Handler { return s.router }

// Runner 访问流程
func (s *KioskService) Runner() *flow.Runner { return s.runner }

// Start 启动事件分发并阻塞运行 HTTP 服务，直到 Stop
func (s *KioskService) Start(ctx context.Context) error {
	s.logger.Info("Starting kiosk service components")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run(s.ctx)
	}()

	if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop 结束当前访问，停止 HTTP 服务，处理完剩余事件后关闭连接
func (s *KioskService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping kiosk service")

	s.runner.Close()
	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	s.cancel()
	s.wg.Wait()

	if dropped := s.dispatcher.Dropped(); dropped > 0 {
		s.logger.Warn("Measurement events dropped", zap.Uint64("dropped", dropped))
	}

	if s.mqttBackend != nil {
		if err := s.mqttBackend.Close(); err != nil {
			s.logger.Error("Error closing MQTT backend", zap.Error(err))
		}
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}

	s.logger.Info("Kiosk service stopped")
	return nil
}
