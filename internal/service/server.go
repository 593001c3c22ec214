package service

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server 界面命令 API 的 HTTP 服务。
// 只监听本机界面，超时按触屏请求的规模设置。
type Server struct {
	httpServer *http.Server
	kioskID    string
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer 创建 HTTP 服务；日志都带 kiosk_id
func NewServer(addr, kioskID string, handler http.Handler, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("kiosk_id", kioskID))
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}
	return &Server{httpServer: s, kioskID: kioskID, logger: logger}
}

// Start 先绑定端口再服务，绑定失败立即返回；Stop 之后返回 http.ErrServerClosed
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Kiosk UI API listening", zap.String("addr", ln.Addr().String()))
	return s.httpServer.Serve(ln)
}

// Addr 实际监听地址（端口为 0 时由系统分配）；未启动时为配置地址
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

func (s *Server) Stop(ctx context.Context) error {
	started := time.Now()
	err := s.httpServer.Shutdown(ctx)
	s.logger.Info("Kiosk UI API stopped",
		zap.Duration("shutdown", time.Since(started)),
		zap.Error(err),
	)
	return err
}
