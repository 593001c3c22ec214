package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const apiPrefix = "/kiosk/api/v1"

// Router kiosk 界面命令 API
type Router struct {
	mux    *mux.Router
	api    *mux.Router
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{mux: mux.NewRouter(), logger: logger}
	r.mux.Use(r.logRequests)
	r.api = r.mux.PathPrefix(apiPrefix).Subrouter()
	r.mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]any{"status": "ok"}))
	}).Methods(http.MethodGet)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterKioskRoutes 访问流程相关路由
func (r *Router) RegisterKioskRoutes(h *KioskHandler) {
	api := r.api
	api.HandleFunc("/visit", h.BeginVisit).Methods(http.MethodPost)
	api.HandleFunc("/abort", h.Abort).Methods(http.MethodPost)
	api.HandleFunc("/activity", h.Activity).Methods(http.MethodPost)
	api.HandleFunc("/measure-again", h.MeasureAgain).Methods(http.MethodPost)
	api.HandleFunc("/skip", h.Skip).Methods(http.MethodPost)
	api.HandleFunc("/navigate", h.Navigate).Methods(http.MethodPost)
	api.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	api.HandleFunc("/live/{metric}", h.Live).Methods(http.MethodGet)
}

// RegisterMeasurementRoutes 历史测量结果（需要数据库）
func (r *Router) RegisterMeasurementRoutes(h *MeasurementHandler) {
	api := r.api
	api.HandleFunc("/measurements", h.List).Methods(http.MethodGet)
	api.HandleFunc("/measurements/{id}", h.Get).Methods(http.MethodGet)
}

func (r *Router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		r.logger.Debug("HTTP request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
