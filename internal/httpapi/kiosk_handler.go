package httpapi

import (
	"context"
	"errors"
	"net/http"

	"wisefido-kiosk/internal/device"
	"wisefido-kiosk/internal/flow"
	"wisefido-kiosk/internal/publisher"
	"wisefido-kiosk/internal/store"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Flow flow.Runner 对界面暴露的操作
type Flow interface {
	BeginVisit(ctx context.Context, steps []string) (string, error)
	RecordActivity()
	MeasureAgain() error
	Skip() error
	Navigate(path string) error
	Abort(reason string)
	Status() flow.Status
}

// LiveReader 实时读数缓存
type LiveReader interface {
	Get(ctx context.Context, metric device.Metric) (*publisher.LiveEntry, error)
}

// KioskHandler 访问流程命令
type KioskHandler struct {
	// 会话生命周期不跟随单个请求，设备调用使用服务级 ctx
	ctx       context.Context
	flow      Flow
	checklist []string
	live      LiveReader
	logger    *zap.Logger
}

// NewKioskHandler live 可以为 nil（未启用 Redis）
func NewKioskHandler(ctx context.Context, f Flow, checklist []string, live LiveReader, logger *zap.Logger) *KioskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KioskHandler{ctx: ctx, flow: f, checklist: checklist, live: live, logger: logger}
}

type beginVisitRequest struct {
	Checklist []string `json:"checklist"`
}

// POST /kiosk/api/v1/visit
// body: { checklist?: string[] }  不传时使用配置的检查清单
func (h *KioskHandler) BeginVisit(w http.ResponseWriter, r *http.Request) {
	var req beginVisitRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}
	steps := req.Checklist
	if len(steps) == 0 {
		steps = h.checklist
	}

	visitID, err := h.flow.BeginVisit(h.ctx, steps)
	if err != nil {
		h.logger.Warn("Begin visit rejected", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"visit_id": visitID,
		"status":   h.flow.Status(),
	}))
}

type abortRequest struct {
	Reason string `json:"reason"`
}

// POST /kiosk/api/v1/abort
func (h *KioskHandler) Abort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusOK, Fail("invalid body"))
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}
	h.flow.Abort(req.Reason)
	writeJSON(w, http.StatusOK, Ok(h.flow.Status()))
}

// POST /kiosk/api/v1/activity  触摸、语音等用户操作
func (h *KioskHandler) Activity(w http.ResponseWriter, r *http.Request) {
	h.flow.RecordActivity()
	writeJSON(w, http.StatusOK, Ok(map[string]any{"success": true}))
}

// POST /kiosk/api/v1/measure-again
func (h *KioskHandler) MeasureAgain(w http.ResponseWriter, r *http.Request) {
	h.command(w, "measure again", h.flow.MeasureAgain)
}

// POST /kiosk/api/v1/skip
func (h *KioskHandler) Skip(w http.ResponseWriter, r *http.Request) {
	h.command(w, "skip", h.flow.Skip)
}

type navigateRequest struct {
	Path string `json:"path"`
}

// POST /kiosk/api/v1/navigate
// body: { path: string }
func (h *KioskHandler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil || req.Path == "" {
		writeJSON(w, http.StatusOK, Fail("path is required"))
		return
	}
	h.command(w, "navigate", func() error { return h.flow.Navigate(req.Path) })
}

// GET /kiosk/api/v1/status
func (h *KioskHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.flow.Status()))
}

// GET /kiosk/api/v1/live/{metric}
func (h *KioskHandler) Live(w http.ResponseWriter, r *http.Request) {
	metric, err := device.ParseMetric(mux.Vars(r)["metric"])
	if err != nil {
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}
	if h.live == nil {
		writeJSON(w, http.StatusOK, Fail("live cache is disabled"))
		return
	}

	entry, err := h.live.Get(r.Context(), metric)
	if errors.Is(err, store.ErrMiss) {
		writeJSON(w, http.StatusOK, Fail("no live reading"))
		return
	}
	if err != nil {
		h.logger.Warn("Failed to read live cache", zap.String("metric", string(metric)), zap.Error(err))
		writeJSON(w, http.StatusOK, Fail("failed to read live cache"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(entry))
}

func (h *KioskHandler) command(w http.ResponseWriter, name string, fn func() error) {
	if err := fn(); err != nil {
		h.logger.Info("Kiosk command rejected", zap.String("command", name), zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.flow.Status()))
}
