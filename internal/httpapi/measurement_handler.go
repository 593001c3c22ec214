package httpapi

import (
	"context"
	"errors"
	"net/http"

	"wisefido-kiosk/internal/repository"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// MeasurementLister 测量结果查询
type MeasurementLister interface {
	Get(ctx context.Context, measurementID string) (*repository.Measurement, error)
	ListByVisit(ctx context.Context, visitID string) ([]*repository.Measurement, error)
	ListRecent(ctx context.Context, kioskID string, limit int) ([]*repository.Measurement, error)
}

type MeasurementHandler struct {
	repo    MeasurementLister
	kioskID string
	logger  *zap.Logger
}

func NewMeasurementHandler(repo MeasurementLister, kioskID string, logger *zap.Logger) *MeasurementHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MeasurementHandler{repo: repo, kioskID: kioskID, logger: logger}
}

// GET /kiosk/api/v1/measurements
// params:
// - visit_id? string  指定访问的全部结果
// - limit? number (default 20)  未指定 visit_id 时返回本终端最近的结果
func (h *MeasurementHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var (
		items []*repository.Measurement
		err   error
	)
	if visitID := q.Get("visit_id"); visitID != "" {
		items, err = h.repo.ListByVisit(ctx, visitID)
	} else {
		items, err = h.repo.ListRecent(ctx, h.kioskID, parseLimit(q.Get("limit"), 20, maxListLimit))
	}
	if err != nil {
		h.logger.Error("Failed to list measurements", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail("failed to list measurements"))
		return
	}
	if items == nil {
		items = []*repository.Measurement{}
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"count": len(items),
	}))
}

// GET /kiosk/api/v1/measurements/{id}
func (h *MeasurementHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := h.repo.Get(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusOK, Fail("measurement not found"))
		return
	}
	if err != nil {
		h.logger.Error("Failed to get measurement", zap.String("measurement_id", id), zap.Error(err))
		writeJSON(w, http.StatusOK, Fail("failed to get measurement"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(m))
}
