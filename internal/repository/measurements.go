package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("measurement not found")

// CreateMeasurementsTableSQL kiosk_measurements 表结构
const CreateMeasurementsTableSQL = `
CREATE TABLE IF NOT EXISTS kiosk_measurements (
    measurement_id UUID PRIMARY KEY,
    kiosk_id       VARCHAR(64)  NOT NULL,
    visit_id       VARCHAR(64),
    session_id     VARCHAR(64)  NOT NULL,
    metric         VARCHAR(32)  NOT NULL,
    value          DOUBLE PRECISION NOT NULL,
    unit           VARCHAR(16),
    fields         JSONB NOT NULL DEFAULT '{}'::jsonb,
    labels         JSONB NOT NULL DEFAULT '{}'::jsonb,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    measured_at    TIMESTAMPTZ NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_kiosk_measurements_kiosk_time ON kiosk_measurements (kiosk_id, measured_at DESC);
CREATE INDEX IF NOT EXISTS idx_kiosk_measurements_visit ON kiosk_measurements (visit_id);
`

// Measurement 一条最终测量结果
type Measurement struct {
	MeasurementID string             `json:"measurement_id"`
	KioskID       string             `json:"kiosk_id"`
	VisitID       string             `json:"visit_id,omitempty"`
	SessionID     string             `json:"session_id"`
	Metric        string             `json:"metric"`
	Value         float64            `json:"value"`
	Unit          string             `json:"unit,omitempty"`
	Fields        map[string]float64 `json:"fields,omitempty"`
	Labels        map[string]string  `json:"labels,omitempty"`
	RetryCount    int                `json:"retry_count"`
	MeasuredAt    time.Time          `json:"measured_at"`
}

// MeasurementRepository 测量结果仓库（PostgreSQL）
type MeasurementRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMeasurementRepository 创建测量结果仓库
func NewMeasurementRepository(db *sql.DB, logger *zap.Logger) *MeasurementRepository {
	return &MeasurementRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema 建表（幂等）
func (r *MeasurementRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, CreateMeasurementsTableSQL); err != nil {
		return fmt.Errorf("failed to create kiosk_measurements: %w", err)
	}
	return nil
}

// Save 写入一条测量结果；MeasurementID 为空时自动生成
func (r *MeasurementRepository) Save(ctx context.Context, m *Measurement) error {
	if m.KioskID == "" {
		return fmt.Errorf("kiosk_id is required")
	}
	if m.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if m.Metric == "" {
		return fmt.Errorf("metric is required")
	}
	if m.MeasurementID == "" {
		m.MeasurementID = uuid.NewString()
	}
	if m.MeasuredAt.IsZero() {
		m.MeasuredAt = time.Now()
	}

	fields, err := marshalOrEmpty(m.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}
	labels, err := marshalOrEmpty(m.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	query := `
		INSERT INTO kiosk_measurements (
			measurement_id, kiosk_id, visit_id, session_id, metric,
			value, unit, fields, labels, retry_count, measured_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (measurement_id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		m.MeasurementID, m.KioskID, nullString(m.VisitID), m.SessionID, m.Metric,
		m.Value, nullString(m.Unit), string(fields), string(labels), m.RetryCount, m.MeasuredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}

	r.logger.Debug("Measurement saved",
		zap.String("measurement_id", m.MeasurementID),
		zap.String("metric", m.Metric),
		zap.Float64("value", m.Value),
	)
	return nil
}

// Get 按 ID 查询
func (r *MeasurementRepository) Get(ctx context.Context, measurementID string) (*Measurement, error) {
	query := `
		SELECT measurement_id, kiosk_id, visit_id, session_id, metric,
		       value, unit, fields, labels, retry_count, measured_at
		FROM kiosk_measurements
		WHERE measurement_id = $1
	`
	m, err := scanMeasurement(r.db.QueryRowContext(ctx, query, measurementID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, measurementID)
		}
		return nil, fmt.Errorf("failed to query measurement: %w", err)
	}
	return m, nil
}

// ListByVisit 某次访问的全部结果（按测量时间升序）
func (r *MeasurementRepository) ListByVisit(ctx context.Context, visitID string) ([]*Measurement, error) {
	query := `
		SELECT measurement_id, kiosk_id, visit_id, session_id, metric,
		       value, unit, fields, labels, retry_count, measured_at
		FROM kiosk_measurements
		WHERE visit_id = $1
		ORDER BY measured_at ASC
	`
	return r.list(ctx, query, visitID)
}

// ListRecent 某台 kiosk 最近的结果
func (r *MeasurementRepository) ListRecent(ctx context.Context, kioskID string, limit int) ([]*Measurement, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT measurement_id, kiosk_id, visit_id, session_id, metric,
		       value, unit, fields, labels, retry_count, measured_at
		FROM kiosk_measurements
		WHERE kiosk_id = $1
		ORDER BY measured_at DESC
		LIMIT $2
	`
	return r.list(ctx, query, kioskID, limit)
}

func (r *MeasurementRepository) list(ctx context.Context, query string, args ...any) ([]*Measurement, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var out []*Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate measurements: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeasurement(s scanner) (*Measurement, error) {
	var (
		m              Measurement
		visitID, unit  sql.NullString
		fields, labels []byte
	)
	err := s.Scan(
		&m.MeasurementID, &m.KioskID, &visitID, &m.SessionID, &m.Metric,
		&m.Value, &unit, &fields, &labels, &m.RetryCount, &m.MeasuredAt,
	)
	if err != nil {
		return nil, err
	}
	m.VisitID = visitID.String
	m.Unit = unit.String
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &m.Fields); err != nil {
			return nil, fmt.Errorf("invalid fields: %w", err)
		}
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &m.Labels); err != nil {
			return nil, fmt.Errorf("invalid labels: %w", err)
		}
	}
	if len(m.Fields) == 0 {
		m.Fields = nil
	}
	if len(m.Labels) == 0 {
		m.Labels = nil
	}
	return &m, nil
}

func marshalOrEmpty(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("{}"), nil
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
