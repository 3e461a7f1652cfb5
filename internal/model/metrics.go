package model

import (
	"time"

	"github.com/google/uuid"
)

// CalibrationSample ties a review outcome to the confidence the pipeline
// predicted, for later threshold tuning. Captured on review resolution.
type CalibrationSample struct {
	ID                  uuid.UUID  `json:"id"`
	MessageID           uuid.UUID  `json:"message_id"`
	ReviewItemID        uuid.UUID  `json:"review_item_id"`
	PredictedConfidence float64    `json:"predicted_confidence"`
	ConfidenceBucket    Confidence `json:"confidence_bucket"`
	DocumentType        string     `json:"document_type"`
	WasCorrect          bool       `json:"was_correct"`
	CorrectionType      *string    `json:"correction_type,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// OperationalMetric is one raw metric sample. Raw rows are kept 30 days and
// rolled up daily; rollups are permanent.
type OperationalMetric struct {
	ID         uuid.UUID         `json:"id"`
	MetricType string            `json:"metric_type"`
	Value      float64           `json:"value"`
	Labels     map[string]string `json:"labels,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Well-known metric types.
const (
	MetricQueueDepth      = "queue_depth"
	MetricStageDuration   = "stage_duration_ms"
	MetricErrorCount      = "error_count"
	MetricTokenUsage      = "token_usage"
	MetricConfidence      = "confidence"
	MetricPromptTokens    = "prompt_tokens"
	MetricPromptCostUSD   = "prompt_cost_usd"
	MetricPromptLatencyMS = "prompt_latency_ms"
	MetricPromptSuccess   = "prompt_success"
)

// DailyMetricRollup is the permanent daily aggregate of one metric.
type DailyMetricRollup struct {
	ID          uuid.UUID `json:"id"`
	MetricType  string    `json:"metric_type"`
	Date        time.Time `json:"date"`
	LabelsKey   string    `json:"labels_key"`
	SampleCount int64     `json:"sample_count"`
	Sum         float64   `json:"sum"`
	Avg         float64   `json:"avg"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	P95         float64   `json:"p95"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReconciliationReport summarizes one reconciler run.
type ReconciliationReport struct {
	ID              uuid.UUID        `json:"id"`
	RecordsChecked  int              `json:"records_checked"`
	MismatchesFound int              `json:"mismatches_found"`
	AutoRepaired    int              `json:"auto_repaired"`
	FailedRepairs   int              `json:"failed_repairs"`
	Details         []map[string]any `json:"details,omitempty"`
	Status          string           `json:"status"` // running, completed, failed
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
}
