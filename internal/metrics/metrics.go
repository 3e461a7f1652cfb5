// Package metrics records raw operational metric samples and rolls them up
// daily. Raw rows are kept 30 days; rollups are permanent.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

const (
	// RawRetention bounds how long raw samples are kept before the daily
	// rollup makes them redundant.
	RawRetention = 30 * 24 * time.Hour

	rollupTimeout = 2 * time.Minute
	recordTimeout = 5 * time.Second
)

// Store is the persistence surface. *storage.DB satisfies it.
type Store interface {
	InsertMetric(ctx context.Context, m model.OperationalMetric) error
	RollupMetricsForDate(ctx context.Context, date time.Time) (int64, error)
	DeleteRawMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder writes raw samples. All record methods are best-effort: failures
// are logged and never propagate into the pipeline.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record writes one sample with labels.
func (r *Recorder) Record(ctx context.Context, metricType string, value float64, labels map[string]string) {
	opCtx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	err := r.store.InsertMetric(opCtx, model.OperationalMetric{
		MetricType: metricType,
		Value:      value,
		Labels:     labels,
	})
	if err != nil {
		r.logger.Warn("metric record failed", "metric_type", metricType, "error", err)
	}
}

// QueueDepth samples the number of queued messages.
func (r *Recorder) QueueDepth(ctx context.Context, depth int) {
	r.Record(ctx, model.MetricQueueDepth, float64(depth), nil)
}

// StageDuration samples one pipeline stage's wall time.
func (r *Recorder) StageDuration(ctx context.Context, stage string, d time.Duration) {
	r.Record(ctx, model.MetricStageDuration, float64(d.Milliseconds()),
		map[string]string{"stage": stage})
}

// Error counts one error by stage and kind.
func (r *Recorder) Error(ctx context.Context, stage, kind string) {
	r.Record(ctx, model.MetricErrorCount, 1,
		map[string]string{"stage": stage, "kind": kind})
}

// TokenUsage samples tokens consumed per model.
func (r *Recorder) TokenUsage(ctx context.Context, llmModel string, tokens int) {
	r.Record(ctx, model.MetricTokenUsage, float64(tokens),
		map[string]string{"model": llmModel})
}

// Confidence samples a final overall confidence, labeled by route.
func (r *Recorder) Confidence(ctx context.Context, route string, confidence float64) {
	r.Record(ctx, model.MetricConfidence, confidence,
		map[string]string{"route": route})
}

// Prompt records the per-prompt quartet: tokens, cost, latency, success.
func (r *Recorder) Prompt(ctx context.Context, promptName, llmModel string, tokens int, costUSD float64, latency time.Duration, ok bool) {
	labels := map[string]string{"prompt": promptName, "model": llmModel}
	r.Record(ctx, model.MetricPromptTokens, float64(tokens), labels)
	r.Record(ctx, model.MetricPromptCostUSD, costUSD, labels)
	r.Record(ctx, model.MetricPromptLatencyMS, float64(latency.Milliseconds()), labels)
	success := 0.0
	if ok {
		success = 1.0
	}
	r.Record(ctx, model.MetricPromptSuccess, success, labels)
}

// RollupOnce aggregates yesterday's raw samples and enforces raw retention.
// Re-running is safe: the rollup upserts per (metric_type, date, labels_key).
func RollupOnce(ctx context.Context, store Store, logger *slog.Logger, now time.Time) {
	opCtx, cancel := context.WithTimeout(ctx, rollupTimeout)
	defer cancel()

	yesterday := now.UTC().AddDate(0, 0, -1)
	rows, err := store.RollupMetricsForDate(opCtx, yesterday)
	if err != nil {
		logger.Warn("metric rollup failed", "date", yesterday.Format("2006-01-02"), "error", err)
	} else if rows > 0 {
		logger.Info("metric rollup complete",
			"date", yesterday.Format("2006-01-02"), "rows", rows)
	}

	deleted, err := store.DeleteRawMetricsBefore(opCtx, now.UTC().Add(-RawRetention))
	if err != nil {
		logger.Warn("raw metric cleanup failed", "error", err)
	} else if deleted > 0 {
		logger.Info("raw metric cleanup deleted rows", "deleted", deleted)
	}
}

// RunRollupLoop runs RollupOnce on the interval until ctx is cancelled.
func RunRollupLoop(ctx context.Context, store Store, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RollupOnce(ctx, store, logger, time.Now())
		}
	}
}
