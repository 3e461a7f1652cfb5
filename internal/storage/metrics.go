package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

// InsertMetric records one raw operational metric sample. Metric write
// errors are swallowed by callers; this method still reports them for the
// caller to log.
func (db *DB) InsertMetric(ctx context.Context, m model.OperationalMetric) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	labels, err := json.Marshal(m.Labels)
	if err != nil {
		return fmt.Errorf("storage: marshal metric labels: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO operational_metrics (id, metric_type, value, labels, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.MetricType, m.Value, labels, m.RecordedAt)
	if err != nil {
		return fmt.Errorf("storage: insert metric: %w", err)
	}
	return nil
}

// RollupMetricsForDate aggregates raw metrics for one UTC date into
// daily_metric_rollups, one row per (metric_type, labels_key). Re-running
// for the same date replaces the previous rollup.
func (db *DB) RollupMetricsForDate(ctx context.Context, date time.Time) (int64, error) {
	day := date.UTC().Truncate(24 * time.Hour)
	tag, err := db.pool.Exec(ctx, `
		INSERT INTO daily_metric_rollups
		    (id, metric_type, date, labels_key, sample_count, sum, avg, min, max, p95)
		SELECT gen_random_uuid(), metric_type, $1::date, labels::text,
		       count(*), sum(value), avg(value), min(value), max(value),
		       percentile_cont(0.95) WITHIN GROUP (ORDER BY value)
		FROM operational_metrics
		WHERE recorded_at >= $1 AND recorded_at < $1::date + INTERVAL '1 day'
		GROUP BY metric_type, labels::text
		ON CONFLICT (metric_type, date, labels_key) DO UPDATE SET
		    sample_count = EXCLUDED.sample_count,
		    sum = EXCLUDED.sum, avg = EXCLUDED.avg,
		    min = EXCLUDED.min, max = EXCLUDED.max, p95 = EXCLUDED.p95`,
		day)
	if err != nil {
		return 0, fmt.Errorf("storage: rollup metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteRawMetricsBefore enforces the 30-day raw retention.
func (db *DB) DeleteRawMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM operational_metrics WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: delete raw metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertCalibrationSample stores a labeled review outcome.
func (db *DB) InsertCalibrationSample(ctx context.Context, s model.CalibrationSample) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO calibration_samples
		 (id, message_id, review_item_id, predicted_confidence, confidence_bucket,
		  document_type, was_correct, correction_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.MessageID, s.ReviewItemID, s.PredictedConfidence, s.ConfidenceBucket,
		s.DocumentType, s.WasCorrect, s.CorrectionType)
	if err != nil {
		return fmt.Errorf("storage: insert calibration sample: %w", err)
	}
	return nil
}

// InsertReconciliationReport persists a run summary in state running and
// returns its id.
func (db *DB) InsertReconciliationReport(ctx context.Context, r model.ReconciliationReport) (uuid.UUID, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = "running"
	}
	details, err := json.Marshal(r.Details)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: marshal report details: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO reconciliation_reports
		 (id, records_checked, mismatches_found, auto_repaired, failed_repairs, details, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.RecordsChecked, r.MismatchesFound, r.AutoRepaired, r.FailedRepairs, details, r.Status)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert reconciliation report: %w", err)
	}
	return r.ID, nil
}

// FinishReconciliationReport updates the counters and terminal status.
func (db *DB) FinishReconciliationReport(ctx context.Context, r model.ReconciliationReport) error {
	details, err := json.Marshal(r.Details)
	if err != nil {
		return fmt.Errorf("storage: marshal report details: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`UPDATE reconciliation_reports
		 SET records_checked = $2, mismatches_found = $3, auto_repaired = $4,
		     failed_repairs = $5, details = $6, status = $7, finished_at = now()
		 WHERE id = $1`,
		r.ID, r.RecordsChecked, r.MismatchesFound, r.AutoRepaired, r.FailedRepairs,
		details, r.Status)
	if err != nil {
		return fmt.Errorf("storage: finish reconciliation report: %w", err)
	}
	return nil
}
