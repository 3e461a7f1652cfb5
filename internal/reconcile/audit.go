package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mahnwerk/mahnwerk/internal/secondary"
)

// stalledAfter is how long a message may sit in a non-terminal status
// before the audit flags it.
const stalledAfter = 24 * time.Hour

// AuditIssue is one finding of an audit run.
type AuditIssue struct {
	MessageID string         `json:"message_id"`
	Kind      string         `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// AuditReport is the result of one operator-invoked audit. It is
// report-only: the audit never mutates either store.
type AuditReport struct {
	Lookback    time.Duration `json:"lookback"`
	Checked     int           `json:"checked"`
	Issues      []AuditIssue  `json:"issues"`
	Stalled     []AuditIssue  `json:"stalled"`
	HealthScore float64       `json:"health_score"`
	RanAt       time.Time     `json:"ran_at"`
}

// AuditIssue kinds beyond the drift classifications.
const (
	IssueStalledProcessing = "stalled_processing"
)

// Auditor runs consistency audits on demand, typically from an admin
// endpoint. Unlike the reconciler it repairs nothing.
type Auditor struct {
	store     Store
	secondary secondary.Store
	logger    *slog.Logger
}

// NewAuditor wires the auditor. secondary may be nil; the consistency
// scan is then skipped and only the stalled check runs.
func NewAuditor(store Store, sec secondary.Store, logger *slog.Logger) *Auditor {
	return &Auditor{store: store, secondary: sec, logger: logger}
}

// Run audits every synced message inside the lookback window and flags
// messages stalled in a non-terminal status. Health score is
// (checked - issues) / checked; an empty window scores 1.
func (a *Auditor) Run(ctx context.Context, lookback time.Duration) (AuditReport, error) {
	if lookback <= 0 {
		lookback = driftWindow
	}
	report := AuditReport{Lookback: lookback, RanAt: time.Now().UTC()}

	if a.secondary != nil {
		if err := a.secondary.Ping(ctx); err != nil {
			return report, fmt.Errorf("reconcile: audit: secondary unreachable: %w", err)
		}
		msgs, err := a.store.ListSyncedWithAmountSince(ctx, report.RanAt.Add(-lookback), scanBatch)
		if err != nil {
			return report, fmt.Errorf("reconcile: audit: list synced: %w", err)
		}
		checker := &Reconciler{store: a.store, secondary: a.secondary, logger: a.logger}
		for _, msg := range msgs {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Checked++
			kind, detail := checker.checkMessage(ctx, msg)
			if kind == driftConsistent {
				continue
			}
			report.Issues = append(report.Issues, AuditIssue{
				MessageID: msg.ID.String(),
				Kind:      kind,
				Detail:    detail,
			})
		}
	}

	stalled, err := a.store.ListStaleProcessing(ctx, stalledAfter)
	if err != nil {
		return report, fmt.Errorf("reconcile: audit: list stalled: %w", err)
	}
	for _, msg := range stalled {
		report.Stalled = append(report.Stalled, AuditIssue{
			MessageID: msg.ID.String(),
			Kind:      IssueStalledProcessing,
			Detail: map[string]any{
				"status":     string(msg.ProcessingStatus),
				"updated_at": msg.UpdatedAt,
			},
		})
	}

	report.HealthScore = healthScore(report.Checked, len(report.Issues))
	a.logger.Info("audit complete",
		"lookback", lookback,
		"checked", report.Checked,
		"issues", len(report.Issues),
		"stalled", len(report.Stalled),
		"health_score", report.HealthScore)
	return report, nil
}

func healthScore(checked, issues int) float64 {
	if checked == 0 {
		return 1
	}
	return float64(checked-issues) / float64(checked)
}
