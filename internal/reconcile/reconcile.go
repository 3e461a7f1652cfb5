// Package reconcile keeps the primary and secondary stores within bounded
// drift: it retries pending outbox rows, scans recent synced messages for
// inconsistencies, repairs what it can, cleans up expired keys and old
// outbox rows, and persists a report per run.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/secondary"
)

// Drift classifications recorded in report details.
const (
	DriftMissingClient   = "missing_in_secondary"
	DriftMissingCreditor = "missing_creditor_in_secondary"
	DriftDataMismatch    = "data_mismatch"
	driftConsistent      = "consistent"
)

const (
	// driftWindow bounds the scan to recently synced messages.
	driftWindow = 48 * time.Hour
	// amountTolerance is the largest amount difference still consistent.
	amountTolerance = 0.01
	// outboxRetention keeps processed outbox rows for a month of forensics.
	outboxRetention = 30 * 24 * time.Hour

	drainBatch = 100
	scanBatch  = 200
	runTimeout = 10 * time.Minute
)

// Store is the primary-store surface. *storage.DB satisfies it.
type Store interface {
	ListSyncedWithAmountSince(ctx context.Context, cutoff time.Time, limit int) ([]model.InboundMessage, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]model.InboundMessage, error)
	CleanupExpiredIdempotency(ctx context.Context) (int64, error)
	DeleteProcessedOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error)
	InsertReconciliationReport(ctx context.Context, r model.ReconciliationReport) (uuid.UUID, error)
	FinishReconciliationReport(ctx context.Context, r model.ReconciliationReport) error
}

// Drainer retries pending outbox rows. *dualwrite.Writer satisfies it.
type Drainer interface {
	DrainOutbox(ctx context.Context, limit int) (processed, failed int, err error)
}

// Reconciler runs the hourly pass.
type Reconciler struct {
	store     Store
	drainer   Drainer
	secondary secondary.Store
	logger    *slog.Logger
}

// New wires the reconciler. drainer and secondary may be nil; the outbox
// drain and the drift scan are then skipped.
func New(store Store, drainer Drainer, sec secondary.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, drainer: drainer, secondary: sec, logger: logger}
}

// Run executes one full reconciliation pass and persists its report.
func (r *Reconciler) Run(ctx context.Context) (model.ReconciliationReport, error) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	report := model.ReconciliationReport{StartedAt: time.Now().UTC(), Status: "running"}
	id, err := r.store.InsertReconciliationReport(ctx, report)
	if err != nil {
		return report, fmt.Errorf("reconcile: open report: %w", err)
	}
	report.ID = id

	if r.drainer != nil {
		processed, failed, err := r.drainer.DrainOutbox(ctx, drainBatch)
		if err != nil {
			r.logger.Warn("outbox drain failed", "error", err)
		} else if processed+failed > 0 {
			r.logger.Info("outbox drained", "processed", processed, "failed", failed)
		}
	}

	r.driftScan(ctx, &report)
	r.cleanup(ctx)

	report.Status = "completed"
	if err := r.store.FinishReconciliationReport(ctx, report); err != nil {
		return report, fmt.Errorf("reconcile: finish report: %w", err)
	}
	r.logger.Info("reconciliation run complete",
		"checked", report.RecordsChecked,
		"mismatches", report.MismatchesFound,
		"repaired", report.AutoRepaired,
		"failed_repairs", report.FailedRepairs)
	return report, nil
}

// RunLoop runs the pass on the interval until ctx is cancelled.
func (r *Reconciler) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				r.logger.Warn("reconciliation run failed", "error", err)
			}
		}
	}
}

func (r *Reconciler) driftScan(ctx context.Context, report *model.ReconciliationReport) {
	if r.secondary == nil {
		return
	}
	if err := r.secondary.Ping(ctx); err != nil {
		r.logger.Warn("drift scan skipped, secondary unreachable", "error", err)
		return
	}

	msgs, err := r.store.ListSyncedWithAmountSince(ctx, time.Now().UTC().Add(-driftWindow), scanBatch)
	if err != nil {
		r.logger.Warn("drift scan listing failed", "error", err)
		return
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		report.RecordsChecked++
		kind, detail := r.checkMessage(ctx, msg)
		if kind == driftConsistent {
			continue
		}
		report.MismatchesFound++
		if r.repair(ctx, msg) {
			report.AutoRepaired++
			detail["repaired"] = true
		} else {
			report.FailedRepairs++
			detail["repaired"] = false
		}
		report.Details = append(report.Details, detail)
	}
}

// checkMessage compares one synced message against the secondary store.
func (r *Reconciler) checkMessage(ctx context.Context, msg model.InboundMessage) (string, map[string]any) {
	data := msg.ExtractedData
	if data == nil || data.Amount == nil {
		return driftConsistent, nil
	}

	detail := func(kind string) map[string]any {
		return map[string]any{
			"message_id":  msg.ID.String(),
			"kind":        kind,
			"client_name": deref(data.ClientName),
		}
	}

	client, err := secondary.FindClient(ctx, r.secondary, selectorFor(data))
	if err != nil {
		if errors.Is(err, secondary.ErrNotFound) {
			return DriftMissingClient, detail(DriftMissingClient)
		}
		r.logger.Warn("drift lookup failed", "message_id", msg.ID, "error", err)
		return driftConsistent, nil
	}

	entry := findCreditor(client, msg)
	if entry == nil {
		return DriftMissingCreditor, detail(DriftMissingCreditor)
	}

	expected := data.Amount.Value.InexactFloat64()
	if math.Abs(entry.Amount-expected) > amountTolerance {
		d := detail(DriftDataMismatch)
		d["expected_amount"] = expected
		d["secondary_amount"] = entry.Amount
		return DriftDataMismatch, d
	}
	return driftConsistent, nil
}

// repair re-applies the primary's value to the secondary store.
func (r *Reconciler) repair(ctx context.Context, msg model.InboundMessage) bool {
	data := msg.ExtractedData
	applied, err := r.secondary.UpdateCreditorDebt(ctx,
		selectorFor(data),
		secondary.CreditorSelector{Email: creditorEmail(msg), Name: deref(data.CreditorName)},
		secondary.DebtUpdate{
			Amount:            data.Amount.Value.InexactFloat64(),
			Source:            "reconciliation",
			ResponseTimestamp: msg.ReceivedAt,
			ReferenceNumbers:  data.ReferenceNumbers,
		})
	if err != nil {
		r.logger.Warn("drift repair failed", "message_id", msg.ID, "error", err)
		return false
	}
	return applied
}

func (r *Reconciler) cleanup(ctx context.Context) {
	if deleted, err := r.store.CleanupExpiredIdempotency(ctx); err != nil {
		r.logger.Warn("idempotency cleanup failed", "error", err)
	} else if deleted > 0 {
		r.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
	}
	if deleted, err := r.store.DeleteProcessedOutboxBefore(ctx, time.Now().UTC().Add(-outboxRetention)); err != nil {
		r.logger.Warn("outbox cleanup failed", "error", err)
	} else if deleted > 0 {
		r.logger.Info("outbox cleanup deleted rows", "deleted", deleted)
	}
}

func selectorFor(data *model.ExtractedData) secondary.ClientSelector {
	sel := secondary.ClientSelector{}
	if data == nil {
		return sel
	}
	if len(data.ReferenceNumbers) > 0 {
		sel.CaseNumber = data.ReferenceNumbers[0]
	}
	sel.FirstName, sel.LastName = splitName(deref(data.ClientName))
	return sel
}

func findCreditor(client *secondary.Client, msg model.InboundMessage) *secondary.Creditor {
	email := creditorEmail(msg)
	name := ""
	if msg.ExtractedData != nil {
		name = deref(msg.ExtractedData.CreditorName)
	}
	for i := range client.Creditors {
		c := &client.Creditors[i]
		if email != "" && strings.EqualFold(c.Email, email) {
			return c
		}
		if name != "" && strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return nil
}

func creditorEmail(msg model.InboundMessage) string {
	if msg.ReplyTo != "" {
		return msg.ReplyTo
	}
	return msg.Sender
}

func splitName(full string) (first, last string) {
	fields := strings.Fields(strings.TrimSpace(full))
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) == 1 {
		return "", fields[0]
	}
	return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
