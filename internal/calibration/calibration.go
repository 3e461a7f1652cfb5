// Package calibration captures review outcomes as samples for later
// threshold tuning: what did the pipeline predict, and was it right.
package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

// Correction types recorded on a sample.
const (
	CorrectionAmount       = "amount"
	CorrectionClientName   = "client_name"
	CorrectionCreditorName = "creditor_name"
	CorrectionIntent       = "intent"
	CorrectionMultiple     = "multiple"
)

// Store is the persistence surface the recorder needs. *storage.DB
// satisfies it.
type Store interface {
	GetMessage(ctx context.Context, id uuid.UUID) (model.InboundMessage, error)
	GetCheckpoint(ctx context.Context, messageID uuid.UUID, stage string) (model.Checkpoint, error)
	InsertCalibrationSample(ctx context.Context, s model.CalibrationSample) error
}

// Recorder builds and persists calibration samples.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Capture records a sample for a resolved review. Resolutions that carry no
// correctness signal (spam, rejected, escalated) are skipped. Failures are
// logged, never propagated: calibration must not break review resolution.
func (r *Recorder) Capture(ctx context.Context, item model.ReviewItem, resolution model.Resolution, corrected *model.ExtractedData) {
	switch resolution {
	case model.ResolutionApproved, model.ResolutionCorrected:
	default:
		return
	}

	msg, err := r.store.GetMessage(ctx, item.MessageID)
	if err != nil {
		r.logger.Warn("calibration: message lookup failed", "message_id", item.MessageID, "error", err)
		return
	}

	predicted := 0.0
	if msg.OverallConfidence != nil {
		predicted = *msg.OverallConfidence
	}

	sample := model.CalibrationSample{
		ID:                  uuid.New(),
		MessageID:           item.MessageID,
		ReviewItemID:        item.ID,
		PredictedConfidence: predicted,
		ConfidenceBucket:    bucket(predicted),
		DocumentType:        r.documentType(ctx, msg.ID),
		WasCorrect:          resolution == model.ResolutionApproved,
	}
	if resolution == model.ResolutionCorrected {
		ct := correctionType(msg.ExtractedData, corrected)
		sample.CorrectionType = &ct
	}

	if err := r.store.InsertCalibrationSample(ctx, sample); err != nil {
		r.logger.Warn("calibration: sample insert failed", "message_id", item.MessageID, "error", err)
	}
}

// documentType derives the dominant source class from the extraction
// checkpoint: the type of the source that supplied the amount, else the
// first contributing source.
func (r *Recorder) documentType(ctx context.Context, messageID uuid.UUID) string {
	cp, err := r.store.GetCheckpoint(ctx, messageID, model.StageExtraction)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("calibration: extraction checkpoint unavailable",
				"message_id", messageID, "error", err)
		}
		return "unknown"
	}
	var ext model.ExtractionCheckpoint
	if err := json.Unmarshal(cp.Payload, &ext); err != nil {
		return "unknown"
	}

	var fallback string
	for _, src := range ext.Sources {
		if src.Error != "" {
			continue
		}
		if src.Gesamtforderung != nil {
			return string(src.SourceType)
		}
		if fallback == "" && (src.ClientName != nil || src.CreditorName != nil) {
			fallback = string(src.SourceType)
		}
	}
	if fallback != "" {
		return fallback
	}
	return "unknown"
}

// correctionType diffs original vs corrected data: exactly one changed
// field keeps its name, anything else is multiple.
func correctionType(original, corrected *model.ExtractedData) string {
	if original == nil || corrected == nil {
		return CorrectionMultiple
	}

	var changed []string
	if !amountEqual(original.Amount, corrected.Amount) {
		changed = append(changed, CorrectionAmount)
	}
	if !strEqual(original.ClientName, corrected.ClientName) {
		changed = append(changed, CorrectionClientName)
	}
	if !strEqual(original.CreditorName, corrected.CreditorName) {
		changed = append(changed, CorrectionCreditorName)
	}
	if original.Intent != corrected.Intent {
		changed = append(changed, CorrectionIntent)
	}

	if len(changed) == 1 {
		return changed[0]
	}
	return CorrectionMultiple
}

func amountEqual(a, b *model.Amount) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Value.Equal(b.Value)
}

func strEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func bucket(confidence float64) model.Confidence {
	switch {
	case confidence >= 0.85:
		return model.ConfidenceHigh
	case confidence >= 0.60:
		return model.ConfidenceMedium
	}
	return model.ConfidenceLow
}
