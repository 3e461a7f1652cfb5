package match

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

// Weight names stored in the matching_thresholds table.
const (
	WeightClientName = "client_name"
	WeightReference  = "reference_number"
)

// ThresholdSource reads tunable thresholds. *storage.DB satisfies it.
type ThresholdSource interface {
	GetThresholdValue(ctx context.Context, category, thresholdType, weightName string) (float64, error)
}

// Thresholds are the resolved values the matcher runs with.
type Thresholds struct {
	MinMatch        float64
	Gap             float64
	NameOnlyMin     float64
	WeightName      float64
	WeightReference float64
}

// CompiledThresholds is the last level of the fallback chain.
func CompiledThresholds() Thresholds {
	return Thresholds{
		MinMatch:        model.DefaultMinMatch,
		Gap:             model.DefaultGapThreshold,
		NameOnlyMin:     model.DefaultNameOnlyMin,
		WeightName:      model.DefaultWeightName,
		WeightReference: model.DefaultWeightReference,
	}
}

// ThresholdManager resolves thresholds with a three-level fallback:
// (category, type) specific, then ("default", type), then compiled-in. A
// store error falls through to the next level rather than failing the match.
type ThresholdManager struct {
	source ThresholdSource
	base   Thresholds
	logger *slog.Logger
}

// NewThresholdManager creates a manager over the given source. A nil source
// always resolves to the compiled defaults.
func NewThresholdManager(source ThresholdSource, logger *slog.Logger) *ThresholdManager {
	return &ThresholdManager{source: source, base: CompiledThresholds(), logger: logger}
}

// SetBase replaces the compiled-in fallback values. Used to feed the
// env-configured tier boundaries in as process-level defaults; rows in the
// matching_thresholds table still take precedence.
func (m *ThresholdManager) SetBase(th Thresholds) {
	m.base = th
}

// Resolve returns the thresholds for a creditor category.
func (m *ThresholdManager) Resolve(ctx context.Context, category string) Thresholds {
	th := m.base
	if m.source == nil {
		return th
	}
	th.MinMatch = m.lookup(ctx, category, model.ThresholdMinMatch, "", th.MinMatch)
	th.Gap = m.lookup(ctx, category, model.ThresholdGap, "", th.Gap)
	th.NameOnlyMin = m.lookup(ctx, category, model.ThresholdNameOnlyMin, "", th.NameOnlyMin)
	th.WeightName = m.lookup(ctx, category, model.ThresholdWeight, WeightClientName, th.WeightName)
	th.WeightReference = m.lookup(ctx, category, model.ThresholdWeight, WeightReference, th.WeightReference)
	return th
}

func (m *ThresholdManager) lookup(ctx context.Context, category, thresholdType, weightName string, compiled float64) float64 {
	if category != "" && category != "default" {
		v, err := m.source.GetThresholdValue(ctx, category, thresholdType, weightName)
		if err == nil {
			return v
		}
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("threshold lookup failed, using fallback",
				"category", category, "type", thresholdType, "error", err)
			return compiled
		}
	}
	v, err := m.source.GetThresholdValue(ctx, "default", thresholdType, weightName)
	if err == nil {
		return v
	}
	if !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("threshold lookup failed, using compiled default",
			"type", thresholdType, "error", err)
	}
	return compiled
}
