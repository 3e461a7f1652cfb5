package model

import (
	"encoding/json"
	"time"
)

// Stage names for the agent pipeline checkpoints.
const (
	StageIntent        = "agent_1_intent"
	StageExtraction    = "agent_2_extraction"
	StageConsolidation = "agent_3_consolidation"
)

// ValidationStatus marks whether a checkpoint is replay-skippable.
type ValidationStatus string

const (
	ValidationPassed      ValidationStatus = "passed"
	ValidationNeedsReview ValidationStatus = "needs_review"
	ValidationFailed      ValidationStatus = "failed"
)

// Checkpoint is one stage's stored payload on a message. Payload holds the
// stage-specific fields; Timestamp and ValidationStatus are injected by the
// checkpoint store when absent.
type Checkpoint struct {
	Payload          json.RawMessage  `json:"payload"`
	Timestamp        time.Time        `json:"timestamp"`
	ValidationStatus ValidationStatus `json:"validation_status"`
}

// Valid reports whether the stage may be skipped on replay.
func (c Checkpoint) Valid() bool {
	return c.ValidationStatus != ValidationFailed
}

// IntentCheckpoint is the agent_1_intent payload.
type IntentCheckpoint struct {
	Intent         Intent  `json:"intent"`
	Confidence     float64 `json:"confidence"`
	Method         string  `json:"method"` // header_auto_submitted, subject_ooo, noreply_sender, llm
	SkipExtraction bool    `json:"skip_extraction"`
	NeedsReview    bool    `json:"needs_review"`
	TokensUsed     int     `json:"tokens_used"`
}

// ExtractionCheckpoint is the agent_2_extraction payload.
type ExtractionCheckpoint struct {
	Consolidated ConsolidatedExtraction `json:"consolidated"`
	Sources      []SourceExtraction     `json:"sources"`
	Skipped      bool                   `json:"skipped"`
	SkipReason   string                 `json:"skip_reason,omitempty"`
	NeedsReview  bool                   `json:"needs_review"`
}

// ConsolidationCheckpoint is the agent_3_consolidation payload.
type ConsolidationCheckpoint struct {
	Extracted      ExtractedData `json:"extracted"`
	ConflictsFound []string      `json:"conflicts_found,omitempty"`
	NeedsReview    bool          `json:"needs_review"`
}
