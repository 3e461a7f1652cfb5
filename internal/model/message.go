// Package model defines the shared entities of the creditor-reply
// processing engine: inbound messages, outbound inquiries, the outbox,
// review items, match results and the checkpoint payloads.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus is the per-message state machine position.
type ProcessingStatus string

const (
	StatusReceived          ProcessingStatus = "received"
	StatusQueued            ProcessingStatus = "queued"
	StatusProcessing        ProcessingStatus = "processing"
	StatusParsed            ProcessingStatus = "parsed"
	StatusIntentClassifying ProcessingStatus = "intent_classifying"
	StatusContentExtracting ProcessingStatus = "content_extracting"
	StatusConsolidating     ProcessingStatus = "consolidating"
	StatusContentExtracted  ProcessingStatus = "content_extracted"
	StatusExtracting        ProcessingStatus = "extracting"
	StatusExtracted         ProcessingStatus = "extracted"
	StatusMatching          ProcessingStatus = "matching"
	StatusCompleted         ProcessingStatus = "completed"
	StatusFailed            ProcessingStatus = "failed"
	StatusNotCreditorReply  ProcessingStatus = "not_creditor_reply"
)

// Terminal reports whether no further worker transitions are legal.
func (s ProcessingStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNotCreditorReply:
		return true
	}
	return false
}

// SyncStatus tracks the secondary-store write for a message.
type SyncStatus string

const (
	SyncPending       SyncStatus = "pending"
	SyncSynced        SyncStatus = "synced"
	SyncFailed        SyncStatus = "failed"
	SyncNotApplicable SyncStatus = "not_applicable"
)

// MatchStatus is the matcher's decision for a message.
type MatchStatus string

const (
	MatchAutoMatched MatchStatus = "auto_matched"
	MatchNeedsReview MatchStatus = "needs_review"
	MatchNoMatch     MatchStatus = "no_match"
)

// Attachment describes one inbound attachment as delivered by the webhook.
// URL is filled in later by the worker via the blob store when the webhook
// only carried an external ID.
type Attachment struct {
	ExternalID string `json:"external_id"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	URL        string `json:"url,omitempty"`
	Size       int64  `json:"size"`
}

// InboundMessage is the central entity: one creditor email moving through
// the pipeline. Created by ingress, mutated only by the worker holding its
// claim and by the reconciler, never deleted.
type InboundMessage struct {
	ID          uuid.UUID `json:"id"`
	ExternalID  string    `json:"external_id"` // webhook message id, ingress dedup key
	Sender      string    `json:"sender"`
	ReplyTo     string    `json:"reply_to,omitempty"`
	Subject     string    `json:"subject"`

	// Headers carries the transport headers the intent classifier inspects
	// (Auto-Submitted, X-Auto-Response-Suppress). Canonical-cased keys.
	Headers map[string]string `json:"headers,omitempty"`

	BodyHTML    string    `json:"body_html,omitempty"`
	BodyText    string    `json:"body_text,omitempty"`
	BodyCleaned string    `json:"body_cleaned,omitempty"`

	TokensRaw     int `json:"tokens_raw"`
	TokensCleaned int `json:"tokens_cleaned"`

	Attachments []Attachment `json:"attachments"`

	ProcessingStatus ProcessingStatus `json:"processing_status"`
	RetryCount       int              `json:"retry_count"`
	LastError        *string          `json:"last_error,omitempty"`

	ExtractedData *ExtractedData `json:"extracted_data,omitempty"`

	// Checkpoints maps stage name to its stored checkpoint. Updated with a
	// field-level jsonb merge so concurrent sibling stages never clobber
	// each other.
	Checkpoints map[string]Checkpoint `json:"checkpoints,omitempty"`

	MatchedInquiryID *uuid.UUID   `json:"matched_inquiry_id,omitempty"`
	MatchConfidence  *float64     `json:"match_confidence,omitempty"` // percent, 0-100
	MatchStatus      *MatchStatus `json:"match_status,omitempty"`

	ExtractionConfidence *float64 `json:"extraction_confidence,omitempty"`
	OverallConfidence    *float64 `json:"overall_confidence,omitempty"`
	RouteLabel           *string  `json:"route_label,omitempty"`

	SyncStatus     SyncStatus `json:"sync_status"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`

	ReceivedAt  time.Time  `json:"received_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// OutboundInquiry is an earlier outbound creditor contact, the match target.
// Owned by the external inquiry-ingest component; read-only to the matcher.
type OutboundInquiry struct {
	ID                   uuid.UUID  `json:"id"`
	ClientName           string     `json:"client_name"`
	ClientNameNormalized string     `json:"client_name_normalized"`
	CreditorName         string     `json:"creditor_name"`
	CreditorNormalized   string     `json:"creditor_name_normalized"`
	CreditorEmail        string     `json:"creditor_email"`
	CreditorAddress      *string    `json:"creditor_address,omitempty"`
	DebtAmount           *float64   `json:"debt_amount,omitempty"`
	ReferenceNumber      *string    `json:"reference_number,omitempty"`
	TicketID             *string    `json:"ticket_id,omitempty"`
	SideConversationID   *string    `json:"side_conversation_id,omitempty"`
	ProviderEmailID      *string    `json:"provider_email_id,omitempty"`
	Status               string     `json:"status"`
	SentAt               time.Time  `json:"sent_at"`
	CreatedAt            time.Time  `json:"created_at"`
}
