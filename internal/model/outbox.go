package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outbox aggregate and operation tags.
const (
	AggregateCreditorDebtUpdate = "creditor_debt_update"
	OutboxOpUpdate              = "UPDATE"
)

// OutboxMessage is a transactional outbox record: an intended secondary-store
// effect committed in the same transaction as the primary-store mutation it
// represents. Terminal once ProcessedAt is set.
type OutboxMessage struct {
	ID             uuid.UUID       `json:"id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	Operation      string          `json:"operation"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DebtUpdatePayload is the outbox payload for a creditor debt update.
type DebtUpdatePayload struct {
	MessageID            uuid.UUID `json:"message_id"`
	TicketID             *string   `json:"ticket_id,omitempty"`
	ClientName           string    `json:"client_name"`
	CreditorName         string    `json:"creditor_name,omitempty"`
	CreditorEmail        string    `json:"creditor_email"`
	Amount               float64   `json:"amount"`
	Currency             string    `json:"currency"`
	ReferenceNumbers     []string  `json:"reference_numbers,omitempty"`
	ResponseText         string    `json:"response_text,omitempty"`
	ResponseTimestamp    time.Time `json:"response_timestamp"`
	ExtractionConfidence string    `json:"extraction_confidence,omitempty"`
}
