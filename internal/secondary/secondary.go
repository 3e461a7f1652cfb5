// Package secondary adapts the external client document store. The engine
// never owns these documents: it reads client views for conflict detection
// and applies creditor-debt updates drained from the outbox.
package secondary

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no client document matches the selector.
var ErrNotFound = errors.New("secondary: client not found")

// Creditor is one creditor entry embedded in a client document.
type Creditor struct {
	Name                 string    `bson:"name" json:"name"`
	Email                string    `bson:"email" json:"email"`
	Amount               float64   `bson:"amount" json:"amount"`
	Source               string    `bson:"source,omitempty" json:"source,omitempty"`
	ResponseText         string    `bson:"response_text,omitempty" json:"response_text,omitempty"`
	ReferenceNumbers     []string  `bson:"reference_numbers,omitempty" json:"reference_numbers,omitempty"`
	ExtractionConfidence string    `bson:"extraction_confidence,omitempty" json:"extraction_confidence,omitempty"`
	UpdatedAt            time.Time `bson:"updated_at" json:"updated_at"`
}

// Client is the document-store view of one debtor client.
type Client struct {
	ID          string     `bson:"_id,omitempty" json:"id"`
	TicketID    string     `bson:"ticket_id,omitempty" json:"ticket_id,omitempty"`
	FirstName   string     `bson:"first_name" json:"first_name"`
	LastName    string     `bson:"last_name" json:"last_name"`
	CaseNumbers []string   `bson:"case_numbers,omitempty" json:"case_numbers,omitempty"`
	Creditors   []Creditor `bson:"creditors,omitempty" json:"creditors,omitempty"`
}

// ClientSelector locates a client document. Exactly one field is used, in
// order: TicketID, CaseNumber, then (FirstName, LastName).
type ClientSelector struct {
	TicketID   string
	CaseNumber string
	FirstName  string
	LastName   string
}

// CreditorSelector locates a creditor entry inside a client document.
// Email match wins; Name is the fallback.
type CreditorSelector struct {
	Email string
	Name  string
}

// DebtUpdate is the payload applied to a creditor entry.
type DebtUpdate struct {
	Amount               float64
	Source               string // "creditor_response"
	ResponseTimestamp    time.Time
	ResponseText         string
	ReferenceNumbers     []string
	ExtractionConfidence string
}

// Store is the secondary-store capability consumed by agent 3, the outbox
// relay and the reconciler.
type Store interface {
	GetClientByTicket(ctx context.Context, ticketID string) (*Client, error)
	GetClientByName(ctx context.Context, first, last string) (*Client, error)
	GetClientByCaseNumber(ctx context.Context, caseNumber string) (*Client, error)

	// UpdateCreditorDebt applies the update to the selected creditor entry.
	// Returns false without error when no matching entry exists.
	UpdateCreditorDebt(ctx context.Context, client ClientSelector, creditor CreditorSelector, update DebtUpdate) (bool, error)

	Ping(ctx context.Context) error
}

// FindClient resolves a selector against a Store using the shared lookup
// order: ticket id, then case number, then name.
func FindClient(ctx context.Context, s Store, sel ClientSelector) (*Client, error) {
	if sel.TicketID != "" {
		c, err := s.GetClientByTicket(ctx, sel.TicketID)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return c, err
		}
	}
	if sel.CaseNumber != "" {
		c, err := s.GetClientByCaseNumber(ctx, sel.CaseNumber)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return c, err
		}
	}
	if sel.FirstName != "" && sel.LastName != "" {
		return s.GetClientByName(ctx, sel.FirstName, sel.LastName)
	}
	return nil, ErrNotFound
}
