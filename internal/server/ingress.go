package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mahnwerk/mahnwerk/internal/match"
	"github.com/mahnwerk/mahnwerk/internal/model"
)

// InboundEmail is the message descriptor both ingress endpoints resolve to:
// the inline webhook carries it directly, the portal webhook fetches it by
// external id.
type InboundEmail struct {
	ExternalID  string             `json:"external_id"`
	Sender      string             `json:"sender"`
	ReplyTo     string             `json:"reply_to,omitempty"`
	Subject     string             `json:"subject"`
	Headers     map[string]string  `json:"headers,omitempty"`
	BodyHTML    string             `json:"body_html,omitempty"`
	BodyText    string             `json:"body_text,omitempty"`
	ReceivedAt  time.Time          `json:"received_at"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

// Fetcher retrieves the full message content for provider-hosted inboxes.
// The portal only delivers an id in its webhook.
type Fetcher interface {
	FetchMessage(ctx context.Context, externalID string) (InboundEmail, error)
}

// handleInboundWebhook accepts the inline message descriptor.
func (h *handlers) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	var email InboundEmail
	if err := decodeJSON(w, r, &email, h.maxBody); err != nil {
		handleDecodeError(w, err)
		return
	}
	h.enqueue(w, r, email)
}

// portalEvent is the provider-hosted inbox delivery: an event type plus the
// message id, nothing more.
type portalEvent struct {
	Type string `json:"type"`
	Data struct {
		EmailID string `json:"email_id"`
	} `json:"data"`
}

// handlePortalWebhook verifies the provider HMAC, then fetches the full
// message content before enqueueing. Non-inbound event types are ignored.
func (h *handlers) handlePortalWebhook(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		writeError(w, http.StatusServiceUnavailable, model.ErrCodeInvalidInput, "portal webhook not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		handleDecodeError(w, err)
		return
	}

	if err := verifySignature(h.secret,
		r.Header.Get(headerWebhookID),
		r.Header.Get(headerWebhookTimestamp),
		body,
		r.Header.Get(headerWebhookSignature),
	); err != nil {
		h.logger.Warn("portal webhook signature rejected", "error", err)
		writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid signature")
		return
	}

	var event portalEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid event payload")
		return
	}
	if event.Type != "email.received" {
		writeJSON(w, http.StatusOK, model.IngressResponse{
			Status:  model.IngressIgnored,
			Message: fmt.Sprintf("event type %q not processed", event.Type),
		})
		return
	}
	if event.Data.EmailID == "" {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "email_id is required")
		return
	}
	if h.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, model.ErrCodeInternalError, "message fetcher not configured")
		return
	}

	email, err := h.fetcher.FetchMessage(r.Context(), event.Data.EmailID)
	if err != nil {
		h.logger.Error("portal message fetch failed", "email_id", event.Data.EmailID, "error", err)
		writeError(w, http.StatusBadGateway, model.ErrCodeInternalError, "message fetch failed")
		return
	}
	if email.ExternalID == "" {
		email.ExternalID = event.Data.EmailID
	}
	h.enqueue(w, r, email)
}

// enqueue creates the message row and wakes the dispatcher. Duplicate
// external ids are a 200 with status=duplicate.
func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request, email InboundEmail) {
	if email.ExternalID == "" {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "external_id is required")
		return
	}
	if email.Sender == "" {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "sender is required")
		return
	}

	msg, created, err := h.store.CreateInboundMessage(r.Context(), model.InboundMessage{
		ExternalID:  email.ExternalID,
		Sender:      email.Sender,
		ReplyTo:     email.ReplyTo,
		Subject:     email.Subject,
		Headers:     email.Headers,
		BodyHTML:    email.BodyHTML,
		BodyText:    email.BodyText,
		ReceivedAt:  email.ReceivedAt,
		Attachments: email.Attachments,
	})
	if err != nil {
		h.logger.Error("ingress enqueue failed", "external_id", email.ExternalID, "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "enqueue failed")
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, model.IngressResponse{
			Status: model.IngressDuplicate,
			ID:     msg.ID.String(),
		})
		return
	}

	h.wake()
	h.logger.Info("message accepted",
		"message_id", msg.ID, "external_id", email.ExternalID, "sender", email.Sender)
	writeJSON(w, http.StatusOK, model.IngressResponse{
		Status: model.IngressAccepted,
		ID:     msg.ID.String(),
	})
}

// inquiryPayload is the outbound-inquiry ingest body.
type inquiryPayload struct {
	ClientName         string    `json:"client_name"`
	CreditorName       string    `json:"creditor_name"`
	CreditorEmail      string    `json:"creditor_email"`
	CreditorAddress    *string   `json:"creditor_address,omitempty"`
	DebtAmount         *float64  `json:"debt_amount,omitempty"`
	ReferenceNumber    *string   `json:"reference_number,omitempty"`
	TicketID           *string   `json:"ticket_id,omitempty"`
	SideConversationID *string   `json:"side_conversation_id,omitempty"`
	ProviderEmailID    *string   `json:"provider_email_id,omitempty"`
	SentAt             time.Time `json:"sent_at"`
}

// handleInquiryIngest records an outbound inquiry as a future match target.
func (h *handlers) handleInquiryIngest(w http.ResponseWriter, r *http.Request) {
	var p inquiryPayload
	if err := decodeJSON(w, r, &p, h.maxBody); err != nil {
		handleDecodeError(w, err)
		return
	}
	if p.ClientName == "" || p.CreditorEmail == "" {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_name and creditor_email are required")
		return
	}
	if p.SentAt.IsZero() {
		p.SentAt = time.Now().UTC()
	}

	inquiry, created, err := h.store.CreateInquiry(r.Context(), model.OutboundInquiry{
		ClientName:           p.ClientName,
		ClientNameNormalized: match.NormalizeName(p.ClientName),
		CreditorName:         p.CreditorName,
		CreditorNormalized:   match.NormalizeName(p.CreditorName),
		CreditorEmail:        p.CreditorEmail,
		CreditorAddress:      p.CreditorAddress,
		DebtAmount:           p.DebtAmount,
		ReferenceNumber:      p.ReferenceNumber,
		TicketID:             p.TicketID,
		SideConversationID:   p.SideConversationID,
		ProviderEmailID:      p.ProviderEmailID,
		SentAt:               p.SentAt,
	})
	if err != nil {
		h.logger.Error("inquiry ingest failed", "creditor_email", p.CreditorEmail, "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "inquiry ingest failed")
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, inquiry)
}
