package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

const inquiryColumns = `id, client_name, client_name_normalized, creditor_name,
	creditor_name_normalized, creditor_email, creditor_address, debt_amount,
	reference_number, ticket_id, side_conversation_id, provider_email_id,
	status, sent_at, created_at`

func scanInquiry(row rowScanner) (model.OutboundInquiry, error) {
	var q model.OutboundInquiry
	err := row.Scan(
		&q.ID, &q.ClientName, &q.ClientNameNormalized, &q.CreditorName,
		&q.CreditorNormalized, &q.CreditorEmail, &q.CreditorAddress, &q.DebtAmount,
		&q.ReferenceNumber, &q.TicketID, &q.SideConversationID, &q.ProviderEmailID,
		&q.Status, &q.SentAt, &q.CreatedAt,
	)
	return q, err
}

// CreateInquiry inserts an outbound inquiry, de-duping on
// (normalized client name, creditor email, provider email id). When the
// triple already exists the existing row is returned with created=false.
func (db *DB) CreateInquiry(ctx context.Context, q model.OutboundInquiry) (model.OutboundInquiry, bool, error) {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if q.Status == "" {
		q.Status = "sent"
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO outbound_inquiries
		 (id, client_name, client_name_normalized, creditor_name, creditor_name_normalized,
		  creditor_email, creditor_address, debt_amount, reference_number, ticket_id,
		  side_conversation_id, provider_email_id, status, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (client_name_normalized, creditor_email, provider_email_id) DO NOTHING`,
		q.ID, q.ClientName, q.ClientNameNormalized, q.CreditorName, q.CreditorNormalized,
		q.CreditorEmail, q.CreditorAddress, q.DebtAmount, q.ReferenceNumber, q.TicketID,
		q.SideConversationID, q.ProviderEmailID, q.Status, q.SentAt,
	)
	if err != nil {
		return model.OutboundInquiry{}, false, fmt.Errorf("storage: create inquiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		row := db.pool.QueryRow(ctx,
			`SELECT `+inquiryColumns+` FROM outbound_inquiries
			 WHERE client_name_normalized = $1 AND creditor_email = $2
			   AND provider_email_id IS NOT DISTINCT FROM $3`,
			q.ClientNameNormalized, q.CreditorEmail, q.ProviderEmailID)
		existing, err := scanInquiry(row)
		if err != nil {
			return model.OutboundInquiry{}, false, fmt.Errorf("storage: fetch existing inquiry: %w", err)
		}
		return existing, false, nil
	}
	return q, true, nil
}

// GetInquiry retrieves an inquiry by ID.
func (db *DB) GetInquiry(ctx context.Context, id uuid.UUID) (model.OutboundInquiry, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+inquiryColumns+` FROM outbound_inquiries WHERE id = $1`, id)
	q, err := scanInquiry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OutboundInquiry{}, ErrNotFound
		}
		return model.OutboundInquiry{}, fmt.Errorf("storage: get inquiry: %w", err)
	}
	return q, nil
}

// ListInquiriesByCreditorEmail returns inquiries with an exact creditor
// email match inside the time window, newest first.
func (db *DB) ListInquiriesByCreditorEmail(ctx context.Context, email string, from, to time.Time) ([]model.OutboundInquiry, error) {
	return db.listInquiries(ctx,
		`SELECT `+inquiryColumns+` FROM outbound_inquiries
		 WHERE lower(creditor_email) = lower($1) AND sent_at >= $2 AND sent_at <= $3
		 ORDER BY sent_at DESC`, email, from, to)
}

// ListInquiriesByCreditorDomain returns inquiries whose creditor email
// domain matches, inside the time window.
func (db *DB) ListInquiriesByCreditorDomain(ctx context.Context, domain string, from, to time.Time) ([]model.OutboundInquiry, error) {
	return db.listInquiries(ctx,
		`SELECT `+inquiryColumns+` FROM outbound_inquiries
		 WHERE lower(creditor_email) LIKE '%@' || lower($1) AND sent_at >= $2 AND sent_at <= $3
		 ORDER BY sent_at DESC`, domain, from, to)
}

// ListInquiriesInWindow returns all inquiries inside the time window.
func (db *DB) ListInquiriesInWindow(ctx context.Context, from, to time.Time) ([]model.OutboundInquiry, error) {
	return db.listInquiries(ctx,
		`SELECT `+inquiryColumns+` FROM outbound_inquiries
		 WHERE sent_at >= $1 AND sent_at <= $2
		 ORDER BY sent_at DESC`, from, to)
}

func (db *DB) listInquiries(ctx context.Context, query string, args ...any) ([]model.OutboundInquiry, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list inquiries: %w", err)
	}
	defer rows.Close()

	var out []model.OutboundInquiry
	for rows.Next() {
		q, err := scanInquiry(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan inquiry: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
