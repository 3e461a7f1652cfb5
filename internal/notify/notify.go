// Package notify sends operator emails over SMTP. Everything here is
// best-effort: a notification that cannot be delivered is logged and
// dropped, never surfaced to the pipeline.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

const sendTimeout = 10 * time.Second

// Notifier is the notification capability the pipeline consumes.
type Notifier interface {
	// NotifyPermanentFailure tells the operator a message exhausted its
	// retries and needs manual handling.
	NotifyPermanentFailure(ctx context.Context, messageID uuid.UUID, lastError string)
	// NotifyDebtUpdate announces a MEDIUM-confidence debt update that was
	// committed but should be eyeballed.
	NotifyDebtUpdate(ctx context.Context, payload model.DebtUpdatePayload, confidence float64)
	// NotifyBreakerStateChange reports a circuit breaker transition.
	NotifyBreakerStateChange(ctx context.Context, name, from, to string)
}

// Config holds SMTP settings and the operator address.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	AdminTo  string
	BaseURL  string // service base URL for retry links in failure mails
}

// Mailer sends notifications over plain SMTP. With no host configured it
// degrades to logging, which is the dev-mode behavior.
type Mailer struct {
	cfg    Config
	logger *slog.Logger
}

// NewMailer creates an SMTP notifier.
func NewMailer(cfg Config, logger *slog.Logger) *Mailer {
	return &Mailer{cfg: cfg, logger: logger}
}

func (m *Mailer) NotifyPermanentFailure(ctx context.Context, messageID uuid.UUID, lastError string) {
	subject := fmt.Sprintf("[mahnwerk] message %s failed permanently", messageID)
	retryURL := fmt.Sprintf("/jobs/%s/retry", messageID)
	if m.cfg.BaseURL != "" {
		retryURL = strings.TrimSuffix(m.cfg.BaseURL, "/") + retryURL
	}
	body := fmt.Sprintf(
		"Message %s exhausted its retry budget and was marked failed.\r\n\r\n"+
			"Last error:\r\n%s\r\n\r\n"+
			"Requeue via POST %s once the cause is fixed.",
		messageID, lastError, retryURL)
	m.send(ctx, subject, body)
}

func (m *Mailer) NotifyDebtUpdate(ctx context.Context, payload model.DebtUpdatePayload, confidence float64) {
	subject := fmt.Sprintf("[mahnwerk] debt update committed for %s", payload.ClientName)
	body := fmt.Sprintf(
		"A creditor reply was processed and committed with MEDIUM confidence (%.2f).\r\n\r\n"+
			"Client:    %s\r\nCreditor:  %s <%s>\r\nAmount:    %.2f %s\r\nReferences: %s\r\nMessage:   %s\r\n\r\n"+
			"No action required unless the values look wrong.",
		confidence, payload.ClientName, payload.CreditorName, payload.CreditorEmail,
		payload.Amount, payload.Currency, strings.Join(payload.ReferenceNumbers, ", "),
		payload.MessageID)
	m.send(ctx, subject, body)
}

func (m *Mailer) NotifyBreakerStateChange(ctx context.Context, name, from, to string) {
	subject := fmt.Sprintf("[mahnwerk] circuit breaker %s: %s -> %s", name, from, to)
	body := fmt.Sprintf(
		"The %s circuit breaker changed state from %s to %s.\r\n\r\n"+
			"Open means the dependency is being shed; half-open means probing has started.",
		name, from, to)
	m.send(ctx, subject, body)
}

func (m *Mailer) send(ctx context.Context, subject, body string) {
	if m.cfg.Host == "" || m.cfg.AdminTo == "" {
		m.logger.Info("notification (dev mode, SMTP not configured)",
			"subject", subject)
		return
	}

	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		m.cfg.From, m.cfg.AdminTo, subject, body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.User != "" {
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)
	}

	// net/smtp has no context support; bound the call ourselves.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, m.cfg.From, []string{m.cfg.AdminTo}, []byte(msg))
	}()

	select {
	case err := <-done:
		if err != nil {
			m.logger.Warn("notification send failed", "subject", subject, "error", err)
		}
	case <-time.After(sendTimeout):
		m.logger.Warn("notification send timed out", "subject", subject)
	case <-ctx.Done():
		m.logger.Warn("notification cancelled", "subject", subject)
	}
}

// Memory collects notifications for tests.
type Memory struct {
	Failures    []uuid.UUID
	DebtUpdates []model.DebtUpdatePayload
	Breakers    []string
}

// NewMemory creates an in-process notifier.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) NotifyPermanentFailure(_ context.Context, messageID uuid.UUID, _ string) {
	m.Failures = append(m.Failures, messageID)
}

func (m *Memory) NotifyDebtUpdate(_ context.Context, payload model.DebtUpdatePayload, _ float64) {
	m.DebtUpdates = append(m.DebtUpdates, payload)
}

func (m *Memory) NotifyBreakerStateChange(_ context.Context, name, from, to string) {
	m.Breakers = append(m.Breakers, fmt.Sprintf("%s:%s->%s", name, from, to))
}
