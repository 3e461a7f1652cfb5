package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

const defaultJobListLimit = 50

// jobSummary is the list-view projection of a message.
type jobSummary struct {
	ID                string     `json:"id"`
	ExternalID        string     `json:"external_id"`
	Sender            string     `json:"sender"`
	Subject           string     `json:"subject"`
	Status            string     `json:"status"`
	RetryCount        int        `json:"retry_count"`
	LastError         *string    `json:"last_error,omitempty"`
	RouteLabel        *string    `json:"route_label,omitempty"`
	OverallConfidence *float64   `json:"overall_confidence,omitempty"`
	SyncStatus        string     `json:"sync_status"`
	ReceivedAt        time.Time  `json:"received_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type jobListResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	Jobs     []jobSummary   `json:"jobs"`
}

func (h *handlers) handleListJobs(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountMessagesByStatus(r.Context())
	if err != nil {
		h.logger.Error("job count failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "listing failed")
		return
	}

	limit := defaultJobListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be 1-500")
			return
		}
		limit = n
	}
	status := model.ProcessingStatus(r.URL.Query().Get("status"))

	msgs, err := h.store.ListMessages(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("job listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "listing failed")
		return
	}

	resp := jobListResponse{
		ByStatus: make(map[string]int, len(counts)),
		Jobs:     make([]jobSummary, 0, len(msgs)),
	}
	for s, n := range counts {
		resp.ByStatus[string(s)] = n
		resp.Total += n
	}
	for _, m := range msgs {
		resp.Jobs = append(resp.Jobs, jobSummary{
			ID:                m.ID.String(),
			ExternalID:        m.ExternalID,
			Sender:            m.Sender,
			Subject:           m.Subject,
			Status:            string(m.ProcessingStatus),
			RetryCount:        m.RetryCount,
			LastError:         m.LastError,
			RouteLabel:        m.RouteLabel,
			OverallConfidence: m.OverallConfidence,
			SyncStatus:        string(m.SyncStatus),
			ReceivedAt:        m.ReceivedAt,
			CompletedAt:       m.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid job id")
		return
	}
	msg, err := h.store.GetMessage(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("job fetch failed", "message_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleRetryJob re-enqueues a failed message. Only rows in status failed
// are eligible; anything else is a conflict.
func (h *handlers) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid job id")
		return
	}

	err = h.store.RequeueFailed(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		if _, getErr := h.store.GetMessage(r.Context(), id); getErr == nil {
			writeError(w, http.StatusConflict, model.ErrCodeConflict, "job is not in failed state")
			return
		}
		writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("job retry failed", "message_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "retry failed")
		return
	}

	h.wake()
	h.logger.Info("job re-enqueued by operator", "message_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "id": id.String()})
}

// handleAudit runs the operator consistency audit over an optional
// lookback_hours window.
func (h *handlers) handleAudit(w http.ResponseWriter, r *http.Request) {
	if h.auditor == nil {
		writeError(w, http.StatusServiceUnavailable, model.ErrCodeInternalError, "audit not configured")
		return
	}

	var lookback time.Duration
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "lookback_hours must be a positive integer")
			return
		}
		lookback = time.Duration(n) * time.Hour
	}

	report, err := h.auditor.Run(r.Context(), lookback)
	if err != nil {
		h.logger.Error("audit run failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "audit failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
