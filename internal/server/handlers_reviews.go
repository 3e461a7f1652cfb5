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

const defaultReviewListLimit = 50

func (h *handlers) handleListReviews(w http.ResponseWriter, r *http.Request) {
	f := storage.ReviewFilter{Limit: defaultReviewListLimit}
	q := r.URL.Query()
	if v := q.Get("reason"); v != "" {
		f.Reason = model.ReviewReason(v)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be 1-500")
			return
		}
		f.Limit = n
	}
	if v := q.Get("resolved"); v != "" {
		resolved := v == "true"
		f.Resolved = &resolved
	} else {
		// Default view is the open queue.
		resolved := false
		f.Resolved = &resolved
	}
	if v := q.Get("claimed"); v != "" {
		claimed := v == "true"
		f.Claimed = &claimed
	}

	items, err := h.reviews.List(r.Context(), f)
	if err != nil {
		h.logger.Error("review listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(items), "reviews": items})
}

func (h *handlers) handleReviewStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reviews.Stats(r.Context())
	if err != nil {
		h.logger.Error("review stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type claimRequest struct {
	Reviewer    string `json:"reviewer"`
	PriorityMax int    `json:"priority_max,omitempty"`
}

func (h *handlers) handleClaimReview(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid review id")
		return
	}
	var req claimRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, err)
		return
	}
	if req.Reviewer == "" {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "reviewer is required")
		return
	}

	item, err := h.reviews.Claim(r.Context(), id, req.Reviewer)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "review not found")
	case errors.Is(err, storage.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, model.ErrCodeConflict, "review already claimed or resolved")
	case err != nil:
		h.logger.Error("review claim failed", "review_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "claim failed")
	default:
		writeJSON(w, http.StatusOK, item)
	}
}

func (h *handlers) handleClaimNextReview(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, err)
		return
	}
	if req.Reviewer == "" {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "reviewer is required")
		return
	}

	item, err := h.reviews.ClaimNext(r.Context(), req.Reviewer, req.PriorityMax)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "review queue is empty")
	case err != nil:
		h.logger.Error("review claim-next failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "claim failed")
	default:
		writeJSON(w, http.StatusOK, item)
	}
}

type resolveRequest struct {
	Resolution string               `json:"resolution"`
	Notes      string               `json:"notes,omitempty"`
	Corrected  *model.ExtractedData `json:"corrected,omitempty"`
}

func (h *handlers) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid review id")
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, err)
		return
	}
	if !model.ValidResolution(req.Resolution) {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid resolution")
		return
	}

	item, err := h.reviews.Resolve(r.Context(), id, model.Resolution(req.Resolution), req.Notes, req.Corrected)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "review not found or not claimed")
	case err != nil:
		h.logger.Error("review resolve failed", "review_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "resolve failed")
	default:
		writeJSON(w, http.StatusOK, item)
	}
}

// reviewEmail is the reviewer's view of the underlying message.
type reviewEmail struct {
	MessageID   string               `json:"message_id"`
	Sender      string               `json:"sender"`
	ReplyTo     string               `json:"reply_to,omitempty"`
	Subject     string               `json:"subject"`
	Body        string               `json:"body"`
	Attachments []model.Attachment   `json:"attachments,omitempty"`
	Extracted   *model.ExtractedData `json:"extracted_data,omitempty"`
	ReceivedAt  time.Time            `json:"received_at"`
}

// handleReviewEmail returns the original email content for a review item so
// reviewers can check the extraction against the source.
func (h *handlers) handleReviewEmail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid review id")
		return
	}
	item, err := h.reviews.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "review not found")
		return
	}
	if err != nil {
		h.logger.Error("review fetch failed", "review_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "fetch failed")
		return
	}

	msg, err := h.store.GetMessage(r.Context(), item.MessageID)
	if err != nil {
		h.logger.Error("review email fetch failed", "message_id", item.MessageID, "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "fetch failed")
		return
	}

	body := msg.BodyCleaned
	if body == "" {
		body = msg.BodyText
	}
	writeJSON(w, http.StatusOK, reviewEmail{
		MessageID:   msg.ID.String(),
		Sender:      msg.Sender,
		ReplyTo:     msg.ReplyTo,
		Subject:     msg.Subject,
		Body:        body,
		Attachments: msg.Attachments,
		Extracted:   msg.ExtractedData,
		ReceivedAt:  msg.ReceivedAt,
	})
}
