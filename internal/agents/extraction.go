package agents

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mahnwerk/mahnwerk/internal/blob"
	"github.com/mahnwerk/mahnwerk/internal/budget"
	"github.com/mahnwerk/mahnwerk/internal/extract"
	"github.com/mahnwerk/mahnwerk/internal/model"
)

// attachment format classes in processing priority order.
const (
	formatPDF = iota
	formatDOCX
	formatXLSX
	formatImage
	formatUnsupported
)

// ExtractContent runs agent 2: body first, then attachments in format
// priority order, stopping when the per-job token budget drops below the
// floor. The consolidator merges whatever was produced.
func (a *Agents) ExtractContent(ctx context.Context, msg *model.InboundMessage, intent model.IntentCheckpoint, tracker *budget.Tracker) (model.ExtractionCheckpoint, error) {
	var cached model.ExtractionCheckpoint
	if a.replay(ctx, msg.ID, model.StageExtraction, &cached) {
		return cached, nil
	}

	if intent.SkipExtraction {
		cp := model.ExtractionCheckpoint{
			Skipped:    true,
			SkipReason: "intent_" + string(intent.Intent),
		}
		if err := a.save(ctx, msg.ID, model.StageExtraction, cp, model.ValidationPassed); err != nil {
			return model.ExtractionCheckpoint{}, err
		}
		return cp, nil
	}

	var sources []model.SourceExtraction

	body := msg.BodyCleaned
	if body == "" {
		body = msg.BodyText
	}
	if strings.TrimSpace(body) != "" {
		sources = append(sources, extract.FromText(body))
	}

	warned := false
	for _, att := range orderAttachments(msg.Attachments) {
		a.warnSoftBudget(msg.ID, tracker, &warned)
		if tracker.Remaining() < a.cfg.TokenFloor {
			sources = append(sources, skipSource(att, extract.SkipTokenBudget))
			continue
		}
		sources = append(sources, a.extractAttachment(ctx, tracker, att))
	}
	a.warnSoftBudget(msg.ID, tracker, &warned)

	cp := model.ExtractionCheckpoint{
		Consolidated: extract.Consolidate(sources),
		Sources:      sources,
		NeedsReview:  intent.NeedsReview,
	}

	status := model.ValidationPassed
	if cp.NeedsReview {
		status = model.ValidationNeedsReview
	}
	if err := a.save(ctx, msg.ID, model.StageExtraction, cp, status); err != nil {
		return model.ExtractionCheckpoint{}, err
	}
	return cp, nil
}

// warnSoftBudget logs once per job when usage crosses 80% of the token cap.
func (a *Agents) warnSoftBudget(messageID uuid.UUID, tracker *budget.Tracker, warned *bool) {
	if *warned || !tracker.SoftWarning() {
		return
	}
	*warned = true
	a.logger.Warn("token budget soft warning",
		"message_id", messageID,
		"used", tracker.Used(),
		"remaining", tracker.Remaining())
}

func (a *Agents) extractAttachment(ctx context.Context, tracker *budget.Tracker, att model.Attachment) model.SourceExtraction {
	if att.Size > a.cfg.MaxAttachmentBytes {
		return skipSource(att, extract.SkipTooLarge)
	}
	if att.URL == "" {
		return skipSource(att, "missing_download_url")
	}

	data, err := a.fetcher.Download(ctx, att.URL, a.cfg.MaxAttachmentBytes)
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) {
			return skipSource(att, extract.SkipTooLarge)
		}
		return skipSource(att, "download_failed: "+err.Error())
	}

	switch formatClass(att) {
	case formatPDF:
		return a.extractors.FromPDF(ctx, tracker, att.Filename, data)
	case formatDOCX:
		return a.extractors.FromDOCX(att.Filename, data)
	case formatXLSX:
		return a.extractors.FromXLSX(att.Filename, data)
	case formatImage:
		return a.extractors.FromImage(ctx, tracker, att.Filename, att.MimeType, data)
	default:
		return skipSource(att, "unsupported_format")
	}
}

// orderAttachments sorts by format priority (PDF > DOCX > XLSX > image),
// keeping the webhook order within a class. Unsupported formats are dropped
// from processing but surface as skip sources.
func orderAttachments(atts []model.Attachment) []model.Attachment {
	out := make([]model.Attachment, len(atts))
	copy(out, atts)
	sort.SliceStable(out, func(i, j int) bool {
		return formatClass(out[i]) < formatClass(out[j])
	})
	return out
}

func formatClass(att model.Attachment) int {
	mime := strings.ToLower(att.MimeType)
	name := strings.ToLower(att.Filename)
	switch {
	case mime == "application/pdf" || strings.HasSuffix(name, ".pdf"):
		return formatPDF
	case strings.Contains(mime, "wordprocessingml") || strings.HasSuffix(name, ".docx"):
		return formatDOCX
	case strings.Contains(mime, "spreadsheetml") || strings.HasSuffix(name, ".xlsx"):
		return formatXLSX
	case strings.HasPrefix(mime, "image/") ||
		strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg") || strings.HasSuffix(name, ".png"):
		return formatImage
	}
	return formatUnsupported
}

func skipSource(att model.Attachment, reason string) model.SourceExtraction {
	return model.SourceExtraction{
		SourceType:       sourceTypeFor(att),
		SourceName:       att.Filename,
		ExtractionMethod: "skipped",
		Error:            reason,
	}
}

func sourceTypeFor(att model.Attachment) model.SourceType {
	switch formatClass(att) {
	case formatPDF:
		return model.SourceNativePDF
	case formatDOCX:
		return model.SourceDOCX
	case formatXLSX:
		return model.SourceXLSX
	case formatImage:
		return model.SourceImage
	}
	return model.SourceType("unknown")
}
