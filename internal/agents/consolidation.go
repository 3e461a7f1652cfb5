package agents

import (
	"context"
	"errors"
	"strings"

	"github.com/mahnwerk/mahnwerk/internal/extract"
	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/secondary"
)

// Conflict labels recorded on the consolidation checkpoint.
const (
	ConflictAmount     = "amount_conflict"
	ConflictClientName = "client_name_conflict"
)

// amountConflictRatio: extracted vs existing amounts more than 10% apart
// count as a conflict.
const amountConflictRatio = 0.10

// Consolidate runs agent 3: build the final extracted data from the A2
// result and validate it against the secondary-store view of the client.
// Conflicts or a weak extraction flag the message for review; the pipeline
// still continues so the operator sees the full picture.
func (a *Agents) Consolidate(ctx context.Context, msg *model.InboundMessage, intent model.IntentCheckpoint, extraction model.ExtractionCheckpoint) (model.ConsolidationCheckpoint, error) {
	var cached model.ConsolidationCheckpoint
	if a.replay(ctx, msg.ID, model.StageConsolidation, &cached) {
		return cached, nil
	}

	body := msg.BodyCleaned
	if body == "" {
		body = msg.BodyText
	}

	data := model.ExtractedData{
		Intent:           intent.Intent,
		IsCreditorReply:  !intent.SkipExtraction,
		ClientName:       extraction.Consolidated.ClientName,
		CreditorName:     extraction.Consolidated.CreditorName,
		Amount:           extraction.Consolidated.Gesamtforderung,
		ReferenceNumbers: extract.FindReferences(body),
		Confidence:       extraction.Consolidated.Confidence,
	}

	conflicts := a.detectConflicts(ctx, msg, &data)

	data.NeedsReview = len(conflicts) > 0 ||
		extraction.NeedsReview ||
		data.Confidence == model.ConfidenceLow
	data.ConflictsFound = conflicts

	cp := model.ConsolidationCheckpoint{
		Extracted:      data,
		ConflictsFound: conflicts,
		NeedsReview:    data.NeedsReview,
	}

	status := model.ValidationPassed
	if cp.NeedsReview {
		status = model.ValidationNeedsReview
	}
	if err := a.save(ctx, msg.ID, model.StageConsolidation, cp, status); err != nil {
		return model.ConsolidationCheckpoint{}, err
	}
	return cp, nil
}

// detectConflicts compares the extraction against the secondary-store view.
// An unreachable secondary store is advisory only: no view, no conflicts,
// the sync path will surface real drift later.
func (a *Agents) detectConflicts(ctx context.Context, msg *model.InboundMessage, data *model.ExtractedData) []string {
	if a.clients == nil {
		return nil
	}

	sel := secondary.ClientSelector{}
	if len(data.ReferenceNumbers) > 0 {
		sel.CaseNumber = data.ReferenceNumbers[0]
	}
	if data.ClientName != nil {
		sel.FirstName, sel.LastName = splitName(*data.ClientName)
	}

	client, err := secondary.FindClient(ctx, a.clients, sel)
	if err != nil {
		if !errors.Is(err, secondary.ErrNotFound) {
			a.logger.Warn("secondary lookup failed, skipping conflict detection",
				"message_id", msg.ID, "error", err)
		}
		return nil
	}

	var conflicts []string

	if data.ClientName != nil {
		existing := strings.TrimSpace(client.FirstName + " " + client.LastName)
		if !strings.EqualFold(strings.TrimSpace(*data.ClientName), existing) {
			conflicts = append(conflicts, ConflictClientName)
		}
	}

	if data.Amount != nil {
		if entry := findCreditorEntry(client, msg.Sender, data.CreditorName); entry != nil && entry.Amount > 0 {
			extracted, _ := data.Amount.Value.Float64()
			diff := extracted - entry.Amount
			if diff < 0 {
				diff = -diff
			}
			if diff/entry.Amount > amountConflictRatio {
				conflicts = append(conflicts, ConflictAmount)
			}
		}
	}
	return conflicts
}

// findCreditorEntry locates the creditor inside the client document: sender
// email first, then case-folded creditor name.
func findCreditorEntry(client *secondary.Client, senderEmail string, creditorName *string) *secondary.Creditor {
	for i := range client.Creditors {
		if strings.EqualFold(client.Creditors[i].Email, senderEmail) {
			return &client.Creditors[i]
		}
	}
	if creditorName != nil {
		for i := range client.Creditors {
			if strings.EqualFold(strings.TrimSpace(client.Creditors[i].Name), strings.TrimSpace(*creditorName)) {
				return &client.Creditors[i]
			}
		}
	}
	return nil
}

// splitName splits a full name into (first, last): last word is the
// surname, everything before it the given names.
func splitName(full string) (first, last string) {
	words := strings.Fields(strings.TrimSpace(full))
	if len(words) == 0 {
		return "", ""
	}
	if len(words) == 1 {
		return "", words[0]
	}
	return strings.Join(words[:len(words)-1], " "), words[len(words)-1]
}
