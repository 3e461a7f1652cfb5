package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

// InsertMatchResults bulk-inserts the ranked candidates for a message.
// Uses COPY for efficiency; previous results for the message are replaced
// so a re-run stores a single consistent ranking.
func (db *DB) InsertMatchResults(ctx context.Context, messageID uuid.UUID, results []model.MatchResult) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin match results tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM match_results WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("storage: clear match results: %w", err)
	}

	if len(results) > 0 {
		rows := make([][]any, len(results))
		for i, r := range results {
			if r.ID == uuid.Nil {
				r.ID = uuid.New()
			}
			signals, err := json.Marshal(r.SignalScores)
			if err != nil {
				return fmt.Errorf("storage: marshal signal scores: %w", err)
			}
			details, err := json.Marshal(r.ScoringDetails)
			if err != nil {
				return fmt.Errorf("storage: marshal scoring details: %w", err)
			}
			rows[i] = []any{
				r.ID, messageID, r.InquiryID, r.TotalScore, r.ConfidenceTier,
				signals, details, r.AmbiguityGap, r.Rank, r.Selected, r.SelectionMethod,
			}
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"match_results"},
			[]string{"id", "message_id", "inquiry_id", "total_score", "confidence_tier",
				"signal_scores", "scoring_details", "ambiguity_gap", "rank", "selected",
				"selection_method"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("storage: insert match results: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit match results: %w", err)
	}
	return nil
}

// ListMatchResults returns the stored ranking for a message, best first.
func (db *DB) ListMatchResults(ctx context.Context, messageID uuid.UUID) ([]model.MatchResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, message_id, inquiry_id, total_score, confidence_tier, signal_scores,
		        scoring_details, ambiguity_gap, rank, selected, selection_method, created_at
		 FROM match_results
		 WHERE message_id = $1
		 ORDER BY rank`, messageID)
	if err != nil {
		return nil, fmt.Errorf("storage: list match results: %w", err)
	}
	defer rows.Close()

	var out []model.MatchResult
	for rows.Next() {
		var (
			r       model.MatchResult
			signals []byte
			details []byte
		)
		err := rows.Scan(&r.ID, &r.MessageID, &r.InquiryID, &r.TotalScore, &r.ConfidenceTier,
			&signals, &details, &r.AmbiguityGap, &r.Rank, &r.Selected, &r.SelectionMethod, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("storage: scan match result: %w", err)
		}
		if len(signals) > 0 {
			if err := json.Unmarshal(signals, &r.SignalScores); err != nil {
				return nil, fmt.Errorf("storage: decode signal scores: %w", err)
			}
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &r.ScoringDetails); err != nil {
				return nil, fmt.Errorf("storage: decode scoring details: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
