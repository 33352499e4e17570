package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/book-expert/tts-pipeline/internal/core"
)

// CreateMerge inserts merge and sets its ID and timestamps.
func (s *Store) CreateMerge(ctx context.Context, merge *core.AudioMerge) error {
	ids, err := json.Marshal(merge.SentenceIDs)
	if err != nil {
		return fmt.Errorf("failed to encode merge sentence ids: %w", err)
	}

	now := s.nowMillis()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO audio_merges(task_id, sentence_ids, audio_url, duration_ms, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		merge.TaskID, string(ids), merge.AudioURL, merge.DurationMs, int(merge.Status), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert audio merge: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read audio merge id: %w", err)
	}

	merge.ID = id
	merge.CreatedAt = fromMillis(now)
	merge.UpdatedAt = merge.CreatedAt

	return nil
}

// GetMerge loads one merge.
func (s *Store) GetMerge(ctx context.Context, id int64) (*core.AudioMerge, error) {
	var (
		merge              core.AudioMerge
		ids                string
		status             int
		createdAt, updated int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, sentence_ids, audio_url, duration_ms, status, created_at, updated_at
		 FROM audio_merges WHERE id = ?`, id).
		Scan(&merge.ID, &merge.TaskID, &ids, &merge.AudioURL, &merge.DurationMs, &status, &createdAt, &updated)
	if err != nil {
		return nil, notFound(err, "audio merge", id)
	}

	decodeErr := json.Unmarshal([]byte(ids), &merge.SentenceIDs)
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode sentence ids of merge %d: %w", id, decodeErr)
	}

	merge.Status = core.SynthesisStatus(status)
	merge.CreatedAt = fromMillis(createdAt)
	merge.UpdatedAt = fromMillis(updated)

	return &merge, nil
}

// CompleteMerge records the merged artifact. Only a PROCESSING merge can complete.
func (s *Store) CompleteMerge(ctx context.Context, id int64, audioURL string, durationMs int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE audio_merges SET status = ?, audio_url = ?, duration_ms = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		int(core.StatusCompleted), audioURL, durationMs, s.nowMillis(), id, int(core.StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to complete merge %d: %w", id, err)
	}

	return expectRow(result, "processing audio merge", id)
}

// FailMerge marks a merge FAILED.
func (s *Store) FailMerge(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE audio_merges SET status = ?, updated_at = ? WHERE id = ?`,
		int(core.StatusFailed), s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to fail merge %d: %w", id, err)
	}

	return expectRow(result, "audio merge", id)
}
