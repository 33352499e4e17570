package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/book-expert/tts-pipeline/internal/core"
)

const breakingColumns = `id, original_sentence_id, task_id, sequence, content, markup, job_id, status,
	audio_url, audio_duration_ms, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBreaking(row rowScanner) (core.BreakingSentence, error) {
	var (
		sentence core.BreakingSentence
		status   int
		updated  int64
	)

	err := row.Scan(&sentence.ID, &sentence.OriginalSentenceID, &sentence.TaskID, &sentence.Sequence,
		&sentence.Content, &sentence.Markup, &sentence.JobID, &status, &sentence.AudioURL,
		&sentence.AudioDurationMs, &updated)
	if err != nil {
		return core.BreakingSentence{}, err
	}

	sentence.Status = core.SynthesisStatus(status)
	sentence.UpdatedAt = fromMillis(updated)

	return sentence, nil
}

// CreateBreakingSentence inserts sentence and sets its ID.
func (s *Store) CreateBreakingSentence(ctx context.Context, sentence *core.BreakingSentence) error {
	now := s.nowMillis()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO breaking_sentences(original_sentence_id, task_id, sequence, content, markup, job_id, status,
		 audio_url, audio_duration_ms, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sentence.OriginalSentenceID, sentence.TaskID, sentence.Sequence, sentence.Content, sentence.Markup,
		sentence.JobID, int(sentence.Status), sentence.AudioURL, sentence.AudioDurationMs, now)
	if err != nil {
		return fmt.Errorf("failed to insert breaking sentence: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read breaking sentence id: %w", err)
	}

	sentence.ID = id
	sentence.UpdatedAt = fromMillis(now)

	return nil
}

// DeleteBreakingSentence removes a sentence; its setting goes with it.
func (s *Store) DeleteBreakingSentence(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM breaking_sentences WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete breaking sentence %d: %w", id, err)
	}

	return expectRow(result, "breaking sentence", id)
}

// GetBreakingSentence loads one sentence.
func (s *Store) GetBreakingSentence(ctx context.Context, id int64) (*core.BreakingSentence, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+breakingColumns+` FROM breaking_sentences WHERE id = ?`, id)

	sentence, err := scanBreaking(row)
	if err != nil {
		return nil, notFound(err, "breaking sentence", id)
	}

	return &sentence, nil
}

// FindBreakingSentenceByJobID loads the sentence currently bound to an engine job.
func (s *Store) FindBreakingSentenceByJobID(ctx context.Context, jobID string) (*core.BreakingSentence, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job %q: %w", jobID, core.ErrNotFound)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+breakingColumns+` FROM breaking_sentences WHERE job_id = ? ORDER BY id LIMIT 1`, jobID)

	sentence, err := scanBreaking(row)
	if err != nil {
		return nil, notFound(err, "job", jobID)
	}

	return &sentence, nil
}

// ListBreakingSentencesByTask returns the sentences of a task in merge order.
func (s *Store) ListBreakingSentencesByTask(ctx context.Context, taskID int64) ([]core.BreakingSentence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.id, b.original_sentence_id, b.task_id, b.sequence, b.content, b.markup, b.job_id, b.status,
		        b.audio_url, b.audio_duration_ms, b.updated_at
		 FROM breaking_sentences b
		 JOIN original_sentences o ON o.id = b.original_sentence_id
		 WHERE b.task_id = ?
		 ORDER BY o.sequence, b.sequence, b.id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sentences of task %d: %w", taskID, err)
	}

	return collectBreaking(rows)
}

// ListBreakingSentencesByIDs returns the requested sentences in the order of ids.
// Unknown ids are skipped.
func (s *Store) ListBreakingSentencesByIDs(ctx context.Context, ids []int64) ([]core.BreakingSentence, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+breakingColumns+` FROM breaking_sentences WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sentences by id: %w", err)
	}

	found, err := collectBreaking(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]core.BreakingSentence, len(found))
	for _, sentence := range found {
		byID[sentence.ID] = sentence
	}

	ordered := make([]core.BreakingSentence, 0, len(found))

	for _, id := range ids {
		if sentence, ok := byID[id]; ok {
			ordered = append(ordered, sentence)
		}
	}

	return ordered, nil
}

func collectBreaking(rows *sql.Rows) ([]core.BreakingSentence, error) {
	defer rows.Close()

	var result []core.BreakingSentence

	for rows.Next() {
		sentence, err := scanBreaking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan breaking sentence: %w", err)
		}

		result = append(result, sentence)
	}

	return result, rows.Err()
}

// UpdateSynthesisStatus sets only the status column.
func (s *Store) UpdateSynthesisStatus(ctx context.Context, id int64, status core.SynthesisStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE breaking_sentences SET status = ?, updated_at = ? WHERE id = ?`, int(status), s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update status of sentence %d: %w", id, err)
	}

	return expectRow(result, "breaking sentence", id)
}

// UpdateJobID binds the sentence to a new engine job.
func (s *Store) UpdateJobID(ctx context.Context, id int64, jobID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE breaking_sentences SET job_id = ?, updated_at = ? WHERE id = ?`, jobID, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update job id of sentence %d: %w", id, err)
	}

	return expectRow(result, "breaking sentence", id)
}

// CompleteSynthesis records the re-hosted artifact and marks the sentence COMPLETED
// in one statement.
func (s *Store) CompleteSynthesis(ctx context.Context, id int64, audioURL string, durationMs int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE breaking_sentences SET status = ?, audio_url = ?, audio_duration_ms = ?, updated_at = ?
		 WHERE id = ?`, int(core.StatusCompleted), audioURL, durationMs, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to complete sentence %d: %w", id, err)
	}

	return expectRow(result, "breaking sentence", id)
}

// UpdateMarkup stores configured markup for a sentence.
func (s *Store) UpdateMarkup(ctx context.Context, id int64, markup string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE breaking_sentences SET markup = ?, updated_at = ? WHERE id = ?`, markup, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update markup of sentence %d: %w", id, err)
	}

	return expectRow(result, "breaking sentence", id)
}

// GetSetting loads the voice parameters of a sentence.
func (s *Store) GetSetting(ctx context.Context, sentenceID int64) (*core.SynthesisSetting, error) {
	var setting core.SynthesisSetting

	err := s.db.QueryRowContext(ctx,
		`SELECT breaking_sentence_id, voice_id, speech_rate, volume, pitch
		 FROM synthesis_settings WHERE breaking_sentence_id = ?`, sentenceID).
		Scan(&setting.BreakingSentenceID, &setting.VoiceID, &setting.SpeechRate, &setting.Volume, &setting.Pitch)
	if err != nil {
		return nil, notFound(err, "synthesis setting", sentenceID)
	}

	return &setting, nil
}

// UpsertSetting inserts or replaces the voice parameters of a sentence.
func (s *Store) UpsertSetting(ctx context.Context, setting core.SynthesisSetting) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO synthesis_settings(breaking_sentence_id, voice_id, speech_rate, volume, pitch)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(breaking_sentence_id) DO UPDATE SET voice_id = excluded.voice_id,
		   speech_rate = excluded.speech_rate, volume = excluded.volume, pitch = excluded.pitch`,
		setting.BreakingSentenceID, setting.VoiceID, setting.SpeechRate, setting.Volume, setting.Pitch)
	if err != nil {
		return fmt.Errorf("failed to upsert setting of sentence %d: %w", setting.BreakingSentenceID, err)
	}

	return nil
}
