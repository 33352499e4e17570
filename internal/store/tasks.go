package store

import (
	"context"
	"fmt"

	"github.com/book-expert/tts-pipeline/internal/core"
)

// CreateTask inserts task and sets its ID and timestamps.
func (s *Store) CreateTask(ctx context.Context, task *core.Task) error {
	now := s.nowMillis()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(name, content, status, merged_audio_url, merged_duration_ms, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		task.Name, task.Content, int(task.Status), task.MergedAudioURL, task.MergedDurationMs, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read task id: %w", err)
	}

	task.ID = id
	task.CreatedAt = fromMillis(now)
	task.UpdatedAt = task.CreatedAt

	return nil
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, id int64) (*core.Task, error) {
	var (
		task               core.Task
		status             int
		createdAt, updated int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, content, status, merged_audio_url, merged_duration_ms, created_at, updated_at
		 FROM tasks WHERE id = ?`, id).
		Scan(&task.ID, &task.Name, &task.Content, &status, &task.MergedAudioURL, &task.MergedDurationMs,
			&createdAt, &updated)
	if err != nil {
		return nil, notFound(err, "task", id)
	}

	task.Status = core.SynthesisStatus(status)
	task.CreatedAt = fromMillis(createdAt)
	task.UpdatedAt = fromMillis(updated)

	return &task, nil
}

// UpdateTaskStatus writes the rolled-up status of a task.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status core.SynthesisStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, int(status), s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update task %d status: %w", id, err)
	}

	return expectRow(result, "task", id)
}

// UpdateTaskMergedAudio records the artifact of a successful merge.
func (s *Store) UpdateTaskMergedAudio(ctx context.Context, id int64, audioURL string, durationMs int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET merged_audio_url = ?, merged_duration_ms = ?, updated_at = ? WHERE id = ?`,
		audioURL, durationMs, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update task %d merged audio: %w", id, err)
	}

	return expectRow(result, "task", id)
}

// CreateOriginalSentence inserts sentence and sets its ID.
func (s *Store) CreateOriginalSentence(ctx context.Context, sentence *core.OriginalSentence) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO original_sentences(task_id, sequence, content) VALUES(?, ?, ?)`,
		sentence.TaskID, sentence.Sequence, sentence.Content)
	if err != nil {
		return fmt.Errorf("failed to insert original sentence: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read original sentence id: %w", err)
	}

	sentence.ID = id

	return nil
}

// ListOriginalSentences returns the original sentences of a task by sequence.
func (s *Store) ListOriginalSentences(ctx context.Context, taskID int64) ([]core.OriginalSentence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, sequence, content FROM original_sentences WHERE task_id = ? ORDER BY sequence`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list original sentences of task %d: %w", taskID, err)
	}
	defer rows.Close()

	var result []core.OriginalSentence

	for rows.Next() {
		var sentence core.OriginalSentence

		scanErr := rows.Scan(&sentence.ID, &sentence.TaskID, &sentence.Sequence, &sentence.Content)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan original sentence: %w", scanErr)
		}

		result = append(result, sentence)
	}

	return result, rows.Err()
}
