package synthesis

import (
	"context"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/rollup"
)

// Aggregator recomputes and stores the rolled-up status of a task.
type Aggregator struct {
	tasks     core.TaskRepository
	sentences core.SentenceRepository
	log       *logger.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(tasks core.TaskRepository, sentences core.SentenceRepository, log *logger.Logger) *Aggregator {
	return &Aggregator{tasks: tasks, sentences: sentences, log: log}
}

// Summary recomputes the progress of a task from its sentences without writing anything.
func (a *Aggregator) Summary(ctx context.Context, taskID int64) (rollup.Summary, error) {
	sentences, err := a.sentences.ListBreakingSentencesByTask(ctx, taskID)
	if err != nil {
		return rollup.Summary{}, fmt.Errorf("%w: task %d: %w", core.ErrAggregation, taskID, err)
	}

	return rollup.Summarize(taskID, sentences), nil
}

// RefreshTask recomputes the task status and stores it when it changed.
func (a *Aggregator) RefreshTask(ctx context.Context, taskID int64) (rollup.Summary, error) {
	summary, err := a.Summary(ctx, taskID)
	if err != nil {
		return summary, err
	}

	task, err := a.tasks.GetTask(ctx, taskID)
	if err != nil {
		return summary, fmt.Errorf("%w: task %d: %w", core.ErrAggregation, taskID, err)
	}

	if task.Status == summary.Status {
		return summary, nil
	}

	err = a.tasks.UpdateTaskStatus(ctx, taskID, summary.Status)
	if err != nil {
		return summary, fmt.Errorf("%w: task %d: %w", core.ErrAggregation, taskID, err)
	}

	a.log.Info("Task %d is now %s (%d/%d completed)", taskID, summary.Status, summary.Completed, summary.Total)

	return summary, nil
}

// refresh runs RefreshTask and only logs a failure.
func (a *Aggregator) refresh(ctx context.Context, taskID int64) {
	_, err := a.RefreshTask(ctx, taskID)
	if err != nil {
		a.log.Error("Status aggregation failed: %v", err)
	}
}
