// Package synthesis drives breaking sentences through the job lifecycle: request
// acceptance, the rate-limited engine call, callback ingestion and status rollup.
package synthesis

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/markup"
	"github.com/book-expert/tts-pipeline/internal/rollup"
	"github.com/book-expert/tts-pipeline/internal/text"
)

// Sender publishes synthesis requests onto the bus.
type Sender interface {
	SendSynthesis(ctx context.Context, req core.SynthesisRequest) error
}

// Repository is the persistence the service needs.
type Repository interface {
	core.TaskRepository
	core.SentenceRepository
}

// BatchResult lists which sentences of a batch request were accepted.
type BatchResult struct {
	Accepted []int64
	Rejected map[int64]error
}

// Service is the synchronous entry point used by operators and the CLI.
type Service struct {
	repo       Repository
	sender     Sender
	aggregator *Aggregator
	splitter   *text.Splitter
	defaults   core.SynthesisSetting
	log        *logger.Logger
}

// NewService creates a service. Zero fields in defaults take the built-in values.
func NewService(
	repo Repository,
	sender Sender,
	aggregator *Aggregator,
	splitter *text.Splitter,
	defaults core.SynthesisSetting,
	log *logger.Logger,
) *Service {
	if splitter == nil {
		splitter = text.NewSplitter("")
	}

	return &Service{
		repo:       repo,
		sender:     sender,
		aggregator: aggregator,
		splitter:   splitter,
		defaults:   defaults.WithDefaults(core.DefaultSynthesisSetting()),
		log:        log,
	}
}

// CreateTask splits content into sentences and stores the task hierarchy. Every piece
// becomes one original sentence holding one breaking sentence with the same sequence.
func (s *Service) CreateTask(ctx context.Context, name, content string) (*core.Task, error) {
	pieces, err := s.splitter.SplitTask(content)
	if err != nil {
		return nil, core.Validationf("task content: %v", err)
	}

	task := &core.Task{Name: name, Content: content, Status: core.StatusPending}

	err = s.repo.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}

	for i, piece := range pieces {
		original := &core.OriginalSentence{TaskID: task.ID, Sequence: i + 1, Content: piece}

		err = s.repo.CreateOriginalSentence(ctx, original)
		if err != nil {
			return nil, err
		}

		err = s.repo.CreateBreakingSentence(ctx, &core.BreakingSentence{
			OriginalSentenceID: original.ID,
			TaskID:             task.ID,
			Sequence:           i + 1,
			Content:            piece,
			Status:             core.StatusPending,
		})
		if err != nil {
			return nil, err
		}
	}

	s.log.Info("Created task %d with %d sentences", task.ID, len(pieces))

	return task, nil
}

// Synthesize accepts one synthesis request. It returns the processing label when the
// request was queued and the failed label, with the cause, when it was rejected.
// Markup on req takes precedence over the stored markup.
func (s *Service) Synthesize(ctx context.Context, req core.SynthesisRequest) (string, error) {
	sentence, err := s.repo.GetBreakingSentence(ctx, req.BreakingSentenceID)
	if errors.Is(err, core.ErrNotFound) {
		return core.LabelFailed, core.Validationf("breaking sentence %d does not exist", req.BreakingSentenceID)
	}

	if err != nil {
		return core.LabelFailed, err
	}

	if req.ResetStatus {
		err = s.repo.UpdateSynthesisStatus(ctx, sentence.ID, core.StatusPending)
		if err != nil {
			return core.LabelFailed, err
		}

		sentence.Status = core.StatusPending
	}

	setting, err := s.effectiveSetting(ctx, sentence.ID, req)
	if err != nil {
		return core.LabelFailed, err
	}

	transitionErr := core.CheckTransition(sentence.Status, core.StatusProcessing)
	if transitionErr != nil {
		return core.LabelFailed, transitionErr
	}

	req.VoiceID = setting.VoiceID
	req.SpeechRate = setting.SpeechRate
	req.Volume = setting.Volume
	req.Pitch = setting.Pitch
	req.Markup = cmp.Or(req.Markup, sentence.Markup, markup.Render(sentence.Content, setting))

	err = s.repo.UpdateSynthesisStatus(ctx, sentence.ID, core.StatusProcessing)
	if err != nil {
		return core.LabelFailed, err
	}

	sendErr := s.sender.SendSynthesis(ctx, req)
	if sendErr != nil {
		s.log.Error("Failed to publish synthesis of sentence %d: %v", sentence.ID, sendErr)

		failErr := s.repo.UpdateSynthesisStatus(ctx, sentence.ID, core.StatusFailed)
		if failErr != nil {
			s.log.Error("Failed to mark sentence %d failed: %v", sentence.ID, failErr)
		}

		s.aggregator.refresh(ctx, sentence.TaskID)

		return core.LabelFailed, fmt.Errorf("failed to publish synthesis request: %w", sendErr)
	}

	s.aggregator.refresh(ctx, sentence.TaskID)

	return core.LabelProcessing, nil
}

// SynthesizeTask submits every sentence of a task, or only ids when given, using
// template for the voice parameters and the reset flag. Markup is always per sentence.
func (s *Service) SynthesizeTask(
	ctx context.Context,
	taskID int64,
	ids []int64,
	template core.SynthesisRequest,
) (BatchResult, error) {
	var (
		sentences []core.BreakingSentence
		err       error
	)

	if len(ids) > 0 {
		sentences, err = s.repo.ListBreakingSentencesByIDs(ctx, ids)
	} else {
		sentences, err = s.repo.ListBreakingSentencesByTask(ctx, taskID)
	}

	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{Rejected: make(map[int64]error)}

	for _, sentence := range sentences {
		if sentence.TaskID != taskID {
			result.Rejected[sentence.ID] = core.Validationf("sentence %d belongs to task %d", sentence.ID, sentence.TaskID)

			continue
		}

		req := template
		req.BreakingSentenceID = sentence.ID
		req.Markup = ""

		_, synthErr := s.Synthesize(ctx, req)
		if synthErr != nil {
			result.Rejected[sentence.ID] = synthErr

			continue
		}

		result.Accepted = append(result.Accepted, sentence.ID)
	}

	return result, nil
}

// Configure stores the annotated markup of a sentence and, when given, its voice setting.
// An empty cfg.Content uses the sentence text.
func (s *Service) Configure(ctx context.Context, sentenceID int64, cfg markup.Config, setting *core.SynthesisSetting) (string, error) {
	sentence, err := s.repo.GetBreakingSentence(ctx, sentenceID)
	if errors.Is(err, core.ErrNotFound) {
		return "", core.Validationf("breaking sentence %d does not exist", sentenceID)
	}

	if err != nil {
		return "", err
	}

	if cfg.Content == "" {
		cfg.Content = sentence.Content
	}

	rendered := markup.RenderConfig(cfg)

	err = s.repo.UpdateMarkup(ctx, sentenceID, rendered)
	if err != nil {
		return "", err
	}

	if setting != nil {
		stored := *setting
		stored.BreakingSentenceID = sentenceID

		err = s.repo.UpsertSetting(ctx, stored)
		if err != nil {
			return "", err
		}
	}

	return rendered, nil
}

// Sentence returns one breaking sentence with its current status.
func (s *Service) Sentence(ctx context.Context, id int64) (*core.BreakingSentence, error) {
	return s.repo.GetBreakingSentence(ctx, id)
}

// TaskSummary recomputes the progress of a task.
func (s *Service) TaskSummary(ctx context.Context, taskID int64) (rollup.Summary, error) {
	_, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return rollup.Summary{}, err
	}

	return s.aggregator.Summary(ctx, taskID)
}

// effectiveSetting stores the voice parameters carried by req, if any, and returns the
// setting to synthesize with.
func (s *Service) effectiveSetting(ctx context.Context, sentenceID int64, req core.SynthesisRequest) (core.SynthesisSetting, error) {
	stored, err := s.repo.GetSetting(ctx, sentenceID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return core.SynthesisSetting{}, err
	}

	setting := core.SynthesisSetting{BreakingSentenceID: sentenceID}
	if stored != nil {
		setting = *stored
	}

	supplied := req.VoiceID != "" || req.SpeechRate != 0 || req.Volume != 0 || req.Pitch != 0
	if supplied {
		setting = core.SynthesisSetting{
			BreakingSentenceID: sentenceID,
			VoiceID:            req.VoiceID,
			SpeechRate:         req.SpeechRate,
			Volume:             req.Volume,
			Pitch:              req.Pitch,
		}.WithDefaults(setting)

		err = s.repo.UpsertSetting(ctx, setting)
		if err != nil {
			return core.SynthesisSetting{}, err
		}
	}

	return setting.WithDefaults(s.defaults), nil
}
