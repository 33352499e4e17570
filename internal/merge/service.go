// Package merge concatenates the completed artifacts of a task into one audio file.
package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/telemetry"
	"github.com/samber/lo"
)

// ErrIncompleteSelection marks a merge whose sentences are not all completed.
var ErrIncompleteSelection = errors.New("selected sentences are not all completed")

// Repository is the persistence the merge service needs.
type Repository interface {
	core.TaskRepository
	core.SentenceRepository
	core.MergeRepository
}

// Sender publishes merge requests onto the bus.
type Sender interface {
	SendMerge(ctx context.Context, msg core.MergeMessage) error
}

// Audio joins local files and measures the result.
type Audio interface {
	Concat(ctx context.Context, inputs []string, output string) error
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// Fetcher downloads an artifact that is not held by the object store.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Service accepts merge requests and builds them when the bus delivers them.
type Service struct {
	repo    Repository
	sender  Sender
	objects core.ObjectStore
	fetcher Fetcher
	audio   Audio
	tempDir string
	metrics *telemetry.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// NewService creates a merge service writing scratch files under tempDir.
func NewService(
	repo Repository,
	sender Sender,
	objects core.ObjectStore,
	fetcher Fetcher,
	audio Audio,
	tempDir string,
	metrics *telemetry.Metrics,
	log *logger.Logger,
) *Service {
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	return &Service{
		repo:    repo,
		sender:  sender,
		objects: objects,
		fetcher: fetcher,
		audio:   audio,
		tempDir: tempDir,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

// WithClock replaces the time source used for object names.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now

	return s
}

// Request records a PROCESSING merge and publishes it. Without ids every sentence of the
// task holding an artifact is merged. Segments always follow task sequence order; ids
// only choose which sentences take part.
func (s *Service) Request(ctx context.Context, taskID int64, ids []int64) (*core.AudioMerge, error) {
	_, err := s.repo.GetTask(ctx, taskID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.Validationf("task %d does not exist", taskID)
	}

	if err != nil {
		return nil, err
	}

	sentences, err := s.repo.ListBreakingSentencesByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var selected []int64

	if len(ids) == 0 {
		selected = lo.FilterMap(sentences, func(sentence core.BreakingSentence, _ int) (int64, bool) {
			return sentence.ID, sentence.HasArtifact()
		})
	} else {
		selected, err = inTaskOrder(taskID, sentences, ids)
		if err != nil {
			return nil, err
		}
	}

	if len(selected) == 0 {
		return nil, core.Validationf("task %d has no completed sentences to merge", taskID)
	}

	merge := &core.AudioMerge{TaskID: taskID, SentenceIDs: selected, Status: core.StatusProcessing}

	err = s.repo.CreateMerge(ctx, merge)
	if err != nil {
		return nil, err
	}

	sendErr := s.sender.SendMerge(ctx, core.MergeMessage{TaskID: taskID, MergeID: merge.ID, SentenceIDs: selected})
	if sendErr != nil {
		s.log.Error("Failed to publish merge %d: %v", merge.ID, sendErr)

		failErr := s.repo.FailMerge(ctx, merge.ID)
		if failErr != nil {
			s.log.Error("Failed to mark merge %d failed: %v", merge.ID, failErr)
		}

		merge.Status = core.StatusFailed

		return merge, fmt.Errorf("failed to publish merge request: %w", sendErr)
	}

	s.log.Info("Merge %d of task %d requested with %d sentences", merge.ID, taskID, len(selected))

	return merge, nil
}

// Get returns one merge.
func (s *Service) Get(ctx context.Context, id int64) (*core.AudioMerge, error) {
	return s.repo.GetMerge(ctx, id)
}

// Process builds the merge named by msg. A merge that cannot be built is marked FAILED
// and the message is consumed; only persistence errors are returned.
func (s *Service) Process(ctx context.Context, msg core.MergeMessage) error {
	merge, err := s.repo.GetMerge(ctx, msg.MergeID)
	if errors.Is(err, core.ErrNotFound) {
		s.log.Warn("Dropping message for unknown merge %d", msg.MergeID)
		s.metrics.RecordMerge(ctx, telemetry.OutcomeDropped)

		return nil
	}

	if err != nil {
		return err
	}

	if merge.Status != core.StatusProcessing {
		s.log.Info("Merge %d already %s", merge.ID, merge.Status)
		s.metrics.RecordMerge(ctx, telemetry.OutcomeSkipped)

		return nil
	}

	url, durationMs, buildErr := s.build(ctx, merge)
	if buildErr != nil {
		s.log.Error("Merge %d of task %d failed: %v", merge.ID, merge.TaskID, buildErr)
		s.metrics.RecordMerge(ctx, telemetry.OutcomeFailed)

		return s.repo.FailMerge(ctx, merge.ID)
	}

	err = s.repo.CompleteMerge(ctx, merge.ID, url, durationMs)
	if err != nil {
		return err
	}

	err = s.repo.UpdateTaskMergedAudio(ctx, merge.TaskID, url, durationMs)
	if err != nil {
		return err
	}

	s.metrics.RecordMerge(ctx, telemetry.OutcomeSuccess)
	s.log.Info("Merge %d of task %d completed: %s (%d ms)", merge.ID, merge.TaskID, url, durationMs)

	return nil
}

func (s *Service) build(ctx context.Context, merge *core.AudioMerge) (string, int64, error) {
	all, err := s.repo.ListBreakingSentencesByTask(ctx, merge.TaskID)
	if err != nil {
		return "", 0, err
	}

	wanted := idSet(merge.SentenceIDs)
	sentences := lo.Filter(all, func(sentence core.BreakingSentence, _ int) bool {
		_, ok := wanted[sentence.ID]

		return ok
	})

	if len(sentences) != len(wanted) {
		return "", 0, fmt.Errorf("%w: %d of %d sentences exist in task %d",
			ErrIncompleteSelection, len(sentences), len(wanted), merge.TaskID)
	}

	for _, sentence := range sentences {
		if !sentence.HasArtifact() {
			return "", 0, fmt.Errorf("%w: sentence %d is %s", ErrIncompleteSelection, sentence.ID, sentence.Status)
		}
	}

	durationMs := lo.SumBy(sentences, func(sentence core.BreakingSentence) int64 { return sentence.AudioDurationMs })

	workDir, err := os.MkdirTemp(s.tempDir, fmt.Sprintf("merge-%d-*", merge.ID))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inputs := make([]string, 0, len(sentences))

	for i, sentence := range sentences {
		input := filepath.Join(workDir, fmt.Sprintf("%04d_%d.wav", i, sentence.ID))

		fetchErr := s.materialize(ctx, sentence.AudioURL, input)
		if fetchErr != nil {
			return "", 0, &core.ArtifactTransferError{Stage: "download", Err: fetchErr}
		}

		inputs = append(inputs, input)
	}

	name := fmt.Sprintf("task_%d_merged_%d.wav", merge.TaskID, s.now().UnixMilli())
	output := filepath.Join(workDir, name)

	err = s.audio.Concat(ctx, inputs, output)
	if err != nil {
		return "", 0, err
	}

	measured, probeErr := s.audio.Probe(ctx, output)
	if probeErr != nil {
		s.log.Warn("Could not probe merged audio of merge %d: %v", merge.ID, probeErr)
	} else {
		s.log.Info("Merge %d: summed %d ms, measured %s", merge.ID, durationMs, measured)
	}

	url, err := s.objects.UploadFile(ctx, s.objects.BuildKey(name), output)
	if err != nil {
		return "", 0, &core.ArtifactTransferError{Stage: "upload", Err: err}
	}

	return url, durationMs, nil
}

func idSet(ids []int64) map[int64]struct{} {
	return lo.SliceToMap(ids, func(id int64) (int64, struct{}) { return id, struct{}{} })
}

// inTaskOrder returns the distinct ids ordered as their sentences appear in the task.
func inTaskOrder(taskID int64, sentences []core.BreakingSentence, ids []int64) ([]int64, error) {
	wanted := idSet(ids)
	ordered := lo.FilterMap(sentences, func(sentence core.BreakingSentence, _ int) (int64, bool) {
		_, ok := wanted[sentence.ID]

		return sentence.ID, ok
	})

	if len(ordered) != len(wanted) {
		foreign := lo.Without(lo.Keys(wanted), ordered...)
		slices.Sort(foreign)

		return nil, core.Validationf("sentences %v do not belong to task %d", foreign, taskID)
	}

	return ordered, nil
}

// materialize copies the artifact behind url into path.
func (s *Service) materialize(ctx context.Context, url, path string) error {
	var (
		data []byte
		err  error
	)

	if key, ok := s.objects.KeyFromURL(url); ok {
		data, err = s.objects.Download(ctx, key)
	} else {
		data, err = s.fetcher.Fetch(ctx, url)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}
