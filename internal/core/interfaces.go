// Package core defines the domain model and the collaborator interfaces of the synthesis pipeline.
package core

import "context"

// ObjectStore is durable storage for audio artifacts.
type ObjectStore interface {
	// UploadFile stores the file at path under key and returns its durable URL.
	UploadFile(ctx context.Context, key, path string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
	// BuildKey namespaces name under the configured prefix.
	BuildKey(name string) string
	// KeyFromURL returns the key behind a URL produced by UploadFile.
	KeyFromURL(url string) (string, bool)
}

// JobRequest carries everything the engine needs to start one asynchronous job.
type JobRequest struct {
	Markup     string
	VoiceID    string
	SpeechRate int
	Volume     int
	Pitch      int
}

// SynthesisEngine creates asynchronous jobs on the external speech engine.
type SynthesisEngine interface {
	CreateJob(ctx context.Context, req JobRequest) (string, error)
}

// VocabularyClient manages the engine-hosted pronunciation table.
type VocabularyClient interface {
	ListConfigs(ctx context.Context) ([]VocabularyConfig, error)
	CreateConfig(ctx context.Context, cfg VocabularyConfig) (string, error)
	DeleteConfigs(ctx context.Context, ids []string) error
}

// Publisher sends a typed payload onto the shared topic tagged by kind.
type Publisher interface {
	Publish(ctx context.Context, kind MessageKind, key string, payload any) error
}

// SentenceRepository persists breaking sentences and their settings.
type SentenceRepository interface {
	GetBreakingSentence(ctx context.Context, id int64) (*BreakingSentence, error)
	FindBreakingSentenceByJobID(ctx context.Context, jobID string) (*BreakingSentence, error)
	ListBreakingSentencesByTask(ctx context.Context, taskID int64) ([]BreakingSentence, error)
	ListBreakingSentencesByIDs(ctx context.Context, ids []int64) ([]BreakingSentence, error)
	UpdateSynthesisStatus(ctx context.Context, id int64, status SynthesisStatus) error
	UpdateJobID(ctx context.Context, id int64, jobID string) error
	CompleteSynthesis(ctx context.Context, id int64, audioURL string, durationMs int64) error
	UpdateMarkup(ctx context.Context, id int64, markup string) error
	GetSetting(ctx context.Context, sentenceID int64) (*SynthesisSetting, error)
	UpsertSetting(ctx context.Context, setting SynthesisSetting) error
}

// TaskRepository persists tasks and their sentence hierarchy.
type TaskRepository interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id int64) (*Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status SynthesisStatus) error
	UpdateTaskMergedAudio(ctx context.Context, id int64, audioURL string, durationMs int64) error
	CreateOriginalSentence(ctx context.Context, sentence *OriginalSentence) error
	ListOriginalSentences(ctx context.Context, taskID int64) ([]OriginalSentence, error)
	CreateBreakingSentence(ctx context.Context, sentence *BreakingSentence) error
	// DeleteBreakingSentence removes the sentence together with its setting.
	DeleteBreakingSentence(ctx context.Context, id int64) error
}

// RuleRepository persists reading rules and their applications.
type RuleRepository interface {
	ListRules(ctx context.Context) ([]ReadingRule, error)
	CreateRule(ctx context.Context, rule *ReadingRule) error
	ListApplications(ctx context.Context, level ApplicationLevel, targetID int64) ([]ReadingRuleApplication, error)
	SaveApplication(ctx context.Context, app *ReadingRuleApplication) error
}

// MergeRepository persists audio merges.
type MergeRepository interface {
	CreateMerge(ctx context.Context, merge *AudioMerge) error
	GetMerge(ctx context.Context, id int64) (*AudioMerge, error)
	CompleteMerge(ctx context.Context, id int64, audioURL string, durationMs int64) error
	FailMerge(ctx context.Context, id int64) error
}
