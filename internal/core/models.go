package core

import "time"

// SynthesisStatus is the lifecycle state of a synthesizable unit. The numeric
// values are persisted and must not change.
type SynthesisStatus int

const (
	// StatusPending means no synthesis has been requested yet.
	StatusPending SynthesisStatus = 0
	// StatusProcessing means a request was accepted and no terminal outcome has been recorded.
	StatusProcessing SynthesisStatus = 1
	// StatusCompleted means the artifact has been durably re-hosted.
	StatusCompleted SynthesisStatus = 2
	// StatusFailed means the last attempt ended in an error.
	StatusFailed SynthesisStatus = 3
)

// String returns the lowercase name of the status.
func (s SynthesisStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the four known states.
func (s SynthesisStatus) Valid() bool {
	return s >= StatusPending && s <= StatusFailed
}

// Label returns the human-readable label shown to users at request time.
func (s SynthesisStatus) Label() string {
	switch s {
	case StatusPending:
		return LabelPending
	case StatusProcessing:
		return LabelProcessing
	case StatusCompleted:
		return LabelCompleted
	case StatusFailed:
		return LabelFailed
	default:
		return ""
	}
}

// User-visible status labels.
const (
	LabelPending    = "未合成"
	LabelProcessing = "合成中"
	LabelCompleted  = "已合成"
	LabelFailed     = "合成失败"
)

// Task is the top-level unit of work. Status is only ever written by aggregation.
type Task struct {
	ID               int64
	Name             string
	Content          string
	Status           SynthesisStatus
	MergedAudioURL   string
	MergedDurationMs int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OriginalSentence groups the breaking sentences cut from one span of task text.
// Its status is derived from its children and never stored.
type OriginalSentence struct {
	ID       int64
	TaskID   int64
	Sequence int
	Content  string
}

// BreakingSentence is the smallest synthesizable unit.
type BreakingSentence struct {
	ID                 int64
	OriginalSentenceID int64
	TaskID             int64
	Sequence           int
	Content            string
	Markup             string
	JobID              string
	Status             SynthesisStatus
	AudioURL           string
	AudioDurationMs    int64
	UpdatedAt          time.Time
}

// HasArtifact reports whether the sentence carries a completed, re-hosted artifact.
func (b *BreakingSentence) HasArtifact() bool {
	return b.Status == StatusCompleted && b.AudioURL != ""
}

// SynthesisSetting holds the voice parameters of one breaking sentence.
type SynthesisSetting struct {
	BreakingSentenceID int64
	VoiceID            string
	SpeechRate         int
	Volume             int
	Pitch              int
}

// WithDefaults fills every unset field from defaults.
func (s SynthesisSetting) WithDefaults(defaults SynthesisSetting) SynthesisSetting {
	if s.VoiceID == "" {
		s.VoiceID = defaults.VoiceID
	}

	if s.SpeechRate == 0 {
		s.SpeechRate = defaults.SpeechRate
	}

	if s.Volume == 0 {
		s.Volume = defaults.Volume
	}

	if s.Pitch == 0 {
		s.Pitch = defaults.Pitch
	}

	return s
}

// Default synthesis parameters applied when a sentence has no stored setting.
const (
	DefaultVoiceID    = "c41f12c125f24c834ed3ae7c1fdae456"
	DefaultVolume     = 140
	DefaultSpeechRate = 100
	DefaultPitch      = 100
)

// DefaultSynthesisSetting returns the built-in voice parameters.
func DefaultSynthesisSetting() SynthesisSetting {
	return SynthesisSetting{
		VoiceID:    DefaultVoiceID,
		SpeechRate: DefaultSpeechRate,
		Volume:     DefaultVolume,
		Pitch:      DefaultPitch,
	}
}

// RuleType classifies a reading rule. Values are persisted.
type RuleType int

const (
	RuleNumberEnglish      RuleType = 1
	RulePhoneticAdjustment RuleType = 2
	RuleProperNoun         RuleType = 3
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	return t >= RuleNumberEnglish && t <= RuleProperNoun
}

// RuleScope tells whether a rule applies everywhere or only inside its task.
type RuleScope int

const (
	ScopeGlobal RuleScope = 0
	ScopeTask   RuleScope = 1
)

// ReadingRule is a pronunciation rule: Pattern is read as Value.
type ReadingRule struct {
	ID      int64
	Pattern string
	Type    RuleType
	Value   string
	Scope   RuleScope
	// TaskID owns the rule when Scope is ScopeTask.
	TaskID int64
}

// ApplicationLevel says where a rule application was recorded. Values are persisted.
type ApplicationLevel int

const (
	LevelTask     ApplicationLevel = 1
	LevelSentence ApplicationLevel = 2
)

// ReadingRuleApplication explicitly opens or closes a rule for a task or a sentence.
type ReadingRuleApplication struct {
	ID       int64
	RuleID   int64
	Level    ApplicationLevel
	TargetID int64
	Open     bool
}

// AudioMerge is a materialized concatenation of sentence artifacts.
type AudioMerge struct {
	ID          int64
	TaskID      int64
	SentenceIDs []int64
	AudioURL    string
	DurationMs  int64
	Status      SynthesisStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VocabularyConfig is the engine-hosted mirror of one reading rule.
type VocabularyConfig struct {
	ID      string
	Pattern string
	Type    RuleType
	Value   string
}
