package core

// MessageKind tags a bus message with the pipeline stage that consumes it.
type MessageKind string

const (
	KindSynthesis MessageKind = "TTS_SYNTHESIS"
	KindCallback  MessageKind = "TTS_CALLBACK"
	KindMerge     MessageKind = "AUDIO_MERGE"
)

// Kinds returns every message kind in a stable order.
func Kinds() []MessageKind {
	return []MessageKind{KindSynthesis, KindCallback, KindMerge}
}

// SynthesisRequest asks the dispatcher to create an engine job for one sentence.
type SynthesisRequest struct {
	BreakingSentenceID int64  `json:"breakingSentenceId"`
	VoiceID            string `json:"voiceId"`
	SpeechRate         int    `json:"speechRate"`
	Volume             int    `json:"volume"`
	Pitch              int    `json:"pitch"`
	ResetStatus        bool   `json:"resetStatus"`
	Markup             string `json:"markup"`
}

// CallbackStatus is the job state reported by the engine.
type CallbackStatus string

const (
	CallbackFinished CallbackStatus = "FINISHED"
	CallbackError    CallbackStatus = "ERROR"
	CallbackWaiting  CallbackStatus = "WAITING"
)

// CallbackRequest is the engine's completion notification. The JSON keys are the
// engine's own, since the webhook forwards its body unchanged.
type CallbackRequest struct {
	Status                  CallbackStatus `json:"status"`
	JobID                   string         `json:"job_id"`
	AudioFileDownloadURL    string         `json:"audio_file_download_url"`
	SubtitleFileDownloadURL string         `json:"subtitle_file_download_url,omitempty"`
	AudioDurationSeconds    float64        `json:"audio_duration"`
}

// MergeMessage asks a merge worker to build the merge identified by MergeID.
type MergeMessage struct {
	TaskID      int64   `json:"taskId"`
	MergeID     int64   `json:"mergeId"`
	SentenceIDs []int64 `json:"sentenceIds"`
}
