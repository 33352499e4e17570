// Package rollup computes parent statuses from the states of their breaking sentences.
//
// Precedence is the same at every level: any FAILED child makes the parent FAILED,
// otherwise any PROCESSING or PENDING child makes it PROCESSING, a non-empty set of
// COMPLETED children makes it COMPLETED, and anything else is PENDING.
package rollup

import (
	"sort"

	"github.com/book-expert/tts-pipeline/internal/core"
)

// Status rolls a set of child states up into one parent state.
func Status(states []core.SynthesisStatus) core.SynthesisStatus {
	var failed, inFlight, completed int

	for _, state := range states {
		switch state {
		case core.StatusFailed:
			failed++
		case core.StatusProcessing, core.StatusPending:
			inFlight++
		case core.StatusCompleted:
			completed++
		}
	}

	switch {
	case failed > 0:
		return core.StatusFailed
	case inFlight > 0:
		return core.StatusProcessing
	case completed > 0 && completed == len(states):
		return core.StatusCompleted
	default:
		return core.StatusPending
	}
}

// OfSentences rolls up the states of the given sentences.
func OfSentences(sentences []core.BreakingSentence) core.SynthesisStatus {
	states := make([]core.SynthesisStatus, 0, len(sentences))
	for _, sentence := range sentences {
		states = append(states, sentence.Status)
	}

	return Status(states)
}

// ByOriginal groups sentences by original sentence and rolls each group up.
func ByOriginal(sentences []core.BreakingSentence) map[int64]core.SynthesisStatus {
	groups := make(map[int64][]core.SynthesisStatus)
	for _, sentence := range sentences {
		groups[sentence.OriginalSentenceID] = append(groups[sentence.OriginalSentenceID], sentence.Status)
	}

	result := make(map[int64]core.SynthesisStatus, len(groups))
	for id, states := range groups {
		result[id] = Status(states)
	}

	return result
}

// Summary is the synthesis progress of one task.
type Summary struct {
	TaskID     int64
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
	// Progress is the completed share in percent, rounded down.
	Progress int
	Status   core.SynthesisStatus
	// Originals maps each original sentence id to its derived status.
	Originals map[int64]core.SynthesisStatus
	// FailedIDs lists failed breaking sentences in ascending id order.
	FailedIDs []int64
}

// Summarize counts the sentences of one task per state.
func Summarize(taskID int64, sentences []core.BreakingSentence) Summary {
	summary := Summary{
		TaskID:    taskID,
		Total:     len(sentences),
		Status:    OfSentences(sentences),
		Originals: ByOriginal(sentences),
	}

	for _, sentence := range sentences {
		switch sentence.Status {
		case core.StatusPending:
			summary.Pending++
		case core.StatusProcessing:
			summary.Processing++
		case core.StatusCompleted:
			summary.Completed++
		case core.StatusFailed:
			summary.Failed++
			summary.FailedIDs = append(summary.FailedIDs, sentence.ID)
		}
	}

	sort.Slice(summary.FailedIDs, func(i, j int) bool { return summary.FailedIDs[i] < summary.FailedIDs[j] })

	if summary.Total > 0 {
		summary.Progress = summary.Completed * 100 / summary.Total
	}

	return summary
}
