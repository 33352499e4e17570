package core

import "fmt"

// allowedTransitions lists, per current state, the states a breaking sentence may move to.
// COMPLETED -> FAILED is absent: a late error report never overrides a re-hosted artifact.
var allowedTransitions = map[SynthesisStatus][]SynthesisStatus{
	StatusPending:    {StatusProcessing, StatusCompleted},
	StatusProcessing: {StatusProcessing, StatusPending, StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusPending, StatusProcessing},
	StatusFailed:     {StatusPending, StatusProcessing, StatusCompleted},
}

// CanTransition reports whether a sentence in state from may move to state to.
func CanTransition(from, to SynthesisStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is not allowed.
func CheckTransition(from, to SynthesisStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}
