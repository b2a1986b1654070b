package pipeline

import "fmt"

// State is a step of the run state machine.
type State string

const (
	StateIdle               State = "idle"
	StateLoadingRecognition State = "loading_recognition"
	StateRecognizing        State = "recognizing"
	StateResolvingLanguage  State = "resolving_language"
	StateLoadingAlignment   State = "loading_alignment"
	StateAligning           State = "aligning"
	StateLoadingDiarization State = "loading_diarization"
	StateDiarizing          State = "diarizing"
	StateMerging            State = "merging"
	StateDone               State = "done"
	StateFailed             State = "failed"
	StateCancelled          State = "cancelled"
)

// transitions lists the legal successors of every non-terminal state.
// LoadingAlignment appears twice in a run's life only as alternatives: before
// Recognizing for an explicit language, after ResolvingLanguage otherwise.
var transitions = map[State][]State{
	StateIdle:               {StateLoadingRecognition},
	StateLoadingRecognition: {StateLoadingAlignment, StateRecognizing, StateFailed},
	StateLoadingAlignment:   {StateRecognizing, StateAligning, StateLoadingDiarization, StateDone},
	StateRecognizing:        {StateResolvingLanguage, StateFailed},
	StateResolvingLanguage:  {StateLoadingAlignment, StateAligning, StateLoadingDiarization, StateDone},
	StateAligning:           {StateLoadingDiarization, StateDone},
	StateLoadingDiarization: {StateDiarizing, StateDone},
	StateDiarizing:          {StateMerging, StateDone},
	StateMerging:            {StateDone},
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

func isValidTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type transitionError struct {
	from State
	to   State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid pipeline transition %s -> %s", e.from, e.to)
}
