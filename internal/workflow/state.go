// Package workflow sequences one oral-exam practice session.
//
// The transition function Reduce is pure: it maps the current State and one
// Event to the next State plus the Effects to run. Machine feeds events to
// Reduce one at a time from a single goroutine and executes the effects,
// turning the results of asynchronous effects back into events.
package workflow

import "fmt"

// Phase is the single active step of the session.
type Phase int

const (
	Idle Phase = iota
	PosingQuestion
	PlayingQuestionAudio
	AwaitingAnswer
	Recording
	SubmittingAnswer
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case PosingQuestion:
		return "posing_question"
	case PlayingQuestionAudio:
		return "playing_question_audio"
	case AwaitingAnswer:
		return "awaiting_answer"
	case Recording:
		return "recording"
	case SubmittingAnswer:
		return "submitting_answer"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the workflow's value object. QuestionPosed is true once the
// current question has been delivered and not yet answered.
type State struct {
	Phase         Phase
	QuestionID    string
	QuestionPosed bool
}

// Actions are the user actions currently allowed.
type Actions struct {
	Pose   bool
	Record bool
	Stop   bool
	Export bool
}

// Allowed returns the user actions the state permits. Export depends on the
// transcript and is filled in by Machine.Actions.
func Allowed(s State) Actions {
	return Actions{
		Pose:   s.Phase == Idle || s.Phase == AwaitingAnswer,
		Record: s.Phase == AwaitingAnswer && s.QuestionPosed,
		Stop:   s.Phase == Recording,
	}
}
