package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/oralexam/internal/capture"
	"github.com/pavelanni/oralexam/internal/playback"
	"github.com/pavelanni/oralexam/internal/transcript"
)

// ErrRejected is wrapped by every rejected event. A rejected event leaves
// the state unchanged and produces no effects.
var ErrRejected = errors.New("workflow: event rejected")

// Rejection reasons. Each one also matches ErrRejected.
var (
	ErrBusy             = errors.New("another step is in progress")
	ErrNoQuestionID     = errors.New("no question selected")
	ErrNoQuestionPosed  = errors.New("no question has been posed")
	ErrAudioPlaying     = errors.New("question audio is playing")
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
	ErrUnexpected       = errors.New("event not expected in this phase")
)

// RejectedError describes why an event was refused.
type RejectedError struct {
	Event  string
	Phase  Phase
	Reason error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("workflow: %s rejected while %s: %v", e.Event, e.Phase, e.Reason)
}

func (e *RejectedError) Unwrap() []error {
	return []error{ErrRejected, e.Reason}
}

func reject(s State, ev Event, reason error) (State, []Effect, error) {
	return s, nil, &RejectedError{Event: ev.Name(), Phase: s.Phase, Reason: reason}
}

func notify(kind NoticeKind, text string, err error) Effect {
	return Notify{Notice: Notice{Kind: kind, Text: text, Err: err}}
}

// Reduce applies ev to s. It has no side effects; the returned effects
// describe what the caller must do to complete the transition.
func Reduce(s State, ev Event) (State, []Effect, error) {
	if ev == nil {
		return s, nil, &RejectedError{Event: "nil", Phase: s.Phase, Reason: ErrUnexpected}
	}
	switch e := ev.(type) {
	case PoseQuestion:
		if s.Phase != Idle && s.Phase != AwaitingAnswer {
			return reject(s, ev, ErrBusy)
		}
		id := strings.TrimSpace(e.QuestionID)
		if id == "" {
			return reject(s, ev, ErrNoQuestionID)
		}
		return State{Phase: PosingQuestion, QuestionID: id}, []Effect{
			notify(NoticePosing, id, nil),
			RequestQuestion{QuestionID: id},
		}, nil

	case QuestionReady:
		if s.Phase != PosingQuestion {
			return reject(s, ev, ErrUnexpected)
		}
		effects := []Effect{
			AppendQuestion{Text: e.Text},
			notify(NoticeQuestionStarted, e.Text, nil),
		}
		if strings.TrimSpace(e.Clip.Base64) != "" {
			next := State{Phase: PlayingQuestionAudio, QuestionID: s.QuestionID}
			return next, append(effects, PlayAudio{Clip: e.Clip}), nil
		}
		next := State{Phase: AwaitingAnswer, QuestionID: s.QuestionID, QuestionPosed: true}
		return next, append(effects, notify(NoticeReadyToRecord, "", nil)), nil

	case QuestionFailed:
		if s.Phase != PosingQuestion {
			return reject(s, ev, ErrUnexpected)
		}
		return State{Phase: Idle}, []Effect{notify(NoticeQuestionFailed, s.QuestionID, e.Err)}, nil

	case PlaybackDone:
		if s.Phase != PlayingQuestionAudio {
			return reject(s, ev, ErrUnexpected)
		}
		var effects []Effect
		if e.Outcome != playback.Ended {
			effects = append(effects, notify(NoticeAudioUnavailable, "", e.Err))
		}
		next := State{Phase: AwaitingAnswer, QuestionID: s.QuestionID, QuestionPosed: true}
		return next, append(effects, notify(NoticeReadyToRecord, "", nil)), nil

	case StartRecording:
		switch {
		case s.Phase == PlayingQuestionAudio:
			return reject(s, ev, ErrAudioPlaying)
		case s.Phase == Recording:
			return reject(s, ev, ErrAlreadyRecording)
		case s.Phase == PosingQuestion || s.Phase == SubmittingAnswer:
			return reject(s, ev, ErrBusy)
		case s.Phase != AwaitingAnswer || !s.QuestionPosed:
			return reject(s, ev, ErrNoQuestionPosed)
		}
		next := s
		next.Phase = Recording
		return next, []Effect{BeginCapture{}, notify(NoticeRecording, "", nil)}, nil

	case StopRecording:
		if s.Phase != Recording {
			return reject(s, ev, ErrNotRecording)
		}
		next := s
		next.Phase = SubmittingAnswer
		return next, []Effect{notify(NoticeProcessing, "", nil), SubmitRecording{}}, nil

	case CaptureFailed:
		if s.Phase != Recording && s.Phase != SubmittingAnswer {
			return reject(s, ev, ErrUnexpected)
		}
		next := s
		next.Phase = AwaitingAnswer
		return next, []Effect{notify(captureNotice(e.Err), "", e.Err)}, nil

	case AnswerReady:
		if s.Phase != SubmittingAnswer {
			return reject(s, ev, ErrUnexpected)
		}
		next := State{Phase: AwaitingAnswer, QuestionID: s.QuestionID}
		text := strings.TrimSpace(e.Text)
		if !transcript.IsContent(text) {
			return next, []Effect{notify(NoticeNoSpeech, "", nil)}, nil
		}
		return next, []Effect{
			AppendAnswer{Text: text},
			notify(NoticeAnswerRecorded, text, nil),
		}, nil

	case AnswerFailed:
		if s.Phase != SubmittingAnswer {
			return reject(s, ev, ErrUnexpected)
		}
		next := s
		next.Phase = AwaitingAnswer
		return next, []Effect{notify(NoticeAnswerFailed, "", e.Err)}, nil

	case Reset:
		return State{Phase: Idle}, []Effect{
			StopPlayback{},
			AbortCapture{},
			CancelPending{},
			notify(NoticeReset, "", nil),
		}, nil
	}
	return reject(s, ev, ErrUnexpected)
}

func captureNotice(err error) NoticeKind {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return NoticeMicDenied
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return NoticeMicUnavailable
	default:
		return NoticeCaptureFailed
	}
}
