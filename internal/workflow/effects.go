package workflow

import (
	"github.com/pavelanni/oralexam/internal/playback"
)

// Effect is a side effect requested by a transition. AppendQuestion,
// AppendAnswer, Notify, BeginCapture, StopPlayback, AbortCapture and
// CancelPending complete before the next event is handled. RequestQuestion,
// PlayAudio and SubmitRecording finish later and report back as events.
type Effect interface {
	effect()
}

type AppendQuestion struct{ Text string }
type AppendAnswer struct{ Text string }
type Notify struct{ Notice Notice }
type RequestQuestion struct{ QuestionID string }
type PlayAudio struct{ Clip playback.Clip }
type BeginCapture struct{}
type SubmitRecording struct{}
type StopPlayback struct{}
type AbortCapture struct{}
type CancelPending struct{}

func (AppendQuestion) effect()  {}
func (AppendAnswer) effect()    {}
func (Notify) effect()          {}
func (RequestQuestion) effect() {}
func (PlayAudio) effect()       {}
func (BeginCapture) effect()    {}
func (SubmitRecording) effect() {}
func (StopPlayback) effect()    {}
func (AbortCapture) effect()    {}
func (CancelPending) effect()   {}

// NoticeKind identifies a user-facing status message. Kinds double as
// message IDs in the client's locale files.
type NoticeKind string

const (
	NoticePosing           NoticeKind = "posing_question"
	NoticeQuestionStarted  NoticeKind = "question_started"
	NoticeQuestionFailed   NoticeKind = "question_failed"
	NoticeAudioUnavailable NoticeKind = "audio_unavailable"
	NoticeReadyToRecord    NoticeKind = "ready_to_record"
	NoticeRecording        NoticeKind = "recording"
	NoticeMicDenied        NoticeKind = "mic_denied"
	NoticeMicUnavailable   NoticeKind = "mic_unavailable"
	NoticeCaptureFailed    NoticeKind = "capture_failed"
	NoticeProcessing       NoticeKind = "processing_audio"
	NoticeNoSpeech         NoticeKind = "no_speech"
	NoticeAnswerRecorded   NoticeKind = "answer_recorded"
	NoticeAnswerFailed     NoticeKind = "answer_failed"
	NoticeRejected         NoticeKind = "action_rejected"
	NoticeReset            NoticeKind = "session_reset"
)

// Notice is a status message for the user. Text carries the question or
// answer text where relevant; Err carries the cause of a failure.
type Notice struct {
	Kind NoticeKind
	Text string
	Err  error
}

