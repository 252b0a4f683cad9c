package workflow

import (
	"github.com/pavelanni/oralexam/internal/playback"
)

// Event is an input to the state machine. User events come from Dispatch;
// the others are produced by the machine when an effect completes.
type Event interface {
	Name() string
	user() bool
}

// PoseQuestion asks the service for question QuestionID.
type PoseQuestion struct {
	QuestionID string
}

// QuestionReady is the successful pose-question result. Clip is empty when
// the service sent no audio.
type QuestionReady struct {
	Text string
	Clip playback.Clip
}

// QuestionFailed is a failed pose-question call.
type QuestionFailed struct {
	Err error
}

// PlaybackDone reports the single outcome of playing the question audio.
type PlaybackDone struct {
	Outcome playback.Outcome
	Err     error
}

// StartRecording asks to begin capturing an answer.
type StartRecording struct{}

// StopRecording finalizes the capture and submits it.
type StopRecording struct{}

// CaptureFailed reports that the microphone could not be acquired or the
// recording could not be finalized.
type CaptureFailed struct {
	Err error
}

// AnswerReady is the transcription returned by submit-answer.
type AnswerReady struct {
	Text string
}

// AnswerFailed is a failed submit-answer call.
type AnswerFailed struct {
	Err error
}

// Reset abandons whatever is in progress and returns to Idle. The transcript
// is kept.
type Reset struct{}

func (PoseQuestion) Name() string   { return "pose_question" }
func (QuestionReady) Name() string  { return "question_ready" }
func (QuestionFailed) Name() string { return "question_failed" }
func (PlaybackDone) Name() string   { return "playback_done" }
func (StartRecording) Name() string { return "start_recording" }
func (StopRecording) Name() string  { return "stop_recording" }
func (CaptureFailed) Name() string  { return "capture_failed" }
func (AnswerReady) Name() string    { return "answer_ready" }
func (AnswerFailed) Name() string   { return "answer_failed" }
func (Reset) Name() string          { return "reset" }

func (PoseQuestion) user() bool   { return true }
func (QuestionReady) user() bool  { return false }
func (QuestionFailed) user() bool { return false }
func (PlaybackDone) user() bool   { return false }
func (StartRecording) user() bool { return true }
func (StopRecording) user() bool  { return true }
func (CaptureFailed) user() bool  { return false }
func (AnswerReady) user() bool    { return false }
func (AnswerFailed) user() bool   { return false }
func (Reset) user() bool          { return true }
