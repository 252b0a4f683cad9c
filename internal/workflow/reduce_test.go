package workflow

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/pavelanni/oralexam/internal/capture"
	"github.com/pavelanni/oralexam/internal/playback"
)

var testClip = playback.Clip{Base64: "SUQzBAAAAAAA", Format: "mp3"}

func describe(effects []Effect) []string {
	out := make([]string, 0, len(effects))
	for _, eff := range effects {
		switch e := eff.(type) {
		case Notify:
			out = append(out, "notify:"+string(e.Notice.Kind))
		default:
			out = append(out, fmt.Sprintf("%T", eff))
		}
	}
	return out
}

func TestReduce(t *testing.T) {
	posed := State{Phase: AwaitingAnswer, QuestionID: "q1", QuestionPosed: true}
	answered := State{Phase: AwaitingAnswer, QuestionID: "q1"}
	posing := State{Phase: PosingQuestion, QuestionID: "q1"}
	playing := State{Phase: PlayingQuestionAudio, QuestionID: "q1"}
	recording := State{Phase: Recording, QuestionID: "q1", QuestionPosed: true}
	submitting := State{Phase: SubmittingAnswer, QuestionID: "q1", QuestionPosed: true}

	tests := []struct {
		name    string
		state   State
		event   Event
		want    State
		effects []string
		reason  error
	}{
		{
			name:    "pose from idle",
			state:   State{},
			event:   PoseQuestion{QuestionID: "q1"},
			want:    posing,
			effects: []string{"notify:posing_question", "workflow.RequestQuestion"},
		},
		{
			name:    "pose next question while awaiting answer",
			state:   posed,
			event:   PoseQuestion{QuestionID: "q2"},
			want:    State{Phase: PosingQuestion, QuestionID: "q2"},
			effects: []string{"notify:posing_question", "workflow.RequestQuestion"},
		},
		{name: "pose while posing", state: posing, event: PoseQuestion{QuestionID: "q2"}, reason: ErrBusy},
		{name: "pose while playing", state: playing, event: PoseQuestion{QuestionID: "q2"}, reason: ErrBusy},
		{name: "pose while recording", state: recording, event: PoseQuestion{QuestionID: "q2"}, reason: ErrBusy},
		{name: "pose while submitting", state: submitting, event: PoseQuestion{QuestionID: "q2"}, reason: ErrBusy},
		{name: "pose without id", state: State{}, event: PoseQuestion{QuestionID: "  "}, reason: ErrNoQuestionID},
		{
			name:    "question with audio",
			state:   posing,
			event:   QuestionReady{Text: "Describe your role", Clip: testClip},
			want:    playing,
			effects: []string{"workflow.AppendQuestion", "notify:question_started", "workflow.PlayAudio"},
		},
		{
			name:    "question without audio",
			state:   posing,
			event:   QuestionReady{Text: "Describe your role"},
			want:    posed,
			effects: []string{"workflow.AppendQuestion", "notify:question_started", "notify:ready_to_record"},
		},
		{
			name:    "question failed",
			state:   posing,
			event:   QuestionFailed{Err: errors.New("503")},
			want:    State{},
			effects: []string{"notify:question_failed"},
		},
		{name: "stale question result", state: State{}, event: QuestionReady{Text: "late"}, reason: ErrUnexpected},
		{
			name:    "playback ended",
			state:   playing,
			event:   PlaybackDone{Outcome: playback.Ended},
			want:    posed,
			effects: []string{"notify:ready_to_record"},
		},
		{
			name:    "playback failed is not fatal",
			state:   playing,
			event:   PlaybackDone{Outcome: playback.Failed, Err: playback.ErrPlaybackFailed},
			want:    posed,
			effects: []string{"notify:audio_unavailable", "notify:ready_to_record"},
		},
		{
			name:    "playback could not start is not fatal",
			state:   playing,
			event:   PlaybackDone{Outcome: playback.CouldNotStart, Err: playback.ErrCouldNotStart},
			want:    posed,
			effects: []string{"notify:audio_unavailable", "notify:ready_to_record"},
		},
		{
			name:    "start recording",
			state:   posed,
			event:   StartRecording{},
			want:    recording,
			effects: []string{"workflow.BeginCapture", "notify:recording"},
		},
		{name: "start recording before any question", state: State{}, event: StartRecording{}, reason: ErrNoQuestionPosed},
		{name: "start recording after answer", state: answered, event: StartRecording{}, reason: ErrNoQuestionPosed},
		{name: "start recording while audio plays", state: playing, event: StartRecording{}, reason: ErrAudioPlaying},
		{name: "start recording twice", state: recording, event: StartRecording{}, reason: ErrAlreadyRecording},
		{name: "start recording while submitting", state: submitting, event: StartRecording{}, reason: ErrBusy},
		{
			name:    "stop recording",
			state:   recording,
			event:   StopRecording{},
			want:    submitting,
			effects: []string{"notify:processing_audio", "workflow.SubmitRecording"},
		},
		{name: "stop without recording", state: posed, event: StopRecording{}, reason: ErrNotRecording},
		{
			name:    "microphone denied",
			state:   recording,
			event:   CaptureFailed{Err: capture.ErrPermissionDenied},
			want:    posed,
			effects: []string{"notify:mic_denied"},
		},
		{
			name:    "microphone unavailable",
			state:   recording,
			event:   CaptureFailed{Err: fmt.Errorf("%w: no card", capture.ErrDeviceUnavailable)},
			want:    posed,
			effects: []string{"notify:mic_unavailable"},
		},
		{
			name:    "recording could not be finalized",
			state:   submitting,
			event:   CaptureFailed{Err: errors.New("short read")},
			want:    posed,
			effects: []string{"notify:capture_failed"},
		},
		{
			name:    "answer transcribed",
			state:   submitting,
			event:   AnswerReady{Text: " I am an engineer "},
			want:    answered,
			effects: []string{"workflow.AppendAnswer", "notify:answer_recorded"},
		},
		{
			name:    "empty answer",
			state:   submitting,
			event:   AnswerReady{Text: "   "},
			want:    answered,
			effects: []string{"notify:no_speech"},
		},
		{
			name:    "answer failed keeps question posed",
			state:   submitting,
			event:   AnswerFailed{Err: errors.New("500")},
			want:    posed,
			effects: []string{"notify:answer_failed"},
		},
		{name: "stale answer", state: posed, event: AnswerReady{Text: "late"}, reason: ErrUnexpected},
		{
			name:    "reset while recording",
			state:   recording,
			event:   Reset{},
			want:    State{},
			effects: []string{"workflow.StopPlayback", "workflow.AbortCapture", "workflow.CancelPending", "notify:session_reset"},
		},
		{name: "nil event", state: posed, event: nil, reason: ErrUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, effects, err := Reduce(tt.state, tt.event)
			if tt.reason != nil {
				if !errors.Is(err, ErrRejected) || !errors.Is(err, tt.reason) {
					t.Fatalf("err = %v, want rejection %v", err, tt.reason)
				}
				if got != tt.state {
					t.Errorf("rejected event changed state: %+v -> %+v", tt.state, got)
				}
				if len(effects) != 0 {
					t.Errorf("rejected event produced effects: %v", describe(effects))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("state = %+v, want %+v", got, tt.want)
			}
			if d := describe(effects); !slices.Equal(d, tt.effects) {
				t.Errorf("effects = %v, want %v", d, tt.effects)
			}
		})
	}
}

func TestReduceAnswerText(t *testing.T) {
	_, effects, err := Reduce(State{Phase: SubmittingAnswer, QuestionID: "q1", QuestionPosed: true},
		AnswerReady{Text: "\tJe suis ingénieur.\n"})
	if err != nil {
		t.Fatal(err)
	}
	app, ok := effects[0].(AppendAnswer)
	if !ok || app.Text != "Je suis ingénieur." {
		t.Errorf("first effect = %#v", effects[0])
	}
}

// TestRecordGuard drives random event sequences through Reduce and checks
// that StartRecording is accepted exactly when a question has been posed
// and nothing else is in progress.
func TestRecordGuard(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 42))
	events := []Event{
		PoseQuestion{QuestionID: "q1"},
		QuestionReady{Text: "Describe your role", Clip: testClip},
		QuestionReady{Text: "Describe your role"},
		QuestionFailed{Err: errors.New("down")},
		PlaybackDone{Outcome: playback.Ended},
		PlaybackDone{Outcome: playback.Failed},
		StartRecording{},
		StopRecording{},
		CaptureFailed{Err: capture.ErrPermissionDenied},
		AnswerReady{Text: "answer"},
		AnswerReady{Text: ""},
		AnswerFailed{Err: errors.New("500")},
		Reset{},
	}

	for run := 0; run < 200; run++ {
		var s State
		for step := 0; step < 50; step++ {
			ev := events[r.IntN(len(events))]
			allowed := Allowed(s)
			next, effects, err := Reduce(s, ev)

			if err != nil && (next != s || len(effects) != 0) {
				t.Fatalf("run %d step %d: rejected %s mutated state or produced effects", run, step, ev.Name())
			}
			if _, ok := ev.(StartRecording); ok {
				want := s.Phase == AwaitingAnswer && s.QuestionPosed
				if (err == nil) != want {
					t.Fatalf("run %d step %d: StartRecording in %+v accepted=%v, want %v", run, step, s, err == nil, want)
				}
				if allowed.Record != want {
					t.Fatalf("run %d step %d: Allowed(%+v).Record = %v, want %v", run, step, s, allowed.Record, want)
				}
			}
			if _, ok := ev.(PoseQuestion); ok && (err == nil) != allowed.Pose {
				t.Fatalf("run %d step %d: PoseQuestion in %+v accepted=%v, Allowed.Pose=%v", run, step, s, err == nil, allowed.Pose)
			}
			if next.Phase == PlayingQuestionAudio && next.QuestionPosed {
				t.Fatalf("run %d step %d: question marked posed while audio plays", run, step)
			}
			s = next
		}
	}
}

func TestPhaseString(t *testing.T) {
	if got := SubmittingAnswer.String(); got != "submitting_answer" {
		t.Errorf("SubmittingAnswer = %q", got)
	}
	if got := Phase(42).String(); got != "phase(42)" {
		t.Errorf("Phase(42) = %q", got)
	}
}
