package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pavelanni/oralexam/internal/capture"
	"github.com/pavelanni/oralexam/internal/examapi"
	"github.com/pavelanni/oralexam/internal/playback"
	"github.com/pavelanni/oralexam/internal/transcript"
)

// ErrClosed is returned by Dispatch once Run has returned.
var ErrClosed = errors.New("workflow: machine closed")

// ErrNotUserEvent is returned when Dispatch is given an internal event.
var ErrNotUserEvent = errors.New("workflow: not a user event")

// Service is the exam service as seen by the workflow.
type Service interface {
	PoseQuestion(ctx context.Context, id string) (examapi.Posed, error)
	SubmitAnswer(ctx context.Context, art capture.Artifact) (string, error)
}

// Recorder is the microphone capture session.
type Recorder interface {
	Begin(ctx context.Context) error
	End() (capture.Artifact, error)
	Active() bool
}

// AudioPlayer plays question clips.
type AudioPlayer interface {
	Play(ctx context.Context, clip playback.Clip) (playback.Outcome, error)
	Stop()
}

// Config wires a Machine to its collaborators.
type Config struct {
	Service    Service
	Recorder   Recorder
	Player     AudioPlayer
	Transcript *transcript.Log
	Logger     *slog.Logger
	Now        func() time.Time
	// NoticeBuffer is the capacity of the Notices channel. Notices are
	// dropped when the buffer is full.
	NoticeBuffer int
}

type envelope struct {
	ev    Event
	gen   uint64
	async bool
	reply chan error
}

// Machine runs the workflow. All transitions happen on the goroutine that
// calls Run.
type Machine struct {
	svc     Service
	rec     Recorder
	player  AudioPlayer
	log     *transcript.Log
	logger  *slog.Logger
	now     func() time.Time
	events  chan envelope
	notices chan Notice
	done    chan struct{}

	mu    sync.RWMutex
	state State

	// owned by the Run goroutine
	gen       uint64
	runCtx    context.Context
	opCtx     context.Context
	cancelOps context.CancelFunc
	wg        sync.WaitGroup
}

// ErrMissingCollaborator is returned by New when Service, Recorder or Player
// is nil.
var ErrMissingCollaborator = errors.New("workflow: service, recorder and player are required")

// New creates a machine in the Idle phase. Call Run to start it.
func New(cfg Config) (*Machine, error) {
	if cfg.Service == nil || cfg.Recorder == nil || cfg.Player == nil {
		return nil, ErrMissingCollaborator
	}
	m := &Machine{
		svc:    cfg.Service,
		rec:    cfg.Recorder,
		player: cfg.Player,
		log:    cfg.Transcript,
		logger: cfg.Logger,
		now:    cfg.Now,
		events: make(chan envelope),
		done:   make(chan struct{}),
	}
	if m.log == nil {
		m.log = transcript.New()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "workflow")
	if m.now == nil {
		m.now = time.Now
	}
	size := cfg.NoticeBuffer
	if size <= 0 {
		size = 64
	}
	m.notices = make(chan Notice, size)
	return m, nil
}

// Run processes events until ctx is done. On return it stops playback,
// releases the microphone and cancels in-flight service calls.
func (m *Machine) Run(ctx context.Context) error {
	m.runCtx = ctx
	m.opCtx, m.cancelOps = context.WithCancel(ctx)
	defer func() {
		m.cancelOps()
		m.player.Stop()
		m.abortCapture()
		close(m.done)
		m.wg.Wait()
		close(m.notices)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-m.events:
			if env.async && env.gen != m.gen {
				m.logger.Debug("dropping stale result", "event", env.ev.Name())
				continue
			}
			err := m.apply(env.ev)
			if env.reply != nil {
				env.reply <- err
			}
		}
	}
}

// Dispatch submits a user event and waits until its transition, including
// the synchronous effects, has been applied. A refused event returns an
// error matching ErrRejected and also raises a NoticeRejected. When the
// microphone cannot be acquired, StartRecording is accepted, the machine
// falls back to AwaitingAnswer and Dispatch returns the capture error.
func (m *Machine) Dispatch(ctx context.Context, ev Event) error {
	if ev == nil || !ev.user() {
		return ErrNotUserEvent
	}
	env := envelope{ev: ev, reply: make(chan error, 1)}
	select {
	case m.events <- env:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-env.reply:
		return err
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Actions returns the user actions currently allowed.
func (m *Machine) Actions() Actions {
	a := Allowed(m.Snapshot())
	a.Export = m.log.HasContent()
	return a
}

// Transcript returns the log the machine appends to.
func (m *Machine) Transcript() *transcript.Log {
	return m.log
}

// Notices streams status messages. The channel is closed when Run returns.
func (m *Machine) Notices() <-chan Notice {
	return m.notices
}

func (m *Machine) apply(ev Event) error {
	m.mu.RLock()
	cur := m.state
	m.mu.RUnlock()

	next, effects, err := Reduce(cur, ev)
	if err != nil {
		m.logger.Debug("event rejected", "event", ev.Name(), "phase", cur.Phase, "error", err)
		if ev.user() {
			m.publish(Notice{Kind: NoticeRejected, Err: err})
		}
		return err
	}

	m.mu.Lock()
	m.state = next
	m.mu.Unlock()
	m.logger.Debug("transition", "from", cur.Phase, "to", next.Phase, "event", ev.Name())

	for _, eff := range effects {
		if follow := m.run(eff); follow != nil {
			// A synchronous effect failed; its event completes this
			// transition before anything else is handled.
			if err := m.apply(follow); err != nil {
				m.logger.Warn("follow-up event rejected", "event", follow.Name(), "error", err)
			}
			if cf, ok := follow.(CaptureFailed); ok {
				return cf.Err
			}
			return nil
		}
	}
	return nil
}

// run executes one effect. It returns a follow-up event when a synchronous
// effect fails.
func (m *Machine) run(eff Effect) Event {
	switch e := eff.(type) {
	case AppendQuestion:
		m.log.Append(transcript.Entry{Kind: transcript.KindQuestion, Text: e.Text, At: m.now()})
	case AppendAnswer:
		m.log.Append(transcript.Entry{Kind: transcript.KindAnswer, Text: e.Text, At: m.now()})
	case Notify:
		m.publish(e.Notice)
	case RequestQuestion:
		m.async(func(ctx context.Context) Event {
			posed, err := m.svc.PoseQuestion(ctx, e.QuestionID)
			if err != nil {
				return QuestionFailed{Err: err}
			}
			text := posed.ReformulatedQuestion
			if strings.TrimSpace(text) == "" {
				text = posed.OriginalQuestion
			}
			return QuestionReady{
				Text: text,
				Clip: playback.Clip{Base64: posed.AudioBase64, Format: posed.AudioFormat},
			}
		})
	case PlayAudio:
		m.async(func(ctx context.Context) Event {
			outcome, err := m.player.Play(ctx, e.Clip)
			return PlaybackDone{Outcome: outcome, Err: err}
		})
	case BeginCapture:
		if err := m.rec.Begin(m.opCtx); err != nil {
			return CaptureFailed{Err: err}
		}
	case SubmitRecording:
		art, err := m.rec.End()
		if err != nil {
			return CaptureFailed{Err: err}
		}
		m.logger.Debug("submitting answer", "bytes", len(art.Data), "duration", art.Duration)
		m.async(func(ctx context.Context) Event {
			text, err := m.svc.SubmitAnswer(ctx, art)
			if err != nil {
				return AnswerFailed{Err: err}
			}
			return AnswerReady{Text: text}
		})
	case StopPlayback:
		m.player.Stop()
	case AbortCapture:
		m.abortCapture()
	case CancelPending:
		m.cancelOps()
		m.gen++
		m.opCtx, m.cancelOps = context.WithCancel(m.runCtx)
	}
	return nil
}

// async runs fn on its own goroutine and feeds its result back to the loop,
// tagged with the current generation so results from before a reset are
// dropped.
func (m *Machine) async(fn func(ctx context.Context) Event) {
	ctx, gen := m.opCtx, m.gen
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ev := fn(ctx)
		select {
		case m.events <- envelope{ev: ev, gen: gen, async: true}:
		case <-m.done:
		}
	}()
}

func (m *Machine) abortCapture() {
	if !m.rec.Active() {
		return
	}
	if _, err := m.rec.End(); err != nil {
		m.logger.Warn("release microphone", "error", err)
	}
}

func (m *Machine) publish(n Notice) {
	select {
	case m.notices <- n:
	default:
		m.logger.Warn("notice dropped", "kind", n.Kind)
	}
}
