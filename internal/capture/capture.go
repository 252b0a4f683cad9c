// Package capture owns the microphone while an answer is being recorded.
//
// A Session acquires a Device on Begin, accumulates the audio it produces in
// arrival order, and on End releases the device and returns the recording as
// a single Artifact. At most one capture is alive per Session.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPermissionDenied means the host refused microphone access.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	// ErrDeviceUnavailable means no usable microphone could be opened.
	ErrDeviceUnavailable = errors.New("capture: microphone unavailable")
	// ErrAlreadyCapturing is returned by Begin while a capture is alive.
	ErrAlreadyCapturing = errors.New("capture: already capturing")
	// ErrNotCapturing is returned by End when Begin was not called.
	ErrNotCapturing = errors.New("capture: not capturing")
)

const (
	defaultChunkSize = 4096
	defaultTick      = time.Second
	drainTimeout     = 5 * time.Second
	// settleWindow lets the reader surface an error the device reported
	// just before End, which closing the stream would otherwise mask.
	settleWindow = 50 * time.Millisecond
)

// Device is a host microphone. Open starts capturing and returns a stream of
// encoded audio; closing the stream stops the hardware and releases it.
type Device interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Artifact is one finalized recording.
type Artifact struct {
	Data     []byte
	MIMEType string
	Filename string
	Duration time.Duration
}

// Empty reports whether the recording holds no audio data.
func (a Artifact) Empty() bool {
	return len(a.Data) == 0
}

// Option configures a Session.
type Option func(*Session)

// WithFormat sets the MIME type and file name attached to artifacts.
func WithFormat(mimeType, filename string) Option {
	return func(s *Session) {
		s.mimeType = mimeType
		s.filename = filename
	}
}

// WithTicker registers fn to be called with the elapsed recording time every
// interval. fn runs on its own goroutine and must only touch display state.
func WithTicker(interval time.Duration, fn func(elapsed time.Duration)) Option {
	return func(s *Session) {
		if interval > 0 {
			s.tick = interval
		}
		s.onTick = fn
	}
}

// WithLogger sets the logger used by the session.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// Session manages the capture lifecycle for one device.
type Session struct {
	device    Device
	mimeType  string
	filename  string
	chunkSize int
	tick      time.Duration
	onTick    func(time.Duration)
	log       *slog.Logger

	mu    sync.Mutex
	state *captureState
}

// captureState exists only between Begin and End.
type captureState struct {
	stream  io.ReadCloser
	started time.Time
	closing atomic.Bool

	mu      sync.Mutex
	chunks  [][]byte
	ticks   int
	readErr error

	readerDone chan struct{}
	stopTick   chan struct{}
	tickDone   chan struct{}
}

// NewSession creates a capture session over device.
func NewSession(device Device, opts ...Option) *Session {
	s := &Session{
		device:    device,
		mimeType:  "audio/webm",
		filename:  "recording.webm",
		chunkSize: defaultChunkSize,
		tick:      defaultTick,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "capture")
	return s
}

// Begin acquires the microphone and starts accumulating audio.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != nil {
		return ErrAlreadyCapturing
	}

	stream, err := s.device.Open(ctx)
	if err != nil {
		return classifyOpenError(err)
	}

	st := &captureState{
		stream:     stream,
		started:    time.Now(),
		readerDone: make(chan struct{}),
		stopTick:   make(chan struct{}),
		tickDone:   make(chan struct{}),
	}
	s.state = st

	go s.read(st)
	go s.runTicker(st)

	s.log.Debug("capture started", "mime_type", s.mimeType)
	return nil
}

// Active reports whether a capture is alive.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != nil
}

// Elapsed returns the elapsed time counted by the display ticker.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return time.Duration(st.ticks) * s.tick
}

// End stops the capture, releases the device and returns the recording. The
// device is released even when finalizing the artifact fails. A device error
// seen while reading or while releasing is returned along with whatever audio
// was captured.
func (s *Session) End() (Artifact, error) {
	s.mu.Lock()
	st := s.state
	s.state = nil
	s.mu.Unlock()

	if st == nil {
		return Artifact{}, ErrNotCapturing
	}

	close(st.stopTick)

	select {
	case <-st.readerDone:
	case <-time.After(settleWindow):
	}
	st.closing.Store(true)
	closeErr := st.stream.Close()
	if closeErr != nil {
		s.log.Warn("failed to close microphone stream", "error", closeErr)
	}

	select {
	case <-st.readerDone:
	case <-time.After(drainTimeout):
		s.log.Warn("microphone stream did not drain, finalizing partial recording")
	}
	<-st.tickDone

	st.mu.Lock()
	defer st.mu.Unlock()

	art := Artifact{
		Data:     bytes.Join(st.chunks, nil),
		MIMEType: s.mimeType,
		Filename: s.filename,
		Duration: time.Since(st.started),
	}
	st.chunks = nil

	s.log.Debug("capture finished", "bytes", len(art.Data), "duration", art.Duration)
	var errs []error
	if st.readErr != nil {
		errs = append(errs, fmt.Errorf("capture: finalize recording: %w", st.readErr))
	}
	if closeErr != nil {
		errs = append(errs, fmt.Errorf("capture: release microphone: %w", closeErr))
	}
	return art, errors.Join(errs...)
}

func (s *Session) read(st *captureState) {
	defer close(st.readerDone)
	buf := make([]byte, s.chunkSize)
	for {
		n, err := st.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			st.mu.Lock()
			st.chunks = append(st.chunks, chunk)
			st.mu.Unlock()
		}
		if err != nil {
			if !isEndOfStream(err, st.closing.Load()) {
				st.mu.Lock()
				st.readErr = err
				st.mu.Unlock()
			}
			return
		}
	}
}

func (s *Session) runTicker(st *captureState) {
	defer close(st.tickDone)
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			st.mu.Lock()
			st.ticks++
			elapsed := time.Duration(st.ticks) * s.tick
			st.mu.Unlock()
			if s.onTick != nil {
				s.onTick(elapsed)
			}
		case <-st.stopTick:
			return
		}
	}
}

// isEndOfStream reports errors that only mean the stream ended. A closed
// stream counts as a clean end only once End has started closing it.
func isEndOfStream(err error, closing bool) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return closing && (errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe))
}

func classifyOpenError(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceUnavailable):
		return err
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}

// FormatElapsed renders d as mm:ss.
func FormatElapsed(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
