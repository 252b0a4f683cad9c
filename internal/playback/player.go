// Package playback plays synthesized question audio.
//
// A Player owns at most one live playback resource. Every Play call resolves
// with exactly one Outcome, and the resource behind it is released before
// Play returns.
package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	// ErrPlaybackFailed means playback started but did not reach the end.
	ErrPlaybackFailed = errors.New("playback: failed")
	// ErrCouldNotStart means the clip could not be decoded, opened or started.
	ErrCouldNotStart = errors.New("playback: could not start")
	// ErrInterrupted means the clip was stopped by Stop or a newer Play call.
	ErrInterrupted = errors.New("playback: interrupted")
)

// Outcome is the single result of a Play call.
type Outcome int

const (
	Ended Outcome = iota
	Failed
	CouldNotStart
)

func (o Outcome) String() string {
	switch o {
	case Ended:
		return "ended"
	case Failed:
		return "failed"
	case CouldNotStart:
		return "could_not_start"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Clip is an encoded audio payload as returned by the exam service.
type Clip struct {
	Base64 string
	Format string
}

// Decode returns the raw audio bytes of the clip.
func (c Clip) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.Base64))
	if err != nil {
		return nil, fmt.Errorf("decode clip: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("decode clip: empty payload")
	}
	return data, nil
}

// Handle is one playable resource.
//
// Wait blocks until playback finishes and returns nil on a natural end.
// Close stops playback, releases the resource and unblocks Wait. Close may be
// called before Start and must be safe to call concurrently with Wait.
type Handle interface {
	Start() error
	Wait() error
	Close() error
}

// Sink turns decoded audio into a playable resource on the host.
type Sink interface {
	Open(ctx context.Context, format string, data []byte) (Handle, error)
}

// Option configures a Player.
type Option func(*Player)

// WithLogger sets the logger used by the player.
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) {
		p.logger = l
	}
}

// Player plays one clip at a time through a Sink.
type Player struct {
	sink   Sink
	logger *slog.Logger

	mu  sync.Mutex
	cur *resource
}

// NewPlayer returns a Player writing to sink.
func NewPlayer(sink Sink, opts ...Option) *Player {
	p := &Player{sink: sink, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type resource struct {
	h Handle

	once        sync.Once
	interrupted bool
	closeErr    error
}

func (r *resource) release() error {
	r.once.Do(func() {
		r.closeErr = r.h.Close()
	})
	return r.closeErr
}

// Play decodes clip, tears down any previous resource, and plays the clip
// until it ends, fails or ctx is done. The returned error carries the cause
// for Failed and CouldNotStart and is nil for Ended.
func (p *Player) Play(ctx context.Context, clip Clip) (Outcome, error) {
	data, err := clip.Decode()
	if err != nil {
		p.Stop()
		return CouldNotStart, fmt.Errorf("%w: %w", ErrCouldNotStart, err)
	}

	p.mu.Lock()
	p.stopLocked()
	h, err := p.sink.Open(ctx, clip.Format, data)
	if err != nil {
		p.mu.Unlock()
		return CouldNotStart, fmt.Errorf("%w: open: %w", ErrCouldNotStart, err)
	}
	r := &resource{h: h}
	if err := h.Start(); err != nil {
		p.mu.Unlock()
		if cerr := r.release(); cerr != nil {
			p.logger.Warn("release playback after failed start", "error", cerr)
		}
		return CouldNotStart, fmt.Errorf("%w: start: %w", ErrCouldNotStart, err)
	}
	p.cur = r
	p.mu.Unlock()

	p.logger.Debug("playback started", "format", clip.Format, "bytes", len(data))

	done := make(chan error, 1)
	go func() { done <- h.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	p.mu.Lock()
	interrupted := r.interrupted
	if p.cur == r {
		p.cur = nil
	}
	p.mu.Unlock()
	if cerr := r.release(); cerr != nil {
		p.logger.Warn("release playback", "error", cerr)
	}

	switch {
	case interrupted:
		return Failed, fmt.Errorf("%w: %w", ErrPlaybackFailed, ErrInterrupted)
	case ctx.Err() != nil:
		return Failed, fmt.Errorf("%w: %w", ErrPlaybackFailed, ctx.Err())
	case waitErr != nil:
		return Failed, fmt.Errorf("%w: %w", ErrPlaybackFailed, waitErr)
	}
	p.logger.Debug("playback ended")
	return Ended, nil
}

// Stop tears down the live resource, if any. The Play call that owns it
// returns Failed.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Playing reports whether a resource is currently live.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur != nil
}

func (p *Player) stopLocked() {
	if p.cur == nil {
		return
	}
	r := p.cur
	p.cur = nil
	r.interrupted = true
	if err := r.release(); err != nil {
		p.logger.Warn("release interrupted playback", "error", err)
	}
}
