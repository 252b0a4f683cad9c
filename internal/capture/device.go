package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CommandDevice records through an external program that writes encoded audio
// to stdout, for example `arecord -q -f S16_LE -r 16000 -c 1 -t wav -`.
type CommandDevice struct {
	Argv []string
	// StartWait bounds how long Open waits for the first audio byte. A
	// recorder that exits within this window failed to open the microphone.
	// Default: 500ms.
	StartWait time.Duration
	// StopGrace bounds how long the recorder may take to flush after it is
	// interrupted. Default: 2s.
	StopGrace time.Duration
}

// Open starts the recorder process and waits until it either produces audio,
// exits, or StartWait passes.
func (d CommandDevice) Open(_ context.Context) (io.ReadCloser, error) {
	if len(d.Argv) == 0 {
		return nil, fmt.Errorf("%w: no recorder command configured", ErrDeviceUnavailable)
	}

	// The process lifetime is bound to the stream, not to the caller's context.
	cmd := exec.Command(d.Argv[0], d.Argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, d.Argv[0], err)
	}

	out := bufio.NewReader(stdout)
	first := make(chan error, 1)
	go func() {
		_, err := out.Peek(1)
		first <- err
	}()

	wait := d.StartWait
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	pending := true
	select {
	case err := <-first:
		if err != nil {
			// stdout closed before any audio: the recorder gave up.
			waitErr := cmd.Wait()
			return nil, recorderFailure(d.Argv[0], stderr.String(), waitErr)
		}
		pending = false
	case <-time.After(wait):
	}

	grace := d.StopGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &commandStream{
		cmd:     cmd,
		out:     out,
		first:   first,
		pending: pending,
		stderr:  stderr,
		grace:   grace,
		drained: make(chan struct{}),
	}, nil
}

// recorderFailure classifies a recorder that exited without producing audio.
func recorderFailure(name, stderr string, waitErr error) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" && waitErr != nil {
		msg = waitErr.Error()
	}
	if msg == "" {
		msg = "exited before producing audio"
	}
	if isPermissionMessage(msg) {
		return fmt.Errorf("%w: %s: %s", ErrPermissionDenied, name, msg)
	}
	return fmt.Errorf("%w: %s: %s", ErrDeviceUnavailable, name, msg)
}

func isPermissionMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "permission denied")
}

type commandStream struct {
	cmd *exec.Cmd
	out *bufio.Reader
	// first delivers the result of Open's initial peek. Read waits for it
	// while pending so only one goroutine touches out at a time.
	first   chan error
	pending bool
	stderr  *bytes.Buffer
	grace   time.Duration

	drainOnce sync.Once
	drained   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (c *commandStream) Read(p []byte) (int, error) {
	if c.pending {
		<-c.first
		c.pending = false
	}
	n, err := c.out.Read(p)
	if err != nil {
		c.drainOnce.Do(func() { close(c.drained) })
	}
	return n, err
}

// Close interrupts the recorder so it can flush its output, then reaps it.
func (c *commandStream) Close() error {
	c.closeOnce.Do(func() {
		if err := c.cmd.Process.Signal(os.Interrupt); err != nil {
			_ = c.cmd.Process.Kill()
		}
		select {
		case <-c.drained:
		case <-time.After(c.grace):
			_ = c.cmd.Process.Kill()
		}
		err := c.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			c.closeErr = fmt.Errorf("wait for recorder: %w", err)
		}
		if msg := strings.TrimSpace(c.stderr.String()); isPermissionMessage(msg) {
			c.closeErr = fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
		}
	})
	return c.closeErr
}

// FileDevice replays a pre-recorded answer, for headless practice.
type FileDevice struct {
	Path string
}

// Open loads the whole file; the returned stream needs no release.
func (d FileDevice) Open(_ context.Context) (io.ReadCloser, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
