package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const killWait = 2 * time.Second

// DefaultPlayerArgv plays a file without a window and exits at the end.
var DefaultPlayerArgv = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error"}

// CommandSink plays clips with an external program. The clip is written to a
// temporary file whose path is appended to Argv.
type CommandSink struct {
	Argv    []string
	TempDir string
}

// Open writes the clip to a temporary file and prepares the player process.
func (s CommandSink) Open(_ context.Context, format string, data []byte) (Handle, error) {
	argv := s.Argv
	if len(argv) == 0 {
		argv = DefaultPlayerArgv
	}

	f, err := os.CreateTemp(s.TempDir, "oralexam-question-*"+extension(format))
	if err != nil {
		return nil, fmt.Errorf("create clip file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write clip file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("close clip file: %w", err)
	}

	args := append(append([]string{}, argv[1:]...), f.Name())
	cmd := exec.Command(argv[0], args...)
	h := &commandHandle{cmd: cmd, path: f.Name(), exited: make(chan struct{})}
	cmd.Stderr = &h.stderr
	return h, nil
}

func extension(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return ".mp3"
	}
	for _, r := range format {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ".bin"
		}
	}
	return "." + format
}

type commandHandle struct {
	cmd    *exec.Cmd
	path   string
	stderr bytes.Buffer

	exited  chan struct{}
	waitErr error

	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
}

func (h *commandHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", h.cmd.Path, err)
	}
	h.started = true
	go func() {
		err := h.cmd.Wait()
		if err != nil && h.stderr.Len() > 0 {
			err = fmt.Errorf("%w: %s", err, strings.TrimSpace(h.stderr.String()))
		}
		h.waitErr = err
		close(h.exited)
	}()
	return nil
}

func (h *commandHandle) Wait() error {
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if !started {
		return errors.New("player process not started")
	}
	<-h.exited
	return h.waitErr
}

func (h *commandHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		started := h.started
		h.mu.Unlock()
		if started {
			select {
			case <-h.exited:
			default:
				if kerr := h.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
					err = fmt.Errorf("kill player: %w", kerr)
				}
				select {
				case <-h.exited:
				case <-time.After(killWait):
				}
			}
		}
		if rerr := os.Remove(h.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("remove clip file: %w", rerr))
		}
	})
	return err
}
