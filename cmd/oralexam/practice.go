package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/oralexam/internal/capture"
	"github.com/pavelanni/oralexam/internal/examapi"
	"github.com/pavelanni/oralexam/internal/i18n"
	"github.com/pavelanni/oralexam/internal/model"
	"github.com/pavelanni/oralexam/internal/playback"
	"github.com/pavelanni/oralexam/internal/transcript"
	"github.com/pavelanni/oralexam/internal/workflow"
)

const defaultMicCmd = "arecord -q -f S16_LE -r 16000 -c 1 -t wav -"

func practiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "practice",
		Short: "Practice interactively: hear a question, record an answer, export the transcript",
		RunE:  runPractice,
	}
	f := cmd.Flags()
	addClientFlags(cmd)
	f.String("lang", "en", "Language of the client messages (en, fr)")
	f.String("mic-cmd", defaultMicCmd, "Recorder command that writes audio to stdout")
	f.String("capture-format", "audio/wav", "MIME type of the recorder output")
	f.String("player-cmd", strings.Join(playback.DefaultPlayerArgv, " "), "Audio player command; the clip path is appended")
	f.String("answer-file", "", "Use a pre-recorded answer instead of the microphone")
	f.String("export-dir", ".", "Directory for exported transcripts")
	return cmd
}

func questionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "List the question bank of an exam service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(cmd)
			v := viperForCmd(cmd)
			client := examapi.New(v.GetString("api-url"), examapi.WithTimeout(v.GetDuration("timeout")))
			qs, err := client.ListQuestions(cmd.Context())
			if err != nil {
				return err
			}
			return printQuestions(cmd.OutOrStdout(), qs)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("api-url", "http://localhost:8000", "Exam service base URL")
	f.Duration("timeout", 2*time.Minute, "Timeout for each service call")
}

func printQuestions(w io.Writer, qs []model.Question) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOPIC\tLANG\tQUESTION")
	for _, q := range qs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", q.Slug, q.Topic, q.Language, q.Text)
	}
	return tw.Flush()
}

// captureFilename derives the upload filename from the recorder MIME type.
func captureFilename(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "recording.bin"
	}
	_, sub, ok := strings.Cut(mt, "/")
	if !ok || sub == "" {
		return "recording.bin"
	}
	return "recording." + strings.TrimPrefix(sub, "x-")
}

func runPractice(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	catalog, err := i18n.New(v.GetString("lang"))
	if err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	out := cmd.OutOrStdout()

	client := examapi.New(v.GetString("api-url"), examapi.WithTimeout(v.GetDuration("timeout")))

	var device capture.Device = capture.CommandDevice{Argv: strings.Fields(v.GetString("mic-cmd"))}
	if path := v.GetString("answer-file"); path != "" {
		device = capture.FileDevice{Path: path}
	}
	format := v.GetString("capture-format")
	session := capture.NewSession(device,
		capture.WithFormat(format, captureFilename(format)),
		capture.WithTicker(time.Second, func(d time.Duration) {
			fmt.Fprintf(out, "\r[%s] ", capture.FormatElapsed(d))
		}),
	)
	player := playback.NewPlayer(playback.CommandSink{Argv: strings.Fields(v.GetString("player-cmd"))})

	m, err := workflow.New(workflow.Config{
		Service:  client,
		Recorder: session,
		Player:   player,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for n := range m.Notices() {
			fmt.Fprintln(out, renderNotice(catalog, n))
		}
	}()

	p := &practice{
		machine:   m,
		questions: client,
		catalog:   catalog,
		out:       out,
		exportDir: v.GetString("export-dir"),
		now:       time.Now,
	}
	fmt.Fprintln(out, catalog.T("help"))
	p.loop(ctx, cmd.InOrStdin())

	cancel()
	err = <-runErr
	<-printed
	return err
}

type questionLister interface {
	ListQuestions(ctx context.Context) ([]model.Question, error)
}

// practice is the line-oriented front end of the workflow machine.
type practice struct {
	machine   *workflow.Machine
	questions questionLister
	catalog   *i18n.Catalog
	out       io.Writer
	exportDir string
	now       func() time.Time
}

func (p *practice) loop(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || p.exec(ctx, line) {
				return
			}
		}
	}
}

// exec runs one command line and reports whether the user asked to quit.
func (p *practice) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch cmd := strings.ToLower(fields[0]); cmd {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		fmt.Fprintln(p.out, p.catalog.T("help"))
	case "ask", "pose":
		id := ""
		if len(fields) > 1 {
			id = fields[1]
		}
		p.dispatch(ctx, workflow.PoseQuestion{QuestionID: id})
	case "record", "r":
		p.dispatch(ctx, workflow.StartRecording{})
	case "stop", "s":
		fmt.Fprintln(p.out)
		p.dispatch(ctx, workflow.StopRecording{})
	case "reset":
		p.dispatch(ctx, workflow.Reset{})
	case "show":
		p.show()
	case "export":
		p.export()
	case "questions", "list":
		qs, err := p.questions.ListQuestions(ctx)
		if err != nil {
			fmt.Fprintln(p.out, p.catalog.Td("questions_failed", map[string]any{"Error": err.Error()}))
			return false
		}
		if err := printQuestions(p.out, qs); err != nil {
			slog.Warn("print questions", "error", err)
		}
	default:
		fmt.Fprintln(p.out, p.catalog.Td("unknown_command", map[string]any{"Command": cmd}))
	}
	return false
}

// dispatch forwards a user event. Rejections and capture failures are
// already reported through notices.
func (p *practice) dispatch(ctx context.Context, ev workflow.Event) {
	err := p.machine.Dispatch(ctx, ev)
	if err == nil {
		return
	}
	slog.Debug("dispatch", "event", ev.Name(), "error", err)
	if errors.Is(err, workflow.ErrClosed) {
		fmt.Fprintln(p.out, err)
	}
}

// show prints the conversation so far, or the placeholders when it is empty.
func (p *practice) show() {
	log := p.machine.Transcript()
	if log.Len() == 0 {
		fmt.Fprintln(p.out, p.catalog.T("question_placeholder"))
		fmt.Fprintln(p.out, p.catalog.T("answer_placeholder"))
		return
	}
	for e := range log.All() {
		fmt.Fprintf(p.out, "[%s] %s: %s\n", e.At.Format("15:04:05"), e.Kind.Label(), e.Text)
	}
	s := p.machine.Snapshot()
	slog.Debug("workflow state", "phase", s.Phase, "question", s.QuestionID, "posed", s.QuestionPosed)
}

func (p *practice) export() {
	path, err := p.machine.Transcript().WriteFile(p.exportDir, p.now())
	switch {
	case errors.Is(err, transcript.ErrNothingToExport):
		fmt.Fprintln(p.out, p.catalog.T("transcript_empty"))
	case err != nil:
		fmt.Fprintln(p.out, p.catalog.Td("export_failed", map[string]any{"Error": err.Error()}))
	default:
		fmt.Fprintln(p.out, p.catalog.Td("transcript_exported", map[string]any{"Path": path}))
	}
}

// renderNotice localizes a workflow notice. Rejections show only their
// reason.
func renderNotice(c *i18n.Catalog, n workflow.Notice) string {
	data := map[string]any{"Text": n.Text}
	if n.Err != nil {
		var rej *workflow.RejectedError
		if errors.As(n.Err, &rej) {
			data["Error"] = rej.Reason.Error()
		} else {
			data["Error"] = n.Err.Error()
		}
	}
	return c.Td(string(n.Kind), data)
}
