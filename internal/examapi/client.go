// Package examapi is the HTTP client for the exam service.
package examapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/pavelanni/oralexam/internal/capture"
	"github.com/pavelanni/oralexam/internal/model"
)

// ErrServiceUnreachable wraps transport failures: the request never got an
// HTTP response.
var ErrServiceUnreachable = errors.New("exam service unreachable")

// ServiceError is a non-2xx response from the exam service.
type ServiceError struct {
	Status int
	Detail string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("exam service returned %d: %s", e.Status, e.Detail)
}

// Posed is a question as delivered by the service.
type Posed struct {
	QuestionID           string
	OriginalQuestion     string
	ReformulatedQuestion string
	AudioBase64          string
	AudioFormat          string
}

// HasAudio reports whether the service sent a spoken version of the question.
func (p Posed) HasAudio() bool {
	return strings.TrimSpace(p.AudioBase64) != ""
}

// Client talks to one exam service instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http = &http.Client{Timeout: d}
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PoseQuestion asks the service to reformulate question id and, when the
// service is configured for speech, synthesize it.
func (c *Client) PoseQuestion(ctx context.Context, id string) (Posed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/pose-question/"+url.PathEscape(id), nil)
	if err != nil {
		return Posed{}, fmt.Errorf("build pose-question request: %w", err)
	}

	var body model.PoseQuestionResponse
	if err := c.do(req, &body, statusText); err != nil {
		return Posed{}, fmt.Errorf("pose question %q: %w", id, err)
	}
	return Posed{
		QuestionID:           body.OriginalQuestionID,
		OriginalQuestion:     body.OriginalQuestion,
		ReformulatedQuestion: body.ReformulatedQuestion,
		AudioBase64:          body.AudioBase64,
		AudioFormat:          body.AudioFormat,
	}, nil
}

// SubmitAnswer uploads a recorded answer and returns its transcription.
func (c *Client) SubmitAnswer(ctx context.Context, art capture.Artifact) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := art.Filename
	if filename == "" {
		filename = "recording.webm"
	}
	contentType := art.MIMEType
	if contentType == "" {
		contentType = "audio/webm"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio_file"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("create audio part: %w", err)
	}
	if _, err := part.Write(art.Data); err != nil {
		return "", fmt.Errorf("write audio part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process-answer/", &buf)
	if err != nil {
		return "", fmt.Errorf("build process-answer request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var body model.AnswerResponse
	if err := c.do(req, &body, serverDetail); err != nil {
		return "", fmt.Errorf("submit answer: %w", err)
	}
	return body.Text, nil
}

// ListQuestions returns the service's question bank.
func (c *Client) ListQuestions(ctx context.Context) ([]model.Question, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/questions", nil)
	if err != nil {
		return nil, fmt.Errorf("build questions request: %w", err)
	}
	var qs []model.Question
	if err := c.do(req, &qs, statusText); err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	return qs, nil
}

// statusText reports a failure by the HTTP status text alone, whatever
// detail the body carries.
func statusText(code int, _ string) string {
	if t := http.StatusText(code); t != "" {
		return t
	}
	return fmt.Sprintf("status %d", code)
}

// serverDetail prefers the detail supplied by the service.
func serverDetail(code int, detail string) string {
	if detail != "" {
		return detail
	}
	return fmt.Sprintf("API returned status %d", code)
}

// do sends req and decodes a 2xx JSON body into out. Non-2xx responses
// become a *ServiceError whose Detail is chosen by describe from the status
// and the server's detail message, if any.
func (c *Client) do(req *http.Request, out any, describe func(code int, detail string) string) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServiceUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var er model.ErrorResponse
		if json.Unmarshal(raw, &er) != nil {
			er.Detail = ""
		}
		return &ServiceError{
			Status: resp.StatusCode,
			Detail: describe(resp.StatusCode, strings.TrimSpace(er.Detail)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ServiceError{Status: resp.StatusCode, Detail: fmt.Sprintf("invalid response body: %v", err)}
	}
	return nil
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
