package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/oralexam/internal/llm/prompts"
	"github.com/pavelanni/oralexam/internal/model"
	"github.com/pavelanni/oralexam/internal/observe"
)

// Config selects the provider endpoint and models.
type Config struct {
	BaseURL       string
	APIKey        string
	ChatModel     string
	STTModel      string
	TTSModel      string
	Voice         string
	Language      string // default BCP 47 tag for questions and answers
	PromptVariant string
}

// Defaults used when Config leaves a model or voice empty.
const (
	DefaultSTTModel = openai.Whisper1
	DefaultTTSModel = string(openai.TTSModel1)
	DefaultVoice    = string(openai.VoiceAlloy)
)

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api      *openai.Client
	model    string
	sttModel string
	ttsModel string
	voice    string
	language string
	variant  prompts.PromptVariant
	metrics  *observe.Metrics
}

// New creates a new LLM client.
func New(cfg Config, metrics *observe.Metrics) (*Client, error) {
	if !prompts.IsValidVariant(cfg.PromptVariant) {
		return nil, fmt.Errorf("invalid prompt variant %q", cfg.PromptVariant)
	}
	if err := prompts.Load(prompts.Builtin); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	c := &Client{
		api:      openai.NewClientWithConfig(config),
		model:    cfg.ChatModel,
		sttModel: cfg.STTModel,
		ttsModel: cfg.TTSModel,
		voice:    cfg.Voice,
		language: cfg.Language,
		variant:  prompts.PromptVariant(cfg.PromptVariant),
		metrics:  metrics,
	}
	if c.sttModel == "" {
		c.sttModel = DefaultSTTModel
	}
	if c.ttsModel == "" {
		c.ttsModel = DefaultTTSModel
	}
	if c.voice == "" {
		c.voice = DefaultVoice
	}
	return c, nil
}

// Ping checks that the endpoint is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Reformulate asks the chat model to rephrase the question the way an
// examiner would say it.
func (c *Client) Reformulate(ctx context.Context, q model.Question) (result string, err error) {
	start := time.Now()
	defer func() { c.metrics.RecordProvider(ctx, observe.OpReformulate, start, err) }()

	lang := q.Language
	if lang == "" {
		lang = c.language
	}
	system, user, err := prompts.BuildReformulatePrompt(c.variant, q.Text, lang)
	if err != nil {
		return "", fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("LLM returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("question reformulated", "question", q.Slug, "variant", c.variant, "text", text)
	if text == "" {
		return "", errors.New("LLM returned an empty reformulation")
	}
	return text, nil
}

// Transcribe converts a recorded answer to text. filename is only used for
// its extension, which tells the provider the container format.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename, lang string) (text string, err error) {
	start := time.Now()
	defer func() { c.metrics.RecordProvider(ctx, observe.OpTranscribe, start, err) }()

	if lang == "" {
		lang = c.language
	}
	ext := path.Ext(filename)
	if ext == "" {
		ext = ".webm"
	}

	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.sttModel,
		FilePath: uuid.NewString() + ext,
		Reader:   audio,
		Language: lang,
	})
	if err != nil {
		return "", fmt.Errorf("transcription API call: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Synthesize returns the spoken version of text as MP3.
func (c *Client) Synthesize(ctx context.Context, text string) (audio []byte, format string, err error) {
	start := time.Now()
	defer func() { c.metrics.RecordProvider(ctx, observe.OpSynthesize, start, err) }()

	resp, err := c.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.ttsModel),
		Input:          text,
		Voice:          openai.SpeechVoice(c.voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, "", fmt.Errorf("speech API call: %w", err)
	}
	defer resp.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp); err != nil {
		return nil, "", fmt.Errorf("read speech audio: %w", err)
	}
	if buf.Len() == 0 {
		return nil, "", errors.New("speech API returned no audio")
	}
	return buf.Bytes(), string(openai.SpeechResponseFormatMp3), nil
}
