package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/pavelanni/oralexam/internal/handler"
	"github.com/pavelanni/oralexam/internal/i18n"
	"github.com/pavelanni/oralexam/internal/llm"
	"github.com/pavelanni/oralexam/internal/llm/prompts"
	"github.com/pavelanni/oralexam/internal/model"
	"github.com/pavelanni/oralexam/internal/observe"
	"github.com/pavelanni/oralexam/internal/store"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the exam service (pose-question, process-answer)",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8000", "HTTP listen address")
	f.String("db", "oralexam.db", "SQLite database path")
	f.StringSliceP("questions", "q", []string{"questions/interview_fr.yaml"}, "Paths to question files, JSON or YAML (repeatable)")
	f.String("llm-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for the model provider")
	f.String("llm-model", "gpt-4o-mini", "Chat model used to reformulate questions")
	f.String("stt-model", llm.DefaultSTTModel, "Speech-to-text model")
	f.String("tts-model", llm.DefaultTTSModel, "Text-to-speech model")
	f.String("tts-voice", llm.DefaultVoice, "Text-to-speech voice")
	f.Bool("tts", true, "Synthesize question audio")
	f.StringP("language", "l", "fr", "Exam language (BCP 47), used for reformulation and transcription")
	f.String("prompt-variant", string(prompts.PromptStandard), "Reformulation prompt variant (formal, standard, casual)")
	f.Int64("max-upload-mb", 25, "Maximum answer upload size in MiB")
	f.String("admin-token", "", "Bearer token that enables POST /questions (empty disables uploads)")
	f.Bool("skip-ping", false, "Do not check the model endpoint at startup")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lang := v.GetString("language")
	if err := loadQuestions(db, v.GetStringSlice("questions"), lang); err != nil {
		return fmt.Errorf("load questions: %w", err)
	}

	catalog, err := i18n.New(lang)
	if err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	metrics, shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "oralexam",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			slog.Warn("metrics shutdown", "error", err)
		}
	}()

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	llmClient, err := llm.New(llm.Config{
		BaseURL:       v.GetString("llm-url"),
		APIKey:        v.GetString("llm-key"),
		ChatModel:     v.GetString("llm-model"),
		STTModel:      v.GetString("stt-model"),
		TTSModel:      v.GetString("tts-model"),
		Voice:         v.GetString("tts-voice"),
		Language:      lang,
		PromptVariant: promptVariant,
	}, metrics)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if !v.GetBool("skip-ping") {
		pctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := llmClient.Ping(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	svcCfg := model.ServiceConfig{
		Language:      lang,
		PromptVariant: promptVariant,
		Speech:        v.GetBool("tts"),
		MaxUploadMB:   v.GetInt64("max-upload-mb"),
		AdminToken:    v.GetString("admin-token"),
	}
	h, err := handler.New(db, llmClient, svcCfg, metrics)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(metrics))
	r.Use(catalog.Middleware)
	r.Handle("/metrics", observe.Handler())
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"model", v.GetString("llm-model"),
			"llm_url", v.GetString("llm-url"),
			"language", lang,
			"prompt_variant", promptVariant,
			"tts", svcCfg.Speech,
			"uploads", svcCfg.AdminToken != "",
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// loadQuestions imports each question file once. A file whose content changed
// since its last import is skipped so existing slugs keep their meaning.
func loadQuestions(db *store.Store, paths []string, defaultLang string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}

		if storedHash == hash {
			slog.Info("questions file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("questions file changed since last import, skipping", "path", path)
			continue
		}

		questions, err := store.ParseQuestions(path, data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := db.ImportQuestions(path, hash, defaultLang, questions); err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		slog.Info("imported questions", "path", path, "count", len(questions))
	}

	count, err := db.QuestionCount()
	if err != nil {
		return err
	}
	if count == 0 {
		slog.Warn("question bank is empty")
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
