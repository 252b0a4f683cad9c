package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pavelanni/oralexam/internal/i18n"
	"github.com/pavelanni/oralexam/internal/model"
	"github.com/pavelanni/oralexam/internal/observe"
	"github.com/pavelanni/oralexam/internal/store"
)

// Provider is the model backend used by the service.
type Provider interface {
	Reformulate(ctx context.Context, q model.Question) (string, error)
	Transcribe(ctx context.Context, audio io.Reader, filename, lang string) (string, error)
	Synthesize(ctx context.Context, text string) ([]byte, string, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	llm     Provider
	config  model.ServiceConfig
	metrics *observe.Metrics
}

// New creates a new Handler.
func New(s *store.Store, p Provider, cfg model.ServiceConfig, m *observe.Metrics) (*Handler, error) {
	if s == nil || p == nil {
		return nil, errors.New("handler: store and provider are required")
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 25
	}
	return &Handler{store: s, llm: p, config: cfg, metrics: m}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Get("/healthz", h.handleHealth)
	r.Get("/questions", h.handleListQuestions)
	r.With(h.requireToken).Post("/questions", h.handleUploadQuestions)
	r.Get("/start-question/{questionID}", h.handleStartQuestion)
	r.Get("/pose-question/{questionID}", h.handlePoseQuestion)
	r.Post("/process-answer/", h.handleProcessAnswer)
	r.Post("/transcribe/", h.handleProcessAnswer)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, model.ErrorResponse{Detail: detail})
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.MessageResponse{Message: i18n.T(r.Context(), "welcome")})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(); err != nil {
		slog.Error("health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.store.ListQuestionsFiltered(r.URL.Query().Get("topic"), r.URL.Query().Get("language"))
	if err != nil {
		slog.Error("list questions", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if questions == nil {
		questions = []model.Question{}
	}
	writeJSON(w, http.StatusOK, questions)
}

// lookupQuestion writes a 404 or 500 response and returns false when the
// question cannot be loaded.
func (h *Handler) lookupQuestion(w http.ResponseWriter, id string) (model.Question, bool) {
	q, err := h.store.GetQuestion(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Question ID '%s' not found", id))
		return q, false
	}
	if err != nil {
		slog.Error("get question", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return q, false
	}
	return q, true
}

func (h *Handler) handleStartQuestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "questionID")
	if _, ok := h.lookupQuestion(w, id); !ok {
		return
	}
	writeJSON(w, http.StatusOK, model.StartQuestionResponse{
		QuestionID: id,
		Status:     "success",
		Message:    "Question started successfully",
	})
}

func (h *Handler) handlePoseQuestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "questionID")
	q, ok := h.lookupQuestion(w, id)
	if !ok {
		return
	}

	text, err := h.llm.Reformulate(r.Context(), q)
	if err != nil {
		slog.Error("reformulate question", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Error reformulating question: "+err.Error())
		return
	}

	resp := model.PoseQuestionResponse{
		OriginalQuestionID:   q.Slug,
		OriginalQuestion:     q.Text,
		ReformulatedQuestion: text,
		Status:               "success",
	}
	if h.config.Speech {
		// The client shows the text anyway, so missing audio is not fatal.
		audio, format, err := h.llm.Synthesize(r.Context(), text)
		if err != nil {
			slog.Warn("speech synthesis failed, sending text only", "id", id, "error", err)
		} else {
			resp.AudioBase64 = base64.StdEncoding.EncodeToString(audio)
			resp.AudioFormat = format
		}
	}

	slog.Info("question posed", "id", id, "audio", resp.AudioBase64 != "")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleProcessAnswer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadMB<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing audio_file")
		return
	}
	defer file.Close()

	if !strings.HasPrefix(header.Header.Get("Content-Type"), "audio/") {
		writeError(w, http.StatusBadRequest, "File must be an audio file")
		return
	}
	h.metrics.RecordAnswerSize(r.Context(), header.Size)

	lang := h.config.Language
	text, err := h.llm.Transcribe(r.Context(), file, header.Filename, lang)
	if err != nil {
		slog.Error("transcribe answer", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Error processing audio: "+err.Error())
		return
	}

	slog.Info("answer transcribed", "bytes", header.Size, "chars", len(text))
	writeJSON(w, http.StatusOK, model.AnswerResponse{Text: text, Language: lang})
}
