package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/pavelanni/oralexam/internal/model"
	"github.com/pavelanni/oralexam/internal/store"
)

type fakeProvider struct {
	reformulated   string
	reformulateErr error
	transcript     string
	transcribeErr  error
	audio          []byte
	synthesizeErr  error

	gotAudio []byte
	gotLang  string
}

func (p *fakeProvider) Reformulate(ctx context.Context, q model.Question) (string, error) {
	return p.reformulated, p.reformulateErr
}

func (p *fakeProvider) Transcribe(ctx context.Context, audio io.Reader, filename, lang string) (string, error) {
	p.gotAudio, _ = io.ReadAll(audio)
	p.gotLang = lang
	return p.transcript, p.transcribeErr
}

func (p *fakeProvider) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	return p.audio, "mp3", p.synthesizeErr
}

func newTestRouter(t *testing.T, p Provider, cfg model.ServiceConfig) http.Handler {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.InsertQuestion(model.Question{
		Slug:     "current-employment",
		Text:     "Parlez-moi de votre emploi actuel.",
		Topic:    "work",
		Language: "fr",
	}); err != nil {
		t.Fatal(err)
	}

	h, err := New(s, p, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var er model.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&er); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return er.Detail
}

func audioUpload(t *testing.T, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/process-answer/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestPoseQuestion(t *testing.T) {
	tests := []struct {
		name      string
		provider  *fakeProvider
		speech    bool
		id        string
		status    int
		detail    string
		wantAudio bool
	}{
		{
			name:     "text only",
			provider: &fakeProvider{reformulated: "Pourriez-vous me parler de votre emploi ?"},
			id:       "current-employment",
			status:   http.StatusOK,
		},
		{
			name:      "with speech",
			provider:  &fakeProvider{reformulated: "Pourriez-vous me parler de votre emploi ?", audio: []byte("ID3")},
			speech:    true,
			id:        "current-employment",
			status:    http.StatusOK,
			wantAudio: true,
		},
		{
			name:     "speech failure is not fatal",
			provider: &fakeProvider{reformulated: "Pourriez-vous me parler de votre emploi ?", synthesizeErr: errors.New("tts down")},
			speech:   true,
			id:       "current-employment",
			status:   http.StatusOK,
		},
		{
			name:     "unknown question",
			provider: &fakeProvider{},
			id:       "nope",
			status:   http.StatusNotFound,
			detail:   "Question ID 'nope' not found",
		},
		{
			name:     "reformulation failure",
			provider: &fakeProvider{reformulateErr: errors.New("rate limited")},
			id:       "current-employment",
			status:   http.StatusInternalServerError,
			detail:   "Error reformulating question: rate limited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, tt.provider, model.ServiceConfig{Language: "fr", Speech: tt.speech})
			rec := do(t, r, httptest.NewRequest(http.MethodGet, "/pose-question/"+tt.id, nil))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if tt.detail != "" {
				if got := decodeDetail(t, rec); got != tt.detail {
					t.Errorf("detail = %q, want %q", got, tt.detail)
				}
				return
			}

			var resp model.PoseQuestionResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != "success" || resp.OriginalQuestionID != tt.id {
				t.Errorf("response = %+v", resp)
			}
			if resp.OriginalQuestion != "Parlez-moi de votre emploi actuel." {
				t.Errorf("original = %q", resp.OriginalQuestion)
			}
			if resp.ReformulatedQuestion != tt.provider.reformulated {
				t.Errorf("reformulated = %q", resp.ReformulatedQuestion)
			}
			if tt.wantAudio {
				if resp.AudioBase64 != base64.StdEncoding.EncodeToString([]byte("ID3")) || resp.AudioFormat != "mp3" {
					t.Errorf("audio = %q (%s)", resp.AudioBase64, resp.AudioFormat)
				}
			} else if resp.AudioBase64 != "" {
				t.Errorf("unexpected audio %q", resp.AudioBase64)
			}
		})
	}
}

func TestProcessAnswer(t *testing.T) {
	tests := []struct {
		name        string
		provider    *fakeProvider
		req         func(t *testing.T) *http.Request
		status      int
		detail      string
		wantText    string
		maxUploadMB int64
	}{
		{
			name:     "transcribed",
			provider: &fakeProvider{transcript: "Je suis ingénieur."},
			req: func(t *testing.T) *http.Request {
				return audioUpload(t, "audio_file", "recording.webm", "audio/webm", []byte("webm"))
			},
			status:   http.StatusOK,
			wantText: "Je suis ingénieur.",
		},
		{
			name:     "codec parameter accepted",
			provider: &fakeProvider{transcript: "ok"},
			req: func(t *testing.T) *http.Request {
				return audioUpload(t, "audio_file", "recording.webm", "audio/webm;codecs=opus", []byte("webm"))
			},
			status:   http.StatusOK,
			wantText: "ok",
		},
		{
			name:     "not audio",
			provider: &fakeProvider{},
			req: func(t *testing.T) *http.Request {
				return audioUpload(t, "audio_file", "notes.txt", "text/plain", []byte("hi"))
			},
			status: http.StatusBadRequest,
			detail: "File must be an audio file",
		},
		{
			name:     "missing field",
			provider: &fakeProvider{},
			req: func(t *testing.T) *http.Request {
				return audioUpload(t, "file", "recording.webm", "audio/webm", []byte("webm"))
			},
			status: http.StatusBadRequest,
			detail: "Missing audio_file",
		},
		{
			name:     "not multipart",
			provider: &fakeProvider{},
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/process-answer/", bytes.NewBufferString("raw"))
			},
			status: http.StatusBadRequest,
			detail: "Invalid multipart form",
		},
		{
			name:     "transcription failure",
			provider: &fakeProvider{transcribeErr: errors.New("whisper unavailable")},
			req: func(t *testing.T) *http.Request {
				return audioUpload(t, "audio_file", "recording.webm", "audio/webm", []byte("webm"))
			},
			status: http.StatusInternalServerError,
			detail: "Error processing audio: whisper unavailable",
		},
		{
			name:     "too large",
			provider: &fakeProvider{},
			req: func(t *testing.T) *http.Request {
				return audioUpload(t, "audio_file", "recording.webm", "audio/webm", bytes.Repeat([]byte("x"), 2<<20))
			},
			status:      http.StatusRequestEntityTooLarge,
			detail:      "File too large",
			maxUploadMB: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, tt.provider, model.ServiceConfig{Language: "fr", MaxUploadMB: tt.maxUploadMB})
			rec := do(t, r, tt.req(t))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if tt.detail != "" {
				if got := decodeDetail(t, rec); got != tt.detail {
					t.Errorf("detail = %q, want %q", got, tt.detail)
				}
				return
			}
			var resp model.AnswerResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Text != tt.wantText || resp.Language != "fr" {
				t.Errorf("response = %+v", resp)
			}
			if string(tt.provider.gotAudio) != "webm" || tt.provider.gotLang != "fr" {
				t.Errorf("provider got %q lang %q", tt.provider.gotAudio, tt.provider.gotLang)
			}
		})
	}
}

func TestTranscribeAlias(t *testing.T) {
	p := &fakeProvider{transcript: "bonjour"}
	r := newTestRouter(t, p, model.ServiceConfig{Language: "fr"})
	req := audioUpload(t, "audio_file", "recording.webm", "audio/webm", []byte("webm"))
	req.URL.Path = "/transcribe/"
	rec := do(t, r, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
}

func TestListAndStartQuestion(t *testing.T) {
	r := newTestRouter(t, &fakeProvider{}, model.ServiceConfig{Language: "fr"})

	rec := do(t, r, httptest.NewRequest(http.MethodGet, "/questions?topic=work", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var qs []model.Question
	if err := json.NewDecoder(rec.Body).Decode(&qs); err != nil {
		t.Fatal(err)
	}
	if len(qs) != 1 || qs[0].Slug != "current-employment" {
		t.Errorf("questions = %+v", qs)
	}

	rec = do(t, r, httptest.NewRequest(http.MethodGet, "/questions?topic=travel", nil))
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("empty list body = %q", body)
	}

	rec = do(t, r, httptest.NewRequest(http.MethodGet, "/start-question/current-employment", nil))
	var start model.StartQuestionResponse
	if err := json.NewDecoder(rec.Body).Decode(&start); err != nil {
		t.Fatal(err)
	}
	if start.QuestionID != "current-employment" || start.Status != "success" {
		t.Errorf("start = %+v", start)
	}

	rec = do(t, r, httptest.NewRequest(http.MethodGet, "/start-question/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown start status = %d", rec.Code)
	}
}

func TestIndexAndHealth(t *testing.T) {
	r := newTestRouter(t, &fakeProvider{}, model.ServiceConfig{})
	for _, path := range []string{"/", "/healthz"} {
		rec := do(t, r, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s content type = %q", path, ct)
		}
	}
}

func uploadQuestions(t *testing.T, token, filename, body string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("questions_file", filename)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(fw, body)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/questions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestUploadQuestions(t *testing.T) {
	bank := "- id: previous-job\n  text: Parlez-moi de votre emploi précédent.\n"

	t.Run("disabled without token", func(t *testing.T) {
		r := newTestRouter(t, &fakeProvider{}, model.ServiceConfig{})
		rec := do(t, r, uploadQuestions(t, "anything", "bank.yaml", bank))
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		r := newTestRouter(t, &fakeProvider{}, model.ServiceConfig{AdminToken: "s3cret"})
		rec := do(t, r, uploadQuestions(t, "guess", "bank.yaml", bank))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("import then duplicate", func(t *testing.T) {
		r := newTestRouter(t, &fakeProvider{}, model.ServiceConfig{AdminToken: "s3cret", Language: "fr"})

		rec := do(t, r, uploadQuestions(t, "s3cret", "bank.yaml", bank))
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		var resp model.ImportResponse
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp.Imported != 1 {
			t.Errorf("imported = %d", resp.Imported)
		}

		rec = do(t, r, uploadQuestions(t, "s3cret", "bank.yaml", bank))
		if rec.Code != http.StatusOK {
			t.Fatalf("duplicate status = %d", rec.Code)
		}
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp.Imported != 0 {
			t.Errorf("duplicate imported = %d", resp.Imported)
		}

		rec = do(t, r, httptest.NewRequest(http.MethodGet, "/questions?language=fr", nil))
		var qs []model.Question
		json.NewDecoder(rec.Body).Decode(&qs)
		if len(qs) != 2 {
			t.Errorf("got %d questions after import, want 2", len(qs))
		}
	})

	t.Run("changed file under imported name", func(t *testing.T) {
		r := newTestRouter(t, &fakeProvider{}, model.ServiceConfig{AdminToken: "s3cret", Language: "fr"})

		if rec := do(t, r, uploadQuestions(t, "s3cret", "bank.yaml", bank)); rec.Code != http.StatusCreated {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body)
		}
		edited := bank + "- id: strengths\n  text: Quelles sont vos forces ?\n"
		rec := do(t, r, uploadQuestions(t, "s3cret", "bank.yaml", edited))
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}

		rec = do(t, r, httptest.NewRequest(http.MethodGet, "/questions?language=fr", nil))
		var qs []model.Question
		json.NewDecoder(rec.Body).Decode(&qs)
		for _, q := range qs {
			if q.Slug == "strengths" {
				t.Error("edited file must not be imported")
			}
		}
	})

	t.Run("oversized file", func(t *testing.T) {
		r := newTestRouter(t, &fakeProvider{}, model.ServiceConfig{AdminToken: "s3cret"})
		big := strings.Repeat("#", maxUploadBytes+1)
		rec := do(t, r, uploadQuestions(t, "s3cret", "bank.yaml", big))
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rec.Code)
		}
	})

	t.Run("invalid file", func(t *testing.T) {
		r := newTestRouter(t, &fakeProvider{}, model.ServiceConfig{AdminToken: "s3cret"})
		rec := do(t, r, uploadQuestions(t, "s3cret", "bank.json", `[{"text":"no id"}]`))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}
