package handler

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pavelanni/oralexam/internal/model"
	"github.com/pavelanni/oralexam/internal/store"
)

// requireToken only lets requests through that carry the configured admin
// bearer token. Without a configured token the route is disabled.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.AdminToken == "" {
			writeError(w, http.StatusForbidden, "Question uploads are disabled")
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.config.AdminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="oralexam"`)
			writeError(w, http.StatusUnauthorized, "Invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// maxUploadBytes caps a questions upload, form overhead included.
const maxUploadBytes = 10 << 20

func (h *Handler) handleUploadQuestions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
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

	file, header, err := r.FormFile("questions_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	hashBytes := sha256.Sum256(data)
	hash := hex.EncodeToString(hashBytes[:])

	storedHash, err := h.store.GetImportedFileHash(header.Filename)
	if err != nil {
		slog.Error("failed to check import status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if storedHash == hash {
		writeJSON(w, http.StatusOK, model.ImportResponse{
			Filename: header.Filename,
			Message:  "File already imported.",
		})
		return
	}
	if storedHash != "" {
		// A file name is imported once; edits go in under a new name.
		writeError(w, http.StatusConflict, "file changed since last import; upload it under a new name")
		return
	}

	questions, err := store.ParseQuestions(header.Filename, data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.ImportQuestions(header.Filename, hash, h.config.Language, questions); err != nil {
		slog.Error("failed to import questions", "filename", header.Filename, "error", err)
		writeError(w, http.StatusConflict, "failed to import questions: "+err.Error())
		return
	}

	slog.Info("uploaded questions", "filename", header.Filename, "count", len(questions))
	writeJSON(w, http.StatusCreated, model.ImportResponse{
		Filename: header.Filename,
		Imported: len(questions),
		Message:  fmt.Sprintf("Successfully imported %d questions.", len(questions)),
	})
}
