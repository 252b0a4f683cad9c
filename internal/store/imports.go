package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pavelanni/oralexam/internal/model"

	"gopkg.in/yaml.v3"
)

// GetImportedFileHash returns the content hash recorded for path.
// Returns empty string and nil error if the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash upserts the content hash recorded for path.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = ?, imported_at = CURRENT_TIMESTAMP`,
		path, hash, hash,
	)
	return err
}

// ImportQuestions inserts questions and records the file hash in one
// transaction, so a failed import leaves nothing behind. Questions without a
// language get defaultLang.
func (s *Store) ImportQuestions(path, hash, defaultLang string, questions []model.QuestionImport) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, qi := range questions {
		lang := qi.Language
		if lang == "" {
			lang = defaultLang
		}
		if _, err := tx.Exec(
			`INSERT INTO questions (slug, text, topic, language) VALUES (?, ?, ?, ?)`,
			qi.ID, qi.Text, qi.Topic, lang,
		); err != nil {
			return fmt.Errorf("insert question %q: %w", qi.ID, err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = ?, imported_at = CURRENT_TIMESTAMP`,
		path, hash, hash,
	); err != nil {
		return fmt.Errorf("record import: %w", err)
	}
	return tx.Commit()
}

// ParseQuestions decodes a question file. Files ending in .yaml or .yml are
// YAML, everything else is JSON. Every question needs a unique id and text.
func ParseQuestions(name string, data []byte) ([]model.QuestionImport, error) {
	var questions []model.QuestionImport
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &questions); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &questions); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	}

	seen := make(map[string]bool, len(questions))
	for i, q := range questions {
		q.ID = strings.TrimSpace(q.ID)
		q.Text = strings.TrimSpace(q.Text)
		if q.ID == "" {
			return nil, fmt.Errorf("question %d: missing id", i+1)
		}
		if q.Text == "" {
			return nil, fmt.Errorf("question %q: missing text", q.ID)
		}
		if seen[q.ID] {
			return nil, fmt.Errorf("question %q: duplicate id", q.ID)
		}
		seen[q.ID] = true
		questions[i] = q
	}
	return questions, nil
}
