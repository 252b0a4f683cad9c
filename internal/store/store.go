package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/pavelanni/oralexam/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a question slug does not exist.
var ErrNotFound = errors.New("question not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL UNIQUE,
		text TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping checks that the database is still reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// InsertQuestion stores a question. Slugs are unique.
func (s *Store) InsertQuestion(q model.Question) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO questions (slug, text, topic, language) VALUES (?, ?, ?, ?)`,
		q.Slug, q.Text, q.Topic, q.Language,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const questionColumns = `id, slug, text, topic, language`

func scanQuestions(rows *sql.Rows) ([]model.Question, error) {
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Slug, &q.Text, &q.Topic, &q.Language); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// ListQuestions returns all questions in import order.
func (s *Store) ListQuestions() ([]model.Question, error) {
	rows, err := s.db.Query(`SELECT ` + questionColumns + ` FROM questions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanQuestions(rows)
}

// ListQuestionsFiltered returns questions matching the given filters.
// Empty strings mean no filtering on that field.
func (s *Store) ListQuestionsFiltered(topic, language string) ([]model.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions WHERE 1=1`
	var args []any
	if topic != "" {
		query += ` AND topic = ?`
		args = append(args, topic)
	}
	if language != "" {
		query += ` AND language = ?`
		args = append(args, language)
	}
	rows, err := s.db.Query(query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return scanQuestions(rows)
}

// GetQuestion returns a question by slug, or ErrNotFound.
func (s *Store) GetQuestion(slug string) (model.Question, error) {
	var q model.Question
	err := s.db.QueryRow(
		`SELECT `+questionColumns+` FROM questions WHERE slug = ?`, slug,
	).Scan(&q.ID, &q.Slug, &q.Text, &q.Topic, &q.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return q, ErrNotFound
	}
	return q, err
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}
