// Package transcript holds the ordered question/answer record of a practice
// session. The log is the single source for on-screen rendering and for the
// plain-text export.
package transcript

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNothingToExport is returned by Export when the log holds no real entry.
var ErrNothingToExport = errors.New("transcript: nothing to export")

// Display texts shown while the log has no real content. Entries whose text
// equals one of them are never treated as content.
const (
	PlaceholderEmpty    = "Recording will appear here..."
	PlaceholderNoSpeech = "No speech detected or transcribable content."
)

const (
	exportHeader     = "Oral Exam Practice Transcript"
	exportRule       = "============================="
	exportFooterRule = "-----------------------------"
	timestampLayout  = "2006-01-02 15:04:05"
)

// Kind tells questions and answers apart.
type Kind string

const (
	KindQuestion Kind = "question"
	KindAnswer   Kind = "answer"
)

// Label is the type label used in renders and exports.
func (k Kind) Label() string {
	switch k {
	case KindQuestion:
		return "Question"
	case KindAnswer:
		return "Answer"
	default:
		return "Entry"
	}
}

// Entry is one timestamped record. Entries are values and are never modified
// after they are appended.
type Entry struct {
	Kind Kind
	Text string
	At   time.Time
}

// IsContent reports whether the entry carries real text, as opposed to an
// empty or placeholder value.
func (e Entry) IsContent() bool {
	return IsContent(e.Text)
}

// IsContent reports whether text is neither blank nor a placeholder.
func IsContent(text string) bool {
	t := strings.TrimSpace(text)
	return t != "" && t != PlaceholderEmpty && t != PlaceholderNoSpeech
}

// Log is an append-only ordered sequence of entries. One goroutine appends
// while any number of readers render or export.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// New returns an empty log.
func New() *Log {
	return &Log{}
}

// Append adds e at the end of the log.
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// HasContent reports whether at least one entry has real text.
func (l *Log) HasContent() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.IsContent() {
			return true
		}
	}
	return false
}

// All yields the entries in creation order. The sequence covers the entries
// present when iteration starts; it can be ranged over any number of times.
func (l *Log) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		n := l.Len()
		for i := 0; i < n; i++ {
			l.mu.RLock()
			e := l.entries[i]
			l.mu.RUnlock()
			if !yield(e) {
				return
			}
		}
	}
}

// Entries returns a copy of the current entries.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Export formats the log as a plain-text block stamped with now.
func (l *Log) Export(now time.Time) (string, error) {
	if !l.HasContent() {
		return "", ErrNothingToExport
	}

	var b strings.Builder
	b.WriteString(exportHeader + "\n")
	b.WriteString(exportRule + "\n\n")
	for e := range l.All() {
		fmt.Fprintf(&b, "[%s] %s\n", e.Kind.Label(), e.At.Format(timestampLayout))
		b.WriteString(strings.TrimSpace(e.Text) + "\n\n")
	}
	b.WriteString(exportFooterRule + "\n")
	fmt.Fprintf(&b, "Exported: %s\n", now.Format(timestampLayout))
	return b.String(), nil
}

// ExportFilename names the export file after the capture date and time.
func ExportFilename(now time.Time) string {
	return fmt.Sprintf("transcript_%s_%s.txt", now.Format("2006-01-02"), now.Format("15-04-05"))
}

// WriteFile exports the log into dir and returns the written path. Nothing is
// written when the log has no real content.
func (l *Log) WriteFile(dir string, now time.Time) (string, error) {
	text, err := l.Export(now)
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, ExportFilename(now))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	return path, nil
}
