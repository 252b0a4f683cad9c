package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

//go:embed templates/*.txt
var Builtin embed.FS

var questionTagRegex = regexp.MustCompile(`(?i)</?\s*(question|system-instructions)\b[^>]*>`)

const maxQuestionRunes = 2000

// PromptVariant represents a reformulation style.
type PromptVariant string

const (
	// PromptFormal addresses the candidate as a jury member would.
	PromptFormal PromptVariant = "formal"
	// PromptStandard is the default, natural professional tone.
	PromptStandard PromptVariant = "standard"
	// PromptCasual is a relaxed conversational tone.
	PromptCasual PromptVariant = "casual"
)

var validVariants = map[PromptVariant]bool{
	PromptFormal:   true,
	PromptStandard: true,
	PromptCasual:   true,
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// ReformulateData holds template data for reformulation prompts.
type ReformulateData struct {
	Language string
}

// Load parses the reformulation templates from fsys, which must contain
// templates/reformulate_<variant>.txt for every variant. Only the first call
// has an effect.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		templates = make(map[PromptVariant]*template.Template)
		for _, v := range []PromptVariant{PromptFormal, PromptStandard, PromptCasual} {
			file := "templates/reformulate_" + string(v) + ".txt"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", file, err)
				return
			}
			tmpl, err := template.New(string(v)).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", file, err)
				return
			}
			templates[v] = tmpl
		}
	})
	return loadErr
}

// BuildReformulatePrompt returns the system prompt and the user message
// asking the model to reformulate questionText in the language identified by
// the BCP 47 tag lang.
func BuildReformulatePrompt(variant PromptVariant, questionText, lang string) (system, user string, err error) {
	if templates == nil {
		return "", "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := templates[variant]
	if !ok {
		if loadErr != nil {
			return "", "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", "", errors.New("invalid prompt variant: " + string(variant))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ReformulateData{Language: LanguageName(lang)}); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(buf.String()), sanitizeQuestion(questionText), nil
}

// LanguageName returns the English name of a BCP 47 language tag, e.g.
// "French" for "fr". Unknown tags are returned unchanged.
func LanguageName(lang string) string {
	if strings.TrimSpace(lang) == "" {
		return lang
	}
	tag, err := language.Parse(strings.TrimSpace(lang))
	if err != nil {
		return lang
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return lang
}

func sanitizeQuestion(q string) string {
	q = questionTagRegex.ReplaceAllString(q, "")
	q = strings.TrimSpace(q)
	if utf8.RuneCountInString(q) > maxQuestionRunes {
		q = string([]rune(q)[:maxQuestionRunes])
	}
	return q
}
