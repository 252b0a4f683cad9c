// Package i18n localizes the status messages shown by the practice client
// and the few human-readable strings the service returns.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

// Catalog is a loaded translation bundle with a default language.
type Catalog struct {
	bundle *i18n.Bundle
	lang   string
	loc    *i18n.Localizer
}

// New loads the embedded locales. lang is the language used by T and Td and
// the fallback for negotiated requests.
func New(lang string) (*Catalog, error) {
	tag, err := language.Parse(lang)
	if err != nil {
		return nil, fmt.Errorf("parse language %q: %w", lang, err)
	}

	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read locales dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, e.Name()); err != nil {
			return nil, fmt.Errorf("parse locale file %s: %w", e.Name(), err)
		}
		slog.Debug("loaded locale file", "file", e.Name())
	}

	return &Catalog{
		bundle: bundle,
		lang:   tag.String(),
		loc:    i18n.NewLocalizer(bundle, tag.String()),
	}, nil
}

// Languages returns the tags that have a locale file.
func (c *Catalog) Languages() []string {
	tags := c.bundle.LanguageTags()
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.String()
	}
	return out
}

// Localizer returns a localizer that prefers langs (raw tags or
// Accept-Language values) and falls back to the catalog language.
func (c *Catalog) Localizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(c.bundle, append(langs, c.lang)...)
}

// T translates a message by ID in the catalog language.
func (c *Catalog) T(msgID string) string {
	return localize(c.loc, msgID, nil)
}

// Td translates a message by ID with template data.
func (c *Catalog) Td(msgID string, data map[string]any) string {
	return localize(c.loc, msgID, data)
}

// Middleware negotiates the request language from Accept-Language and
// stores the localizer in the request context for T.
func (c *Catalog) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loc := c.Localizer(r.Header.Get("Accept-Language"))
		next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), loc)))
	})
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

var (
	englishOnce sync.Once
	english     *i18n.Localizer
)

// localizerFromCtx retrieves the localizer from context, falling back to
// English.
func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok {
		return loc
	}
	englishOnce.Do(func() {
		c, err := New("en")
		if err != nil {
			slog.Error("load english catalog", "error", err)
			return
		}
		english = c.loc
	})
	return english
}

// T translates a message by ID using the localizer stored in ctx.
func T(ctx context.Context, msgID string) string {
	return localize(localizerFromCtx(ctx), msgID, nil)
}

func localize(loc *i18n.Localizer, msgID string, data map[string]any) string {
	if loc == nil {
		return msgID
	}
	s, err := loc.Localize(&i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: data,
	})
	if err != nil {
		slog.Warn("missing translation", "id", msgID, "error", err)
		return msgID
	}
	return s
}
