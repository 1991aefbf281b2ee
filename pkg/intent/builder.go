// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package intent turns raw (intent, entities) tuples into validated commands.
package intent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jllopis/kyrax/pkg/contacts"
	"github.com/jllopis/kyrax/pkg/core"
	kerrors "github.com/jllopis/kyrax/pkg/errors"
)

const (
	// AmbiguityMargin is the score gap under which two contact matches are ambiguous.
	AmbiguityMargin = 0.10
	// AcceptScore is the score at which a top contact match is accepted regardless of the gap.
	AcceptScore = 0.85
	// ResolveCutoff is the minimum score for a contact match to rewrite the entity.
	ResolveCutoff = contacts.DefaultBestCutoff

	defaultFilledCap = 0.85
	contextFilledCap = 0.5
)

// ContactResolver ranks contact-book entries for a query.
type ContactResolver interface {
	Candidates(query string, n int, cutoff float64) []contacts.Candidate
}

// ContextDefaults is the read side of the short-term memory used to fill
// entities the user referred to implicitly.
type ContextDefaults interface {
	GetMostRecent(key string) (any, bool)
	ResolvePronoun(text string) (any, bool)
}

// Raw is an untrusted parse result.
type Raw struct {
	Intent     string
	Entities   map[string]any
	Confidence float64
	Source     core.Source
	Text       string
}

// BuildOption configures a single Build call.
type BuildOption func(*buildOptions)

type buildOptions struct {
	resolver ContactResolver
	memory   ContextDefaults
}

// WithContactResolver resolves the contact entity through r.
func WithContactResolver(r ContactResolver) BuildOption {
	return func(o *buildOptions) { o.resolver = r }
}

// WithContextDefaults fills implicit references from m.
func WithContextDefaults(m ContextDefaults) BuildOption {
	return func(o *buildOptions) { o.memory = m }
}

// Builder validates and normalizes raw tuples against a schema registry.
type Builder struct {
	schemas *Schemas
	logger  *slog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithSchemas replaces the default schema registry.
func WithSchemas(s *Schemas) BuilderOption {
	return func(b *Builder) { b.schemas = s }
}

// WithLogger sets the logger used for build diagnostics.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a Builder backed by DefaultRegistry unless overridden.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{}
	for _, opt := range opts {
		opt(b)
	}
	if b.schemas == nil {
		b.schemas = DefaultRegistry()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Schemas exposes the registry backing the builder.
func (b *Builder) Schemas() *Schemas { return b.schemas }

// Valid reports whether cmd satisfies its schema.
func (b *Builder) Valid(cmd core.Command) bool { return b.schemas.Valid(cmd) }

// Build validates raw and returns an immutable Command. It fails with
// SCHEMA_ERROR, MISSING_ENTITY or AMBIGUOUS_ENTITY and never returns a partial
// command. Low confidence is preserved, not rejected.
func (b *Builder) Build(ctx context.Context, raw Raw, opts ...BuildOption) (core.Command, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	name := strings.TrimSpace(raw.Intent)
	if name == "" {
		return core.Command{}, kerrors.New(kerrors.CodeSchema, "missing intent", nil)
	}
	schema, ok := b.schemas.Lookup(name)
	if !ok {
		return core.Command{}, kerrors.New(kerrors.CodeSchema, "unknown intent "+name, nil).
			WithContext("intent", name)
	}

	entities := core.CloneMap(raw.Entities)
	if entities == nil {
		entities = make(map[string]any)
	}
	confidence := raw.Confidence

	if o.memory != nil {
		if filled := b.fillFromContext(schema, entities, raw.Text, o.memory); len(filled) > 0 {
			confidence = min(confidence, contextFilledCap)
			b.logger.DebugContext(ctx, "intent.build.context_fill", slog.String("intent", name), slog.Any("keys", filled))
		}
	}

	for key, def := range schema.Defaults {
		if v, ok := entities[key]; !ok || v == nil {
			entities[key] = def
			if schema.requires(key) {
				confidence = min(confidence, defaultFilledCap)
			}
		}
	}

	resolved := false
	if contact, ok := entities["contact"].(string); ok && o.resolver != nil && !IsPlaceholder(contact) {
		canonical, err := resolveContact(o.resolver, contact)
		if err != nil {
			return core.Command{}, err.WithContext("intent", schema.Intent)
		}
		if canonical != "" {
			entities["contact"] = canonical
			resolved = true
		}
	}

	for key, nname := range schema.Normalize {
		if v, ok := entities[key]; ok && v != nil {
			entities[key] = normalizers[nname](v)
		}
	}

	if contact, ok := entities["contact"].(string); ok && !resolved && !IsPlaceholder(contact) && isVague(contact, o.resolver != nil) {
		return core.Command{}, kerrors.New(kerrors.CodeAmbiguousEntity, "contact reference is too vague: "+contact, nil).
			WithContext("intent", schema.Intent).
			WithContext("entity", "contact")
	}

	var missing []string
	for _, key := range schema.Required {
		if isEmpty(entities[key]) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return core.Command{}, kerrors.New(kerrors.CodeMissingEntity, "missing required entities: "+strings.Join(missing, ", "), nil).
			WithContext("intent", schema.Intent).
			WithContext("missing", missing)
	}

	src := raw.Source
	if src == "" {
		src = core.SourceNLU
	}
	return core.NewCommand(core.CommandSpec{
		Intent:     schema.Intent,
		Domain:     schema.Domain,
		Entities:   entities,
		Confidence: confidence,
		Source:     src,
	}), nil
}

// fillFromContext completes required entities the text refers to implicitly
// and returns the keys it filled.
func (b *Builder) fillFromContext(schema Schema, entities map[string]any, text string, mem ContextDefaults) []string {
	var filled []string
	for _, key := range schema.Required {
		v := entities[key]
		s, isString := v.(string)
		switch {
		case isString && pronouns[strings.ToLower(strings.TrimSpace(s))]:
			if got, ok := mem.ResolvePronoun(s); ok {
				entities[key] = got
				filled = append(filled, key)
			}
		case isString && strings.TrimSpace(s) != "":
			if key == "contact" && !IsPlaceholder(s) {
				entities[key] = cleanConversational(s)
			}
		case isEmpty(v) && mentionsPrev.MatchString(text):
			if got, ok := mem.GetMostRecent("last_" + key); ok && !isEmpty(got) {
				entities[key] = got
				filled = append(filled, key)
			}
		}
	}
	return filled
}

// resolveContact returns the canonical name for query, an empty name when the
// book has no usable match, or an AMBIGUOUS_ENTITY error.
func resolveContact(r ContactResolver, query string) (string, *kerrors.KyraxError) {
	cands := r.Candidates(query, 5, contacts.DefaultCandidateCutoff)
	if len(cands) == 0 || cands[0].Score < ResolveCutoff {
		return "", nil
	}
	top := cands[0]
	if len(cands) > 1 && top.Score < AcceptScore && top.Score-cands[1].Score < AmbiguityMargin {
		names := make([]string, 0, len(cands))
		for _, c := range cands {
			if top.Score-c.Score < AmbiguityMargin {
				names = append(names, c.Name)
			}
		}
		return "", kerrors.New(kerrors.CodeAmbiguousEntity, "contact "+query+" matches several people", nil).
			WithContext("entity", "contact").
			WithContext("candidates", names)
	}
	return top.Name, nil
}
