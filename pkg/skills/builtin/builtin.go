// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package builtin provides the reference skills shipped with kyrax. In
// dry-run mode they report what they would have done without touching the
// outside world.
package builtin

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/skills"
)

// Sender delivers a chat message through an external app.
type Sender interface {
	Send(ctx context.Context, app, contact, text string) error
}

// Publisher sends a device command to an IoT bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// OSBackend performs operating system actions.
type OSBackend interface {
	Run(ctx context.Context, action string, args map[string]any) error
}

type config struct {
	dryRun    bool
	baseDir   string
	sender    Sender
	publisher Publisher
	backend   OSBackend
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
	outbox    *Outbox
}

// Option configures the builtin skills.
type Option func(*config)

// WithDryRun toggles simulation. Skills default to dry-run.
func WithDryRun(v bool) Option { return func(c *config) { c.dryRun = v } }

// WithBaseDir sets the directory notes and downloads are written under.
func WithBaseDir(dir string) Option { return func(c *config) { c.baseDir = dir } }

// WithSender sets the message transport used outside dry-run.
func WithSender(s Sender) Option { return func(c *config) { c.sender = s } }

// WithPublisher sets the IoT transport used outside dry-run.
func WithPublisher(p Publisher) Option { return func(c *config) { c.publisher = p } }

// WithOSBackend sets the OS backend used outside dry-run.
func WithOSBackend(b OSBackend) Option { return func(c *config) { c.backend = b } }

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(h *http.Client) Option { return func(c *config) { c.client = h } }

// WithOutbox records every message the messaging skill handles.
func WithOutbox(o *Outbox) Option { return func(c *config) { c.outbox = o } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func newConfig(opts []Option) *config {
	c := &config{
		dryRun:  true,
		baseDir: ".",
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Manifests describes the builtin skills. Their Handler names key Handlers.
func Manifests() []skills.Manifest {
	return []skills.Manifest{
		{Name: "messaging", Description: "Send chat messages", Intents: []string{"send_message"}, Domains: []string{"messaging"}, Handler: "messaging"},
		{Name: "files", Description: "Notes and local files", Intents: []string{"take_note", "open_file", "delete_file"}, Domains: []string{"file"}, Handler: "files"},
		{Name: "web", Description: "Web search and downloads", Intents: []string{"search_web", "download_file"}, Domains: []string{"web"}, Handler: "web"},
		{Name: "os-control", Description: "Apps, audio and power", Intents: []string{"open_app", "play_music", "set_volume", "set_do_not_disturb", "shutdown", "restart", "sleep", "factory_reset"}, Domains: []string{"os", "application"}, Handler: "os"},
		{Name: "iot", Description: "Smart home devices", Intents: []string{"turn_on", "turn_off", "unlock_door"}, Domains: []string{"iot"}, Handler: "iot"},
		{Name: "clarify", Description: "Ask the user a question", Intents: []string{"ask_clarify"}, Domains: []string{"system"}, Handler: "clarify"},
	}
}

// Handlers returns the executors behind Manifests keyed by handler name.
func Handlers(opts ...Option) map[string]skills.ExecFunc {
	c := newConfig(opts)
	return map[string]skills.ExecFunc{
		"messaging": c.messaging,
		"files":     c.files,
		"web":       c.web,
		"os":        c.osControl,
		"iot":       c.iot,
		"clarify":   clarify,
	}
}

// Register binds every builtin manifest into r.
func Register(r *skills.Registry, opts ...Option) error {
	_, err := skills.Bind(r, Manifests(), Handlers(opts...))
	return err
}

// Outbox keeps the messages handled by the messaging skill.
type Outbox struct {
	mu   sync.Mutex
	sent []Message
}

// Message is one delivered or simulated chat message.
type Message struct {
	App     string
	Contact string
	Text    string
	DryRun  bool
	SentAt  time.Time
}

func (o *Outbox) add(m Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, m)
}

// Messages returns a copy of the recorded messages.
func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.sent...)
}

func clarify(_ context.Context, cmd core.Command, _ map[string]any) (core.SkillResult, error) {
	q := cmd.EntityString("question")
	return core.OK(q, map[string]any{"question": q, "needs_input": true}), nil
}
