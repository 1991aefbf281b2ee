// Copyright 2026 © The Kyrax Authors
// SPDX-License-Identifier: Apache-2.0

// Package skills holds the registry of executable skills and the SKILL.md
// manifests that declare them.
package skills

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jllopis/kyrax/pkg/core"
)

// Registry keeps skills in registration order. The first registered skill
// whose CanHandle accepts a command wins. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	skills []core.Skill
}

// NewRegistry creates a registry with the given skills registered in order.
func NewRegistry(skills ...core.Skill) (*Registry, error) {
	r := &Registry{}
	for _, s := range skills {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a skill. Names must be unique.
func (r *Registry) Register(s core.Skill) error {
	if s == nil {
		return fmt.Errorf("register skill: nil skill")
	}
	name := s.Name()
	if name == "" {
		return fmt.Errorf("register skill: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.skills {
		if existing.Name() == name {
			return fmt.Errorf("register skill: %q already registered", name)
		}
	}
	r.skills = append(r.skills, s)
	return nil
}

// Unregister removes the named skill and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.skills {
		if s.Name() == name {
			r.skills = append(r.skills[:i:i], r.skills[i+1:]...)
			return true
		}
	}
	return false
}

// FindHandler returns the first skill accepting cmd. A CanHandle that panics
// is treated as a refusal.
func (r *Registry) FindHandler(cmd core.Command) (core.Skill, bool) {
	r.mu.RLock()
	snapshot := append([]core.Skill(nil), r.skills...)
	r.mu.RUnlock()

	for _, s := range snapshot {
		if safeCanHandle(s, cmd) {
			return s, true
		}
	}
	return nil, false
}

// Names lists registered skill names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s.Name())
	}
	return out
}

func safeCanHandle(s core.Skill, cmd core.Command) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("skills.can_handle.panic", slog.String("skill", s.Name()), slog.Any("panic", rec))
			ok = false
		}
	}()
	return s.CanHandle(cmd)
}
