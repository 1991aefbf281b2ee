package skills

import (
	"context"

	"github.com/jllopis/kyrax/pkg/core"
)

// ExecFunc performs the action behind a declared skill.
type ExecFunc func(ctx context.Context, cmd core.Command, execCtx map[string]any) (core.SkillResult, error)

// DeclaredSkill is a skill whose routing comes from a manifest.
type DeclaredSkill struct {
	manifest Manifest
	intents  map[string]bool
	domains  map[string]bool
	exec     ExecFunc
}

// Declared binds a manifest to an executor. The skill accepts commands whose
// intent or domain the manifest lists.
func Declared(m Manifest, exec ExecFunc) *DeclaredSkill {
	d := &DeclaredSkill{
		manifest: m,
		intents:  make(map[string]bool, len(m.Intents)),
		domains:  make(map[string]bool, len(m.Domains)),
		exec:     exec,
	}
	for _, i := range m.Intents {
		d.intents[i] = true
	}
	for _, dm := range m.Domains {
		d.domains[dm] = true
	}
	return d
}

// Name implements core.Skill.
func (d *DeclaredSkill) Name() string { return d.manifest.Name }

// Manifest returns the manifest the skill was declared with.
func (d *DeclaredSkill) Manifest() Manifest { return d.manifest }

// CanHandle implements core.Skill.
func (d *DeclaredSkill) CanHandle(cmd core.Command) bool {
	return d.intents[cmd.Intent()] || d.domains[cmd.Domain()]
}

// Execute implements core.Skill.
func (d *DeclaredSkill) Execute(ctx context.Context, cmd core.Command, execCtx map[string]any) (core.SkillResult, error) {
	return d.exec(ctx, cmd, execCtx)
}

// Bind declares a skill for every manifest whose handler is present in
// handlers and returns the names of manifests left unbound.
func Bind(r *Registry, manifests []Manifest, handlers map[string]ExecFunc) ([]string, error) {
	var unbound []string
	for _, m := range manifests {
		exec, ok := handlers[m.Handler]
		if !ok {
			unbound = append(unbound, m.Name)
			continue
		}
		if err := r.Register(Declared(m, exec)); err != nil {
			return unbound, err
		}
	}
	return unbound, nil
}
