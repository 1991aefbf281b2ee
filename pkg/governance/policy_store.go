package governance

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jllopis/kyrax/pkg/config"
)

// PolicyStore holds the policy loaded from a file and swaps it atomically
// when the file changes. A file that fails to parse leaves the previous
// policy in force.
type PolicyStore struct {
	path    string
	current atomic.Pointer[Policy]
	logger  *slog.Logger
}

// NewPolicyStore loads path. An empty path serves the default policy and
// never reloads.
func NewPolicyStore(path string, logger *slog.Logger) (*PolicyStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	s := &PolicyStore{path: path, logger: logger}
	s.current.Store(p)
	return s, nil
}

// Current implements PolicySource.
func (s *PolicyStore) Current() *Policy {
	return s.current.Load()
}

// Reload re-reads the policy file.
func (s *PolicyStore) Reload() error {
	if s.path == "" {
		return nil
	}
	p, err := LoadPolicy(s.path)
	if err != nil {
		s.logger.Error("guard.policy.reload.failed",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.current.Store(p)
	s.logger.Info("guard.policy.reloaded",
		slog.String("path", s.path),
		slog.Int("rules", len(p.Rules)),
	)
	return nil
}

// Watch reloads the policy whenever its file changes, until ctx is done.
func (s *PolicyStore) Watch(ctx context.Context, debounce time.Duration) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	return config.WatchFiles(ctx, []string{s.path}, debounce, s.logger, func(string) {
		_ = s.Reload()
	})
}
