package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/kyrax/pkg/audit"
	"github.com/jllopis/kyrax/pkg/chain"
	"github.com/jllopis/kyrax/pkg/config"
	"github.com/jllopis/kyrax/pkg/contacts"
	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/dispatch"
	"github.com/jllopis/kyrax/pkg/governance"
	"github.com/jllopis/kyrax/pkg/guardrails"
	"github.com/jllopis/kyrax/pkg/intent"
	"github.com/jllopis/kyrax/pkg/llm"
	"github.com/jllopis/kyrax/pkg/llm/gemini"
	"github.com/jllopis/kyrax/pkg/mcp"
	"github.com/jllopis/kyrax/pkg/memory"
	"github.com/jllopis/kyrax/pkg/nlu"
	"github.com/jllopis/kyrax/pkg/orchestrator"
	"github.com/jllopis/kyrax/pkg/planner"
	"github.com/jllopis/kyrax/pkg/resilience"
	"github.com/jllopis/kyrax/pkg/skills"
	"github.com/jllopis/kyrax/pkg/skills/builtin"
	"github.com/jllopis/kyrax/pkg/storage"
	"github.com/jllopis/kyrax/pkg/telemetry"
	"github.com/jllopis/kyrax/pkg/workflow"
)

const watchDebounce = 250 * time.Millisecond

// app holds everything built from the configuration.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *orchestrator.Engine
	dispatcher *dispatch.Dispatcher
	memory     *memory.ContextMemory
	workflows  workflow.Store
	audit      audit.Log
	policy     *governance.PolicyStore
	sweeper    *governance.Sweeper
	contacts   *contacts.Resolver
	outbox     *builtin.Outbox
	health     *core.HealthRegistry

	dbs     map[string]*sql.DB
	closers []func() error
}

type appOptions struct {
	// confirmer asks inline; without one held commands stay pending.
	confirmer orchestrator.Confirmer
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		outbox: &builtin.Outbox{},
		health: core.NewHealthRegistry(),
		dbs:    map[string]*sql.DB{},
	}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	metrics, err := telemetry.NewDispatchMetrics()
	if err != nil {
		return nil, err
	}
	if err := a.buildMemory(); err != nil {
		return nil, err
	}
	if err := a.buildStores(ctx); err != nil {
		return nil, err
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithMinConfidence(cfg.Dispatch.MinConfidence),
		dispatch.WithTimeout(cfg.Dispatch.Timeout),
		dispatch.WithMetrics(metrics),
		dispatch.WithLogger(telemetry.Component(logger, "dispatch")),
	}
	if a.audit != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithAudit(a.audit))
	}
	if cfg.Guard.Enabled {
		guardOpts, err := a.buildGuard(ctx, metrics)
		if err != nil {
			return nil, err
		}
		dispatchOpts = append(dispatchOpts, guardOpts...)
	}

	registry, err := a.buildSkills(ctx)
	if err != nil {
		return nil, err
	}
	a.dispatcher, err = dispatch.New(registry, dispatchOpts...)
	if err != nil {
		return nil, err
	}

	if cfg.Intent.ContactsFile != "" {
		book, err := contacts.LoadFile(cfg.Intent.ContactsFile)
		if err != nil {
			return nil, fmt.Errorf("load contacts: %w", err)
		}
		a.contacts = contacts.NewResolver(book)
	}
	schemas := intent.DefaultRegistry()
	if cfg.Intent.SchemasFile != "" {
		loaded, err := intent.LoadSchemas(cfg.Intent.SchemasFile)
		if err != nil {
			return nil, fmt.Errorf("load intent schemas: %w", err)
		}
		for _, s := range loaded {
			if err := schemas.Register(s); err != nil {
				return nil, err
			}
		}
	}
	builder := intent.NewBuilder(intent.WithSchemas(schemas), intent.WithLogger(logger))

	provider, err := newProvider(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	guard := a.inputGuard()
	reasoner, err := a.buildReasoner(builder, provider, guard, metrics)
	if err != nil {
		return nil, err
	}
	analyzer, err := a.buildAnalyzer(provider, guard)
	if err != nil {
		return nil, err
	}

	engineOpts := []orchestrator.Option{
		orchestrator.WithReasoner(reasoner),
		orchestrator.WithWorkflowStore(a.workflows),
		orchestrator.WithMinConfidence(cfg.Dispatch.MinConfidence),
		orchestrator.WithLogger(telemetry.Component(logger, "engine")),
	}
	if a.contacts != nil {
		engineOpts = append(engineOpts, orchestrator.WithContactResolver(a.contacts))
	}
	if opts.confirmer != nil {
		engineOpts = append(engineOpts, orchestrator.WithConfirmer(opts.confirmer))
	}
	if a.audit != nil {
		engineOpts = append(engineOpts, orchestrator.WithChainOptions(chain.WithAuditHook(chain.AuditLogHook(a.audit, logger))))
	}
	a.engine, err = orchestrator.New(analyzer, builder, a.dispatcher, a.memory, engineOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) buildMemory() error {
	cfg := a.cfg.Memory
	opts := []memory.Option{
		memory.WithMaxEntries(cfg.MaxEntries),
		memory.WithTTL(cfg.TTL),
		memory.WithLogger(a.logger),
	}
	var restored []memory.Record
	if cfg.Journal != "" {
		j := memory.NewJournal(cfg.Journal)
		records, skipped, err := j.Load()
		if err != nil {
			a.logger.Warn("memory.journal.load.failed", slog.String("path", j.Path()), slog.String("error", err.Error()))
		}
		if skipped > 0 {
			a.logger.Warn("memory.journal.skipped", slog.String("path", j.Path()), slog.Int("lines", skipped))
		}
		restored = records
		opts = append(opts, memory.WithJournal(j))
	}
	a.memory = memory.New(opts...)
	if n := a.memory.Restore(restored); n > 0 {
		a.logger.Debug("memory.restored", slog.Int("records", n))
	}
	if err := a.memory.CompactJournal(); err != nil {
		a.logger.Warn("memory.journal.compact.failed", slog.String("error", err.Error()))
	}
	return nil
}

// openDB returns one pool per driver and DSN so stores sharing a database
// share the connection.
func (a *app) openDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	key := strings.ToLower(driver) + "|" + dsn
	if db, ok := a.dbs[key]; ok {
		return db, nil
	}
	db, err := storage.Open(ctx, driver, dsn, storage.Options{})
	if err != nil {
		return nil, err
	}
	a.dbs[key] = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *app) buildStores(ctx context.Context) error {
	switch strings.ToLower(a.cfg.Store.Driver) {
	case "", "memory":
		a.workflows = workflow.NewMemoryStore()
	default:
		db, err := a.openDB(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("open workflow store: %w", err)
		}
		store, err := workflow.NewSQLStore(db)
		if err != nil {
			return err
		}
		a.workflows = store
		a.health.Register("workflow_store", store.HealthCheck())
	}

	if !a.cfg.Audit.Enabled {
		return nil
	}
	switch strings.ToLower(a.cfg.Audit.Driver) {
	case "", "memory":
		a.audit = audit.NewMemoryLog()
	default:
		db, err := a.openDB(ctx, a.cfg.Audit.Driver, a.cfg.Audit.DSN)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		log, err := audit.NewSQLLog(db)
		if err != nil {
			return err
		}
		a.audit = log
		a.health.Register("audit_log", log.HealthCheck())
	}
	return nil
}

func (a *app) buildGuard(ctx context.Context, metrics *telemetry.DispatchMetrics) ([]dispatch.Option, error) {
	cfg := a.cfg.Guard
	logger := telemetry.Component(a.logger, "guard")

	policy, err := governance.NewPolicyStore(cfg.PolicyFile, logger)
	if err != nil {
		return nil, fmt.Errorf("load guard policy: %w", err)
	}
	a.policy = policy

	var (
		rdb      *redis.Client
		redisErr error
	)
	needRedis := cfg.RateLimiter == "redis" || cfg.Confirmations == "redis"
	if needRedis {
		client, err := governance.NewRedisClient(ctx, governance.RedisConfig{
			Address:  a.cfg.Redis.Address,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			redisErr = err
			logger.Warn("guard.redis.unavailable", slog.String("error", err.Error()))
		} else {
			rdb = client
			a.closers = append(a.closers, client.Close)
			a.health.Register("redis", core.HealthFunc(func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}))
		}
	}

	var limiter governance.RateLimiter = governance.NewMemoryRateLimiter(nil)
	if cfg.RateLimiter == "redis" && rdb != nil {
		limiter = governance.NewFallbackRateLimiter(governance.NewRedisRateLimiter(rdb), limiter, logger)
	}

	var store governance.ConfirmationStore
	switch cfg.Confirmations {
	case "", "memory":
		store = governance.NewMemoryConfirmationStore(cfg.ConfirmationTTL)
	case "sql":
		if a.cfg.Store.Driver == "" || a.cfg.Store.Driver == "memory" {
			return nil, fmt.Errorf("guard.confirmations=sql needs a sql store.driver")
		}
		db, err := a.openDB(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open confirmation store: %w", err)
		}
		sqlStore, err := governance.NewSQLConfirmationStore(db, cfg.ConfirmationTTL)
		if err != nil {
			return nil, err
		}
		a.health.Register("confirmation_store", sqlStore.HealthCheck())
		store = sqlStore
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("guard.confirmations=redis: %w", redisErr)
		}
		store = governance.NewRedisConfirmationStore(rdb, cfg.ConfirmationTTL)
	default:
		return nil, fmt.Errorf("unknown guard.confirmations %q", cfg.Confirmations)
	}

	notifiers := governance.MultiNotifier{governance.LogNotifier{Logger: logger}}
	if cfg.Notifier == "amqp" {
		n, err := governance.NewAMQPNotifier(governance.AMQPConfig{
			URL:     a.cfg.AMQP.URL,
			Queue:   a.cfg.AMQP.Queue,
			Durable: true,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, n.Close)
		notifiers = append(notifiers, n)
	}

	if expirer, ok := store.(governance.Expirer); ok {
		a.sweeper = governance.NewSweeper(cfg.SweepInterval, 5*time.Second, logger, expirer)
	}

	gate := governance.NewGate(
		governance.WithPolicySource(policy),
		governance.WithRateLimiter(limiter),
		governance.WithGateMetrics(metrics),
		governance.WithGateLogger(logger),
	)
	return []dispatch.Option{
		dispatch.WithGuard(gate),
		dispatch.WithConfirmations(store, notifiers),
	}, nil
}

func (a *app) buildSkills(ctx context.Context) (*skills.Registry, error) {
	registry, err := skills.NewRegistry()
	if err != nil {
		return nil, err
	}
	builtinOpts := []builtin.Option{
		builtin.WithDryRun(a.cfg.Skills.DryRun),
		builtin.WithBaseDir(a.cfg.Skills.BaseDir),
		builtin.WithOutbox(a.outbox),
		builtin.WithLogger(telemetry.Component(a.logger, "skills")),
	}

	var manifests []skills.Manifest
	if a.cfg.Skills.Dir != "" {
		manifests, err = skills.LoadDir(a.cfg.Skills.Dir)
		if err != nil {
			return nil, fmt.Errorf("load skills: %w", err)
		}
	}
	callers, err := a.connectMCP(ctx, manifests)
	if err != nil {
		return nil, err
	}
	unbound, err := mcp.Bind(registry, manifests, callers)
	if err != nil {
		return nil, err
	}
	var rest []skills.Manifest
	for _, m := range manifests {
		if contains(unbound, m.Name) {
			rest = append(rest, m)
		}
	}
	unbound, err = skills.Bind(registry, rest, builtin.Handlers(builtinOpts...))
	if err != nil {
		return nil, err
	}
	for _, name := range unbound {
		a.logger.Warn("skills.unbound", slog.String("skill", name))
	}

	// Built-in skills not overridden by a declared one.
	var defaults []skills.Manifest
	for _, m := range builtin.Manifests() {
		if !contains(registry.Names(), m.Name) {
			defaults = append(defaults, m)
		}
	}
	if _, err := skills.Bind(registry, defaults, builtin.Handlers(builtinOpts...)); err != nil {
		return nil, err
	}
	return registry, nil
}

// connectMCP connects the configured servers that some manifest refers to.
func (a *app) connectMCP(ctx context.Context, manifests []skills.Manifest) (map[string]mcp.ToolCaller, error) {
	callers := map[string]mcp.ToolCaller{}
	for _, m := range manifests {
		if m.Handler != mcp.HandlerName {
			continue
		}
		name := m.Metadata["server"]
		if _, done := callers[name]; done {
			continue
		}
		srv, ok := a.cfg.MCP.Servers[name]
		if !ok {
			a.logger.Warn("mcp.server.unknown", slog.String("skill", m.Name), slog.String("server", name))
			continue
		}
		opts := []mcp.ClientOption{mcp.WithTimeout(a.cfg.MCP.Timeout), mcp.WithRetry(a.cfg.MCP.Retries, 0)}
		var (
			client *mcp.Client
			err    error
		)
		if srv.Command != "" {
			client, err = mcp.DialStdio(ctx, srv.Command, srv.Env, srv.Args, opts...)
		} else {
			client, err = mcp.DialHTTP(ctx, srv.URL, opts...)
		}
		if err != nil {
			return nil, fmt.Errorf("connect mcp server %q: %w", name, err)
		}
		a.closers = append(a.closers, client.Close)
		callers[name] = client
	}
	return callers, nil
}

// inputGuard returns nil when screening is disabled; a nil guard allows all.
func (a *app) inputGuard() *guardrails.Guardrails {
	if !a.cfg.LLM.InputGuard {
		return nil
	}
	return guardrails.New(
		guardrails.WithPromptInjection(),
		guardrails.WithMaxLength(a.cfg.LLM.MaxInput),
	)
}

func (a *app) buildReasoner(builder *intent.Builder, provider llm.Provider, guard *guardrails.Guardrails, metrics *telemetry.DispatchMetrics) (*planner.Reasoner, error) {
	cfg := a.cfg.Planner
	var proposer planner.Proposer = planner.NewTemplateProposer()
	if cfg.Proposer == "llm" {
		if provider == nil {
			return nil, fmt.Errorf("planner.proposer=llm needs an llm.provider")
		}
		breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:             "planner",
			FailureThreshold: cfg.BreakerThreshold,
			Cooldown:         cfg.BreakerCooldown,
		})
		llmProposer, err := planner.NewLLMProposer(provider,
			planner.WithModel(a.cfg.LLM.Model),
			planner.WithTimeout(cfg.Timeout),
			planner.WithBreaker(breaker),
			planner.WithFallback(proposer),
			planner.WithMetrics(metrics),
			planner.WithInputGuard(guard),
			planner.WithLLMLogger(telemetry.Component(a.logger, "planner")),
		)
		if err != nil {
			return nil, err
		}
		proposer = llmProposer
	}
	opts := []planner.Option{planner.WithLogger(telemetry.Component(a.logger, "planner"))}
	if a.contacts != nil {
		opts = append(opts, planner.WithContactResolver(a.contacts))
	}
	return planner.NewReasoner(builder, proposer, opts...)
}

func (a *app) buildAnalyzer(provider llm.Provider, guard *guardrails.Guardrails) (nlu.Analyzer, error) {
	rules := nlu.NewRuleAnalyzer()
	if a.cfg.NLU.Analyzer != "llm" {
		return rules, nil
	}
	if provider == nil {
		return nil, fmt.Errorf("nlu.analyzer=llm needs an llm.provider")
	}
	return nlu.NewLLMAnalyzer(provider,
		nlu.WithAnalyzerModel(a.cfg.LLM.Model),
		nlu.WithAnalyzerTimeout(a.cfg.NLU.Timeout),
		nlu.WithAnalyzerFallback(rules),
		nlu.WithAnalyzerGuard(guard),
		nlu.WithAnalyzerLogger(telemetry.Component(a.logger, "nlu")),
	)
}

// newProvider returns nil for provider "none".
func newProvider(ctx context.Context, cfg config.LLMConfig) (llm.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "ollama":
		return llm.NewOllama(cfg.BaseURL, cfg.Model), nil
	case "gemini":
		return gemini.New(ctx, cfg.APIKey, gemini.WithModel(cfg.Model))
	case "mock":
		return &llm.MockProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown llm.provider %q", cfg.Provider)
	}
}

// background runs the policy and contacts watchers and the confirmation
// sweeper until the returned stop function is called.
func (a *app) background(ctx context.Context) (stop func() error) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	if a.policy != nil && a.cfg.Guard.PolicyFile != "" {
		g.Go(func() error { return a.policy.Watch(gctx, watchDebounce) })
	}
	if a.contacts != nil {
		path := a.cfg.Intent.ContactsFile
		g.Go(func() error {
			return config.WatchFiles(gctx, []string{path}, watchDebounce, a.logger, func(string) {
				book, err := contacts.LoadFile(path)
				if err != nil {
					a.logger.Warn("contacts.reload.failed", slog.String("error", err.Error()))
					return
				}
				a.contacts.Replace(book)
				a.logger.Info("contacts.reloaded", slog.Int("contacts", len(book)))
			})
		})
	}
	if a.sweeper != nil {
		a.sweeper.Start(gctx)
	}

	return func() error {
		cancel()
		if a.sweeper != nil {
			a.sweeper.Stop()
		}
		return g.Wait()
	}
}

func (a *app) close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
