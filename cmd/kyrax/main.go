package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jllopis/kyrax/pkg/config"
	"github.com/jllopis/kyrax/pkg/telemetry"
)

var version = "dev"

type globalFlags struct {
	ConfigArgs []string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

// cli carries the parsed flags, configuration and streams of one invocation.
type cli struct {
	flags  globalFlags
	cfg    *config.Config
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	styles styles
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global, rest, err := parseGlobalFlags(args)
	if err != nil {
		wrapError(err).PrintError(stderr, global.JSON)
		return 2
	}
	if global.Help || len(rest) == 0 || rest[0] == "help" {
		printUsage(stdout)
		return 0
	}
	if rest[0] == "version" {
		printVersion(stdout)
		return 0
	}

	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		wrapError(err).PrintError(stderr, global.JSON)
		return 1
	}
	logger := telemetry.ConfigureSlog(stderr, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := telemetry.InitWithConfig("kyrax", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		Writer:       stderr,
	})
	if err != nil {
		wrapError(err).PrintError(stderr, global.JSON)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("telemetry.shutdown.failed", slog.String("error", err.Error()))
		}
	}()

	c := &cli{
		flags:  global,
		cfg:    cfg,
		logger: logger,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		styles: newStyles(stdout),
	}
	if err := c.dispatch(ctx, rest); err != nil {
		wrapError(err).PrintError(stderr, global.JSON)
		return 1
	}
	return 0
}

func (c *cli) dispatch(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return c.runRun(ctx, rest)
	case "plan":
		return c.runPlan(ctx, rest)
	case "repl":
		return c.runRepl(ctx, rest)
	case "confirm":
		return c.runConfirm(ctx, rest)
	case "workflows":
		return c.runWorkflows(ctx, rest)
	case "audit":
		return c.runAudit(ctx, rest)
	case "mcp":
		return c.runMCP(ctx, rest)
	case "health":
		return c.runHealth(ctx, rest)
	default:
		return NewUsageError(fmt.Sprintf("unknown command %q; run 'kyrax help'", cmd))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{Timeout: 30 * time.Second}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config" || arg == "--profile" || arg == "--env" || arg == "--set":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for %s", arg)
			}
			flags.ConfigArgs = append(flags.ConfigArgs, arg, args[i+1])
			i++
		case strings.HasPrefix(arg, "--config="), strings.HasPrefix(arg, "--profile="),
			strings.HasPrefix(arg, "--env="), strings.HasPrefix(arg, "--set="):
			flags.ConfigArgs = append(flags.ConfigArgs, arg)
		case arg == "--timeout":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --timeout")
			}
			value, err := time.ParseDuration(args[i+1])
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
			i++
		case strings.HasPrefix(arg, "--timeout="):
			value, err := time.ParseDuration(strings.TrimPrefix(arg, "--timeout="))
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "kyrax %s\n", version)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: kyrax [global flags] <command> [args]

Commands:
  run [--confirm] <text>           Understand and run a request
  run --file <plan.yaml>           Validate and run a plan file
  plan [--export yaml|json] <goal> Propose and validate a plan without running it
  repl                             Interactive session with inline confirmation
  confirm list                     List commands waiting for confirmation
  confirm yes|no <token>           Approve or decline a held command
  workflows list [--state s]       List persisted runs
  workflows show|resume|cancel <id>
  audit list [--run id] [--type t] [--limit n]
  audit verify                     Check the audit hash chain
  mcp serve                        Serve the engine as MCP tools on stdio
  health                           Check stores, Redis and the audit log
  version                          Print the version

Global flags:
  --config <path>     Configuration file (YAML)
  --profile <name>    Overlay <config>.<name>.yaml
  --set key=value     Override a configuration key (repeatable)
  --timeout <dur>     Bound one-shot commands (default 30s)
  --json              Print JSON
`)
}
