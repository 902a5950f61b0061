// Cinder is an edge-node runtime orchestrator.
//
// It layers YAML configuration from repo defaults and a writable vault,
// runs a fixed set of bootstrap agents against the merged bundle, and
// exposes an operator command surface through an interactive REPL and
// an optional HTTP API. Configuration problems are reported as
// diagnostics, never as crashes: a node with a broken vault still
// answers /status.
//
// Usage:
//
//	cinder run               Bootstrap agents, then start the REPL
//	cinder bootstrap         Run the bootstrap agents once and exit
//	cinder serve             Bootstrap, then start the HTTP API server
//	cinder init [dir]        Initialize a vault directory
//	cinder version           Print version and build information
//	cinder -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cinderd/cinder/internal/agents"
	"github.com/cinderd/cinder/internal/api"
	"github.com/cinderd/cinder/internal/buildinfo"
	"github.com/cinderd/cinder/internal/command"
	"github.com/cinderd/cinder/internal/commands"
	"github.com/cinderd/cinder/internal/config"
	"github.com/cinderd/cinder/internal/events"
	"github.com/cinderd/cinder/internal/history"
	"github.com/cinderd/cinder/internal/render"
	"github.com/cinderd/cinder/internal/telemetry"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Stdin, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the cinder command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - stdin feeds the REPL in "run" mode.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) is responsible for printing the error
// and exiting.
func run(ctx context.Context, stdout, stderr io.Writer, stdin io.Reader, args []string) error {
	var repoDir string
	var vaultDir string
	var logLevel string
	var outputFmt string // "text" (default) or "json"
	var cmd string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-repo" && i+1 < len(args):
			repoDir = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-repo="):
			repoDir = strings.TrimPrefix(args[i], "-repo=")
		case args[i] == "-vault" && i+1 < len(args):
			vaultDir = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-vault="):
			vaultDir = strings.TrimPrefix(args[i], "-vault=")
		case args[i] == "-log" && i+1 < len(args):
			logLevel = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log="):
			logLevel = strings.TrimPrefix(args[i], "-log=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && cmd == "":
			cmd = args[i]
		default:
			if cmd != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if repoDir == "" {
		repoDir = "config"
	}
	if vaultDir == "" {
		vaultDir = config.ResolveVaultDir()
	}
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch cmd {
	case "run":
		return runNode(ctx, stdout, stderr, stdin, repoDir, vaultDir, logLevel)
	case "bootstrap":
		return runBootstrap(ctx, stdout, repoDir, vaultDir, logLevel)
	case "serve":
		return runServe(ctx, stdout, repoDir, vaultDir, logLevel)
	case "init":
		dir := vaultDir
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// cinder is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Cinder - Edge Node Runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: cinder [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Bootstrap agents, then start the interactive REPL")
	fmt.Fprintln(w, "  bootstrap    Run the bootstrap agents once and exit")
	fmt.Fprintln(w, "  serve        Bootstrap, then start the HTTP API server")
	fmt.Fprintln(w, "  init [dir]   Initialize a vault directory (default: $VAULT_DIR or /vault)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -repo <dir>       Repo default config directory (default: ./config)")
	fmt.Fprintln(w, "  -vault <dir>      Vault directory (default: $VAULT_DIR or /vault)")
	fmt.Fprintln(w, "  -log <level>      Override logging.level (trace, debug, info, warn, error)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// node bundles everything a running cinder process shares between the
// REPL, the API server, and the telemetry publisher. The bundle
// pointer is swapped atomically on reload; everything else is wired
// once at startup.
type node struct {
	mu     sync.RWMutex
	bundle *config.Bundle

	repoDir  string
	vaultDir string
	logger   *slog.Logger
	bus      *events.Bus
	registry *agents.Registry
	router   *command.Router
	store    *history.Store
}

// newNode loads the configuration bundle and wires the registry,
// router, history store, and event bus. Wiring errors (duplicate
// registration) are fatal; configuration errors are not — the node
// comes up with an invalid bundle and reports it.
func newNode(stdout io.Writer, repoDir, vaultDir, logLevel string) (*node, error) {
	bundle := config.Load(repoDir, vaultDir)
	logger := newLogger(stdout, bundle, logLevel)

	bus := events.New()
	bus.Publish(events.Event{
		Source: events.SourceConfig,
		Kind:   events.KindConfigLoaded,
		Data: map[string]any{
			"readiness": string(bundle.Readiness),
			"sources":   len(bundle.Sources),
		},
	})

	// The audit store lives in the vault. A missing or read-only vault
	// must not stop the node, so failures downgrade to in-memory-less
	// operation (the store tolerates a nil receiver).
	var store *history.Store
	dbPath := filepath.Join(vaultDir, "state", "history.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		logger.Warn("history store unavailable", "path", dbPath, "error", err)
	} else if s, err := history.NewStore(dbPath); err != nil {
		logger.Warn("history store unavailable", "path", dbPath, "error", err)
	} else {
		store = s
	}

	registry := agents.NewRegistry(logger, bus)
	if err := agents.RegisterBuiltins(registry, repoDir); err != nil {
		return nil, fmt.Errorf("register agents: %w", err)
	}

	router := command.NewRouter(logger, bus, store)
	deps := commands.Deps{Agents: registry, History: store, RepoDir: repoDir}
	if err := commands.Register(router, deps); err != nil {
		return nil, fmt.Errorf("register commands: %w", err)
	}

	return &node{
		bundle:   bundle,
		repoDir:  repoDir,
		vaultDir: vaultDir,
		logger:   logger,
		bus:      bus,
		registry: registry,
		router:   router,
		store:    store,
	}, nil
}

// Bundle returns the current configuration bundle.
func (n *node) Bundle() *config.Bundle {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bundle
}

// Reload re-layers the configuration from disk and swaps the bundle.
// The previous agent state does not carry over; agents re-run against
// the new bundle on the next trigger.
func (n *node) Reload() (*config.Bundle, error) {
	fresh := config.Load(n.repoDir, n.vaultDir)
	n.mu.Lock()
	n.bundle = fresh
	n.mu.Unlock()
	n.bus.Publish(events.Event{
		Source: events.SourceConfig,
		Kind:   events.KindConfigLoaded,
		Data:   map[string]any{"readiness": string(fresh.Readiness)},
	})
	return fresh, nil
}

// Context builds a command context around the current bundle.
func (n *node) Context(ctx context.Context) *command.Context {
	return &command.Context{
		Ctx:    ctx,
		Bundle: n.Bundle(),
		Origin: command.OriginInteractive,
		Router: n.router,
		Reload: n.Reload,
	}
}

func (n *node) Close() {
	if n.store != nil {
		n.store.Close()
	}
}

// bootstrap runs the bootstrap-trigger agents and prints a one-line
// summary per agent plus the resulting readiness.
func (n *node) bootstrap(ctx context.Context, w io.Writer) {
	b := n.Bundle()
	n.logger.Info("bootstrap starting",
		"node", b.String("runtime.name", "cinder-node"),
		"readiness", string(b.Readiness),
		"vault", b.VaultDir,
	)

	results := n.registry.Run(ctx, agents.TriggerBootstrap, b)
	for _, r := range results {
		fmt.Fprintf(w, "  %-18s %-10s %s\n", r.Name, render.Status(r.Result.Status), r.Result.Detail)
	}
	fmt.Fprintf(w, "Bootstrap complete: %s, configuration %s\n",
		render.Count(len(results), "agent"), render.Readiness(b.Readiness))
}

// runBootstrap handles "cinder bootstrap": one agent pass, then exit.
// Agent failures are reported, not returned — a degraded node is still
// a booted node.
func runBootstrap(ctx context.Context, stdout io.Writer, repoDir, vaultDir, logLevel string) error {
	n, err := newNode(stdout, repoDir, vaultDir, logLevel)
	if err != nil {
		return err
	}
	defer n.Close()

	n.bootstrap(ctx, stdout)
	return nil
}

// runNode handles "cinder run": bootstrap, start telemetry when
// configured, then hand the terminal to the REPL until EOF or exit.
func runNode(ctx context.Context, stdout, stderr io.Writer, stdin io.Reader, repoDir, vaultDir, logLevel string) error {
	n, err := newNode(stdout, repoDir, vaultDir, logLevel)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n.bootstrap(ctx, stdout)
	stopTelemetry := startTelemetry(ctx, n)
	defer stopTelemetry()

	return runREPL(ctx, stdout, stderr, stdin, n)
}

// runServe handles "cinder serve": bootstrap, then serve the HTTP API
// until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, repoDir, vaultDir, logLevel string) error {
	n, err := newNode(stdout, repoDir, vaultDir, logLevel)
	if err != nil {
		return err
	}
	defer n.Close()

	b := n.Bundle()
	if !b.Bool("api.enabled", false) {
		return fmt.Errorf("api.enabled is false; enable it with: cinder run, then /config set api.enabled true")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n.bootstrap(ctx, stdout)
	stopTelemetry := startTelemetry(ctx, n)
	defer stopTelemetry()

	host := api.Host{
		BundleFunc: n.Bundle,
		NewContext: func() *command.Context { return n.Context(context.Background()) },
		Router:     n.router,
		Bus:        n.bus,
	}
	server := api.NewServer(b.String("api.listen", "127.0.0.1:8787"), b.String("api.token_hash", ""), host, n.logger)

	go func() {
		<-ctx.Done()
		n.logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("api server failed: %w", err)
		}
	}
	n.logger.Info("cinder stopped")
	return nil
}

// telemetrySource adapts the node to [telemetry.Source] so the
// publisher never touches the registry or bundle lock directly.
type telemetrySource struct {
	n *node
}

func (t *telemetrySource) Uptime() time.Duration { return buildinfo.Uptime() }
func (t *telemetrySource) Version() string       { return buildinfo.Version }
func (t *telemetrySource) Readiness() config.Readiness {
	return t.n.Bundle().Readiness
}
func (t *telemetrySource) AgentState() map[string]config.AgentResult {
	return t.n.Bundle().AgentState()
}

// startTelemetry launches the MQTT publisher when telemetry is
// enabled and a broker is configured. The returned stop function
// publishes the offline availability message; it is a no-op when
// telemetry never started.
func startTelemetry(ctx context.Context, n *node) func() {
	b := n.Bundle()
	if !b.Bool("telemetry.enabled", false) {
		return func() {}
	}
	settings := telemetry.SettingsFromBundle(b)
	if settings.Broker == "" {
		n.logger.Warn("telemetry enabled but telemetry.broker is unset")
		return func() {}
	}

	pub := telemetry.New(settings, &telemetrySource{n: n}, n.logger)
	go func() {
		if err := pub.Start(ctx); err != nil {
			n.logger.Error("telemetry publisher failed", "error", err)
		}
	}()
	n.logger.Info("telemetry publishing enabled",
		"broker", settings.Broker,
		"device", settings.DeviceID,
		"interval", settings.Interval,
	)

	return func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := pub.Stop(stopCtx); err != nil {
			n.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
}
