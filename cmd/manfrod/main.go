// Manfrod is a conversational agent runtime.
//
// It owns a single serialized conversation loop fed by pluggable
// channels (MQTT, WebSocket chat), calls language models through an
// ordered fallback chain with retry and backoff, executes tools
// sequentially, and journals every message so unanswered requests are
// replayed after a crash. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	manfrod serve            Start the agent
//	manfrod init [dir]       Write a commented default config
//	manfrod ask <question>   Ask a single question (for testing)
//	manfrod version          Print version and build information
//	manfrod -o json version  Output version information as JSON
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
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kosciak9/manfrod/examples"
	"github.com/kosciak9/manfrod/internal/agent"
	"github.com/kosciak9/manfrod/internal/buildinfo"
	"github.com/kosciak9/manfrod/internal/channel"
	"github.com/kosciak9/manfrod/internal/config"
	"github.com/kosciak9/manfrod/internal/events"
	"github.com/kosciak9/manfrod/internal/llm"
	"github.com/kosciak9/manfrod/internal/retrieval"
	"github.com/kosciak9/manfrod/internal/scheduler"
	"github.com/kosciak9/manfrod/internal/storage"
	"github.com/kosciak9/manfrod/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the manfrod command. Arguments are
// parsed by hand: the flag package relies on package-level globals
// (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests, and the argument surface is small enough
// that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: manfrod ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
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

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Manfrod - Conversational Agent Runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: manfrod [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the agent")
	fmt.Fprintln(w, "  init [dir]   Write a commented default config (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/manfrod/config.yaml, /etc/manfrod/config.yaml")
	return nil
}

// newLogger builds the process logger. Trace-level output renders as
// "TRACE" instead of slog's default "DEBUG-4".
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig discovers and loads the config file, returning the config
// and the path it was loaded from.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// buildGenerator constructs the provider clients and the failover chain
// from config. Candidates whose provider has no configured client are
// skipped at call time with a warning, so a missing API key disables a
// candidate rather than the whole agent.
func buildGenerator(cfg *config.Config, bus *events.Bus, logger *slog.Logger) *llm.Failover {
	clients := make(map[string]llm.Client)
	if cfg.Providers.Anthropic.APIKey != "" {
		clients["anthropic"] = llm.NewAnthropicClient(cfg.Providers.Anthropic.APIKey, logger)
	}
	if cfg.Providers.OpenAI.APIKey != "" || cfg.Providers.OpenAI.BaseURL != "" {
		clients["openai"] = llm.NewOpenAIClient(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, logger)
	}

	chain := make([]llm.Candidate, 0, len(cfg.Models.Chain))
	for _, c := range cfg.Models.Chain {
		chain = append(chain, llm.Candidate{Provider: c.Provider, Model: c.Model, Tier: c.Tier})
	}

	return llm.NewFailover(clients, chain, cfg.Models.Retries,
		cfg.Models.BackoffBase(), cfg.Models.CallTimeout(), bus, logger)
}

// buildTools assembles the tool registry from config.
func buildTools(cfg *config.Config, store *storage.Store) *tools.Registry {
	shellCfg := tools.DefaultShellExecConfig()
	shellCfg.Enabled = cfg.ShellExec.Enabled
	shellCfg.WorkingDir = cfg.ShellExec.WorkingDir
	if len(cfg.ShellExec.DeniedPatterns) > 0 {
		shellCfg.DeniedCmds = cfg.ShellExec.DeniedPatterns
	}
	if len(cfg.ShellExec.AllowedPrefixes) > 0 {
		shellCfg.AllowedCmds = cfg.ShellExec.AllowedPrefixes
	}
	if cfg.ShellExec.DefaultTimeoutSec > 0 {
		shellCfg.DefaultTimeout = time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second
	}

	return tools.NewRegistry(store, tools.NewShellExec(shellCfg), tools.NewFetcher())
}

// runServe is the primary operating mode: load config, open the
// database, build the failover chain and tool registry, start the
// channel adapters and the scheduler, replay any unanswered messages
// from before the last shutdown, and block until a signal arrives.
//
// Shutdown sequence:
//  1. SIGINT or SIGTERM cancels the context
//  2. Channel adapters stop accepting traffic
//  3. The scheduler stops
//  4. The controller loop drains and exits
//  5. The database closes
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Manfrod", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "candidates", len(cfg.Models.Chain))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "manfrod.db")
	store, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("database opened", "path", dbPath)

	bus := events.New()
	generator := buildGenerator(cfg, bus, logger)
	registry := buildTools(cfg, store)
	retriever := retrieval.New(store, 0, logger)
	mux := channel.NewMux(logger)

	ctrl := agent.New(cfg.Agent, agent.Deps{
		Store:     store,
		Retriever: retriever,
		Generator: generator,
		Tools:     registry,
		Responder: mux,
		Bus:       bus,
		Logger:    logger,
	})

	// Replay unanswered messages from before the last shutdown. They are
	// folded into the conversation behind a recovery notice before any
	// new traffic is accepted.
	if err := ctrl.RecoverUnclosed(); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}

	// --- Channel adapters ---
	instanceID := instanceID()

	if cfg.MQTT.Enabled {
		mq := channel.NewMQTT(cfg.MQTT, instanceID, ctrl.Enqueue, logger)
		if err := mq.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt channel: %w", err)
		}
		mux.Register(mq)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mq.Stop(stopCtx); err != nil {
				logger.Warn("mqtt shutdown", "error", err)
			}
		}()
	}

	if cfg.Web.Enabled {
		web := channel.NewWeb(cfg.Web, ctrl.Enqueue, logger)
		if err := web.Start(ctx); err != nil {
			return fmt.Errorf("start web channel: %w", err)
		}
		mux.Register(web)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := web.Stop(stopCtx); err != nil {
				logger.Warn("web shutdown", "error", err)
			}
		}()
	}

	// --- Reminder scheduler ---
	// Due reminders re-enter the agent as internal requests; the model
	// decides how (and whether) to surface them on a channel.
	sched := scheduler.New(store, func(ctx context.Context, r storage.Reminder) error {
		ctrl.Enqueue(agent.Request{
			Content: "Reminder due: " + r.Message,
			Source:  "scheduler",
		})
		return nil
	}, bus, logger, 0)
	sched.Start(ctx)
	defer sched.Stop()

	go ctrl.Run(ctx)

	logger.Info("Manfrod is up",
		"mqtt", cfg.MQTT.Enabled,
		"web", cfg.Web.Enabled,
		"tools", len(registry.Defs()),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	ctrl.Wait()
	return nil
}

// runAsk boots a minimal agent against an in-memory database and
// processes a single question, printing the reply to stdout. Useful for
// smoke tests and debugging without starting channels.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn)
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Nothing to persist for a one-shot question.
	store, err := storage.Open(":memory:")
	if err != nil {
		return fmt.Errorf("open in-memory database: %w", err)
	}
	defer store.Close()

	bus := events.New()
	responder := &cliResponder{out: stdout, progress: stderr, done: make(chan struct{})}

	ctrl := agent.New(cfg.Agent, agent.Deps{
		Store:     store,
		Retriever: retrieval.New(store, 0, logger),
		Generator: buildGenerator(cfg, bus, logger),
		Tools:     buildTools(cfg, store),
		Responder: responder,
		Bus:       bus,
		Logger:    logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ctrl.Run(runCtx)

	ctrl.Enqueue(agent.Request{Content: question, Source: "cli", ReplyTo: "ask"})

	select {
	case <-responder.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cliResponder prints the first delivered reply to stdout and signals
// completion. Working pulses render as dots on stderr so the user can
// see retries and fallbacks happening.
type cliResponder struct {
	out      io.Writer
	progress io.Writer
	done     chan struct{}
	closed   bool
}

func (r *cliResponder) Deliver(ctx context.Context, ectx agent.EventContext, text string) error {
	fmt.Fprintln(r.out, text)
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	return nil
}

func (r *cliResponder) Working(ctx context.Context, ectx agent.EventContext) {
	fmt.Fprint(r.progress, ".")
}

// runInit writes a commented starter config into dir, refusing to
// overwrite an existing one.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "Wrote %s - edit it and run: manfrod -config %s serve\n", path, path)
	return nil
}

func instanceID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
