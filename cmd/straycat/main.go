// Straycat is a hook-driven conversational agent runtime.
//
// It exposes an HTTP and WebSocket API for conversation, document
// ingestion, and plugin management, plus a CLI for one-shot questions
// and ingestion. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	straycat serve               Start the API server
//	straycat ask <question>      Ask a single question (for testing)
//	straycat ingest <file|url>   Feed a document to the rabbit hole
//	straycat version             Print version and build information
//	straycat -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/straycat-ai/straycat/internal/agent"
	"github.com/straycat-ai/straycat/internal/api"
	"github.com/straycat-ai/straycat/internal/buildinfo"
	"github.com/straycat-ai/straycat/internal/config"
	"github.com/straycat-ai/straycat/internal/embeddings"
	"github.com/straycat-ai/straycat/internal/events"
	"github.com/straycat-ai/straycat/internal/hooks"
	"github.com/straycat-ai/straycat/internal/llm"
	"github.com/straycat-ai/straycat/internal/memory"
	"github.com/straycat-ai/straycat/internal/pipeline"
	"github.com/straycat-ai/straycat/internal/plugins"
	"github.com/straycat-ai/straycat/internal/rabbithole"
	"github.com/straycat-ai/straycat/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run], so
// the full startup-to-shutdown lifecycle stays testable.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, and our surface is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
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
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: straycat ask <question>")
		}
		return runAsk(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "ingest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: straycat ingest <file|url>")
		}
		return runIngest(ctx, stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runtime is the wired-up instance shared by serve, ask, and ingest.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *memory.Store
	hooks    *hooks.Registry
	bus      *events.Bus
	host     *plugins.Host
	pipeline *pipeline.Pipeline
	hole     *rabbithole.RabbitHole
}

func (rt *runtime) Close() {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("close memory store", "error", err)
		}
	}
}

// boot loads configuration and wires every subsystem together.
func boot(stdout io.Writer, configPath string) (*runtime, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(stdout, level, cfg.LogFormat)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Info("no config file found, using defaults")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	embedder := embeddings.New(embeddings.Config{
		BaseURL: cfg.Embeddings.ResolvedBaseURL(cfg.LLM.BaseURL),
		Model:   cfg.Embeddings.Model,
	})

	store, err := memory.Open(filepath.Join(cfg.DataDir, "memory.db"), embedder, logger)
	if err != nil {
		return nil, err
	}

	reg := hooks.NewRegistry(logger)
	bus := events.NewBus(logger)
	reg.SetEventBus(bus)

	host := plugins.NewHost(logger, reg)
	if err := host.Discover(cfg.PluginsDir); err != nil {
		store.Close()
		return nil, err
	}
	for _, info := range host.List() {
		if err := host.Activate(info.ID); err != nil {
			logger.Warn("plugin activation failed", "id", info.ID, "error", err)
		}
	}

	toolReg := tools.NewRegistry()
	tools.RegisterMemoryTools(toolReg, store)
	if err := tools.SeedProceduralMemory(context.Background(), store, toolReg); err != nil {
		logger.Warn("procedural memory seeding failed", "error", err)
	}

	client := llm.NewOllamaClient(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Temperature)
	loop := agent.New(logger, client, reg, toolReg, bus, cfg.Agent.MaxToolCalls)

	pipe := pipeline.New(logger, reg, store, loop, bus, host.SettingsFunc(), pipeline.Options{
		RecallK:            cfg.Memory.RecallK,
		RecallVetoStopsAll: cfg.Memory.RecallVetoStopsAll,
		TurnTimeout:        cfg.Agent.TurnTimeout(),
	})

	hole := rabbithole.New(logger, reg, store, bus, host.SettingsFunc(), rabbithole.Options{
		ChunkSize:        cfg.RabbitHole.ChunkSize,
		ChunkOverlap:     cfg.RabbitHole.ChunkOverlap,
		QualityThreshold: cfg.RabbitHole.QualityThreshold,
	})

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		hooks:    reg,
		bus:      bus,
		host:     host,
		pipeline: pipe,
		hole:     hole,
	}, nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	rt, err := boot(stdout, configPath)
	defer func() {
		if rt != nil {
			rt.Close()
		}
	}()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	listen := fmt.Sprintf("%s:%d", rt.cfg.Listen.Address, rt.cfg.Listen.Port)
	server := api.NewServer(rt.logger, listen, rt.pipeline, rt.hole, rt.host, rt.store, rt.bus)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	rt.logger.Info("straycat ready", "version", buildinfo.Version, "listen", listen)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runAsk processes a single question through the full pipeline and
// prints the response.
func runAsk(ctx context.Context, stdout io.Writer, configPath, question string) error {
	rt, err := boot(io.Discard, configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	res := rt.pipeline.Run(ctx, hooks.Message{Text: question, SessionID: "cli"})
	switch res.Status {
	case pipeline.StatusRejected:
		return fmt.Errorf("message rejected: %s", res.Reason)
	default:
		fmt.Fprintln(stdout, res.Response.Text)
	}
	return nil
}

// runIngest feeds a local file or a URL to the rabbit hole.
func runIngest(ctx context.Context, stdout io.Writer, configPath, target string) error {
	rt, err := boot(io.Discard, configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	var res *rabbithole.Result
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		res = rt.hole.IngestURL(ctx, target)
	} else {
		res, err = rt.hole.IngestPath(ctx, target)
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(stdout, "%s: %s (stored %d, dropped %d, failed %d)\n",
		res.Source, res.Status, res.Stored, res.Dropped, res.Failed)
	if res.Reason != "" {
		fmt.Fprintf(stdout, "  reason: %s\n", res.Reason)
	}
	if res.Status == rabbithole.StatusFailed {
		return fmt.Errorf("ingestion failed")
	}
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// loadConfig finds and loads the config file. Running without any
// config file falls back to defaults.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "StrayCat - Hook-driven conversational agent runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: straycat [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the API server")
	fmt.Fprintln(w, "  ask <question>   Ask a single question (for testing)")
	fmt.Fprintln(w, "  ingest <target>  Feed a file or URL to the rabbit hole")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}
