// Package main is the kioku CLI entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/memory"
	"github.com/hyperjump/kioku/internal/metrics"
	"github.com/hyperjump/kioku/internal/server"
	"github.com/hyperjump/kioku/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kioku/config.yaml"
	defaultServerURL  = "http://localhost:8090"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "init":
		runInit()
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "search":
		runSearch()
	case "classify":
		runClassify()
	case "trends":
		runTrends()
	case "delete":
		runDelete()
	case "export":
		runExport()
	case "status":
		runStatus()
	case "validate":
		runValidate()
	case "reindex":
		runReindex()
	case "version", "--version", "-v":
		fmt.Printf("kioku version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	svc, err := memory.Open(ctx, cfg, logger, memory.WithMetrics(m))
	if err != nil {
		logger.Fatal("Failed to initialize memory store", zap.Error(err))
	}
	defer svc.Close()

	ingester := ingest.NewIngester(svc, svc.Storage(), logger, ingest.WithResultHook(m.Ingested))
	inbox := ingest.NewInbox(
		cfg.Ingest.Directories,
		cfg.Ingest.Extensions,
		cfg.Ingest.RecursiveOrDefault(),
		ingester.Handle,
		ingest.WithInboxLogger(logger),
	)
	if len(cfg.Ingest.Directories) > 0 {
		if err := inbox.Start(ctx, true); err != nil {
			logger.Fatal("Failed to start inbox", zap.Error(err))
		}
		defer inbox.Stop()
	}

	srv := server.NewServer(svc, ingester, inbox, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("Server stopped", zap.Error(err))
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

func runInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file to write")
	provider := fs.String("provider", config.ProviderONNX, "embedding provider: onnx, openai or mock")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(os.Args[2:])

	if _, err := os.Stat(*configPath); err == nil && !*force {
		fatalf("%s already exists; pass --force to overwrite", *configPath)
	}
	cfg := &config.Config{}
	cfg.Embedding.Provider = *provider
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid config: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(*configPath), 0755); err != nil {
		fatalf("Failed to create config dir: %v", err)
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Wrote %s\n", *configPath)
}

// openDirect opens the store in-process for commands run without a server.
func openDirect(configPath string) (*memory.Service, *config.Config, func()) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	logger, err := utils.NewCLILogger(cfg.Debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	svc, err := memory.Open(context.Background(), cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	return svc, cfg, func() {
		if err := svc.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
		_ = logger.Sync()
	}
}

func parseFormat(s string, allowed ...cli.OutputFormat) cli.OutputFormat {
	if len(allowed) == 0 {
		allowed = []cli.OutputFormat{cli.OutputText, cli.OutputJSON}
	}
	for _, f := range allowed {
		if cli.OutputFormat(s) == f {
			return f
		}
	}
	names := make([]string, len(allowed))
	for i, f := range allowed {
		names[i] = string(f)
	}
	fatalf("Unknown output format %q; use %s", s, strings.Join(names, ", "))
	return ""
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Print(`kioku - analysis memory store

Usage:
  kioku <command> [flags] [args]

Commands:
  init                   Write a config file with default settings
  server                 Run the HTTP API and watch the ingest inbox
  ingest <path>...       Store producer result files (directories are walked)
  search <query>         Search stored runs (--errors searches individual errors)
  classify <file>        Label a run's errors recurring, new or resolved against history
  trends                 Error and quality trends for a codebase (--codebase)
  delete <id>...         Delete runs together with their vectors
  export <id>            Write a run snapshot as JSON
  status                 Record counts, index sizes and disk usage
  validate               Check vector indices against the record store (--repair fixes orphans)
  reindex                Embed runs and errors that have no vector (--force re-embeds all)
  version                Print version
  help                   Show this help

Query and maintenance commands talk to the server at --server (default ` + defaultServerURL + `).
Pass --server "" to open the store directly; stop the server first. ingest opens the store
directly unless --server is given.
`)
}
