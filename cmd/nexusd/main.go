// Command nexusd is the entry point for the Nexus orchestration
// daemon: it brings up the Bus Client, every Service Host, the
// Conversation Engine and its dependents, the Event Collectors, the
// Proactive Agent, and the operator dashboard, then blocks until a
// shutdown signal arrives. Structured the way the agent's cmd/thane
// brings up its own process (flag parsing, config load, component
// wiring, signal-driven graceful shutdown) but with subcommands
// trimmed to what this daemon needs: serve, ask, version.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/brackwood/nexus/internal/buildinfo"
	"github.com/brackwood/nexus/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
			return
		case "ask":
			if flag.NArg() < 2 {
				fmt.Fprintln(os.Stderr, "usage: nexusd ask <message>")
				os.Exit(1)
			}
			runAsk(logger, *configPath, flag.Args()[1:])
			return
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	fmt.Println("nexusd - Nexus orchestration daemon")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the daemon (bus, hosts, engine, dashboard)")
	fmt.Println("  ask       Submit a single message against an ephemeral session (for testing)")
	fmt.Println("  version   Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(logger *slog.Logger, explicit string) *config.Config {
	path, err := config.FindConfig(explicit)
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "path", path)
	return cfg
}

func reconfigureLogger(logger *slog.Logger, level string) *slog.Logger {
	if level == "" {
		return logger
	}
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		logger.Error("invalid log_level in config", "error", err)
		os.Exit(1)
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// runAsk loads just enough of the stack (bus, context store, planner,
// orchestrator, engine) to submit one message and print the result,
// without standing up collectors, the proactive agent, or the
// dashboard. Useful for smoke-testing a config against a live bus.
func runAsk(logger *slog.Logger, configPath string, args []string) {
	message := args[0]
	for _, a := range args[1:] {
		message += " " + a
	}

	cfg := loadConfig(logger, configPath)
	logger = reconfigureLogger(logger, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build app", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	result, err := app.Engine.Submit(ctx, "cli-test@local:cli", message)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(result.Explanation)
	if result.State == "await_approval" {
		fmt.Println("(plan awaits approval; run again with an interactive surface to confirm)")
	}
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting nexusd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg := loadConfig(logger, configPath)
	logger = reconfigureLogger(logger, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build app", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	app.StartBackground(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("nexusd ready", "listen_port", cfg.Listen.Port)
	if err := app.ServeHTTP(ctx); err != nil && ctx.Err() == nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("nexusd stopped")
}
