// Package cmd contains the CLI entry points. main.go stays a minimal shim;
// all initialization, flag handling, and command routing lives here.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "0.1.0"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// Execute is the main entry point for the kestrel CLI.
func Execute() error {
	command := "chat"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "version", "--version", "-v":
		printVersionInfo()
		return nil
	case "help", "--help", "-h":
		printHelp()
		return nil
	}

	logger := initLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()
	switch command {
	case "chat":
		return runChat(ctx, cfg, logger)
	case "migrate":
		return runMigrate(cfg, logger)
	case "ingest":
		return runIngest(ctx, cfg, logger, os.Args[2:])
	default:
		printHelp()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// initLogger builds the structured logger. DEBUG=1 enables debug level.
// Logs go to stderr so stdout stays clean for chat output.
func initLogger() log.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level})
}

func printVersionInfo() {
	fmt.Printf("kestrel v%s\n", AppVersion)
	fmt.Printf("Build: %s\n", BuildTime)
	fmt.Printf("Commit: %s\n", GitCommit)
}

func printHelp() {
	fmt.Println("kestrel - customer support agent core")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kestrel [chat]         Start an interactive support conversation (default)")
	fmt.Println("  kestrel migrate        Apply database migrations")
	fmt.Println("  kestrel ingest <file>  Index a text file into the knowledge base")
	fmt.Println("  kestrel version        Show version information")
	fmt.Println("  kestrel help           Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  KESTREL_GEMINI_API_KEY  Required: Gemini API key")
	fmt.Println("  KESTREL_USER_ID         Optional: user namespace for chat/ingest (default: local)")
	fmt.Println("  DATABASE_URL            Optional: overrides the postgres_* settings")
	fmt.Println("  DEBUG                   Optional: enable debug logging")
}
