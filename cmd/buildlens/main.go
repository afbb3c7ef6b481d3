// Package main provides the buildlens binary entry point.
// Buildlens is a construction-document analysis service: an autonomous
// manager loop that classifies each user message, plans a worker
// pipeline, and drives it from document intake to a priced estimate.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/structhub/buildlens/llm/providers"

	"github.com/spf13/cobra"
	"github.com/structhub/buildlens/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "buildlens"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "buildlens",
		Short: "Construction document analysis service",
		Long: `Buildlens analyzes construction documents and produces estimates.

An autonomous manager classifies each message, plans a pipeline of
specialist workers (file reading, trade mapping, scoping, takeoff,
estimating, QA, export), and streams progress to clients over SSE.

Sessions and events replicate to NATS JetStream for durability.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, addr, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, addr, logLevel string) error {
	printBanner()

	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app := NewApp(cfg, configPath, logger)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		return err
	}

	logger.Info("Buildlens ready",
		"version", Version,
		"addr", cfg.Server.Addr)

	select {
	case <-signalCtx.Done():
		logger.Info("Received shutdown signal")
	case err := <-app.ServeErr():
		return fmt.Errorf("http server: %w", err)
	}

	app.Shutdown(30 * time.Second)
	logger.Info("Buildlens shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║           Buildlens v" + Version + "                   ║")
	fmt.Println("║   Construction Document Analysis Service      ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

// loadConfig reads the config file when one is given, expanding ${VAR}
// references before parsing. Without a flag the layered loader resolves
// user config, project config, and environment overrides.
func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath == "" {
		return config.NewLoader(logger).Load()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.Expand(string(data), os.Getenv)

	return config.LoadFromBytes([]byte(expanded))
}
