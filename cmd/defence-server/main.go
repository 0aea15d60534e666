// Command defence-server runs the hash engine, license ledger and threat
// monitor behind the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/darshitp091/Defence-Engine/internal/app"
	"github.com/darshitp091/Defence-Engine/internal/config"
	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
	"github.com/darshitp091/Defence-Engine/pkg/contracts"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to defence.yaml lookup)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(contracts.GetFullVersionString())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Paths().EnsureDirectories(); err != nil {
		slog.Error("Failed to create required directories", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to initialize logger", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer infrastructure.CloseLogFile()

	ctx := context.Background()
	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		infrastructure.CloseLogFile()
		os.Exit(1)
	}
}
