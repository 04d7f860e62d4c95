package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"portbridge/internal/app"
	"portbridge/internal/shared/config"
	"portbridge/internal/shared/logger"
)

func main() {
	configPath := flag.String("config", "configs/portbridge.ini", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadIni(*configPath)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appServer := app.New(cfg)
	if err := appServer.Run(ctx); err != nil {
		logger.Error().Err(err).Msgf("Exited with error")
		os.Exit(1)
	}
}
