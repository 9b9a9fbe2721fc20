package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"proxydeck/internal/app"
	"proxydeck/internal/shared/config"
	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "proxydeck.ini")

	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	appServer, err := app.New(cfg, *configDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to assemble the server.")
	}
	if err := appServer.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start the server.")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	appServer.Stop()
}
