package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/inconshreveable/log15"

	"nimrs/internal/config"
	"nimrs/internal/logging"
)

var version = "dev"

func main() {
	var configPath string
	var printConfig bool
	flag.StringVar(&configPath, "config", "", "Path to YAML config (defaults to the simulated motor)")
	flag.BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
			os.Exit(2)
		}
	}
	if printConfig {
		spew.Fdump(os.Stdout, cfg)
		return
	}

	logs, logCloser, err := logging.Setup(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(2)
	}
	defer logCloser.Close()

	log := log15.New("pkg", "main")
	log.Info("nimrs starting", "version", version, "config", configPath, "backend", cfg.HAL.Backend)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(cfg, logs)
	if err != nil {
		log.Crit("startup failed", "err", err)
		logCloser.Close()
		os.Exit(1)
	}
	if err := rt.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stopped with error", "err", err)
		rt.close()
		logCloser.Close()
		os.Exit(1)
	}
	rt.close()
	log.Info("nimrs stopped")
}
