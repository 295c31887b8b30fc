// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// buildd-manager dispatches queued build jobs to the build farm. It
// runs one scanner per builder plus a watcher that starts scanners for
// builders as they appear in the store or the registry file.
//
// Configuration comes from --config or BUILDFARM_CONFIG.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/buildfarm/lib/buildd"
	"github.com/bureau-foundation/buildfarm/lib/buildmaster"
	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/config"
	"github.com/bureau-foundation/buildfarm/lib/farmstore"
	"github.com/bureau-foundation/buildfarm/lib/logtail"
	"github.com/bureau-foundation/buildfarm/lib/process"
	"github.com/bureau-foundation/buildfarm/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath, logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("buildd-manager", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to buildfarm.yaml (default: $BUILDFARM_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "", "override logging.level")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("buildd-manager")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	compression, err := logtail.ParseCodec(cfg.LogTail.Compression)
	if err != nil {
		return err
	}

	clk := clock.Real()
	store, err := farmstore.Open(farmstore.Config{
		Path:        cfg.Database.Path,
		PoolSize:    cfg.Database.PoolSize,
		Compression: compression,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	manager, err := buildmaster.NewManager(buildmaster.Config{
		Store: store,
		Workers: buildd.ClientFactory{
			SocketTimeout:            cfg.Worker.SocketTimeout,
			VirtualizedSocketTimeout: cfg.Worker.VirtualizedSocketTimeout,
		},
		Resumer: &buildd.CommandResumer{
			Template: cfg.Worker.VMResumeCommand,
			Timeout:  cfg.Worker.ResumeTimeout,
			Logger:   logger,
		},
		Scheduler: cfg.Scheduler,
		Registry:  cfg.Registry,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return err
	}
	logger.Info("buildd-manager running",
		"database", cfg.Database.Path,
		"registry", cfg.Registry.Path,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return manager.Stop()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	default:
		return nil, fmt.Errorf("logging.format: unknown format %q", cfg.Format)
	}
}
