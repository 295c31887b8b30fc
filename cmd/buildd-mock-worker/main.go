// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// buildd-mock-worker serves the worker protocol backed by a simulated
// builder. Builds succeed after --build-duration unless the request
// asks for another result, which makes it usable for exercising a
// manager without real builders.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/buildfarm/lib/buildd"
	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/process"
	"github.com/bureau-foundation/buildfarm/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var listen, processor string
	var buildDuration, abortDuration time.Duration
	var showVersion bool

	flagSet := pflag.NewFlagSet("buildd-mock-worker", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", "unix:///tmp/buildd-mock.sock", "worker address (unix:///path or tcp://host:port)")
	flagSet.StringVar(&processor, "processor", "amd64", "processor reported by info")
	flagSet.DurationVar(&buildDuration, "build-duration", 30*time.Second, "how long a simulated build takes")
	flagSet.DurationVar(&abortDuration, "abort-duration", 2*time.Second, "how long a simulated abort takes")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("buildd-mock-worker")
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	address, err := buildd.ParseAddress(listen)
	if err != nil {
		return err
	}
	listener, err := buildd.Listen(address)
	if err != nil {
		return err
	}

	simulator := buildd.NewSimulator(buildd.SimulatorConfig{
		Processor:     processor,
		BuildDuration: buildDuration,
		AbortDuration: abortDuration,
		Version:       version.Info(),
	}, clock.Real())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("mock worker listening", "address", address.String(), "processor", processor)
	err = buildd.NewServer(simulator, logger).Serve(ctx, listener)
	logger.Info("mock worker stopped")
	return err
}
