// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		raw     string
		want    Address
		wantErr bool
	}{
		{raw: "unix:///run/buildd.sock", want: Address{Network: "unix", Target: "/run/buildd.sock"}},
		{raw: "tcp://bob.example:8221", want: Address{Network: "tcp", Target: "bob.example:8221"}},
		{raw: "http://bob.example:8221", wantErr: true},
		{raw: "tcp://", wantErr: true},
		{raw: "unix://", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.raw, func(t *testing.T) {
			got, err := ParseAddress(test.raw)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseAddress(%q) = %+v, want error", test.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q): %v", test.raw, err)
			}
			if got != test.want {
				t.Errorf("ParseAddress(%q) = %+v, want %+v", test.raw, got, test.want)
			}
		})
	}
}

// startServer serves worker on a Unix socket and returns a client for it.
func startServer(t *testing.T, worker Worker) *Client {
	t.Helper()
	socket := filepath.Join(testutil.SocketDir(t), "buildd.sock")
	listener, err := Listen(Address{Network: "unix", Target: socket})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewServer(worker, discardLogger()).Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "server did not stop")
	})

	client, err := NewClient("unix://"+socket, 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestClientServerRoundTrip(t *testing.T) {
	fake := clock.Fake(epoch)
	simulator := NewSimulator(SimulatorConfig{
		Processor:     "amd64",
		BuildDuration: time.Minute,
		AbortDuration: 5 * time.Second,
		Version:       "test",
	}, fake)
	client := startServer(t, simulator)
	ctx := context.Background()

	echoed, err := client.Echo(ctx, "ping", "pong")
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if !slices.Equal(echoed, []string{"ping", "pong"}) {
		t.Errorf("Echo = %v, want [ping pong]", echoed)
	}

	info, err := client.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Processor != "amd64" || info.Version != "test" {
		t.Errorf("Info = %+v", info)
	}

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Builder != BuilderIdle {
		t.Fatalf("initial status = %s, want IDLE", status.Builder)
	}

	request := BuildRequest{
		Cookie:  "PACKAGEBUILD-7-abcdef",
		JobType: "PACKAGEBUILD",
		Args:    map[string]any{"simulate_result": "PACKAGEFAIL", "simulate_duration_seconds": 30},
	}
	if err := client.Build(ctx, request); err != nil {
		t.Fatalf("Build: %v", err)
	}

	status, err = client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Builder != BuilderBuilding || status.Cookie() != request.Cookie {
		t.Fatalf("status after build = %+v", status)
	}

	// A second build while busy is rejected with a protocol error.
	err = client.Build(ctx, request)
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("Build while busy: got %v, want *ProtocolError", err)
	}
	if protocolErr.Action != "build" {
		t.Errorf("ProtocolError.Action = %q, want build", protocolErr.Action)
	}

	fake.Advance(30 * time.Second)
	status, err = client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Builder != BuilderWaiting || status.Build != BuildPackageFail {
		t.Fatalf("status after duration = %+v, want WAITING/PACKAGEFAIL", status)
	}

	if err := client.Clean(ctx); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	status, err = client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Builder != BuilderIdle {
		t.Errorf("status after clean = %s, want IDLE", status.Builder)
	}
}

func TestClientOverTCP(t *testing.T) {
	listener, err := Listen(Address{Network: "tcp", Target: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewServer(NewSimulator(SimulatorConfig{}, clock.Fake(epoch)), discardLogger()).Serve(ctx, listener)
	}()
	defer func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "server did not stop")
	}()

	client, err := NewClient("tcp://"+listener.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	echoed, err := client.Echo(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if !slices.Equal(echoed, []string{"ping"}) {
		t.Errorf("Echo = %v", echoed)
	}
}

func TestClientUnreachable(t *testing.T) {
	socket := filepath.Join(testutil.SocketDir(t), "missing.sock")
	client, err := NewClient("unix://"+socket, time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Status(context.Background()); err == nil {
		t.Fatal("Status against a missing socket succeeded")
	}
}

func TestClientFactoryTimeouts(t *testing.T) {
	factory := ClientFactory{SocketTimeout: 40 * time.Second, VirtualizedSocketTimeout: 30 * time.Second}

	worker, err := factory.Worker(buildfarm.Builder{Name: "bob", URL: "tcp://bob:8221"})
	if err != nil {
		t.Fatalf("Worker: %v", err)
	}
	if got := worker.(*Client).timeout; got != 40*time.Second {
		t.Errorf("non-virtual timeout = %v, want 40s", got)
	}

	worker, err = factory.Worker(buildfarm.Builder{Name: "frog", URL: "tcp://frog:8221", Virtualized: true})
	if err != nil {
		t.Fatalf("Worker: %v", err)
	}
	if got := worker.(*Client).timeout; got != 30*time.Second {
		t.Errorf("virtual timeout = %v, want 30s", got)
	}

	if _, err := factory.Worker(buildfarm.Builder{Name: "broken", URL: "ftp://x"}); err == nil {
		t.Error("Worker accepted an unsupported URL scheme")
	}
}

func TestSimulatorAbort(t *testing.T) {
	fake := clock.Fake(epoch)
	simulator := NewSimulator(SimulatorConfig{BuildDuration: time.Hour, AbortDuration: 10 * time.Second}, fake)
	ctx := context.Background()

	if err := simulator.Abort(ctx); err == nil {
		t.Fatal("Abort on an idle simulator succeeded")
	}
	if err := simulator.Build(ctx, BuildRequest{Cookie: "c"}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	fake.Advance(3 * time.Second)
	status, _ := simulator.Status(ctx)
	if !strings.Contains(status.LogTail, "step 2") {
		t.Errorf("logtail after 3s = %q, want step 2", status.LogTail)
	}

	if err := simulator.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	status, _ = simulator.Status(ctx)
	if status.Builder != BuilderAborting {
		t.Fatalf("status after abort = %s, want ABORTING", status.Builder)
	}
	if err := simulator.Clean(ctx); err == nil {
		t.Fatal("Clean while aborting succeeded")
	}

	fake.Advance(10 * time.Second)
	status, _ = simulator.Status(ctx)
	if status.Builder != BuilderWaiting || status.Build != BuildAborted {
		t.Fatalf("status after abort delay = %+v, want WAITING/ABORTED", status)
	}
}

func TestCommandResumer(t *testing.T) {
	builder := buildfarm.Builder{Name: "frog", URL: "tcp://frog:8221", Virtualized: true, VMHost: "frog-host"}
	ctx := context.Background()

	resumer := &CommandResumer{Template: "true ${vm_host} ${buildd_name}", Timeout: 5 * time.Second, Logger: discardLogger()}
	if err := resumer.Resume(ctx, builder); err != nil {
		t.Fatalf("Resume with true: %v", err)
	}

	resumer.Template = "false ${vm_host}"
	if err := resumer.Resume(ctx, builder); !errors.Is(err, ErrCannotResume) {
		t.Fatalf("Resume with false: got %v, want ErrCannotResume", err)
	}

	resumer.Template = "true"
	nonVirtual := builder
	nonVirtual.Virtualized = false
	if err := resumer.Resume(ctx, nonVirtual); !errors.Is(err, ErrCannotResume) {
		t.Errorf("Resume on non-virtual builder: got %v, want ErrCannotResume", err)
	}
	noHost := builder
	noHost.VMHost = ""
	if err := resumer.Resume(ctx, noHost); !errors.Is(err, ErrCannotResume) {
		t.Errorf("Resume without vm_host: got %v, want ErrCannotResume", err)
	}

	disabled := &CommandResumer{Timeout: 5 * time.Second, Logger: discardLogger()}
	if err := disabled.Resume(ctx, builder); err != nil {
		t.Errorf("Resume with no command configured: %v", err)
	}
}
