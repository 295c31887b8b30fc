// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/clock"
)

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	// Processor is reported by Info.
	Processor string

	// BuildDuration is how long a build takes unless the request's
	// args carry "simulate_duration_seconds".
	BuildDuration time.Duration

	// AbortDuration is how long an abort takes to land.
	AbortDuration time.Duration

	// Version is reported by Info.
	Version string
}

// Simulator is a Worker that pretends to build. Builds finish after a
// fixed duration measured on the injected clock. The result is OK
// unless the request's args carry "simulate_result" with a build
// status name.
type Simulator struct {
	config SimulatorConfig
	clock  clock.Clock

	mu          sync.Mutex
	state       BuilderStatus
	cookie      string
	result      BuildStatus
	started     time.Time
	duration    time.Duration
	abortedAt   time.Time
	pendingDone BuildStatus
}

// NewSimulator returns an idle simulator.
func NewSimulator(config SimulatorConfig, clk clock.Clock) *Simulator {
	return &Simulator{config: config, clock: clk, state: BuilderIdle}
}

// advance moves time-driven transitions forward. Callers hold mu.
func (s *Simulator) advance() {
	now := s.clock.Now()
	switch s.state {
	case BuilderBuilding:
		if !now.Before(s.started.Add(s.duration)) {
			s.state = BuilderWaiting
			s.result = s.pendingDone
		}
	case BuilderAborting:
		if !now.Before(s.abortedAt.Add(s.config.AbortDuration)) {
			s.state = BuilderWaiting
			s.result = BuildAborted
		}
	}
}

// Status implements Worker.
func (s *Simulator) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()

	status := Status{Builder: s.state}
	switch s.state {
	case BuilderBuilding:
		status.BuildID = s.cookie
		status.LogTail = s.logTail()
	case BuilderAborting:
		status.BuildID = s.cookie
	case BuilderWaiting:
		status.BuildID = s.cookie
		status.Build = s.result
	}
	return status, nil
}

// logTail fabricates a log proportional to build progress.
func (s *Simulator) logTail() string {
	elapsed := s.clock.Now().Sub(s.started)
	var builder strings.Builder
	fmt.Fprintf(&builder, "Building %s\n", s.cookie)
	steps := int(elapsed / time.Second)
	for step := max(0, steps-20); step < steps; step++ {
		fmt.Fprintf(&builder, "[%ds] step %d\n", step, step)
	}
	return builder.String()
}

// Build implements Worker.
func (s *Simulator) Build(ctx context.Context, request BuildRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()

	if s.state != BuilderIdle {
		return fmt.Errorf("builder is %s, not IDLE", s.state)
	}

	duration := s.config.BuildDuration
	if seconds, ok := intArg(request.Args, "simulate_duration_seconds"); ok {
		duration = time.Duration(seconds) * time.Second
	}
	result := BuildOK
	if name, ok := request.Args["simulate_result"].(string); ok && name != "" {
		result = BuildStatus(name)
	}

	s.state = BuilderBuilding
	s.cookie = request.Cookie
	s.started = s.clock.Now()
	s.duration = duration
	s.pendingDone = result
	s.result = ""
	return nil
}

// Abort implements Worker. Aborting a build that already ended is a
// no-op.
func (s *Simulator) Abort(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()

	switch s.state {
	case BuilderAborting, BuilderWaiting:
		return nil
	case BuilderIdle:
		return fmt.Errorf("builder is %s, nothing to abort", s.state)
	}
	s.state = BuilderAborting
	s.abortedAt = s.clock.Now()
	s.advance()
	return nil
}

// Clean implements Worker.
func (s *Simulator) Clean(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()

	if s.state != BuilderWaiting {
		return fmt.Errorf("builder is %s, not WAITING", s.state)
	}
	s.state = BuilderIdle
	s.cookie = ""
	s.result = ""
	return nil
}

// Echo implements Worker.
func (s *Simulator) Echo(ctx context.Context, args ...string) ([]string, error) {
	return args, nil
}

// Info implements Worker.
func (s *Simulator) Info(ctx context.Context) (Info, error) {
	return Info{
		Version:   s.config.Version,
		Processor: s.config.Processor,
		JobTypes:  []string{"PACKAGEBUILD", "RECIPEBRANCHBUILD", "TRANSLATIONTEMPLATESBUILD"},
	}, nil
}

// intArg reads an integer argument. CBOR decodes non-negative integers
// as uint64 and negative ones as int64.
func intArg(args map[string]any, key string) (int64, bool) {
	switch value := args[key].(type) {
	case int64:
		return value, true
	case uint64:
		return int64(value), true
	case int:
		return int64(value), true
	}
	return 0, false
}
