// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
	"github.com/bureau-foundation/buildfarm/lib/config"
)

// Resumer resets a virtual builder to a known good state.
type Resumer interface {
	Resume(ctx context.Context, builder buildfarm.Builder) error
}

// CommandResumer runs a configured command to reset a builder's VM.
// ${vm_host} and ${buildd_name} in the template are replaced per
// builder; the result is split on whitespace and run without a shell.
type CommandResumer struct {
	Template string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Resume implements Resumer. An empty Template disables resuming and
// Resume succeeds without running anything. Every failure wraps
// ErrCannotResume.
func (r *CommandResumer) Resume(ctx context.Context, builder buildfarm.Builder) error {
	if !builder.Virtualized {
		return fmt.Errorf("%w: builder %s is not virtualized", ErrCannotResume, builder.Name)
	}
	if builder.VMHost == "" {
		return fmt.Errorf("%w: builder %s has no vm_host", ErrCannotResume, builder.Name)
	}
	if r.Template == "" {
		r.Logger.Debug("resuming disabled, no vm_resume_command", "builder", builder.Name)
		return nil
	}

	expanded := config.ExpandVars(r.Template, map[string]string{
		"vm_host":     builder.VMHost,
		"buildd_name": builder.Name,
	})
	argv := strings.Fields(expanded)
	if len(argv) == 0 {
		return fmt.Errorf("%w: vm_resume_command is empty after expansion", ErrCannotResume)
	}

	r.Logger.Info("resuming builder", "builder", builder.Name, "url", builder.URL, "vm_host", builder.VMHost)

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, argv[0], argv[1:]...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("%w: resuming %s failed (%v):\nOUT:\n%s\nERR:\n%s",
			ErrCannotResume, builder.Name, err, stdout.String(), stderr.String())
	}
	return nil
}
