// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildd

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/buildfarm/lib/codec"
)

// BuilderStatus is the worker state machine state.
type BuilderStatus string

const (
	BuilderIdle     BuilderStatus = "IDLE"
	BuilderBuilding BuilderStatus = "BUILDING"
	BuilderAborting BuilderStatus = "ABORTING"
	BuilderWaiting  BuilderStatus = "WAITING"
)

// BuildStatus is the result a WAITING worker holds.
type BuildStatus string

const (
	BuildOK          BuildStatus = "OK"
	BuildPackageFail BuildStatus = "PACKAGEFAIL"
	BuildDepFail     BuildStatus = "DEPFAIL"
	BuildChrootFail  BuildStatus = "CHROOTFAIL"
	BuildBuilderFail BuildStatus = "BUILDERFAIL"
	BuildGivenBack   BuildStatus = "GIVENBACK"
	BuildAborted     BuildStatus = "ABORTED"
)

// Status is a worker's answer to the status action.
type Status struct {
	Builder BuilderStatus `cbor:"builder_status"`

	// BuildID is the cookie of the held job. Empty when IDLE.
	BuildID string `cbor:"build_id,omitempty"`

	// Build is the result, set when WAITING.
	Build BuildStatus `cbor:"build_status,omitempty"`

	// LogTail is the end of the build log, set when BUILDING.
	LogTail string `cbor:"logtail,omitempty"`
}

// Cookie returns the cookie of the job the worker holds, or "" when it
// holds none.
func (s Status) Cookie() string {
	switch s.Builder {
	case BuilderBuilding, BuilderAborting, BuilderWaiting:
		return s.BuildID
	}
	return ""
}

// BuildRequest starts a build.
type BuildRequest struct {
	// Cookie identifies the job; the worker reports it back in Status.
	Cookie  string         `cbor:"build_id"`
	JobType string         `cbor:"job_type"`
	Args    map[string]any `cbor:"args,omitempty"`
}

// Info describes a worker.
type Info struct {
	Version   string   `cbor:"version"`
	Processor string   `cbor:"processor,omitempty"`
	JobTypes  []string `cbor:"job_types,omitempty"`
}

// Worker is the build manager's view of one build daemon.
type Worker interface {
	Status(ctx context.Context) (Status, error)
	Build(ctx context.Context, request BuildRequest) error
	Abort(ctx context.Context) error
	Clean(ctx context.Context) error
	Echo(ctx context.Context, args ...string) ([]string, error)
	Info(ctx context.Context) (Info, error)
}

// ErrCannotResume is returned when a virtual worker could not be
// reset.
var ErrCannotResume = errors.New("cannot resume builder")

// ProtocolError is returned when the worker answered a request with
// ok=false.
type ProtocolError struct {
	Action  string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("worker refused %q: %s", e.Action, e.Message)
}

// Response is the envelope of every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

const (
	actionStatus = "status"
	actionBuild  = "build"
	actionAbort  = "abort"
	actionClean  = "clean"
	actionEcho   = "echo"
	actionInfo   = "info"
)

// maxMessageSize bounds one request or response. Log tails dominate
// and are far smaller.
const maxMessageSize = 1024 * 1024
