// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildmaster

import (
	"errors"
	"net"

	"github.com/bureau-foundation/buildfarm/lib/behavior"
	"github.com/bureau-foundation/buildfarm/lib/buildd"
)

var (
	// ErrBuilderFailure reports a worker that failed in a way that
	// blames the builder rather than the build.
	ErrBuilderFailure = errors.New("builder failure")

	// ErrCancelTimedOut reports a cancelled build whose worker did not
	// abort within the cancel timeout.
	ErrCancelTimedOut = errors.New("cancellation timed out")
)

// knownFailure reports whether err is an expected worker-side failure,
// logged without its full chain.
func knownFailure(err error) bool {
	var protocolErr *buildd.ProtocolError
	var netErr net.Error
	return errors.As(err, &protocolErr) ||
		errors.As(err, &netErr) ||
		errors.Is(err, ErrBuilderFailure) ||
		errors.Is(err, ErrCancelTimedOut) ||
		errors.Is(err, behavior.ErrCannotBuild) ||
		errors.Is(err, buildd.ErrCannotResume)
}

// rootCause follows single-error wrapping to the innermost error.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
