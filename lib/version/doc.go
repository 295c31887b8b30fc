// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of the build farm
// binaries. Values are injected with -ldflags, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/buildfarm/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version
