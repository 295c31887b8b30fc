// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the build
// farm manager.
//
// Configuration is loaded from a single file named by either the
// BUILDFARM_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no automatic file search.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches. Production without an explicit section
// switches logging to JSON at info level.
//
// Scheduler policy (poll intervals, the cancellation timeout, the
// failure escalation thresholds, estimator constants) lives here rather
// than in the packages that apply it. The defaults are the values the
// build farm has historically run with; none of them is load-bearing.
//
// ${HOME}, ${BUILDFARM_STATE} and ${VAR:-default} are expanded in path
// fields after loading. The VM resume command is a template expanded
// per builder with [ExpandVars] and is left untouched by loading.
package config
