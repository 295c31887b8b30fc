// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR encoding used on the wire between the
// build farm manager and its workers.
//
// Encoding uses Core Deterministic options, so the same request always
// produces the same bytes. Decoding into an untyped target produces
// map[string]any rather than CBOR's default map[any]any, since the
// protocol only uses string keys.
package codec
