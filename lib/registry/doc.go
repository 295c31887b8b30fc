// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry reads the builder registry: a JSONC file listing
// every builder with its static attributes.
//
//	{
//	  "builders": [
//	    // Native amd64 builder.
//	    {"name": "bob", "url": "tcp://bob.farm:8221", "processor": "amd64"},
//	    {"name": "frog", "url": "tcp://frog.farm:8221", "processor": "amd64",
//	     "virtualized": true, "vm_host": "frog-host"},
//	  ],
//	}
//
// [Sync] upserts the entries into the store. Only static attributes are
// written; health, manual mode and failure counters belong to the
// scheduler. A [Watcher] reports edits so the fleet can be refreshed
// without waiting for the next interval.
package registry
