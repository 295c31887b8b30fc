// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/buildfarm/lib/buildd"
	"github.com/bureau-foundation/buildfarm/lib/farmstore"
)

// Entry is one builder in the registry file.
type Entry struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Processor   string `json:"processor"`
	Virtualized bool   `json:"virtualized"`
	VMHost      string `json:"vm_host"`
}

type file struct {
	Builders []Entry `json:"builders"`
}

// Parse strips JSONC comments and trailing commas from data and decodes
// the builder list. Names must be unique and URLs must be worker
// addresses.
func Parse(data []byte) ([]Entry, error) {
	var content file
	if err := json.Unmarshal(jsonc.ToJSON(data), &content); err != nil {
		return nil, fmt.Errorf("parsing builder registry: %w", err)
	}

	seen := make(map[string]bool, len(content.Builders))
	for index, entry := range content.Builders {
		if entry.Name == "" {
			return nil, fmt.Errorf("builder registry: entry %d has no name", index)
		}
		if seen[entry.Name] {
			return nil, fmt.Errorf("builder registry: duplicate builder %q", entry.Name)
		}
		seen[entry.Name] = true
		if _, err := buildd.ParseAddress(entry.URL); err != nil {
			return nil, fmt.Errorf("builder registry: builder %q: %w", entry.Name, err)
		}
	}
	return content.Builders, nil
}

// Load reads and parses the registry file at path.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading builder registry: %w", err)
	}
	entries, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// Upserter stores builder attributes. *farmstore.Store implements it.
type Upserter interface {
	UpsertBuilder(ctx context.Context, spec farmstore.BuilderSpec) (int64, error)
}

// Sync writes every entry into store. Builders missing from the
// registry are left in place.
func Sync(ctx context.Context, store Upserter, entries []Entry) error {
	for _, entry := range entries {
		_, err := store.UpsertBuilder(ctx, farmstore.BuilderSpec{
			Name:        entry.Name,
			URL:         entry.URL,
			Processor:   entry.Processor,
			Virtualized: entry.Virtualized,
			VMHost:      entry.VMHost,
		})
		if err != nil {
			return fmt.Errorf("syncing builder %s: %w", entry.Name, err)
		}
	}
	return nil
}
