// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/farmstore"
	"github.com/bureau-foundation/buildfarm/lib/testutil"
)

const sample = `{
  // Native builder.
  "builders": [
    {"name": "bob", "url": "tcp://bob.farm:8221", "processor": "amd64"},
    /* Virtual builder with a resettable VM. */
    {"name": "frog", "url": "unix:///run/frog.sock", "processor": "arm64",
     "virtualized": true, "vm_host": "frog-host",},
  ],
}`

func TestParse(t *testing.T) {
	entries, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	want := Entry{Name: "frog", URL: "unix:///run/frog.sock", Processor: "arm64", Virtualized: true, VMHost: "frog-host"}
	if entries[1] != want {
		t.Errorf("entries[1] = %+v, want %+v", entries[1], want)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "malformed", data: `{"builders": [`, wantErr: "parsing"},
		{name: "missing name", data: `{"builders": [{"url": "tcp://a:1"}]}`, wantErr: "no name"},
		{name: "duplicate", data: `{"builders": [{"name": "a", "url": "tcp://a:1"}, {"name": "a", "url": "tcp://b:1"}]}`, wantErr: "duplicate"},
		{name: "bad url", data: `{"builders": [{"name": "a", "url": "http://a"}]}`, wantErr: "unsupported scheme"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.data))
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Parse error = %v, want containing %q", err, test.wantErr)
			}
		})
	}
}

type recordingUpserter struct {
	specs []farmstore.BuilderSpec
}

func (r *recordingUpserter) UpsertBuilder(ctx context.Context, spec farmstore.BuilderSpec) (int64, error) {
	r.specs = append(r.specs, spec)
	return int64(len(r.specs)), nil
}

func TestLoadAndSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builders.jsonc")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	upserter := &recordingUpserter{}
	if err := Sync(context.Background(), upserter, entries); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(upserter.specs) != 2 {
		t.Fatalf("upserted %d builders, want 2", len(upserter.specs))
	}
	if spec := upserter.specs[1]; spec.Name != "frog" || !spec.Virtualized || spec.VMHost != "frog-host" {
		t.Errorf("second spec = %+v", spec)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.jsonc")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

func TestWatcherNotifiesOnWrite(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "builders.jsonc")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	watcher, err := NewWatcher(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notify := make(chan struct{}, 1)
	go watcher.Run(ctx, notify)

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(directory, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(sample+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	testutil.RequireReceive(t, notify, 5*time.Second, "no notification after registry write")
}
