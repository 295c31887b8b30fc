// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package farmstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/logtail"
	"github.com/bureau-foundation/buildfarm/lib/queue"
	"github.com/bureau-foundation/buildfarm/lib/sqlitepool"
)

var (
	// ErrNotFound is returned when a named builder or queue entry does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrJobTaken is returned when assigning a job that another
	// builder took or that is no longer waiting.
	ErrJobTaken = errors.New("job is no longer waiting")
)

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the database file. Its directory must exist.
	Path string

	// PoolSize is the number of connections. Zero picks the pool
	// default.
	PoolSize int

	// Compression is the codec for stored log tails.
	Compression logtail.Codec

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is the SQLite-backed job and builder store. It is safe for
// concurrent use.
type Store struct {
	pool        *sqlitepool.Pool
	clock       clock.Clock
	logger      *slog.Logger
	compression logtail.Codec
}

// Open opens the database at cfg.Path, creating the schema if needed.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("farmstore: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("farmstore: Logger is required")
	}
	compression := cfg.Compression
	if compression == "" {
		compression = logtail.None
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("farmstore: %w", err)
	}

	return &Store{
		pool:        pool,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		compression: compression,
	}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// read runs fn on a pooled connection outside any transaction.
func (s *Store) read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("farmstore: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// Update runs fn inside one IMMEDIATE transaction. The transaction
// commits if fn returns nil and rolls back otherwise, including when
// fn panics.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("farmstore: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("farmstore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(&Tx{conn: conn, store: s})
}

// Builder returns the builder called name.
func (s *Store) Builder(ctx context.Context, name string) (buildfarm.Builder, error) {
	var builder buildfarm.Builder
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		builder, err = loadBuilder(conn, "r.name = ?", name)
		return err
	})
	return builder, err
}

// Builders returns every builder ordered by name.
func (s *Store) Builders(ctx context.Context) ([]buildfarm.Builder, error) {
	var builders []buildfarm.Builder
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT "+builderColumns+" FROM builders r ORDER BY r.name", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				builders = append(builders, scanBuilder(stmt, 0))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("farmstore: listing builders: %w", err)
	}
	return builders, nil
}

// Vitals returns the builder called name with its assigned job.
func (s *Store) Vitals(ctx context.Context, name string) (buildfarm.Vitals, error) {
	var (
		vitals buildfarm.Vitals
		found  bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, vitalsQuery+" WHERE r.name = ?", &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				vitals = scanVitals(stmt)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return vitals, fmt.Errorf("farmstore: vitals for %s: %w", name, err)
	}
	if !found {
		return vitals, fmt.Errorf("farmstore: builder %s: %w", name, ErrNotFound)
	}
	return vitals, nil
}

// AllVitals returns every builder with its assigned job, in one query.
func (s *Store) AllVitals(ctx context.Context) ([]buildfarm.Vitals, error) {
	var all []buildfarm.Vitals
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, vitalsQuery+" ORDER BY r.name", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				all = append(all, scanVitals(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("farmstore: listing vitals: %w", err)
	}
	return all, nil
}

// vitalsQuery joins every builder to its queue entry, if any.
const vitalsQuery = "SELECT " + builderColumns + ", " + jobColumns + `
	FROM builders r
	LEFT JOIN build_queue q ON q.builder_id = r.id
	LEFT JOIN builds b ON b.id = q.build_id`

// Job returns the queue entry with the given id.
func (s *Store) Job(ctx context.Context, id int64) (buildfarm.Job, error) {
	var job buildfarm.Job
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		job, err = loadJob(conn, id)
		return err
	})
	return job, err
}

// Jobs returns every queue entry in dispatch order.
func (s *Store) Jobs(ctx context.Context) ([]buildfarm.Job, error) {
	var jobs []buildfarm.Job
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		jobs, err = listJobs(conn)
		return err
	})
	return jobs, err
}

// Fleet loads the estimator input: all builders and queue entries.
func (s *Store) Fleet(ctx context.Context) (queue.Fleet, error) {
	var fleet queue.Fleet
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "SELECT "+builderColumns+" FROM builders r ORDER BY r.id", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				fleet.Builders = append(fleet.Builders, scanBuilder(stmt, 0))
				return nil
			},
		})
		if err != nil {
			return err
		}
		fleet.Jobs, err = listJobs(conn)
		return err
	})
	if err != nil {
		return fleet, fmt.Errorf("farmstore: loading fleet: %w", err)
	}
	return fleet, nil
}

// Build returns the status and failure count of a build. It is readable
// after the queue entry is gone.
func (s *Store) Build(ctx context.Context, buildID int64) (buildfarm.BuildStatus, int, error) {
	var (
		status       buildfarm.BuildStatus
		failureCount int
		found        bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT status, failure_count FROM builds WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{buildID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status = buildfarm.BuildStatus(stmt.ColumnText(0))
				failureCount = stmt.ColumnInt(1)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return "", 0, fmt.Errorf("farmstore: build %d: %w", buildID, err)
	}
	if !found {
		return "", 0, fmt.Errorf("farmstore: build %d: %w", buildID, ErrNotFound)
	}
	return status, failureCount, nil
}

// LogTail returns the decoded log tail of a queue entry.
func (s *Store) LogTail(ctx context.Context, jobID int64) (string, error) {
	var (
		encoded logtail.Encoded
		found   bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT logtail, logtail_codec, logtail_size FROM build_queue WHERE id = ?",
			&sqlitex.ExecOptions{
				Args: []any{jobID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					if stmt.ColumnIsNull(0) {
						return nil
					}
					encoded.Data = make([]byte, stmt.ColumnLen(0))
					stmt.ColumnBytes(0, encoded.Data)
					encoded.Codec = logtail.Codec(stmt.ColumnText(1))
					encoded.Size = stmt.ColumnInt(2)
					return nil
				},
			})
	})
	if err != nil {
		return "", fmt.Errorf("farmstore: log tail of job %d: %w", jobID, err)
	}
	if !found {
		return "", fmt.Errorf("farmstore: job %d: %w", jobID, ErrNotFound)
	}
	return logtail.Decode(encoded)
}

func loadBuilder(conn *sqlite.Conn, where string, arg any) (buildfarm.Builder, error) {
	var (
		builder buildfarm.Builder
		found   bool
	)
	err := sqlitex.Execute(conn, "SELECT "+builderColumns+" FROM builders r WHERE "+where, &sqlitex.ExecOptions{
		Args: []any{arg},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			builder = scanBuilder(stmt, 0)
			found = true
			return nil
		},
	})
	if err != nil {
		return builder, fmt.Errorf("farmstore: loading builder %v: %w", arg, err)
	}
	if !found {
		return builder, fmt.Errorf("farmstore: builder %v: %w", arg, ErrNotFound)
	}
	return builder, nil
}

func loadJob(conn *sqlite.Conn, id int64) (buildfarm.Job, error) {
	var (
		job   buildfarm.Job
		found bool
	)
	err := sqlitex.Execute(conn, "SELECT "+jobColumns+" FROM build_queue q JOIN builds b ON b.id = q.build_id WHERE q.id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			job = scanJob(stmt, 0)
			found = true
			return nil
		},
	})
	if err != nil {
		return job, fmt.Errorf("farmstore: loading job %d: %w", id, err)
	}
	if !found {
		return job, fmt.Errorf("farmstore: job %d: %w", id, ErrNotFound)
	}
	return job, nil
}

func listJobs(conn *sqlite.Conn) ([]buildfarm.Job, error) {
	var jobs []buildfarm.Job
	err := sqlitex.Execute(conn, "SELECT "+jobColumns+" FROM build_queue q JOIN builds b ON b.id = q.build_id ORDER BY q.lastscore DESC, q.id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			jobs = append(jobs, scanJob(stmt, 0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("farmstore: listing jobs: %w", err)
	}
	return jobs, nil
}

func scanBuilder(stmt *sqlite.Stmt, offset int) buildfarm.Builder {
	return buildfarm.Builder{
		ID:           stmt.ColumnInt64(offset),
		Name:         stmt.ColumnText(offset + 1),
		URL:          stmt.ColumnText(offset + 2),
		Processor:    stmt.ColumnText(offset + 3),
		Virtualized:  stmt.ColumnInt64(offset+4) != 0,
		VMHost:       stmt.ColumnText(offset + 5),
		OK:           stmt.ColumnInt64(offset+6) != 0,
		Manual:       stmt.ColumnInt64(offset+7) != 0,
		FailureCount: stmt.ColumnInt(offset + 8),
		FailNotes:    stmt.ColumnText(offset + 9),
	}
}

const builderColumnCount = 10

func scanVitals(stmt *sqlite.Stmt) buildfarm.Vitals {
	vitals := buildfarm.Vitals{Builder: scanBuilder(stmt, 0)}
	if !stmt.ColumnIsNull(builderColumnCount) {
		job := scanJob(stmt, builderColumnCount)
		vitals.Job = &job
	}
	return vitals
}

func scanJob(stmt *sqlite.Stmt, offset int) buildfarm.Job {
	job := buildfarm.Job{
		ID:                stmt.ColumnInt64(offset),
		BuildID:           stmt.ColumnInt64(offset + 1),
		Type:              buildfarm.JobType(stmt.ColumnText(offset + 2)),
		Title:             stmt.ColumnText(offset + 3),
		Status:            buildfarm.JobStatus(stmt.ColumnText(offset + 4)),
		BuildStatus:       buildfarm.BuildStatus(stmt.ColumnText(offset + 5)),
		Score:             stmt.ColumnInt64(offset + 6),
		ManualScore:       stmt.ColumnInt64(offset+7) != 0,
		Processor:         stmt.ColumnText(offset + 8),
		EstimatedDuration: time.Duration(stmt.ColumnInt64(offset+10)) * time.Millisecond,
		BuilderID:         stmt.ColumnInt64(offset + 11),
		FailureCount:      stmt.ColumnInt(offset + 13),
	}
	if !stmt.ColumnIsNull(offset + 9) {
		job.Virtualized = buildfarm.Bool(stmt.ColumnInt64(offset+9) != 0)
	}
	if !stmt.ColumnIsNull(offset + 12) {
		job.DateStarted = time.Unix(0, stmt.ColumnInt64(offset+12)).UTC()
	}
	return job
}

func boolInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}

// nullableString binds the empty string as SQL NULL.
func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// nullableBool binds a nil requirement as SQL NULL.
func nullableBool(value *bool) any {
	if value == nil {
		return nil
	}
	return boolInt(*value)
}
