// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package farmstore

const schema = `
CREATE TABLE IF NOT EXISTS builders (
	id            INTEGER PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	url           TEXT NOT NULL DEFAULT '',
	processor     TEXT NOT NULL DEFAULT '',
	virtualized   INTEGER NOT NULL DEFAULT 1,
	vm_host       TEXT NOT NULL DEFAULT '',
	builderok     INTEGER NOT NULL DEFAULT 1,
	manual        INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	failnotes     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS builds (
	id            INTEGER PRIMARY KEY,
	job_type      TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	failure_count INTEGER NOT NULL DEFAULT 0,
	builder_id    INTEGER,
	date_created  INTEGER NOT NULL,
	date_started  INTEGER,
	date_finished INTEGER
);

CREATE TABLE IF NOT EXISTS build_queue (
	id                    INTEGER PRIMARY KEY,
	build_id              INTEGER NOT NULL UNIQUE,
	builder_id            INTEGER UNIQUE,
	status                TEXT NOT NULL,
	lastscore             INTEGER NOT NULL DEFAULT 0,
	manual                INTEGER NOT NULL DEFAULT 0,
	processor             TEXT,
	virtualized           INTEGER,
	estimated_duration_ms INTEGER NOT NULL DEFAULT 0,
	date_started          INTEGER,
	logtail               BLOB,
	logtail_codec         TEXT,
	logtail_size          INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS build_queue_dispatch
	ON build_queue (status, lastscore DESC, id);
`

// jobColumns selects a queue entry joined with its build, in the order
// scanJob reads them.
const jobColumns = `
	q.id, q.build_id, b.job_type, b.title, q.status, b.status,
	q.lastscore, q.manual, q.processor, q.virtualized,
	q.estimated_duration_ms, q.builder_id, q.date_started, b.failure_count`

const builderColumns = `
	r.id, r.name, r.url, r.processor, r.virtualized, r.vm_host,
	r.builderok, r.manual, r.failure_count, r.failnotes`
