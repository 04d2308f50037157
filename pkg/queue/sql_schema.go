package queue

// Tables are created on open. Timestamps are unix milliseconds and flags
// are 0/1 integers so both dialects share every query.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sourcestamps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ss_hash TEXT NOT NULL UNIQUE,
		codebase TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		revision TEXT NOT NULL DEFAULT '',
		repository TEXT NOT NULL DEFAULT '',
		project TEXT NOT NULL DEFAULT '',
		patch TEXT,
		changes TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS buildsets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		properties TEXT NOT NULL DEFAULT '{}',
		submitted_at INTEGER NOT NULL,
		complete INTEGER NOT NULL DEFAULT 0,
		complete_at INTEGER,
		results INTEGER,
		parent_build_id TEXT NOT NULL DEFAULT '',
		parent_relationship TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS buildset_sourcestamps (
		buildset_id INTEGER NOT NULL REFERENCES buildsets(id),
		sourcestamp_id INTEGER NOT NULL REFERENCES sourcestamps(id),
		position INTEGER NOT NULL,
		PRIMARY KEY (buildset_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS buildrequests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		buildset_id INTEGER NOT NULL REFERENCES buildsets(id),
		builder TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		submitted_at INTEGER NOT NULL,
		merged_into INTEGER,
		claimed_by TEXT,
		claimed_at INTEGER,
		lease_expires INTEGER,
		attempts INTEGER NOT NULL DEFAULT 0,
		complete INTEGER NOT NULL DEFAULT 0,
		complete_at INTEGER,
		results INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS buildrequests_builder ON buildrequests (builder, complete)`,
	`CREATE INDEX IF NOT EXISTS buildrequests_buildset ON buildrequests (buildset_id)`,
	`CREATE INDEX IF NOT EXISTS buildrequests_merged_into ON buildrequests (merged_into)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sourcestamps (
		id BIGSERIAL PRIMARY KEY,
		ss_hash TEXT NOT NULL UNIQUE,
		codebase TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		revision TEXT NOT NULL DEFAULT '',
		repository TEXT NOT NULL DEFAULT '',
		project TEXT NOT NULL DEFAULT '',
		patch TEXT,
		changes TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS buildsets (
		id BIGSERIAL PRIMARY KEY,
		external_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		properties TEXT NOT NULL DEFAULT '{}',
		submitted_at BIGINT NOT NULL,
		complete INTEGER NOT NULL DEFAULT 0,
		complete_at BIGINT,
		results INTEGER,
		parent_build_id TEXT NOT NULL DEFAULT '',
		parent_relationship TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS buildset_sourcestamps (
		buildset_id BIGINT NOT NULL REFERENCES buildsets(id),
		sourcestamp_id BIGINT NOT NULL REFERENCES sourcestamps(id),
		position INTEGER NOT NULL,
		PRIMARY KEY (buildset_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS buildrequests (
		id BIGSERIAL PRIMARY KEY,
		buildset_id BIGINT NOT NULL REFERENCES buildsets(id),
		builder TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		submitted_at BIGINT NOT NULL,
		merged_into BIGINT,
		claimed_by TEXT,
		claimed_at BIGINT,
		lease_expires BIGINT,
		attempts INTEGER NOT NULL DEFAULT 0,
		complete INTEGER NOT NULL DEFAULT 0,
		complete_at BIGINT,
		results INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS buildrequests_builder ON buildrequests (builder, complete)`,
	`CREATE INDEX IF NOT EXISTS buildrequests_buildset ON buildrequests (buildset_id)`,
	`CREATE INDEX IF NOT EXISTS buildrequests_merged_into ON buildrequests (merged_into)`,
}
