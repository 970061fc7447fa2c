package store

// schemaVersionV1 is the only schema so far.
const schemaVersionV1 = 1

var schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS programs (
	id         INTEGER PRIMARY KEY,
	status     TEXT NOT NULL,
	source     TEXT NOT NULL,
	error      TEXT,
	path       TEXT,
	round      INTEGER NOT NULL DEFAULT 0,
	apis       TEXT,
	elapsed    REAL NOT NULL DEFAULT 0,
	branches   INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_programs_status ON programs(status);

CREATE TABLE IF NOT EXISTS api_pairs (
	caller TEXT NOT NULL,
	callee TEXT NOT NULL,
	round  INTEGER NOT NULL,
	PRIMARY KEY (caller, callee)
);

CREATE TABLE IF NOT EXISTS rounds (
	loop        INTEGER PRIMARY KEY,
	quiet_round INTEGER NOT NULL,
	accepted    INTEGER NOT NULL,
	rejected    INTEGER NOT NULL,
	new_signal  INTEGER NOT NULL,
	branches    INTEGER NOT NULL,
	pairs       INTEGER NOT NULL,
	shuffled    INTEGER NOT NULL,
	at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS energies (
	name         TEXT PRIMARY KEY,
	coverage     REAL NOT NULL,
	exec_count   INTEGER NOT NULL,
	prompt_count INTEGER NOT NULL,
	energy       REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`
