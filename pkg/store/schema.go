package store

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ops_actions (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT UNIQUE,
	origin TEXT NOT NULL,
	action_type TEXT NOT NULL,
	target TEXT,
	params TEXT,
	status TEXT NOT NULL,
	required_quorum TEXT,
	quorum_role TEXT NOT NULL DEFAULT '',
	required_ratio DOUBLE PRECISION NOT NULL,
	timeout_seconds BIGINT NOT NULL,
	escalation_role TEXT NOT NULL DEFAULT '',
	auto_execute BOOLEAN NOT NULL DEFAULT FALSE,
	reject_on_veto BOOLEAN NOT NULL DEFAULT FALSE,
	policy_id TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL,
	executed_by TEXT NOT NULL DEFAULT '',
	executed_at TIMESTAMPTZ,
	result TEXT,
	escalated_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ops_actions_pending ON ops_actions (status, expires_at);

CREATE TABLE IF NOT EXISTS ops_votes (
	action_id TEXT NOT NULL REFERENCES ops_actions(id),
	voter_id TEXT NOT NULL,
	voter_roles TEXT NOT NULL,
	vote TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	signed_jwt TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (action_id, voter_id)
);

CREATE TABLE IF NOT EXISTS ops_audit_events (
	id TEXT PRIMARY KEY,
	action_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	kind TEXT NOT NULL,
	snapshot TEXT NOT NULL,
	actor TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	UNIQUE (action_id, seq)
);

CREATE TABLE IF NOT EXISTS ops_policies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	criteria TEXT NOT NULL,
	policy TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ops_actions (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT UNIQUE,
	origin TEXT NOT NULL,
	action_type TEXT NOT NULL,
	target TEXT,
	params TEXT,
	status TEXT NOT NULL,
	required_quorum TEXT,
	quorum_role TEXT NOT NULL DEFAULT '',
	required_ratio REAL NOT NULL,
	timeout_seconds INTEGER NOT NULL,
	escalation_role TEXT NOT NULL DEFAULT '',
	auto_execute BOOLEAN NOT NULL DEFAULT 0,
	reject_on_veto BOOLEAN NOT NULL DEFAULT 0,
	policy_id TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL,
	executed_by TEXT NOT NULL DEFAULT '',
	executed_at DATETIME,
	result TEXT,
	escalated_at DATETIME,
	version INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ops_actions_pending ON ops_actions (status, expires_at);

CREATE TABLE IF NOT EXISTS ops_votes (
	action_id TEXT NOT NULL REFERENCES ops_actions(id),
	voter_id TEXT NOT NULL,
	voter_roles TEXT NOT NULL,
	vote TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	signed_jwt TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	PRIMARY KEY (action_id, voter_id)
);

CREATE TABLE IF NOT EXISTS ops_audit_events (
	id TEXT PRIMARY KEY,
	action_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	snapshot TEXT NOT NULL,
	actor TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	UNIQUE (action_id, seq)
);

CREATE TABLE IF NOT EXISTS ops_policies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	criteria TEXT NOT NULL,
	policy TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`
