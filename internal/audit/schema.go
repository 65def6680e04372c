package audit

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sentinel_runs (
	id TEXT PRIMARY KEY,
	orchestrator TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sentinel_tool_calls (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	args_redacted TEXT NOT NULL,
	status TEXT NOT NULL,
	approved_at TIMESTAMP,
	approved_by TEXT,
	approval_note TEXT,
	result TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sentinel_decisions (
	id TEXT PRIMARY KEY,
	tool_call_id TEXT NOT NULL,
	verdict TEXT NOT NULL,
	reason TEXT NOT NULL,
	risk_score DOUBLE PRECISION NOT NULL,
	policy_citations TEXT,
	incident_refs TEXT,
	control_refs TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sentinel_tool_servers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	prefix TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	base_address TEXT NOT NULL,
	auth_header TEXT,
	auth_token TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sentinel_tool_catalog (
	server_name TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT,
	input_schema TEXT,
	synced_at TIMESTAMP NOT NULL,
	PRIMARY KEY (server_name, name)
);
`

// TableNames lists the tables schemaSQL creates, in creation order.
// NewPostgresStore and NewSQLiteStore apply schemaSQL idempotently on
// every open, so "migrating" is just opening the store; this list lets
// the CLI report what that open created or confirmed.
var TableNames = []string{
	"sentinel_runs",
	"sentinel_tool_calls",
	"sentinel_decisions",
	"sentinel_tool_servers",
	"sentinel_tool_catalog",
}
