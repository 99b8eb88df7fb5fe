package postgres

// Schema is the DDL applied by Migrate. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	tenant_id      TEXT PRIMARY KEY,
	external_ref   TEXT NOT NULL UNIQUE,
	plan_id        TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	last_paid_at   TIMESTAMPTZ,
	credit_balance BIGINT NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
	last_event_at  TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS credit_grants (
	external_ref    TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	amount          BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (external_ref, idempotency_key)
);

CREATE TABLE IF NOT EXISTS conversion_history (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	from_plan  TEXT,
	to_plan    TEXT NOT NULL,
	reason     TEXT NOT NULL,
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversion_history_tenant_idx ON conversion_history (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id   TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_tenant_idx ON audit_log (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL,
	read       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_unread_idx ON notifications (user_id, created_at) WHERE NOT read;

CREATE TABLE IF NOT EXISTS entitlement_snapshots (
	tenant_id   TEXT PRIMARY KEY,
	plan_id     TEXT NOT NULL,
	features    TEXT[] NOT NULL DEFAULT '{}',
	computed_at TIMESTAMPTZ NOT NULL
);

ALTER TABLE entitlement_snapshots ADD COLUMN IF NOT EXISTS revision BIGINT NOT NULL DEFAULT 0;

CREATE TABLE IF NOT EXISTS digest_preferences (
	user_id        TEXT PRIMARY KEY,
	email          TEXT NOT NULL DEFAULT '',
	enabled        BOOLEAN NOT NULL DEFAULT FALSE,
	frequency      TEXT NOT NULL DEFAULT 'daily',
	preferred_time TEXT NOT NULL DEFAULT '09:00',
	timezone       TEXT NOT NULL DEFAULT '',
	last_sent_at   TIMESTAMPTZ,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tenant_members (
	tenant_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, user_id)
);
`
