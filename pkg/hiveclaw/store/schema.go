// Package store – schema.go holds the DDL for both backends.
// Every tenant-owned table carries tenant_id NOT NULL; uniqueness of
// business keys is only ever guaranteed per tenant. The one deliberate
// exception is recurring_triggers.job_name, which must be unique across all
// tenants because the timer registry is process-global.
package store

// sqliteSchema is executed on every startup (idempotent via IF NOT EXISTS).
const sqliteSchema = `
-- Tenancy roots
CREATE TABLE IF NOT EXISTS tenants (
    id           TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
    tenant_id    TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    principal_id TEXT NOT NULL,
    role         TEXT NOT NULL DEFAULT 'member',
    PRIMARY KEY (tenant_id, principal_id)
);

-- Conversations: the external chat id is NOT globally unique. Two tenants
-- may hold the same id simultaneously; identity is (tenant_id, id).
CREATE TABLE IF NOT EXISTS conversations (
    tenant_id          TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    id                 TEXT NOT NULL,
    title              TEXT DEFAULT '',
    owner_principal_id TEXT DEFAULT '',
    created_at         TEXT NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS conversation_members (
    tenant_id       TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    conversation_id TEXT NOT NULL,
    principal_id    TEXT NOT NULL,
    PRIMARY KEY (tenant_id, conversation_id, principal_id)
);

-- Messages are append-only; read paths sort by created_at, not rowid,
-- so interleaved writers to one conversation stay consistent.
CREATE TABLE IF NOT EXISTS messages (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    conversation_id     TEXT NOT NULL,
    author_principal_id TEXT DEFAULT '',
    role                TEXT NOT NULL,
    content             TEXT NOT NULL,
    embedding           TEXT,
    created_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_tenant_conv
    ON messages(tenant_id, conversation_id, created_at);

CREATE TABLE IF NOT EXISTS active_prompts (
    tenant_id       TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    conversation_id TEXT NOT NULL,
    content         TEXT NOT NULL,
    version         INTEGER NOT NULL DEFAULT 1,
    is_active       INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, conversation_id)
);

-- job_name is globally unique: the cron runtime is shared by all tenants.
CREATE TABLE IF NOT EXISTS recurring_triggers (
    job_name         TEXT PRIMARY KEY,
    id               TEXT NOT NULL,
    tenant_id        TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    owning_entity_id TEXT NOT NULL,
    schedule_expr    TEXT NOT NULL,
    timezone         TEXT DEFAULT '',
    payload          TEXT NOT NULL DEFAULT '{}',
    created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_triggers_tenant ON recurring_triggers(tenant_id);

-- Tenant-owned domain records
CREATE TABLE IF NOT EXISTS fees (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    conversation_id TEXT NOT NULL,
    description     TEXT NOT NULL,
    amount_cents    INTEGER NOT NULL DEFAULT 0,
    schedule_expr   TEXT NOT NULL,
    contact_email   TEXT DEFAULT '',
    active          INTEGER NOT NULL DEFAULT 1,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fees_tenant_conv ON fees(tenant_id, conversation_id);

CREATE TABLE IF NOT EXISTS documents (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    conversation_id TEXT NOT NULL,
    name            TEXT NOT NULL,
    content         TEXT NOT NULL,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_tenant_conv ON documents(tenant_id, conversation_id);

CREATE TABLE IF NOT EXISTS notification_prefs (
    tenant_id       TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    conversation_id TEXT NOT NULL,
    email           INTEGER NOT NULL DEFAULT 1,
    calendar        INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, conversation_id)
);
`

// postgresSchema mirrors the sqlite DDL with postgres types.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS tenants (
    id           UUID PRIMARY KEY,
    display_name TEXT NOT NULL,
    created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
    tenant_id    UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    principal_id TEXT NOT NULL,
    role         TEXT NOT NULL DEFAULT 'member',
    PRIMARY KEY (tenant_id, principal_id)
);

CREATE TABLE IF NOT EXISTS conversations (
    tenant_id          UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    id                 TEXT NOT NULL,
    title              TEXT DEFAULT '',
    owner_principal_id TEXT DEFAULT '',
    created_at         TEXT NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS conversation_members (
    tenant_id       UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    conversation_id TEXT NOT NULL,
    principal_id    TEXT NOT NULL,
    PRIMARY KEY (tenant_id, conversation_id, principal_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id                  UUID PRIMARY KEY,
    tenant_id           UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    conversation_id     TEXT NOT NULL,
    author_principal_id TEXT DEFAULT '',
    role                TEXT NOT NULL,
    content             TEXT NOT NULL,
    embedding           TEXT,
    created_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_tenant_conv
    ON messages(tenant_id, conversation_id, created_at);

CREATE TABLE IF NOT EXISTS active_prompts (
    tenant_id       UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    conversation_id TEXT NOT NULL,
    content         TEXT NOT NULL,
    version         INTEGER NOT NULL DEFAULT 1,
    is_active       INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, conversation_id)
);

CREATE TABLE IF NOT EXISTS recurring_triggers (
    job_name         TEXT PRIMARY KEY,
    id               UUID NOT NULL,
    tenant_id        UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    owning_entity_id TEXT NOT NULL,
    schedule_expr    TEXT NOT NULL,
    timezone         TEXT DEFAULT '',
    payload          TEXT NOT NULL DEFAULT '{}',
    created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_triggers_tenant ON recurring_triggers(tenant_id);

CREATE TABLE IF NOT EXISTS fees (
    id              UUID PRIMARY KEY,
    tenant_id       UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    conversation_id TEXT NOT NULL,
    description     TEXT NOT NULL,
    amount_cents    INTEGER NOT NULL DEFAULT 0,
    schedule_expr   TEXT NOT NULL,
    contact_email   TEXT DEFAULT '',
    active          INTEGER NOT NULL DEFAULT 1,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fees_tenant_conv ON fees(tenant_id, conversation_id);

CREATE TABLE IF NOT EXISTS documents (
    id              UUID PRIMARY KEY,
    tenant_id       UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    conversation_id TEXT NOT NULL,
    name            TEXT NOT NULL,
    content         TEXT NOT NULL,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_tenant_conv ON documents(tenant_id, conversation_id);

CREATE TABLE IF NOT EXISTS notification_prefs (
    tenant_id       UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    conversation_id TEXT NOT NULL,
    email           INTEGER NOT NULL DEFAULT 1,
    calendar        INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, conversation_id)
);
`
