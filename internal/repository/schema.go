package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    status TEXT NOT NULL,
    error_message TEXT,
    total_records INTEGER NOT NULL DEFAULT 0,
    processed_records INTEGER NOT NULL DEFAULT 0,
    exclusion_applied INTEGER NOT NULL DEFAULT 0,
    whitelist_applied INTEGER NOT NULL DEFAULT 0,
    rules_applied INTEGER NOT NULL DEFAULT 0,
    scoring_applied INTEGER NOT NULL DEFAULT 0,
    cases_generated INTEGER NOT NULL DEFAULT 0,
    stats TEXT,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(tenant_id, status);
`

const schemaEmailRecords = `
CREATE TABLE IF NOT EXISTS email_records (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    sender TEXT NOT NULL,
    subject TEXT,
    attachments TEXT,
    recipients TEXT,
    recipient_domain TEXT,
    leaver INTEGER NOT NULL DEFAULT 0,
    termination_date TEXT,
    wordlist_attachment TEXT,
    wordlist_subject TEXT,
    bunit TEXT,
    department TEXT,
    status TEXT,
    user_response TEXT,
    final_outcome TEXT,
    justification TEXT,
    excluded_by TEXT,
    whitelisted INTEGER NOT NULL DEFAULT 0,
    whitelist_reason TEXT,
    rule_matches TEXT,
    assessment TEXT,
    PRIMARY KEY (id, tenant_id, session_id)
);

CREATE INDEX IF NOT EXISTS idx_email_records_session ON email_records(tenant_id, session_id);
CREATE INDEX IF NOT EXISTS idx_email_records_domain ON email_records(tenant_id, recipient_domain);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    category TEXT NOT NULL,
    severity TEXT,
    priority INTEGER NOT NULL DEFAULT 0,
    root TEXT NOT NULL,
    actions TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rules_tenant ON rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rules_category ON rules(tenant_id, category, enabled);
`

const schemaDomainProfiles = `
CREATE TABLE IF NOT EXISTS domain_profiles (
    domain TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    category TEXT NOT NULL,
    trust_score REAL NOT NULL DEFAULT 50,
    manual_whitelist INTEGER NOT NULL DEFAULT 0,
    whitelisted_by TEXT,
    notes TEXT,
    seen_count INTEGER NOT NULL DEFAULT 0,
    risks_summed REAL NOT NULL DEFAULT 0,
    risk_observed INTEGER NOT NULL DEFAULT 0,
    high_risk_count INTEGER NOT NULL DEFAULT 0,
    first_seen TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (domain, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_domain_profiles_tenant ON domain_profiles(tenant_id);
CREATE INDEX IF NOT EXISTS idx_domain_profiles_whitelist ON domain_profiles(tenant_id, manual_whitelist);
`

const schemaAttachmentKeywords = `
CREATE TABLE IF NOT EXISTS attachment_keywords (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    keyword TEXT NOT NULL,
    category TEXT NOT NULL,
    risk REAL NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_attachment_keywords_tenant ON attachment_keywords(tenant_id, enabled);
`

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    record_id TEXT NOT NULL,
    status TEXT NOT NULL,
    level TEXT NOT NULL,
    score REAL NOT NULL,
    assigned_to TEXT,
    tags TEXT,
    history TEXT,
    created_at TIMESTAMP NOT NULL,
    escalated_at TIMESTAMP,
    resolved_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_cases_record ON cases(tenant_id, session_id, record_id);
CREATE INDEX IF NOT EXISTS idx_cases_session ON cases(tenant_id, session_id);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(tenant_id, status);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSessions,
		schemaEmailRecords,
		schemaRules,
		schemaDomainProfiles,
		schemaAttachmentKeywords,
		schemaCases,
	}
}
