// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-sec/kestrel/internal/domain"
)

var ErrInvalidInput = errors.New("invalid input")

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession upserts a session with tenant isolation.
func (r *SQLRepository) SaveSession(ctx context.Context, tenantID string, session *domain.Session) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	stats := ""
	if session.Stats != nil {
		b, _ := json.Marshal(session.Stats)
		stats = string(b)
	}

	query := `
		INSERT INTO sessions (
			id, tenant_id, name, created_at, status, error_message,
			total_records, processed_records,
			exclusion_applied, whitelist_applied, rules_applied,
			scoring_applied, cases_generated, stats
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			error_message = excluded.error_message,
			total_records = excluded.total_records,
			processed_records = excluded.processed_records,
			exclusion_applied = excluded.exclusion_applied,
			whitelist_applied = excluded.whitelist_applied,
			rules_applied = excluded.rules_applied,
			scoring_applied = excluded.scoring_applied,
			cases_generated = excluded.cases_generated,
			stats = excluded.stats
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		session.ID, tenantID, session.Name, session.CreatedAt,
		string(session.Status), session.ErrMessage,
		session.TotalRecords, session.ProcessedRecords,
		boolInt(session.ExclusionApplied), boolInt(session.WhitelistApplied),
		boolInt(session.RulesApplied), boolInt(session.ScoringApplied),
		boolInt(session.CasesGenerated), stats,
	)
	return err
}

// GetSession retrieves a session by ID with tenant isolation.
func (r *SQLRepository) GetSession(ctx context.Context, tenantID string, sessionID string) (*domain.Session, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, created_at, status, error_message,
			   total_records, processed_records,
			   exclusion_applied, whitelist_applied, rules_applied,
			   scoring_applied, cases_generated, stats
		FROM sessions
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return session, err
}

// ListSessions retrieves all sessions for a tenant, newest first.
func (r *SQLRepository) ListSessions(ctx context.Context, tenantID string) ([]*domain.Session, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, created_at, status, error_message,
			   total_records, processed_records,
			   exclusion_applied, whitelist_applied, rules_applied,
			   scoring_applied, cases_generated, stats
		FROM sessions
		WHERE tenant_id = ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var status string
	var errMessage, stats sql.NullString
	var exclusion, whitelist, rules, scoring, cases int

	err := row.Scan(
		&s.ID, &s.TenantID, &s.Name, &s.CreatedAt, &status, &errMessage,
		&s.TotalRecords, &s.ProcessedRecords,
		&exclusion, &whitelist, &rules, &scoring, &cases, &stats,
	)
	if err != nil {
		return nil, err
	}

	s.Status = domain.SessionStatus(status)
	s.ErrMessage = errMessage.String
	s.ExclusionApplied = exclusion == 1
	s.WhitelistApplied = whitelist == 1
	s.RulesApplied = rules == 1
	s.ScoringApplied = scoring == 1
	s.CasesGenerated = cases == 1
	if stats.String != "" {
		s.Stats = &domain.SessionStats{}
		json.Unmarshal([]byte(stats.String), s.Stats)
	}

	return &s, nil
}

// SaveRecords upserts a batch of records in one transaction. Derived fields
// and the embedded assessment are persisted as well, so re-running a stage
// overwrites prior derived state.
func (r *SQLRepository) SaveRecords(ctx context.Context, tenantID string, records []*domain.EmailRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO email_records (
			id, tenant_id, session_id, timestamp, sender, subject,
			attachments, recipients, recipient_domain, leaver,
			termination_date, wordlist_attachment, wordlist_subject,
			bunit, department, status, user_response, final_outcome,
			justification, excluded_by, whitelisted, whitelist_reason,
			rule_matches, assessment
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, session_id) DO UPDATE SET
			excluded_by = excluded.excluded_by,
			whitelisted = excluded.whitelisted,
			whitelist_reason = excluded.whitelist_reason,
			rule_matches = excluded.rule_matches,
			assessment = excluded.assessment
	`

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, record := range records {
		attachments, _ := json.Marshal(record.Attachments)
		excludedBy, _ := json.Marshal(record.ExcludedBy)
		matches, _ := json.Marshal(record.RuleMatches)

		assessment := ""
		if record.Assessment != nil {
			b, _ := json.Marshal(record.Assessment)
			assessment = string(b)
		}

		if _, err := stmt.ExecContext(ctx,
			record.ID, tenantID, record.SessionID, record.Timestamp,
			record.Sender, record.Subject, string(attachments),
			record.Recipients, record.RecipientDomain, boolInt(record.Leaver),
			record.TerminationDate, record.WordlistAttachment, record.WordlistSubject,
			record.BusinessUnit, record.Department, record.Status,
			record.UserResponse, record.FinalOutcome, record.Justification,
			string(excludedBy), boolInt(record.Whitelisted), record.WhitelistReason,
			string(matches), assessment,
		); err != nil {
			return fmt.Errorf("save record %s: %w", record.ID, err)
		}
	}

	return tx.Commit()
}

const recordColumns = `
	id, tenant_id, session_id, timestamp, sender, subject,
	attachments, recipients, recipient_domain, leaver,
	termination_date, wordlist_attachment, wordlist_subject,
	bunit, department, status, user_response, final_outcome,
	justification, excluded_by, whitelisted, whitelist_reason,
	rule_matches, assessment
`

// GetRecord retrieves one record with tenant isolation.
func (r *SQLRepository) GetRecord(ctx context.Context, tenantID string, sessionID, recordID string) (*domain.EmailRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + recordColumns + `
		FROM email_records
		WHERE tenant_id = ? AND session_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, sessionID, recordID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return record, err
}

// ListRecords retrieves all records in a session, in ingestion order.
func (r *SQLRepository) ListRecords(ctx context.Context, tenantID string, sessionID string) ([]*domain.EmailRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + recordColumns + `
		FROM email_records
		WHERE tenant_id = ? AND session_id = ?
		ORDER BY timestamp, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.EmailRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func scanRecord(row rowScanner) (*domain.EmailRecord, error) {
	var rec domain.EmailRecord
	var tenantID string
	var subject, attachments, recipients, recipientDomain sql.NullString
	var terminationDate, wordlistAttachment, wordlistSubject sql.NullString
	var bunit, department, status, userResponse, finalOutcome sql.NullString
	var justification, excludedBy, whitelistReason, matches, assessment sql.NullString
	var leaver, whitelisted int

	err := row.Scan(
		&rec.ID, &tenantID, &rec.SessionID, &rec.Timestamp,
		&rec.Sender, &subject, &attachments,
		&recipients, &recipientDomain, &leaver,
		&terminationDate, &wordlistAttachment, &wordlistSubject,
		&bunit, &department, &status,
		&userResponse, &finalOutcome, &justification,
		&excludedBy, &whitelisted, &whitelistReason, &matches, &assessment,
	)
	if err != nil {
		return nil, err
	}

	rec.Subject = subject.String
	rec.Recipients = recipients.String
	rec.RecipientDomain = recipientDomain.String
	rec.Leaver = leaver == 1
	rec.TerminationDate = terminationDate.String
	rec.WordlistAttachment = wordlistAttachment.String
	rec.WordlistSubject = wordlistSubject.String
	rec.BusinessUnit = bunit.String
	rec.Department = department.String
	rec.Status = status.String
	rec.UserResponse = userResponse.String
	rec.FinalOutcome = finalOutcome.String
	rec.Justification = justification.String
	rec.Whitelisted = whitelisted == 1
	rec.WhitelistReason = whitelistReason.String

	if attachments.String != "" {
		json.Unmarshal([]byte(attachments.String), &rec.Attachments)
	}
	if excludedBy.String != "" {
		json.Unmarshal([]byte(excludedBy.String), &rec.ExcludedBy)
	}
	if matches.String != "" {
		json.Unmarshal([]byte(matches.String), &rec.RuleMatches)
	}
	if assessment.String != "" {
		rec.Assessment = &domain.RiskAssessment{}
		json.Unmarshal([]byte(assessment.String), rec.Assessment)
	}

	return &rec, nil
}

// SaveRule upserts a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.Rule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	root, _ := json.Marshal(rule.Root)

	actions := ""
	if rule.Actions != nil {
		b, _ := json.Marshal(rule.Actions)
		actions = string(b)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO rules (
			id, tenant_id, name, description, category, severity,
			priority, root, actions, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			category = excluded.category,
			severity = excluded.severity,
			priority = excluded.priority,
			root = excluded.root,
			actions = excluded.actions,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		string(rule.Category), string(rule.Severity),
		rule.Priority, string(root), actions, boolInt(rule.Enabled),
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// GetRule retrieves a rule by ID with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.Rule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, category, severity,
			   priority, root, actions, enabled, created_at, updated_at
		FROM rules
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// ListRules retrieves rules for a tenant, optionally filtered by category.
// Disabled rules are included so the rule management surface can show them;
// the engine filters on Enabled itself.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string, category domain.RuleCategory) ([]*domain.Rule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, category, severity,
			   priority, root, actions, enabled, created_at, updated_at
		FROM rules
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY priority DESC, name`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteRule soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeleteRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE rules
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var rule domain.Rule
	var description, severity, root, actions sql.NullString
	var category string
	var enabled int

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description,
		&category, &severity, &rule.Priority, &root, &actions,
		&enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Category = domain.RuleCategory(category)
	rule.Severity = domain.Severity(severity.String)
	rule.Enabled = enabled == 1

	if err := json.Unmarshal([]byte(root.String), &rule.Root); err != nil {
		return nil, fmt.Errorf("failed to parse rule tree for %s: %w", rule.ID, err)
	}
	if actions.String != "" {
		rule.Actions = &domain.RuleActions{}
		json.Unmarshal([]byte(actions.String), rule.Actions)
	}

	return &rule, nil
}

// SaveProfile upserts a domain profile with tenant isolation.
func (r *SQLRepository) SaveProfile(ctx context.Context, tenantID string, profile *domain.DomainProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO domain_profiles (
			domain, tenant_id, category, trust_score, manual_whitelist,
			whitelisted_by, notes, seen_count, risks_summed, risk_observed,
			high_risk_count, first_seen, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, tenant_id) DO UPDATE SET
			category = excluded.category,
			trust_score = excluded.trust_score,
			manual_whitelist = excluded.manual_whitelist,
			whitelisted_by = excluded.whitelisted_by,
			notes = excluded.notes,
			seen_count = excluded.seen_count,
			risks_summed = excluded.risks_summed,
			risk_observed = excluded.risk_observed,
			high_risk_count = excluded.high_risk_count,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		profile.Domain, tenantID, string(profile.Category), profile.TrustScore,
		boolInt(profile.ManualWhitelist), profile.WhitelistedBy, profile.Notes,
		profile.SeenCount, profile.RisksSummed, profile.RiskObserved,
		profile.HighRiskCount, profile.FirstSeen, profile.UpdatedAt,
	)
	return err
}

// GetProfile retrieves a domain profile with tenant isolation.
func (r *SQLRepository) GetProfile(ctx context.Context, tenantID string, name string) (*domain.DomainProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT domain, tenant_id, category, trust_score, manual_whitelist,
			   whitelisted_by, notes, seen_count, risks_summed, risk_observed,
			   high_risk_count, first_seen, updated_at
		FROM domain_profiles
		WHERE tenant_id = ? AND domain = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, name)
	profile, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return profile, err
}

// ListProfiles retrieves all domain profiles for a tenant.
func (r *SQLRepository) ListProfiles(ctx context.Context, tenantID string) ([]*domain.DomainProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT domain, tenant_id, category, trust_score, manual_whitelist,
			   whitelisted_by, notes, seen_count, risks_summed, risk_observed,
			   high_risk_count, first_seen, updated_at
		FROM domain_profiles
		WHERE tenant_id = ?
		ORDER BY domain
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*domain.DomainProfile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}

	return profiles, rows.Err()
}

func scanProfile(row rowScanner) (*domain.DomainProfile, error) {
	var p domain.DomainProfile
	var category string
	var whitelistedBy, notes sql.NullString
	var manualWhitelist int

	err := row.Scan(
		&p.Domain, &p.TenantID, &category, &p.TrustScore, &manualWhitelist,
		&whitelistedBy, &notes, &p.SeenCount, &p.RisksSummed, &p.RiskObserved,
		&p.HighRiskCount, &p.FirstSeen, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Category = domain.DomainCategory(category)
	p.ManualWhitelist = manualWhitelist == 1
	p.WhitelistedBy = whitelistedBy.String
	p.Notes = notes.String

	return &p, nil
}

// ListKeywords retrieves the enabled attachment keyword table for a tenant.
func (r *SQLRepository) ListKeywords(ctx context.Context, tenantID string) ([]*domain.AttachmentKeyword, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, keyword, category, risk, enabled
		FROM attachment_keywords
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY keyword
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keywords []*domain.AttachmentKeyword
	for rows.Next() {
		var kw domain.AttachmentKeyword
		var enabled int
		if err := rows.Scan(&kw.ID, &kw.Keyword, &kw.Category, &kw.Risk, &enabled); err != nil {
			return nil, err
		}
		kw.Enabled = enabled == 1
		keywords = append(keywords, &kw)
	}

	return keywords, rows.Err()
}

// SaveKeyword upserts one attachment keyword row.
func (r *SQLRepository) SaveKeyword(ctx context.Context, tenantID string, kw *domain.AttachmentKeyword) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO attachment_keywords (id, tenant_id, keyword, category, risk, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			keyword = excluded.keyword,
			category = excluded.category,
			risk = excluded.risk,
			enabled = excluded.enabled
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		kw.ID, tenantID, kw.Keyword, kw.Category, kw.Risk, boolInt(kw.Enabled),
	)
	return err
}

// SaveCase upserts a case with tenant isolation.
func (r *SQLRepository) SaveCase(ctx context.Context, tenantID string, c *domain.Case) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tags, _ := json.Marshal(c.Tags)
	history, _ := json.Marshal(c.History)

	query := `
		INSERT INTO cases (
			id, tenant_id, session_id, record_id, status, level, score,
			assigned_to, tags, history, created_at, escalated_at,
			resolved_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			status = excluded.status,
			level = excluded.level,
			score = excluded.score,
			assigned_to = excluded.assigned_to,
			tags = excluded.tags,
			history = excluded.history,
			escalated_at = excluded.escalated_at,
			resolved_at = excluded.resolved_at,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.SessionID, c.RecordID,
		string(c.Status), string(c.Level), c.Score,
		c.AssignedTo, string(tags), string(history),
		c.CreatedAt, nullTime(c.EscalatedAt), nullTime(c.ResolvedAt), c.UpdatedAt,
	)
	return err
}

// GetCase retrieves a case by ID with tenant isolation.
func (r *SQLRepository) GetCase(ctx context.Context, tenantID string, caseID string) (*domain.Case, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, session_id, record_id, status, level, score,
			   assigned_to, tags, history, created_at, escalated_at,
			   resolved_at, updated_at
		FROM cases
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, caseID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return c, err
}

// GetCaseByRecord retrieves the case for one (session, record) pair.
func (r *SQLRepository) GetCaseByRecord(ctx context.Context, tenantID string, sessionID, recordID string) (*domain.Case, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, session_id, record_id, status, level, score,
			   assigned_to, tags, history, created_at, escalated_at,
			   resolved_at, updated_at
		FROM cases
		WHERE tenant_id = ? AND session_id = ? AND record_id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, sessionID, recordID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return c, err
}

// ListCases retrieves cases for a tenant, optionally scoped to a session,
// highest score first.
func (r *SQLRepository) ListCases(ctx context.Context, tenantID string, sessionID string) ([]*domain.Case, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, session_id, record_id, status, level, score,
			   assigned_to, tags, history, created_at, escalated_at,
			   resolved_at, updated_at
		FROM cases
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY score DESC, created_at`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}

	return cases, rows.Err()
}

func scanCase(row rowScanner) (*domain.Case, error) {
	var c domain.Case
	var status, level string
	var assignedTo, tags, history sql.NullString
	var escalatedAt, resolvedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.TenantID, &c.SessionID, &c.RecordID, &status, &level,
		&c.Score, &assignedTo, &tags, &history,
		&c.CreatedAt, &escalatedAt, &resolvedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = domain.CaseStatus(status)
	c.Level = domain.RiskLevel(level)
	c.AssignedTo = assignedTo.String
	if escalatedAt.Valid {
		c.EscalatedAt = &escalatedAt.Time
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	if tags.String != "" {
		json.Unmarshal([]byte(tags.String), &c.Tags)
	}
	if history.String != "" {
		json.Unmarshal([]byte(history.String), &c.History)
	}

	return &c, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
