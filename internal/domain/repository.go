// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence. All methods require
// tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Session operations
	SaveSession(ctx context.Context, tenantID string, session *Session) error
	GetSession(ctx context.Context, tenantID string, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, tenantID string) ([]*Session, error)

	// Record operations; saving a record persists its derived fields and
	// embedded assessment as well
	SaveRecords(ctx context.Context, tenantID string, records []*EmailRecord) error
	GetRecord(ctx context.Context, tenantID string, sessionID, recordID string) (*EmailRecord, error)
	ListRecords(ctx context.Context, tenantID string, sessionID string) ([]*EmailRecord, error)

	// Rule configuration operations
	SaveRule(ctx context.Context, tenantID string, rule *Rule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*Rule, error)
	ListRules(ctx context.Context, tenantID string, category RuleCategory) ([]*Rule, error)
	DeleteRule(ctx context.Context, tenantID string, ruleID string) error

	// Domain profile operations
	SaveProfile(ctx context.Context, tenantID string, profile *DomainProfile) error
	GetProfile(ctx context.Context, tenantID string, domain string) (*DomainProfile, error)
	ListProfiles(ctx context.Context, tenantID string) ([]*DomainProfile, error)

	// Attachment keyword table
	ListKeywords(ctx context.Context, tenantID string) ([]*AttachmentKeyword, error)
	SaveKeyword(ctx context.Context, tenantID string, kw *AttachmentKeyword) error

	// Case operations
	SaveCase(ctx context.Context, tenantID string, c *Case) error
	GetCase(ctx context.Context, tenantID string, caseID string) (*Case, error)
	GetCaseByRecord(ctx context.Context, tenantID string, sessionID, recordID string) (*Case, error)
	ListCases(ctx context.Context, tenantID string, sessionID string) ([]*Case, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AttachmentKeyword is one row of the configurable attachment-risk table.
type AttachmentKeyword struct {
	ID       string  `json:"id"`
	Keyword  string  `json:"keyword"`
	Category string  `json:"category"` // Business, Personal, Suspicious
	Risk     float64 `json:"risk"`     // 0-1 contribution weight
	Enabled  bool    `json:"enabled"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
