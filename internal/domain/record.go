package domain

import (
	"strconv"
	"strings"
	"time"
)

// EmailRecord represents one external-email communication event to be
// assessed. The original CSV fields are immutable once ingested; the
// pipeline only attaches derived results.
type EmailRecord struct {
	// Core identifiers
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`

	// Original fields
	Timestamp       time.Time `json:"timestamp"`
	Sender          string    `json:"sender"`
	Subject         string    `json:"subject"`
	Attachments     []string  `json:"attachments,omitempty"`
	Recipients      string    `json:"recipients"`
	RecipientDomain string    `json:"recipientDomain"`
	Leaver          bool      `json:"leaver"`
	TerminationDate string    `json:"terminationDate,omitempty"`
	WordlistAttachment string `json:"wordlistAttachment,omitempty"`
	WordlistSubject    string `json:"wordlistSubject,omitempty"`
	BusinessUnit    string    `json:"bunit,omitempty"`
	Department      string    `json:"department,omitempty"`
	Status          string    `json:"status,omitempty"`
	UserResponse    string    `json:"userResponse,omitempty"`
	FinalOutcome    string    `json:"finalOutcome,omitempty"`
	Justification   string    `json:"justification,omitempty"`

	// Derived fields attached by the pipeline
	ExcludedBy      []string        `json:"excludedBy,omitempty"`
	Whitelisted     bool            `json:"whitelisted"`
	WhitelistReason string          `json:"whitelistReason,omitempty"`
	RuleMatches     []RuleMatch     `json:"ruleMatches,omitempty"`
	Assessment      *RiskAssessment `json:"assessment,omitempty"`
}

// Excluded reports whether an exclusion rule removed the record from the
// analysis set.
func (r *EmailRecord) Excluded() bool {
	return len(r.ExcludedBy) > 0
}

// Analyzable reports whether the record is presented to the anomaly scorer
// and case generator.
func (r *EmailRecord) Analyzable() bool {
	return !r.Excluded() && !r.Whitelisted
}

// Field resolves a record field by name for rule evaluation. Field-name
// resolution is case-insensitive. The second return value is false when the
// field does not exist; a missing field never matches (DataError semantics).
func (r *EmailRecord) Field(name string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sender":
		return r.Sender, true
	case "subject":
		return r.Subject, true
	case "attachments":
		return strings.Join(r.Attachments, "; "), true
	case "recipients":
		return r.Recipients, true
	case "recipients_email_domain", "recipient_domain":
		return r.RecipientDomain, true
	case "leaver":
		return strconv.FormatBool(r.Leaver), true
	case "termination_date":
		return r.TerminationDate, true
	case "wordlist_attachment":
		return r.WordlistAttachment, true
	case "wordlist_subject":
		return r.WordlistSubject, true
	case "bunit":
		return r.BusinessUnit, true
	case "department":
		return r.Department, true
	case "status":
		return r.Status, true
	case "user_response":
		return r.UserResponse, true
	case "final_outcome":
		return r.FinalOutcome, true
	case "justification":
		return r.Justification, true
	case "hour":
		return strconv.Itoa(r.Timestamp.Hour()), true
	case "weekday":
		return strings.ToLower(r.Timestamp.Weekday().String()), true
	default:
		return "", false
	}
}

// FieldMap returns all rule-addressable fields. Used as the activation for
// CEL expression conditions.
func (r *EmailRecord) FieldMap() map[string]any {
	return map[string]any{
		"sender":                  r.Sender,
		"subject":                 r.Subject,
		"attachments":             strings.Join(r.Attachments, "; "),
		"recipients":              r.Recipients,
		"recipients_email_domain": r.RecipientDomain,
		"leaver":                  r.Leaver,
		"termination_date":        r.TerminationDate,
		"wordlist_attachment":     r.WordlistAttachment,
		"wordlist_subject":        r.WordlistSubject,
		"bunit":                   r.BusinessUnit,
		"department":              r.Department,
		"status":                  r.Status,
		"user_response":           r.UserResponse,
		"final_outcome":           r.FinalOutcome,
		"justification":           r.Justification,
		"hour":                    int64(r.Timestamp.Hour()),
		"weekday":                 int64(r.Timestamp.Weekday()),
	}
}

// HasKeywordMatch reports whether the upstream wordlist scan flagged the
// subject or an attachment name.
func (r *EmailRecord) HasKeywordMatch() bool {
	return strings.TrimSpace(r.WordlistSubject) != "" || strings.TrimSpace(r.WordlistAttachment) != ""
}
