package domain

import (
	"fmt"
	"time"
)

// CaseStatus is the investigation state of a case.
type CaseStatus string

const (
	CaseActive    CaseStatus = "Active"
	CaseEscalated CaseStatus = "Escalated"
	CaseCleared   CaseStatus = "Cleared"
)

// caseTransitions is the explicit state machine. Terminal states are
// reachable only via investigator action; re-scoring never moves a case.
var caseTransitions = map[CaseStatus][]CaseStatus{
	CaseActive:    {CaseEscalated, CaseCleared},
	CaseEscalated: {},
	CaseCleared:   {},
}

// StatusNote is one entry in a case's status history.
type StatusNote struct {
	At     time.Time  `json:"at"`
	Status CaseStatus `json:"status"`
	Actor  string     `json:"actor,omitempty"`
	Note   string     `json:"note,omitempty"`
}

// Case is one investigable unit materialized from a scored, non-excluded,
// non-whitelisted record. At most one case exists per (session, record).
type Case struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenantId,omitempty"`
	SessionID string     `json:"sessionId"`
	RecordID  string     `json:"recordId"`
	Status    CaseStatus `json:"status"`

	Level      RiskLevel `json:"level"`
	Score      float64   `json:"score"`
	AssignedTo string    `json:"assignedTo,omitempty"`
	Tags       []string  `json:"tags,omitempty"`

	History []StatusNote `json:"history,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	EscalatedAt *time.Time `json:"escalatedAt,omitempty"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Terminal reports whether the case has reached a final status.
func (c *Case) Terminal() bool {
	return c.Status == CaseCleared || c.Status == CaseEscalated
}

// Transition moves the case to a new status via explicit investigator
// action. Invalid transitions return an error and leave the case unchanged.
func (c *Case) Transition(to CaseStatus, actor, note string) error {
	for _, allowed := range caseTransitions[c.Status] {
		if allowed == to {
			now := time.Now().UTC()
			c.Status = to
			c.UpdatedAt = now
			switch to {
			case CaseEscalated:
				c.EscalatedAt = &now
			case CaseCleared:
				c.ResolvedAt = &now
			}
			c.History = append(c.History, StatusNote{
				At:     now,
				Status: to,
				Actor:  actor,
				Note:   note,
			})
			return nil
		}
	}
	return fmt.Errorf("invalid case transition %s -> %s", c.Status, to)
}
