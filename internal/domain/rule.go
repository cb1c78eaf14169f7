package domain

import (
	"fmt"
	"time"
)

// RuleCategory separates pre-filter rules from detection rules.
type RuleCategory string

const (
	// RuleExclusion removes known-good records before analysis.
	RuleExclusion RuleCategory = "exclusion"

	// RuleSecurity contributes to risk without excluding the record.
	RuleSecurity RuleCategory = "security"
)

// Severity ranks a security rule's match. A match enforces a composite-score
// floor so an explicit hit is never scored below its severity regardless of
// model output.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// Floor returns the minimum composite score a match of this severity imposes.
func (s Severity) Floor() float64 {
	switch s {
	case SeverityCritical:
		return 0.8
	case SeverityHigh:
		return 0.6
	case SeverityMedium:
		return 0.4
	case SeverityLow:
		return 0.2
	default:
		return 0
	}
}

// Condition operators. Operators compare the string form of a record field
// against the condition value; greater_than/less_than coerce both sides to
// float64 and never match when coercion fails.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpInList      = "in_list"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpRegex       = "regex"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"

	// OpExpression evaluates Value as a CEL expression over the record
	// field map. Compile or evaluation errors never match.
	OpExpression = "expression"
)

// Condition is a leaf predicate: field, operator, comparison value.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value,omitempty"`

	// CaseSensitive applies to equals/contains/starts_with/ends_with and
	// in_list. Field-name resolution is always case-insensitive.
	CaseSensitive bool `json:"caseSensitive,omitempty"`
}

// Logic combinators for RuleNode.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// RuleNode is the tagged-variant rule tree: either a leaf Condition or a
// boolean combinator over an ordered list of children. AND over an empty
// child list is vacuously true; OR over an empty child list is false.
type RuleNode struct {
	Logic     string     `json:"logic,omitempty"`
	Condition *Condition `json:"condition,omitempty"`
	Children  []RuleNode `json:"conditions,omitempty"`
}

// IsLeaf reports whether the node is a single condition.
func (n *RuleNode) IsLeaf() bool {
	return n.Condition != nil
}

var knownOperators = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpEndsWith: true, OpInList: true,
	OpGreaterThan: true, OpLessThan: true, OpRegex: true,
	OpIsEmpty: true, OpIsNotEmpty: true, OpExpression: true,
}

// Validate checks the tree is well-formed: leaves carry a condition with a
// known operator, combinators carry a known logic operator.
func (n *RuleNode) Validate() error {
	if n.IsLeaf() {
		if n.Condition.Field == "" && n.Condition.Operator != OpExpression {
			return fmt.Errorf("condition missing field")
		}
		if n.Condition.Operator == "" {
			return fmt.Errorf("condition missing operator")
		}
		if !knownOperators[n.Condition.Operator] {
			return fmt.Errorf("unknown operator %q", n.Condition.Operator)
		}
		return nil
	}
	if n.Logic != LogicAnd && n.Logic != LogicOr {
		return fmt.Errorf("unknown logic operator %q", n.Logic)
	}
	for i := range n.Children {
		if err := n.Children[i].Validate(); err != nil {
			return fmt.Errorf("child %d: %w", i, err)
		}
	}
	return nil
}

// RuleActions are applied when a security rule matches. They adjust case
// handling and scoring, never exclusion.
type RuleActions struct {
	Escalate      bool    `json:"escalate,omitempty"`
	FlagMessage   string  `json:"flagMessage,omitempty"`
	ScoreModifier float64 `json:"scoreModifier,omitempty"`
	Tag           string  `json:"tag,omitempty"`
	AssignTo      string  `json:"assignTo,omitempty"`
}

// Rule is a named RuleNode plus category, severity, and ordering priority.
// Rules are configuration entities created externally; the engine only
// evaluates them.
type Rule struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenantId,omitempty"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Category    RuleCategory `json:"category"`
	Severity    Severity     `json:"severity,omitempty"`
	Priority    int          `json:"priority"`
	Root        RuleNode     `json:"root"`
	Actions     *RuleActions `json:"actions,omitempty"`
	Enabled     bool         `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleMatch records one security rule hit on a record.
type RuleMatch struct {
	RuleID   string   `json:"ruleId"`
	RuleName string   `json:"ruleName"`
	Severity Severity `json:"severity"`
	Priority int      `json:"priority"`
}
