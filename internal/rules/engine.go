package rules

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/opensource-sec/kestrel/internal/domain"
)

var errNilRule = errors.New("rule is required")

// Engine evaluates rule trees against record batches. Exclusion rules are
// applied first and remove records from downstream analysis; security rules
// only accumulate matches for the risk composer.
type Engine struct {
	mu        sync.RWMutex
	exclusion []*domain.Rule
	security  []*domain.Rule
	evaluator *Evaluator
}

// NewEngine creates a rule engine. The CEL evaluator backs the "expression"
// condition operator; passing nil disables expression conditions (they fail
// closed).
func NewEngine(exprs ExpressionEvaluator, opts EvaluatorOptions) *Engine {
	opts.Expressions = exprs
	return &Engine{
		evaluator: NewEvaluator(opts),
	}
}

// ValidateRule checks a rule tree without loading it. Used by the
// configuration surface before persisting a rule.
func (e *Engine) ValidateRule(rule *domain.Rule) error {
	if rule == nil {
		return domain.ConfigurationError("rule", errNilRule)
	}
	if err := rule.Root.Validate(); err != nil {
		return domain.ConfigurationError("rule "+rule.Name, err)
	}
	return validateExpressions(&rule.Root, e.evaluator.opts.Expressions)
}

// LoadRules replaces the loaded rule sets. Malformed rules are skipped with
// a warning rather than aborting the load; a single bad rule must not take
// the batch down with it.
func (e *Engine) LoadRules(rules []*domain.Rule) {
	var exclusion, security []*domain.Rule

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := e.ValidateRule(rule); err != nil {
			slog.Warn("skipping malformed rule",
				"rule", rule.Name,
				"error", err,
			)
			continue
		}
		switch rule.Category {
		case domain.RuleExclusion:
			exclusion = append(exclusion, rule)
		case domain.RuleSecurity:
			security = append(security, rule)
		default:
			slog.Warn("skipping rule with unknown category",
				"rule", rule.Name,
				"category", rule.Category,
			)
		}
	}

	// Priority descending; ties keep declaration order.
	sort.SliceStable(exclusion, func(i, j int) bool { return exclusion[i].Priority > exclusion[j].Priority })
	sort.SliceStable(security, func(i, j int) bool { return security[i].Priority > security[j].Priority })

	e.mu.Lock()
	e.exclusion = exclusion
	e.security = security
	e.mu.Unlock()

	slog.Info("rules loaded",
		"exclusion_count", len(exclusion),
		"security_count", len(security),
	)
}

// Counts returns the number of loaded exclusion and security rules.
func (e *Engine) Counts() (exclusion, security int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.exclusion), len(e.security)
}

// ApplyExclusions marks records matched by an exclusion rule. The first
// matching rule excludes the record; its id is retained as an explanation
// artifact. Returns the number of records excluded.
func (e *Engine) ApplyExclusions(ctx context.Context, records []*domain.EmailRecord) int {
	e.mu.RLock()
	rules := e.exclusion
	e.mu.RUnlock()

	if len(rules) == 0 {
		return 0
	}

	excluded := 0
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		if record.Excluded() {
			continue
		}
		for _, rule := range rules {
			if e.evalNode(&rule.Root, record) {
				record.ExcludedBy = append(record.ExcludedBy, rule.ID)
				excluded++
				slog.Debug("record excluded",
					"record_id", record.ID,
					"rule", rule.Name,
				)
				break
			}
		}
	}
	return excluded
}

// ApplySecurity evaluates every security rule against a single record and
// returns its matches. Security rules never exclude. Pure given the rule
// set, so safe to call concurrently across records.
func (e *Engine) ApplySecurity(ctx context.Context, record *domain.EmailRecord) []domain.RuleMatch {
	e.mu.RLock()
	rules := e.security
	e.mu.RUnlock()

	var matches []domain.RuleMatch
	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		if e.evalNode(&rule.Root, record) {
			matches = append(matches, domain.RuleMatch{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Severity: rule.Severity,
				Priority: rule.Priority,
			})
		}
	}
	return matches
}

// SecurityRule returns a loaded security rule by id, for action application.
func (e *Engine) SecurityRule(id string) (*domain.Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rule := range e.security {
		if rule.ID == id {
			return rule, true
		}
	}
	return nil, false
}

// TestRule dry-runs a rule against a record batch, returning the ids of
// matching records. Used for rule impact preview; the rule does not need to
// be loaded.
func (e *Engine) TestRule(rule *domain.Rule, records []*domain.EmailRecord) ([]string, error) {
	if err := e.ValidateRule(rule); err != nil {
		return nil, err
	}
	var matched []string
	for _, record := range records {
		if e.evalNode(&rule.Root, record) {
			matched = append(matched, record.ID)
		}
	}
	return matched, nil
}

// evalNode recursively evaluates a rule tree. AND short-circuits on the
// first false child and is vacuously true over an empty child list; OR
// short-circuits on the first true child and is false over an empty list.
func (e *Engine) evalNode(node *domain.RuleNode, record *domain.EmailRecord) bool {
	if node.IsLeaf() {
		return e.evaluator.Evaluate(node.Condition, record)
	}

	switch node.Logic {
	case domain.LogicOr:
		for i := range node.Children {
			if e.evalNode(&node.Children[i], record) {
				return true
			}
		}
		return false
	default: // AND
		for i := range node.Children {
			if !e.evalNode(&node.Children[i], record) {
				return false
			}
		}
		return true
	}
}

func validateExpressions(node *domain.RuleNode, exprs ExpressionEvaluator) error {
	if node.IsLeaf() {
		if node.Condition.Operator != domain.OpExpression {
			return nil
		}
		compiler, ok := exprs.(interface{ Compile(string) error })
		if !ok || exprs == nil {
			return nil
		}
		if err := compiler.Compile(node.Condition.Value); err != nil {
			return domain.ConfigurationError("expression", err)
		}
		return nil
	}
	for i := range node.Children {
		if err := validateExpressions(&node.Children[i], exprs); err != nil {
			return err
		}
	}
	return nil
}
