// Package rules provides the condition evaluator and rule engine.
package rules

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/opensource-sec/kestrel/internal/domain"
)

// ExpressionEvaluator evaluates an expression-operator condition against a
// record field map. Implemented by the CEL environment in this package.
type ExpressionEvaluator interface {
	EvalExpr(expr string, activation map[string]any) (bool, error)
}

// EvaluatorOptions configure value comparison.
type EvaluatorOptions struct {
	// FoldExactMatch makes equals/not_equals case-insensitive. Substring
	// operators always fold, matching the upstream data which arrives in
	// mixed case. A condition's CaseSensitive flag overrides both.
	FoldExactMatch bool

	// Expressions handles the "expression" operator; nil fails closed.
	Expressions ExpressionEvaluator
}

// Evaluator evaluates a single Condition against a record. It never returns
// an error: malformed input fails closed (no match) with a logged reason.
// Regex conditions run on Go's RE2 engine, which guarantees linear-time
// matching, so a hostile pattern cannot stall the batch.
type Evaluator struct {
	opts EvaluatorOptions

	mu      sync.RWMutex
	regexes map[string]*regexp.Regexp // compiled pattern cache; nil entry = invalid
}

// NewEvaluator creates a condition evaluator.
func NewEvaluator(opts EvaluatorOptions) *Evaluator {
	return &Evaluator{
		opts:    opts,
		regexes: make(map[string]*regexp.Regexp),
	}
}

// nullish values seen in CSV exports that mean "empty".
var nullish = map[string]bool{
	"": true, "none": true, "null": true, "n/a": true, "na": true, "nil": true,
}

func normalize(v string) string {
	v = strings.TrimSpace(v)
	if nullish[strings.ToLower(v)] {
		return ""
	}
	return v
}

// Evaluate applies a condition to a record. A missing field, invalid regex,
// or numeric coercion failure never matches.
func (e *Evaluator) Evaluate(cond *domain.Condition, record *domain.EmailRecord) bool {
	if cond == nil || cond.Operator == "" {
		return false
	}

	if cond.Operator == domain.OpExpression {
		return e.evalExpression(cond, record)
	}

	raw, ok := record.Field(cond.Field)
	if !ok {
		slog.Debug("condition references unknown field",
			"field", cond.Field,
			"record_id", record.ID,
		)
		return false
	}

	recordVal := normalize(raw)
	condVal := normalize(cond.Value)

	fold := e.fold(cond)
	cmpRecord, cmpCond := recordVal, condVal
	if fold {
		cmpRecord = strings.ToLower(recordVal)
		cmpCond = strings.ToLower(condVal)
	}

	switch cond.Operator {
	case domain.OpEquals:
		return cmpRecord == cmpCond
	case domain.OpNotEquals:
		return cmpRecord != cmpCond
	case domain.OpContains:
		return cmpCond != "" && strings.Contains(cmpRecord, cmpCond)
	case domain.OpNotContains:
		return cmpCond == "" || !strings.Contains(cmpRecord, cmpCond)
	case domain.OpStartsWith:
		return cmpCond != "" && strings.HasPrefix(cmpRecord, cmpCond)
	case domain.OpEndsWith:
		return cmpCond != "" && strings.HasSuffix(cmpRecord, cmpCond)
	case domain.OpInList:
		for _, item := range strings.Split(cmpCond, ",") {
			if cmpRecord == strings.TrimSpace(item) {
				return true
			}
		}
		return false
	case domain.OpGreaterThan:
		rv, cv, ok := coerceFloats(recordVal, condVal)
		return ok && rv > cv
	case domain.OpLessThan:
		rv, cv, ok := coerceFloats(recordVal, condVal)
		return ok && rv < cv
	case domain.OpRegex:
		return e.matchRegex(cond, raw)
	case domain.OpIsEmpty:
		return recordVal == ""
	case domain.OpIsNotEmpty:
		return recordVal != ""
	default:
		slog.Warn("unknown condition operator", "operator", cond.Operator)
		return false
	}
}

// fold reports whether the comparison should be case-insensitive. Exact
// matches follow FoldExactMatch; substring operators always fold; the
// condition's CaseSensitive flag forces exact casing for every operator.
func (e *Evaluator) fold(cond *domain.Condition) bool {
	if cond.CaseSensitive {
		return false
	}
	if cond.Operator == domain.OpEquals || cond.Operator == domain.OpNotEquals {
		return e.opts.FoldExactMatch
	}
	return true
}

func coerceFloats(a, b string) (float64, float64, bool) {
	av, err1 := strconv.ParseFloat(a, 64)
	bv, err2 := strconv.ParseFloat(b, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return av, bv, true
}

// matchRegex compiles (and caches) the condition pattern and applies it to
// the raw field value. An invalid pattern is cached as nil so the compile
// error is logged once, and the condition never matches.
func (e *Evaluator) matchRegex(cond *domain.Condition, value string) bool {
	pattern := cond.Value
	if !cond.CaseSensitive {
		pattern = "(?is)" + pattern
	}

	e.mu.RLock()
	re, seen := e.regexes[pattern]
	e.mu.RUnlock()

	if !seen {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			slog.Warn("invalid regex pattern in condition",
				"pattern", cond.Value,
				"field", cond.Field,
				"error", err,
			)
			re = nil
		}
		e.mu.Lock()
		e.regexes[pattern] = re
		e.mu.Unlock()
	}

	if re == nil {
		return false
	}
	return re.MatchString(value)
}

func (e *Evaluator) evalExpression(cond *domain.Condition, record *domain.EmailRecord) bool {
	if e.opts.Expressions == nil {
		slog.Warn("expression condition with no expression evaluator configured")
		return false
	}
	ok, err := e.opts.Expressions.EvalExpr(cond.Value, record.FieldMap())
	if err != nil {
		slog.Warn("expression condition failed",
			"expression", cond.Value,
			"record_id", record.ID,
			"error", err,
		)
		return false
	}
	return ok
}
