package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// CELEvaluator compiles and evaluates CEL expression conditions against the
// record field map. Programs are compiled once and cached per expression.
type CELEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELEvaluator creates a CEL environment exposing the rule-addressable
// record fields as variables.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("sender", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("attachments", cel.StringType),
		cel.Variable("recipients", cel.StringType),
		cel.Variable("recipients_email_domain", cel.StringType),
		cel.Variable("leaver", cel.BoolType),
		cel.Variable("termination_date", cel.StringType),
		cel.Variable("wordlist_attachment", cel.StringType),
		cel.Variable("wordlist_subject", cel.StringType),
		cel.Variable("bunit", cel.StringType),
		cel.Variable("department", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("user_response", cel.StringType),
		cel.Variable("final_outcome", cel.StringType),
		cel.Variable("justification", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile validates an expression without evaluating it. Used when rules are
// loaded so a malformed expression is rejected up front.
func (c *CELEvaluator) Compile(expr string) error {
	_, err := c.program(expr)
	return err
}

// EvalExpr evaluates an expression against a record activation. The
// expression must produce a boolean.
func (c *CELEvaluator) EvalExpr(expr string, activation map[string]any) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression did not produce bool, got %v", out.Type())
	}
	return bool(b), nil
}

func (c *CELEvaluator) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	c.mu.Lock()
	c.programs[expr] = prg
	c.mu.Unlock()

	return prg, nil
}

var _ ExpressionEvaluator = (*CELEvaluator)(nil)
