// Package rules resolves which approval steps apply to a submission.
package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Step is one human approval step. When is an optional expr condition over
// the process variables; an empty condition always applies.
type Step struct {
	Name       string   `json:"name" yaml:"name"`
	Assignee   string   `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	Candidates []string `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	When       string   `json:"when,omitempty" yaml:"when,omitempty"`
}

// Policy is the ordered list of approval steps configured for the engine.
type Policy struct {
	Steps []Step `json:"steps" yaml:"steps"`
}

// DefaultPolicy is a single open review step.
func DefaultPolicy() Policy {
	return Policy{Steps: []Step{{Name: "Review plan"}}}
}

// Resolve returns the steps whose condition holds for vars. A policy that
// resolves to nothing falls back to a single unconditional step so a
// submission always needs at least one decision.
func (p Policy) Resolve(ev Evaluator, vars map[string]any) ([]Step, error) {
	var out []Step
	for _, s := range p.Steps {
		if s.When == "" {
			out = append(out, s)
			continue
		}
		ok, err := ev.Evaluate(s.When, vars)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", s.Name, err)
		}
		if ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = DefaultPolicy().Steps
	}
	return out, nil
}

// Validate compiles every condition once so bad configuration fails at
// startup rather than at submission.
func (p Policy) Validate() error {
	for i, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if s.When == "" {
			continue
		}
		if _, err := expr.Compile(s.When, expr.AsBool()); err != nil {
			return fmt.Errorf("step %q: %w", s.Name, err)
		}
	}
	return nil
}

// Evaluator evaluates boolean rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]any) (bool, error)
}

// ExprEvaluator evaluates expressions with expr-lang/expr, caching compiled
// programs.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs expression against env. Unknown identifiers evaluate to nil
// so a condition referencing an unset variable is simply false.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.AsBool(), expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
	}
	return b, nil
}
