// Package rules wraps google/cel-go to evaluate clinical criteria against a
// flat fact map. Criteria are compiled once at construction; evaluation is
// read-only and safe for concurrent use.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Criterion is a named boolean CEL expression over the "answers" variable.
type Criterion struct {
	Name       string
	Expression string
}

type Engine struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// New compiles the given criteria. A compile failure in any criterion is a
// configuration error and fails construction.
func New(criteria []Criterion) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("answers", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &Engine{
		env:      env,
		programs: make(map[string]cel.Program, len(criteria)),
	}
	for _, c := range criteria {
		if err := e.compile(c.Name, c.Expression); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) compile(name, expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile criterion %q: %w", name, issues.Err())
	}
	prog, err := e.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return fmt.Errorf("build program for criterion %q: %w", name, err)
	}
	e.mu.Lock()
	e.programs[name] = prog
	e.mu.Unlock()
	return nil
}

// Matches evaluates one criterion against the answers map. Non-boolean
// results are treated as false. Evaluation errors (typically missing facts)
// are returned so the caller can decide how incomplete input is handled.
func (e *Engine) Matches(name string, answers map[string]interface{}) (bool, error) {
	e.mu.RLock()
	prog, ok := e.programs[name]
	e.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("criterion %q is not compiled", name)
	}

	if answers == nil {
		answers = map[string]interface{}{}
	}
	out, _, err := prog.Eval(map[string]interface{}{"answers": answers})
	if err != nil {
		return false, fmt.Errorf("evaluate criterion %q: %w", name, err)
	}
	matched, _ := out.Value().(bool)
	return matched, nil
}
