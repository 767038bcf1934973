// Package gate implements the "expr:<CEL>" gate condition form: a CEL
// expression evaluated against a read-only view of a gate node's
// predecessor statuses and artifacts.
package gate

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	conduit "github.com/forgeworks/conduit"
)

// Evaluator implements conduit.GateEvaluator with google/cel-go. A single
// Evaluator compiles and caches programs by expression text, since a DAG
// template's gate conditions are re-evaluated every time new predecessors
// complete. One Evaluator is shared by every concurrent gate evaluation,
// so the cache is guarded by its own mutex.
type Evaluator struct {
	env *cel.Env

	mu    sync.Mutex
	cache map[string]cel.Program
}

// New builds an Evaluator. Expressions see a single variable, "preds": a
// map from predecessor node ID to a struct with "status" (string) and
// "artifacts" (dyn) fields.
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("preds", cel.MapType(cel.StringType, cel.MapType(cel.StringType, cel.DynType))),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: build cel env: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Eval compiles (or reuses a cached compile of) expr and runs it against
// preds, returning whether the gate passes. A non-boolean result or a
// compile/eval error is returned as an error — callers (the DAG Executor)
// treat that as a fail-closed gate.
func (e *Evaluator) Eval(expr string, preds map[string]conduit.GatePredecessorView) (bool, error) {
	e.mu.Lock()
	prg, ok := e.cache[expr]
	e.mu.Unlock()
	if !ok {
		ast, issues := e.env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Errorf("gate: compile %q: %w", expr, issues.Err())
		}
		compiled, err := e.env.Program(ast)
		if err != nil {
			return false, fmt.Errorf("gate: program %q: %w", expr, err)
		}
		prg = compiled
		e.mu.Lock()
		e.cache[expr] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"preds": toCELPreds(preds)})
	if err != nil {
		return false, fmt.Errorf("gate: eval %q: %w", expr, err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		if rv, isRef := out.(ref.Val); isRef {
			if bv, isBool := rv.ConvertToType(types.BoolType).(types.Bool); isBool {
				return bool(bv), nil
			}
		}
		return false, fmt.Errorf("gate: expression %q did not evaluate to a bool", expr)
	}
	return b, nil
}

// toCELPreds flattens GatePredecessorView (whose Artifacts is a
// conduit.Value tagged union) into plain maps CEL can index with
// ".artifacts.score"-style field access (the DAG Executor passes a
// predecessor's structured artifact as "artifacts").
func toCELPreds(preds map[string]conduit.GatePredecessorView) map[string]any {
	out := make(map[string]any, len(preds))
	for id, p := range preds {
		out[id] = map[string]any{
			"status":    p.Status,
			"artifacts": valueToCEL(p.Artifacts),
		}
	}
	return out
}

// valueToCEL converts a conduit.Value tagged union into the plain Go
// value CEL's dyn type expects, recursing through List/Map kinds.
func valueToCEL(v conduit.Value) any {
	switch v.Kind {
	case conduit.KindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = valueToCEL(item)
		}
		return out
	case conduit.KindMap:
		out := make(map[string]any, len(v.Map))
		for k, item := range v.Map {
			out[k] = valueToCEL(item)
		}
		return out
	default:
		return v.Scalar
	}
}

var _ conduit.GateEvaluator = (*Evaluator)(nil)
