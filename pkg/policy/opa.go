// Package policy gates deployment decisions through an operator-supplied
// Rego policy. No policy file means no gate: every decision passes.
package policy

import (
	"context"
	"errors"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Action is the gate's verdict on a proposed deployment.
type Action string

const (
	// ActionAllow lets the deployment proceed.
	ActionAllow Action = "allow"
	// ActionDeny blocks the deployment outright.
	ActionDeny Action = "deny"
	// ActionObserve records the decision but provisions nothing.
	ActionObserve Action = "observe"
)

// Engine wraps a prepared Rego query. The policy is expected to set
// data.shadowwall.deception.decision to one of "allow", "deny", "observe".
type Engine struct {
	prepared rego.PreparedEvalQuery
}

// Load compiles the Rego file at path and prepares the decision query.
// An empty path returns a nil engine, which evaluates as pass-through.
func Load(path string) (*Engine, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	r := rego.New(
		rego.Query("data.shadowwall.deception.decision"),
		rego.Load([]string{path}, nil),
	)
	pq, err := r.PrepareForEval(context.Background())
	if err != nil {
		return nil, err
	}
	return &Engine{prepared: pq}, nil
}

// Evaluate runs the gate over one deployment input. ok is false when the
// policy produced no decision, in which case the caller falls back to allow.
// A nil engine always falls back.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) (Action, bool, error) {
	if e == nil {
		return "", false, nil
	}
	rs, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", false, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", false, nil
	}
	s, ok := rs[0].Expressions[0].Value.(string)
	if !ok || s == "" {
		return "", false, nil
	}
	switch Action(s) {
	case ActionAllow, ActionDeny, ActionObserve:
		return Action(s), true, nil
	default:
		return "", false, errors.New("unsupported decision from policy")
	}
}
