package consensus

import (
	"context"
	"encoding/json"

	"github.com/open-policy-agent/opa/rego"

	"github.com/taskfabric/fabric/internal/apperrors"
)

// defaultPolicyModule raises required_approvals for destructive operations
// that target a protected path prefix. Operators replace this with their
// own bundle via NewPolicyEvaluatorFromModule; the fabric ships a reasonable
// default so propose() has sane quorum-raising behavior out of the box.
const defaultPolicyModule = `
package fabric.consensus

default extra_approvals := 0

protected_prefixes := ["/etc", "/var/lib", "prod/"]

is_protected_delete if {
	some i
	startswith(input.targets[_], protected_prefixes[i])
	input.operation == "delete"
}

is_large_batch if {
	count(input.targets) > 10
}

extra_approvals := 2 if {
	is_protected_delete
} else := 1 if {
	is_large_batch
} else := 0
`

// PolicyInput is evaluated by the Rego policy to compute how many extra
// approvals a proposal requires beyond its caller-supplied floor (§4.F:
// "a policy may raise — never lower — the quorum").
type PolicyInput struct {
	Operation string   `json:"operation"`
	Targets   []string `json:"targets"`
	Initiator string   `json:"initiator"`
}

// PolicyEvaluator evaluates a compiled Rego query against a PolicyInput and
// returns the number of additional approvals it demands.
type PolicyEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewPolicyEvaluator compiles the default quorum-raising policy.
func NewPolicyEvaluator(ctx context.Context) (*PolicyEvaluator, error) {
	return NewPolicyEvaluatorFromModule(ctx, defaultPolicyModule)
}

// NewPolicyEvaluatorFromModule compiles a caller-supplied Rego module
// exposing data.fabric.consensus.extra_approvals.
func NewPolicyEvaluatorFromModule(ctx context.Context, module string) (*PolicyEvaluator, error) {
	r := rego.New(
		rego.Query("data.fabric.consensus.extra_approvals"),
		rego.Module("consensus.rego", module),
	)
	q, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "compile consensus policy")
	}
	return &PolicyEvaluator{query: q}, nil
}

// EffectiveRequiredApprovals evaluates the policy and returns
// max(floor, floor+extra_approvals) — the policy can only raise the quorum.
func (p *PolicyEvaluator) EffectiveRequiredApprovals(ctx context.Context, in PolicyInput, floor int) (int, error) {
	if p == nil {
		return floor, nil
	}
	rs, err := p.query.Eval(ctx, rego.EvalInput(map[string]any{
		"operation": in.Operation,
		"targets":   in.Targets,
		"initiator": in.Initiator,
	}))
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "evaluate consensus policy")
	}
	extra := 0
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		switch n := rs[0].Expressions[0].Value.(type) {
		case int:
			extra = n
		case int64:
			extra = int(n)
		case float64:
			extra = int(n)
		case json.Number:
			if f, err := n.Float64(); err == nil {
				extra = int(f)
			}
		}
	}
	if extra < 0 {
		extra = 0
	}
	return floor + extra, nil
}
