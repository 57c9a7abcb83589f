package policy

import (
	"context"
)

// ToolGate adapts the engine to the per-invocation check the fulfillment
// agent performs before each tool call.
type ToolGate struct {
	engine *Engine
}

// NewToolGate wraps a policy engine.
func NewToolGate(engine *Engine) *ToolGate {
	return &ToolGate{engine: engine}
}

// Allow evaluates the tool gate policy for one invocation.
func (g *ToolGate) Allow(ctx context.Context, tool string, sensitive, verified bool) (bool, string, error) {
	decision, err := g.engine.Evaluate(ctx, Input{
		Tool:      tool,
		Sensitive: sensitive,
		Verified:  verified,
	})
	if err != nil {
		return decision.Allow, decision.Reason, err
	}
	return decision.Allow, decision.Reason, nil
}
