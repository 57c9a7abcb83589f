package agents

import (
	"github.com/concierge-ai/concierge/internal/registry"
)

// PersonalizedPlan is the join of a verified auth result, the
// personalization output and the workflow template. It can only be
// constructed from a verified outcome; fulfillment never runs without one.
type PersonalizedPlan struct {
	Template        *registry.WorkflowTemplate
	Auth            AuthResult
	Personalization PersonalizationResult

	allowed     map[string]bool
	descriptors map[string]registry.ToolDescriptor
}

// NewPersonalizedPlan constructs the plan. A non-verified auth result is
// refused with ErrNotVerified. An empty reduction means no personalization:
// the full tool set stays available.
func NewPersonalizedPlan(auth AuthResult, pers PersonalizationResult, tmpl *registry.WorkflowTemplate, fullTools []registry.ToolDescriptor) (*PersonalizedPlan, error) {
	if auth.Outcome != AuthVerified {
		return nil, ErrNotVerified
	}

	names := pers.ReducedToolSet
	if len(names) == 0 {
		names = registry.ToolNames(fullTools)
	}
	allowed := make(map[string]bool, len(names))
	for _, name := range names {
		allowed[name] = true
	}
	descriptors := make(map[string]registry.ToolDescriptor, len(fullTools))
	for _, t := range fullTools {
		descriptors[t.Name] = t
	}

	return &PersonalizedPlan{
		Template:        tmpl,
		Auth:            auth,
		Personalization: pers,
		allowed:         allowed,
		descriptors:     descriptors,
	}, nil
}

// Sensitive reports whether a tool is marked sensitive in the registry.
func (p *PersonalizedPlan) Sensitive(tool string) bool {
	return p.descriptors[tool].Sensitive
}

// Allowed reports whether a tool survives the personalized restriction.
func (p *PersonalizedPlan) Allowed(tool string) bool {
	return p.allowed[tool]
}

// AllowedTools returns the restriction as a set, for satisfiability checks.
func (p *PersonalizedPlan) AllowedTools() map[string]bool {
	out := make(map[string]bool, len(p.allowed))
	for name := range p.allowed {
		out[name] = true
	}
	return out
}
