package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/agent"
	"github.com/concierge-ai/concierge/internal/backend"
	"github.com/concierge-ai/concierge/internal/circuitbreaker"
	"github.com/concierge-ai/concierge/internal/metrics"
	"github.com/concierge-ai/concierge/internal/registry"
	"github.com/concierge-ai/concierge/internal/session"
)

const personalizeCachePrefix = "concierge:personalize:"

// Personalizer narrows the workflow's tool set and prefills parameters from
// the user's context. Results are cached by snapshot content hash, so an
// unchanged snapshot always yields the same reduction.
type Personalizer struct {
	backend backend.Client
	cache   *circuitbreaker.RedisWrapper
	logger  *zap.Logger
	ttl     time.Duration
}

// PersonalizerOption configures optional collaborators.
type PersonalizerOption func(*Personalizer)

// WithPersonalizerCache attaches a Redis-backed result cache.
func WithPersonalizerCache(cache *circuitbreaker.RedisWrapper) PersonalizerOption {
	return func(p *Personalizer) { p.cache = cache }
}

// NewPersonalizer creates a personalizer over the reasoning backend.
func NewPersonalizer(client backend.Client, logger *zap.Logger, opts ...PersonalizerOption) *Personalizer {
	p := &Personalizer{
		backend: client,
		logger:  logger,
		ttl:     time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// proposal is the JSON shape the reasoning backend is asked to produce.
type proposal struct {
	ReducedToolSet      []string          `json:"reduced_tool_set"`
	PrefilledParameters map[string]string `json:"prefilled_parameters"`
	Confidence          float64           `json:"confidence"`
}

// Personalize proposes a reduced tool set for the template. The reduction is
// validated before it is returned: every tool must exist in the full set, and
// the template must still admit a complete path to a terminal step. A
// reduction that would strand a mandatory step degrades to the full set
// rather than producing an unsatisfiable plan.
func (p *Personalizer) Personalize(ctx context.Context, snap *session.Snapshot, tmpl *registry.WorkflowTemplate, fullTools []registry.ToolDescriptor) (PersonalizationResult, error) {
	cacheKey := personalizeCachePrefix + snap.Hash()
	if cached, ok := p.cachedResult(ctx, cacheKey); ok {
		p.logger.Debug("Returning cached personalization",
			zap.String("session_id", snap.SessionID))
		return cached, nil
	}

	resp, err := p.backend.Complete(ctx, backend.Request{
		System:    personalizerSystemPrompt,
		Prompt:    buildPersonalizerPrompt(snap, tmpl, fullTools),
		MaxTokens: 512,
	})
	if err != nil {
		metrics.BackendRequests.WithLabelValues("error").Inc()
		return PersonalizationResult{}, fmt.Errorf("personalization backend call: %w", err)
	}
	metrics.BackendRequests.WithLabelValues("ok").Inc()
	metrics.BackendTokensUsed.Observe(float64(resp.TokensUsed))

	var prop proposal
	if err := backend.DecodeJSON(resp.Content, &prop); err != nil {
		return PersonalizationResult{}, &agent.ValidationError{Reason: err.Error()}
	}

	known := make(map[string]bool, len(fullTools))
	for _, t := range fullTools {
		known[t.Name] = true
	}
	for _, name := range prop.ReducedToolSet {
		if !known[name] {
			return PersonalizationResult{}, &agent.ValidationError{
				Reason: fmt.Sprintf("tool %q not in the registry tool set", name),
			}
		}
	}

	result := PersonalizationResult{
		ReducedToolSet:      prop.ReducedToolSet,
		PrefilledParameters: prop.PrefilledParameters,
		Confidence:          prop.Confidence,
		TokensUsed:          resp.TokensUsed,
	}
	sort.Strings(result.ReducedToolSet)

	if len(result.ReducedToolSet) > 0 {
		allowed := make(map[string]bool, len(result.ReducedToolSet))
		for _, name := range result.ReducedToolSet {
			allowed[name] = true
		}
		if !tmpl.Satisfiable(allowed) {
			p.logger.Warn("Reduction strands a mandatory step, keeping full tool set",
				zap.String("session_id", snap.SessionID),
				zap.Strings("proposed", result.ReducedToolSet))
			metrics.PersonalizerDegradations.WithLabelValues("unsatisfiable_reduction").Inc()
			result.ReducedToolSet = registry.ToolNames(fullTools)
		}
		metrics.PersonalizerReductionRatio.Observe(float64(len(result.ReducedToolSet)) / float64(len(fullTools)))
	}

	p.storeResult(ctx, cacheKey, result)
	return result, nil
}

const personalizerSystemPrompt = `You personalize a customer service workflow. ` +
	`Given the user's conversation and account context, select the minimal tool subset ` +
	`needed for their request and prefill any workflow parameters they already stated. ` +
	`Respond with a single JSON object: ` +
	`{"reduced_tool_set": [...], "prefilled_parameters": {...}, "confidence": 0.0}`

func buildPersonalizerPrompt(snap *session.Snapshot, tmpl *registry.WorkflowTemplate, fullTools []registry.ToolDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Domain: %s\nIntent: %s\n\nAvailable tools:\n", snap.Domain, snap.Intent)
	for _, t := range fullTools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}

	b.WriteString("\nWorkflow steps:\n")
	for _, step := range tmpl.Steps {
		fmt.Fprintf(&b, "- %s (tool %s", step.ID, step.Tool)
		if step.Mandatory {
			b.WriteString(", mandatory")
		}
		b.WriteString(")\n")
	}

	if len(snap.ClientInfo) > 0 {
		if data, err := json.Marshal(snap.ClientInfo); err == nil {
			fmt.Fprintf(&b, "\nClient context: %s\n", data)
		}
	}

	b.WriteString("\nConversation:\n")
	for _, turn := range snap.History {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}
	return b.String()
}

func (p *Personalizer) cachedResult(ctx context.Context, key string) (PersonalizationResult, bool) {
	if p.cache == nil || p.cache.IsCircuitBreakerOpen() {
		return PersonalizationResult{}, false
	}
	data, err := p.cache.Get(ctx, key).Bytes()
	if err != nil {
		return PersonalizationResult{}, false
	}
	var result PersonalizationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return PersonalizationResult{}, false
	}
	// A cache hit spends no backend tokens.
	result.TokensUsed = 0
	return result, true
}

func (p *Personalizer) storeResult(ctx context.Context, key string, result PersonalizationResult) {
	if p.cache == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, key, data, p.ttl).Err(); err != nil {
		p.logger.Debug("Failed to cache personalization result", zap.Error(err))
	}
}
