// Package policy evaluates rego policies before each domain tool invocation.
// It is defense in depth behind the identity gate: even an approved plan
// cannot reach a sensitive tool the policy denies.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/metrics"
)

// Mode defines the engine's enforcement behavior.
type Mode string

const (
	// ModeOff disables evaluation entirely.
	ModeOff Mode = "off"
	// ModeDryRun evaluates and logs but never blocks.
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and blocks on deny.
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Mode    Mode   `mapstructure:"mode"`
	Path    string `mapstructure:"path"`
	// FailClosed denies everything when policies cannot be loaded or
	// evaluated; fail-open allows.
	FailClosed bool `mapstructure:"fail_closed"`
}

// Input is the evaluation context for one tool invocation.
type Input struct {
	Tool      string    `json:"tool"`
	Sensitive bool      `json:"sensitive"`
	Verified  bool      `json:"verified"`
	Timestamp time.Time `json:"timestamp"`
}

// Decision is the policy verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine evaluates the tool gate policy set.
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	enabled  bool
}

// NewEngine creates and compiles the policy engine. In fail-open mode a load
// failure downgrades to a disabled engine instead of an error.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		enabled: cfg.Enabled && cfg.Mode != ModeOff,
	}
	if !e.enabled {
		return e, nil
	}

	if err := e.loadPolicies(); err != nil {
		if cfg.FailClosed {
			return nil, fmt.Errorf("load policies (fail-closed): %w", err)
		}
		logger.Warn("Failed to load policies, running fail-open", zap.Error(err))
		e.enabled = false
	}
	return e, nil
}

func (e *Engine) loadPolicies() error {
	modules := make(map[string]string)
	err := filepath.Walk(e.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.cfg.Path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy directory %s: %w", e.cfg.Path, err)
	}
	if len(modules) == 0 {
		return fmt.Errorf("no policy files under %s", e.cfg.Path)
	}

	opts := []func(*rego.Rego){rego.Query("data.concierge.tools.decision")}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}
	e.compiled = &compiled

	e.logger.Info("Policies compiled", zap.Int("modules", len(modules)))
	return nil
}

// Mode returns the effective enforcement mode.
func (e *Engine) Mode() Mode {
	if !e.enabled {
		return ModeOff
	}
	return e.cfg.Mode
}

// Evaluate runs the tool gate policy for one invocation.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	if !e.enabled || e.compiled == nil {
		return Decision{Allow: !e.cfg.FailClosed, Reason: "policy engine disabled"}, nil
	}
	if input.Timestamp.IsZero() {
		input.Timestamp = time.Now()
	}

	results, err := e.compiled.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"tool":      input.Tool,
		"sensitive": input.Sensitive,
		"verified":  input.Verified,
		"timestamp": input.Timestamp.Format(time.RFC3339),
	}))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		if e.cfg.FailClosed {
			return Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return Decision{Allow: true, Reason: "policy evaluation error (fail-open)"}, nil
	}

	decision := e.parseResults(results)
	metrics.PolicyDecisions.WithLabelValues(allowLabel(decision.Allow), string(e.cfg.Mode)).Inc()

	if e.cfg.Mode == ModeDryRun && !decision.Allow {
		e.logger.Warn("Policy would deny (dry-run)",
			zap.String("tool", input.Tool),
			zap.String("reason", decision.Reason))
		return Decision{Allow: true, Reason: "dry-run: " + decision.Reason}, nil
	}
	return decision, nil
}

func (e *Engine) parseResults(results rego.ResultSet) Decision {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: !e.cfg.FailClosed, Reason: "no decision produced"}
	}
	raw, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{Allow: !e.cfg.FailClosed, Reason: "malformed decision"}
	}

	decision := Decision{}
	if allow, ok := raw["allow"].(bool); ok {
		decision.Allow = allow
	}
	if reason, ok := raw["reason"].(string); ok {
		decision.Reason = reason
	}
	return decision
}

func allowLabel(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}
