package registry

import "errors"

var (
	// ErrUnknownDomain is returned when no catalog exists for a domain.
	ErrUnknownDomain = errors.New("unknown domain")

	// ErrUnknownIntent is returned when a domain has no entry for an intent.
	ErrUnknownIntent = errors.New("unknown intent")

	// ErrIntentUnresolved is returned when an utterance matches no intent.
	ErrIntentUnresolved = errors.New("intent could not be resolved from utterance")
)

// ToolDescriptor describes a single domain tool.
type ToolDescriptor struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Params      []string `yaml:"params" json:"params,omitempty"`
	// Sensitive tools touch account data and are subject to the tool gate policy.
	Sensitive bool `yaml:"sensitive" json:"sensitive,omitempty"`
}

// Step is one node in a workflow template's ordered step graph.
type Step struct {
	ID   string `yaml:"id" json:"id"`
	Tool string `yaml:"tool" json:"tool"`
	// Alternatives are interchangeable tools that satisfy this step when the
	// primary tool has been trimmed from the personalized set.
	Alternatives []string `yaml:"alternatives" json:"alternatives,omitempty"`
	// Mandatory steps must remain executable for the template to reach a
	// terminal step; personalization can never strand one.
	Mandatory bool     `yaml:"mandatory" json:"mandatory,omitempty"`
	Terminal  bool     `yaml:"terminal" json:"terminal,omitempty"`
	Params    []string `yaml:"params" json:"params,omitempty"`
}

// WorkflowTemplate is the ordered step graph for one (domain, intent) pair.
type WorkflowTemplate struct {
	Domain    string   `json:"domain"`
	Intent    string   `json:"intent"`
	Steps     []Step   `json:"steps"`
	InfoTools []string `json:"info_tools,omitempty"`
}

// IntentEntry is one intent's configuration within a domain catalog.
type IntentEntry struct {
	Intent      string   `yaml:"intent"`
	Description string   `yaml:"description"`
	Aliases     []string `yaml:"aliases"`
	// Tools is the full candidate tool set for this intent, referencing
	// descriptors declared at the domain level.
	Tools     []string `yaml:"tools"`
	InfoTools []string `yaml:"info_tools"`
	Steps     []Step   `yaml:"steps"`
}

// DomainCatalog is the raw on-disk representation of one domain.
type DomainCatalog struct {
	Domain  string           `yaml:"domain"`
	Intents []IntentEntry    `yaml:"intents"`
	Tools   []ToolDescriptor `yaml:"tools"`
}

// ToolNames returns the names of all tools in the set, in order.
func ToolNames(tools []ToolDescriptor) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}

// StepByID returns a pointer to the step with the supplied ID, if present.
func (t *WorkflowTemplate) StepByID(id string) *Step {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// Satisfiable reports whether the template still admits a complete path to a
// terminal step when execution is restricted to the allowed tool set: every
// mandatory step must keep its primary tool or one alternative.
func (t *WorkflowTemplate) Satisfiable(allowed map[string]bool) bool {
	for _, step := range t.Steps {
		if !step.Mandatory {
			continue
		}
		if allowed[step.Tool] {
			continue
		}
		ok := false
		for _, alt := range step.Alternatives {
			if allowed[alt] {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
