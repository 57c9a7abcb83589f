package registry

import (
	"fmt"
	"strings"
)

// ValidationError aggregates all problems found in a catalog.
type ValidationError struct {
	Domain   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("catalog %q invalid: %s", e.Domain, strings.Join(e.Problems, "; "))
}

// ValidateCatalog checks internal consistency of a domain catalog: tool
// references must resolve, step IDs must be unique, and every intent must be
// able to reach a terminal step.
func ValidateCatalog(cat *DomainCatalog) error {
	var problems []string

	if cat.Domain == "" {
		problems = append(problems, "missing domain name")
	}
	if len(cat.Intents) == 0 {
		problems = append(problems, "no intents declared")
	}

	declared := make(map[string]bool, len(cat.Tools))
	for _, tool := range cat.Tools {
		if tool.Name == "" {
			problems = append(problems, "tool with empty name")
			continue
		}
		if declared[tool.Name] {
			problems = append(problems, fmt.Sprintf("duplicate tool %q", tool.Name))
		}
		declared[tool.Name] = true
	}

	seenIntents := make(map[string]bool, len(cat.Intents))
	for _, entry := range cat.Intents {
		if entry.Intent == "" {
			problems = append(problems, "intent with empty name")
			continue
		}
		if seenIntents[entry.Intent] {
			problems = append(problems, fmt.Sprintf("duplicate intent %q", entry.Intent))
		}
		seenIntents[entry.Intent] = true

		candidate := make(map[string]bool, len(entry.Tools))
		for _, name := range entry.Tools {
			if !declared[name] {
				problems = append(problems, fmt.Sprintf("intent %q references undeclared tool %q", entry.Intent, name))
			}
			candidate[name] = true
		}
		for _, name := range entry.InfoTools {
			if !declared[name] {
				problems = append(problems, fmt.Sprintf("intent %q references undeclared info tool %q", entry.Intent, name))
			}
		}

		if len(entry.Steps) == 0 {
			problems = append(problems, fmt.Sprintf("intent %q has no steps", entry.Intent))
			continue
		}

		seenSteps := make(map[string]bool, len(entry.Steps))
		hasTerminal := false
		for _, step := range entry.Steps {
			if step.ID == "" {
				problems = append(problems, fmt.Sprintf("intent %q has a step with empty id", entry.Intent))
				continue
			}
			if seenSteps[step.ID] {
				problems = append(problems, fmt.Sprintf("intent %q has duplicate step %q", entry.Intent, step.ID))
			}
			seenSteps[step.ID] = true
			if step.Terminal {
				hasTerminal = true
			}
			for _, name := range append([]string{step.Tool}, step.Alternatives...) {
				if name == "" {
					problems = append(problems, fmt.Sprintf("step %q of intent %q missing tool", step.ID, entry.Intent))
					continue
				}
				if !candidate[name] {
					problems = append(problems, fmt.Sprintf("step %q of intent %q uses tool %q outside the intent tool set", step.ID, entry.Intent, name))
				}
			}
		}
		if !hasTerminal {
			problems = append(problems, fmt.Sprintf("intent %q has no terminal step", entry.Intent))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Domain: cat.Domain, Problems: problems}
	}
	return nil
}
