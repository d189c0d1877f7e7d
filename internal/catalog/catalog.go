// Package catalog loads, validates, and compiles the declarative recipe
// catalog into ready-to-submit plans.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ktr0328/orchestrator-core/internal/envelope"
)

// RetryPolicy bounds how many attempts a step (or a whole job) gets.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
}

// StepSpec is one declared step in a recipe.
type StepSpec struct {
	ID             string            `json:"id"`
	Worker         envelope.Worker   `json:"worker"`
	Command        string            `json:"command"`
	DependsOn      []string          `json:"depends_on,omitempty"`
	Payload        map[string]any    `json:"payload"`
	CachePolicy    map[string]any    `json:"cache_policy,omitempty"`
	OutputContract string            `json:"output_contract,omitempty"`
	ToolVersions   map[string]string `json:"tool_versions,omitempty"`
	RetryPolicy    *RetryPolicy      `json:"retry_policy,omitempty"`
}

// Recipe is a declarative multi-step plan template.
type Recipe struct {
	ID          string           `json:"id"`
	Version     string           `json:"version"`
	Description string           `json:"description,omitempty"`
	Inputs      map[string]Input `json:"inputs,omitempty"`
	Defaults    map[string]any   `json:"defaults,omitempty"`
	Steps       []StepSpec       `json:"steps"`
	Outputs     map[string]any   `json:"outputs,omitempty"`
	TimeoutMs   int              `json:"timeout_ms,omitempty"`
	RetryPolicy *RetryPolicy     `json:"retry_policy,omitempty"`
}

// Input describes one named recipe input's declared type.
type Input struct {
	Type string `json:"type"`
}

// Catalog is an id-indexed, validated set of recipes.
type Catalog struct {
	recipes map[string]Recipe
	order   []string
}

// LoadCatalog reads and validates a catalog document from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog validates and indexes a catalog document already in memory.
func ParseCatalog(data []byte) (*Catalog, error) {
	var recipes []Recipe
	if err := json.Unmarshal(data, &recipes); err != nil {
		return nil, fmt.Errorf("catalog must be an array of recipes: %w", err)
	}

	c := &Catalog{recipes: map[string]Recipe{}}
	for _, recipe := range recipes {
		if _, dup := c.recipes[recipe.ID]; dup {
			return nil, fmt.Errorf("duplicate recipe id %q", recipe.ID)
		}
		if err := validateRecipe(recipe); err != nil {
			return nil, fmt.Errorf("recipe %q: %w", recipe.ID, err)
		}
		c.recipes[recipe.ID] = recipe
		c.order = append(c.order, recipe.ID)
	}
	return c, nil
}

// validateRecipe enforces recipe invariants: every command's
// owner equals its declared worker; every depends_on entry references an
// earlier-or-other declared step and never itself; step ids are unique;
// workers are members of the worker enum.
func validateRecipe(recipe Recipe) error {
	if recipe.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(recipe.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	seen := map[string]bool{}
	for _, step := range recipe.Steps {
		if step.ID == "" {
			return fmt.Errorf("step id is required")
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = true

		if !envelope.IsValidWorker(step.Worker) {
			return fmt.Errorf("step %q: worker %q is not a recognized worker", step.ID, step.Worker)
		}
		owner, known := envelope.CommandOwner(step.Command)
		if !known {
			return fmt.Errorf("step %q: command %q is not known", step.ID, step.Command)
		}
		if owner != "" && owner != step.Worker {
			return fmt.Errorf("step %q: command %q is owned by worker %q, not %q", step.ID, step.Command, owner, step.Worker)
		}
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("step %q: depends_on cannot reference itself", step.ID)
			}
		}
	}
	for _, step := range recipe.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %q: depends_on references undeclared step %q", step.ID, dep)
			}
		}
	}
	return nil
}

// Get returns the recipe for id.
func (c *Catalog) Get(id string) (Recipe, bool) {
	recipe, ok := c.recipes[id]
	return recipe, ok
}

// List returns every recipe in load order.
func (c *Catalog) List() []Recipe {
	result := make([]Recipe, 0, len(c.order))
	for _, id := range c.order {
		result = append(result, c.recipes[id])
	}
	return result
}
