package catalog

import (
	"fmt"

	"github.com/ktr0328/orchestrator-core/internal/envelope"
)

// PlanStep is one recipe step after interpolation, ready for submission.
type PlanStep struct {
	StepID         string
	Worker         envelope.Worker
	Cmd            string
	DependsOn      []string
	Payload        map[string]any
	CachePolicy    map[string]any
	OutputContract string
	ToolVersions   map[string]string
	RetryPolicy    *RetryPolicy
}

// Plan is a recipe compiled against concrete user input, ready to submit to
// the job engine.
type Plan struct {
	PresetID       string
	IdempotencyKey string
	RetryOf        string
	TimeoutMs      int
	RetryPolicy    *RetryPolicy
	Steps          []PlanStep
}

// BuildOptions carries the optional fields a caller supplies alongside
// userInput when building a plan.
type BuildOptions struct {
	IdempotencyKey string
	RetryOf        string
}

// BuildPlan compiles recipeId against userInput and options into a Plan.
func (c *Catalog) BuildPlan(recipeID string, userInput map[string]any, options BuildOptions) (Plan, error) {
	recipe, ok := c.Get(recipeID)
	if !ok {
		return Plan{}, fmt.Errorf("recipe %q not found", recipeID)
	}

	merged := map[string]any{}
	for k, v := range recipe.Defaults {
		merged[k] = v
	}
	for k, v := range userInput {
		merged[k] = v
	}

	ctx := map[string]any{
		"recipe": map[string]any{
			"id":      recipe.ID,
			"version": recipe.Version,
		},
		"defaults": recipe.Defaults,
		"input":    merged,
		"steps":    map[string]any{},
	}

	steps := make([]PlanStep, 0, len(recipe.Steps))
	for _, spec := range recipe.Steps {
		payload, _ := Interpolate(spec.Payload, ctx).(map[string]any)
		if payload == nil {
			payload = map[string]any{}
		}
		cachePolicy, _ := Interpolate(spec.CachePolicy, ctx).(map[string]any)
		retryPolicy := spec.RetryPolicy
		toolVersions := InterpolateStringMap(spec.ToolVersions, ctx)

		steps = append(steps, PlanStep{
			StepID:         spec.ID,
			Worker:         spec.Worker,
			Cmd:            spec.Command,
			DependsOn:      append([]string(nil), spec.DependsOn...),
			Payload:        payload,
			CachePolicy:    cachePolicy,
			OutputContract: spec.OutputContract,
			ToolVersions:   toolVersions,
			RetryPolicy:    retryPolicy,
		})
	}

	return Plan{
		PresetID:       recipe.ID,
		IdempotencyKey: options.IdempotencyKey,
		RetryOf:        options.RetryOf,
		TimeoutMs:      recipe.TimeoutMs,
		RetryPolicy:    recipe.RetryPolicy,
		Steps:          steps,
	}, nil
}

// MaterializeOutputs interpolates recipeId's outputs template against a
// context that exposes each finished step's output under steps.<step_id>.
func (c *Catalog) MaterializeOutputs(recipeID string, stepOutputs map[string]any) (any, error) {
	recipe, ok := c.Get(recipeID)
	if !ok {
		return nil, fmt.Errorf("recipe %q not found", recipeID)
	}
	steps := make(map[string]any, len(stepOutputs))
	for stepID, output := range stepOutputs {
		steps[stepID] = map[string]any{"output": output}
	}
	ctx := map[string]any{
		"recipe": map[string]any{"id": recipe.ID, "version": recipe.Version},
		"steps":  steps,
	}
	return Interpolate(recipe.Outputs, ctx), nil
}
