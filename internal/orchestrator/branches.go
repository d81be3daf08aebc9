package orchestrator

import (
	"github.com/expr-lang/expr"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// evaluateCondition replaces the teacher's hand-rolled "key == value" matcher with a
// real expression language: step.condition is compiled and run against env each time,
// since conditions are evaluated at most once per step execution.
func evaluateCondition(condition string, env map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	out, err := expr.Eval(condition, env)
	if err != nil {
		return false, &apierr.InvalidParams{Message: "condition: " + err.Error()}
	}
	truthy, ok := out.(bool)
	if !ok {
		return false, &apierr.InvalidParams{Message: "condition did not evaluate to a bool: " + condition}
	}
	return truthy, nil
}

// conditionEnv builds the evaluation environment exposed to step.condition
// expressions: the run's inputs, the workspace id, and counts of context artifacts
// already collected for this step keyed by kind.
func conditionEnv(run *models.Run, contextCounts map[string]int) map[string]any {
	return map[string]any{
		"inputs":       run.Inputs,
		"workspace_id": run.WorkspaceID,
		"strategy":     string(run.Strategy),
		"context":      contextCounts,
	}
}
