// Package diagram renders Mermaid instructions for a produced artifact according to
// its kind's diagram recipes: payload chunking for large artifacts, a deterministic
// directive header, and mindmap syntax post-repair.
package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// approxTokens estimates a token count for budget-based chunking; ~4 characters per
// token is the same rough heuristic the LLM-facing prompt renderer uses elsewhere.
func approxTokens(s string) int {
	return (len(s) + 3) / 4
}

// Generate renders one models.Diagram per recipe in recipes for the given artifact
// data. A recipe's language must be "mermaid" — anything else is skipped, since this
// generator only knows Mermaid.
func Generate(recipes []models.DiagramRecipe, data map[string]any) []models.Diagram {
	out := make([]models.Diagram, 0, len(recipes))
	for _, recipe := range recipes {
		if recipe.Language != "" && recipe.Language != "mermaid" {
			continue
		}
		instructions := render(recipe, data)
		out = append(out, models.Diagram{
			ID:           recipe.ID,
			View:         recipe.View,
			Language:     "mermaid",
			Instructions: instructions,
		})
	}
	return out
}

// render dispatches on the recipe's renderer_hints.diagram_type, defaulting to a flat
// graph when unset.
func render(recipe models.DiagramRecipe, data map[string]any) string {
	diagramType, _ := recipe.RendererHints["diagram_type"].(string)
	switch diagramType {
	case "mindmap":
		return repairMindmap(renderMindmap(recipe, data))
	case "flowchart":
		return renderFlowchart(recipe, data)
	default:
		return renderGraph(recipe, data)
	}
}

func header(recipe models.DiagramRecipe) string {
	return fmt.Sprintf("%%%%{init: {'theme': 'neutral'}}%%%%\n")
}

// renderGraph emits a top-down Mermaid graph connecting a root node to each top-level
// list/array field's items, chunking large fields across numbered subgraphs by a token
// budget so no single diagram body blows past what a renderer can usefully display.
func renderGraph(recipe models.DiagramRecipe, data map[string]any) string {
	var b strings.Builder
	b.WriteString(header(recipe))
	b.WriteString("graph TD\n")

	root := rootLabel(data)
	b.WriteString(fmt.Sprintf("  root[%s]\n", sanitizeLabel(root)))

	budget := tokenBudget(recipe)
	for _, field := range sortedKeys(data) {
		items, ok := asItemList(data[field])
		if !ok {
			continue
		}
		for _, chunk := range chunkByTokenBudget(items, budget) {
			for i, item := range chunk.items {
				nodeID := fmt.Sprintf("%s_%d_%d", field, chunk.index, i)
				b.WriteString(fmt.Sprintf("  root --> %s[%s]\n", nodeID, sanitizeLabel(itemLabel(item))))
			}
		}
	}
	return b.String()
}

func renderFlowchart(recipe models.DiagramRecipe, data map[string]any) string {
	var b strings.Builder
	b.WriteString(header(recipe))
	b.WriteString("flowchart LR\n")
	edges, _ := data["edges"].([]any)
	for _, e := range edges {
		edge, ok := e.(map[string]any)
		if !ok {
			continue
		}
		from, _ := edge["from"].(string)
		to, _ := edge["to"].(string)
		if from == "" || to == "" {
			continue
		}
		b.WriteString(fmt.Sprintf("  %s --> %s\n", sanitizeID(from), sanitizeID(to)))
	}
	return b.String()
}

// renderMindmap emits a provisional mindmap body; repairMindmap enforces the single-
// root/indent-based/no-arrow invariants Mermaid's mindmap grammar requires.
func renderMindmap(recipe models.DiagramRecipe, data map[string]any) string {
	var b strings.Builder
	b.WriteString(header(recipe))
	b.WriteString("mindmap\n")
	b.WriteString(fmt.Sprintf("  root((%s))\n", sanitizeLabel(rootLabel(data))))
	for _, field := range sortedKeys(data) {
		items, ok := asItemList(data[field])
		if !ok {
			continue
		}
		b.WriteString(fmt.Sprintf("    %s\n", field))
		for _, item := range items {
			b.WriteString(fmt.Sprintf("      %s\n", sanitizeLabel(itemLabel(item))))
		}
	}
	return b.String()
}

func tokenBudget(recipe models.DiagramRecipe) int {
	if v, ok := recipe.RendererHints["token_budget"].(float64); ok && v > 0 {
		return int(v)
	}
	return 2000
}

func rootLabel(data map[string]any) string {
	for _, k := range []string{"name", "program_name", "id"} {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return "artifact"
}

func itemLabel(item any) string {
	switch t := item.(type) {
	case string:
		return t
	case map[string]any:
		for _, k := range []string{"name", "id", "paragraph", "label"} {
			if s, ok := t[k].(string); ok && s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("%v", item)
}

func asItemList(v any) ([]any, bool) {
	items, ok := v.([]any)
	return items, ok && len(items) > 0
}

func sanitizeLabel(s string) string {
	s = strings.ReplaceAll(s, "\"", "'")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

func sanitizeID(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, ".", "_")
	return s
}

func sortedKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
