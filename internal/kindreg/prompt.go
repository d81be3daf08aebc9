package kindreg

import (
	"context"
	"strings"

	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

// SelectPrompt picks the first variant whose When dictionary case-insensitively
// matches every provided selector; falls back to the base system/user_template.
func SelectPrompt(reg Registry, ctx context.Context, kindID, version string, selectors map[string]string) (models.Prompt, error) {
	sv, err := reg.GetSchemaVersion(ctx, kindID, version)
	if err != nil {
		return models.Prompt{}, err
	}
	base := sv.Prompt
	for _, variant := range base.Variants {
		if variantMatches(variant.When, selectors) {
			out := base
			if variant.System != "" {
				out.System = variant.System
			}
			if variant.UserTemplate != "" {
				out.UserTemplate = variant.UserTemplate
			}
			return out, nil
		}
	}
	return base, nil
}

func variantMatches(when map[string]string, selectors map[string]string) bool {
	if len(when) == 0 {
		return false
	}
	for k, want := range when {
		got, ok := selectors[k]
		if !ok || !strings.EqualFold(got, want) {
			return false
		}
	}
	return true
}

// GetDiagramRecipes returns every diagram recipe declared on the kind's schema version.
func GetDiagramRecipes(reg Registry, ctx context.Context, kindID, version string) ([]models.DiagramRecipe, error) {
	sv, err := reg.GetSchemaVersion(ctx, kindID, version)
	if err != nil {
		return nil, err
	}
	return sv.DiagramRecipes, nil
}

// GetDiagramRecipe resolves a single recipe by id or by view name.
func GetDiagramRecipe(reg Registry, ctx context.Context, kindID, version, recipeID, view string) (*models.DiagramRecipe, error) {
	recipes, err := GetDiagramRecipes(reg, ctx, kindID, version)
	if err != nil {
		return nil, err
	}
	for i := range recipes {
		if recipeID != "" && recipes[i].ID == recipeID {
			return &recipes[i], nil
		}
		if view != "" && recipes[i].View == view {
			return &recipes[i], nil
		}
	}
	return nil, nil
}
