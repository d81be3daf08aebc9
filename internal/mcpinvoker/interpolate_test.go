package mcpinvoker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolateSubstitutesKnownVar(t *testing.T) {
	vars := Vars{"repo.paths_root": "/work/repo"}
	assert.Equal(t, "/work/repo/src", Interpolate("${repo.paths_root}/src", vars))
}

func TestInterpolateFallsBackToDefaultWhenUnset(t *testing.T) {
	vars := Vars{}
	assert.Equal(t, "main", Interpolate("${branch:-main}", vars))
}

func TestInterpolateUnresolvedWithoutDefaultBecomesEmpty(t *testing.T) {
	vars := Vars{}
	assert.Equal(t, "", Interpolate("${missing}", vars))
}

func TestBuildVarsFlattensInputsAndPrefersContextAliases(t *testing.T) {
	vars := BuildVars(
		map[string]any{"token": "rt"},
		map[string]any{"repo": map[string]any{"paths_root": "/a"}},
		map[string]string{"repo.paths_root": "/b"},
	)
	assert.Equal(t, "rt", vars["token"])
	assert.Equal(t, "/b", vars["repo.paths_root"]) // context alias wins over inputs
}

func TestInterpolateArgsWalksNestedStructures(t *testing.T) {
	vars := Vars{"name": "cobol-parser"}
	args := map[string]any{
		"tool": "${name}",
		"nested": map[string]any{
			"list": []any{"${name}", 1, true},
		},
	}
	out := InterpolateArgs(args, vars)
	assert.Equal(t, "cobol-parser", out["tool"])
	nested := out["nested"].(map[string]any)
	list := nested["list"].([]any)
	assert.Equal(t, "cobol-parser", list[0])
	assert.Equal(t, 1, list[1])
}
