package artifactstore

import "github.com/rs/zerolog/log"

// DeriveCopyPaths selects which top-level directories of a source repository snapshot
// should be copied into a run's working set. The 20-directory cap is a heuristic soft
// cap (see DESIGN.md open-question decision 2), not a hard contract: truncation is
// logged, never rejected.
func DeriveCopyPaths(candidates []string, softCap int) []string {
	if softCap <= 0 {
		softCap = 20
	}
	if len(candidates) <= softCap {
		return candidates
	}
	log.Warn().Int("candidates", len(candidates)).Int("cap", softCap).
		Msg("artifact store: truncating copy paths at soft cap")
	return candidates[:softCap]
}
