package diagram

import (
	"regexp"
	"strings"
)

var arrowPattern = regexp.MustCompile(`-->|--|==>|-\.->`)

// repairMindmap enforces Mermaid's mindmap grammar on a provisional body: arrows
// (valid in graph/flowchart syntax but not mindmap) are stripped, indentation encodes
// parent/child instead, and exactly one root line survives.
func repairMindmap(body string) string {
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))

	rootSeen := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			continue
		}

		clean := arrowPattern.ReplaceAllString(trimmed, "")
		clean = strings.ReplaceAll(clean, "  ", " ")

		indent := leadingSpaces(line)
		isRootLine := strings.Contains(clean, "root((") || strings.TrimSpace(clean) == "mindmap"
		if isRootLine {
			if strings.TrimSpace(clean) == "mindmap" {
				out = append(out, clean)
				continue
			}
			if rootSeen {
				// A second root candidate demotes to a regular indented child.
				out = append(out, strings.Repeat(" ", 4)+strings.TrimSpace(clean))
				continue
			}
			rootSeen = true
		}
		out = append(out, strings.Repeat(" ", indent)+strings.TrimSpace(clean))
	}
	return strings.Join(out, "\n") + "\n"
}

func leadingSpaces(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' {
			break
		}
		n++
	}
	return n
}
