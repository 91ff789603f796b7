package bridge

import (
	"fmt"
	"strings"

	"github.com/rivo/uniseg"
)

// maxMeshTextBytes is the payload ceiling for a single mesh text packet.
const maxMeshTextBytes = 200

// splitMessage turns a Matrix message into mesh-sized parts. The sender
// prefix is prepended once, each part is numbered " (n/N)" when more than one
// is needed, and every part including its marker fits maxMeshTextBytes.
// Boundaries fall on grapheme clusters so flag and skin-tone sequences never
// tear across packets.
func splitMessage(displayName, text string) []string {
	full := fmt.Sprintf("[%s]: %s", displayName, text)
	if len(full) <= maxMeshTextBytes {
		return []string{full}
	}

	// The marker width depends on the part count, which depends on the
	// budget left after the marker. Resplit until the count stabilises; the
	// count only grows as the budget shrinks, so this terminates.
	parts := splitByBudget(full, maxMeshTextBytes)
	for {
		marker := len(fmt.Sprintf(" (%d/%d)", len(parts), len(parts)))
		next := splitByBudget(full, maxMeshTextBytes-marker)
		if len(next) == len(parts) {
			parts = next
			break
		}
		parts = next
	}

	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = fmt.Sprintf("%s (%d/%d)", p, i+1, len(parts))
	}
	return out
}

// splitByBudget packs grapheme clusters into chunks of at most budget bytes.
// A single cluster wider than the budget is torn at rune boundaries.
func splitByBudget(text string, budget int) []string {
	var parts []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}
	add := func(atom string) {
		if cur.Len()+len(atom) > budget {
			flush()
		}
		cur.WriteString(atom)
	}

	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		cluster := gr.Str()
		if len(cluster) <= budget {
			add(cluster)
			continue
		}
		for _, r := range cluster {
			add(string(r))
		}
	}
	flush()
	return parts
}
