package pipeline

import (
	"fmt"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// deriveCorrections reconstructs a human-readable correction list when the
// cleanup service returned edited text but no correction summary. The two
// transcripts are diffed word by word and each removed/added run becomes one
// "old -> new" entry.
func deriveCorrections(raw, cleaned string) []string {
	if raw == cleaned {
		return nil
	}

	before := strings.Join(strings.Fields(raw), "\n") + "\n"
	after := strings.Join(strings.Fields(cleaned), "\n") + "\n"

	edits := myers.ComputeEdits(span.URIFromPath("transcript"), before, after)
	unified := fmt.Sprint(gotextdiff.ToUnified("a", "b", before, edits))

	var corrections []string
	var removed, added []string

	flush := func() {
		if len(removed) == 0 && len(added) == 0 {
			return
		}
		corrections = append(corrections, fmt.Sprintf("%q -> %q",
			strings.Join(removed, " "), strings.Join(added, " ")))
		removed = removed[:0]
		added = added[:0]
	}

	for _, line := range strings.Split(unified, "\n") {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "@@"), strings.HasPrefix(line, "\\"):
			flush()
		case strings.HasPrefix(line, "-"):
			removed = append(removed, line[1:])
		case strings.HasPrefix(line, "+"):
			added = append(added, line[1:])
		default:
			flush()
		}
	}
	flush()

	return corrections
}
