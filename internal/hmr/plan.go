package hmr

import (
	"fmt"
	"slices"

	"github.com/conneroisu/bundlr/internal/graph"
	"github.com/conneroisu/bundlr/internal/module"
)

// Plan decides how clients apply a successful rebuild. Changes are applied
// in place only when every changed module was marked hot-swappable by its
// transform chain and none of them is an entry. Removed modules, entry
// changes, cold builds and disabled hot updates all escalate to a full
// reload.
func Plan(g *graph.Graph, affected *graph.AffectedSet, changedChunks []string, hot bool) Message {
	gen := uint64(g.Generation())
	if !hot {
		return FullReload(gen, "hot updates are disabled")
	}
	if affected == nil {
		return FullReload(gen, "full rebuild")
	}
	if len(affected.Removed) > 0 {
		return FullReload(gen, fmt.Sprintf("module removed: %s", affected.Removed[0]))
	}

	entries := g.Entries()
	for _, id := range affected.Changed {
		if slices.Contains(entries, id) {
			return FullReload(gen, fmt.Sprintf("entry module changed: %s", id))
		}
		if !Swappable(g, id) {
			return FullReload(gen, fmt.Sprintf("%s cannot be updated in place", id))
		}
	}
	return Ready(gen, slices.Clone(changedChunks))
}

// Swappable reports whether id may be replaced in place.
func Swappable(g *graph.Graph, id module.Identity) bool {
	if slices.Contains(g.Entries(), id) {
		return false
	}
	rec, ok := g.Get(id)
	return ok && rec.HotAccept
}
