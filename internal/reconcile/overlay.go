// Package reconcile repairs finished runs: it overlays targeted
// backfill rows onto a base run's artifacts and re-runs only the
// affected items.
package reconcile

import (
	"sort"

	"github.com/signalnine/tribunal/internal/result"
)

// OverlayRows merges patch rows over base rows by row key. Patch rows
// win on conflict; the merged set comes back sorted by key so reruns
// of the same merge are byte-stable. The int reports how many base
// rows were replaced rather than added.
func OverlayRows[T result.Keyed](base, patch []T) ([]T, int) {
	merged := make(map[result.Key]T, len(base)+len(patch))
	for _, row := range base {
		merged[row.Key()] = row
	}
	replaced := 0
	for _, row := range patch {
		key := row.Key()
		if _, ok := merged[key]; ok {
			replaced++
		}
		merged[key] = row
	}

	keys := make([]result.Key, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	rows := make([]T, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, merged[key])
	}
	return rows, replaced
}
