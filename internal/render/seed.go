package render

import (
	"context"
	"math/rand/v2"
	"strings"
)

// SeedSource provides random access to seed-data rows. A row maps field
// names to scalars or nested mappings. Implementations return
// domain.ErrSeedRowOutOfRange for an index past the last row.
type SeedSource interface {
	RowAt(ctx context.Context, locator string, index int64) (map[string]any, error)
	NumRows(ctx context.Context, locator string) (int64, error)
}

// RowIndex derives the seed row for a record slot. The derivation depends
// only on the persisted job seed and the slot index, so a resumed worker
// samples the exact sequence the interrupted one did.
func RowIndex(seed, recordIndex, numRows int64) int64 {
	if numRows <= 0 {
		return 0
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(recordIndex)))
	return rng.Int64N(numRows)
}

// FieldAt resolves a dotted path within a seed row. The second return is
// false when any path segment is missing or a non-terminal segment is not
// a nested mapping.
func FieldAt(row map[string]any, dottedPath string) (any, bool) {
	segments := strings.Split(dottedPath, ".")
	var cur any = row
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
