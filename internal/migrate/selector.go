package migrate

import (
	"sort"

	"github.com/strataops/strata/internal/types"
)

// Selection policies.
const (
	PolicyOldestFirst  = "oldest-first"
	PolicyLargestFirst = "largest-first"
)

// SelectCandidates orders records by the given policy and takes them
// until the cumulative source-tier size reaches the reclaim target,
// capped at batchSize records.
func SelectCandidates(records []types.Record, policy string, reclaimBytes int64, batchSize int) []types.Record {
	if len(records) == 0 || reclaimBytes <= 0 || batchSize <= 0 {
		return nil
	}

	sorted := make([]types.Record, len(records))
	copy(sorted, records)

	switch policy {
	case PolicyLargestFirst:
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].StoredSize != sorted[j].StoredSize {
				return sorted[i].StoredSize > sorted[j].StoredSize
			}
			return sorted[i].ID < sorted[j].ID
		})
	default: // oldest-first
		sort.Slice(sorted, func(i, j int) bool {
			if !sorted[i].LastAccessed.Equal(sorted[j].LastAccessed) {
				return sorted[i].LastAccessed.Before(sorted[j].LastAccessed)
			}
			return sorted[i].ID < sorted[j].ID
		})
	}

	var out []types.Record
	var total int64
	for _, rec := range sorted {
		if total >= reclaimBytes || len(out) >= batchSize {
			break
		}
		out = append(out, rec)
		total += rec.StoredSize
	}
	return out
}
