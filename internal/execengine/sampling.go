package execengine

import "github.com/reconcilio/rcaengine/internal/runtime"

// applySampling implements spec.md §4.6's "Optional 10% reservoir" for Fast
// mode: when the budget names a SamplingRatio, every scanned relation is
// reduced to that fraction via reservoir sampling before anything
// downstream sees it. Deep/Forensic carry SamplingRatio 0 and pass through
// untouched.
func applySampling(rel *runtime.Relation, ec *ExecutionContext) *runtime.Relation {
	ratio := ec.Budget.SamplingRatio
	if ratio <= 0 || ratio >= 1 || ec.Rand == nil {
		return rel
	}

	k := int(float64(len(rel.Rows)) * ratio)
	if k >= len(rel.Rows) {
		return rel
	}
	if k <= 0 {
		return &runtime.Relation{Columns: rel.Columns}
	}

	sample := make([]runtime.Row, k)
	copy(sample, rel.Rows[:k])
	for i := k; i < len(rel.Rows); i++ {
		j := ec.Rand.Intn(i + 1)
		if j < k {
			sample[j] = rel.Rows[i]
		}
	}

	return &runtime.Relation{Columns: rel.Columns, Rows: sample}
}
