// Package confidence is the Confidence Model (C9): it combines join
// completeness, null rate, filter coverage, data freshness, and sampling
// ratio into a single scalar in [0,1] via a weighted geometric mean,
// exactly spec.md §4.9.
package confidence

import (
	"math"
	"time"

	"github.com/reconcilio/rcaengine/internal/runtime"
)

// Factors are the five inputs to the model, each expected in [0,1].
// Callers derive them with the helpers below; Compute clamps any
// out-of-range input defensively rather than trusting callers blindly.
type Factors struct {
	JoinCompleteness   float64
	NullRateComplement float64
	FilterCoverage     float64
	DataFreshness      float64
	SamplingRatio      float64
}

// Weights scales each factor's contribution to the geometric mean.
// DefaultWeights gives every factor equal weight, matching spec.md §4.9
// ("default weights equal; implementers may expose weight configuration").
type Weights struct {
	JoinCompleteness   float64
	NullRateComplement float64
	FilterCoverage     float64
	DataFreshness      float64
	SamplingRatio      float64
}

// DefaultWeights returns the equal-weighting spec.md §4.9 specifies.
func DefaultWeights() Weights {
	return Weights{0.2, 0.2, 0.2, 0.2, 0.2}
}

// Compute returns the weighted geometric mean of f under w, clamped to
// [0,1]. Confidence is strictly 1 only when every factor is 1 (spec.md §8
// invariant 4) since the geometric mean of five 1.0 values is exactly 1
// and any factor below 1 pulls the product below 1.
func Compute(f Factors, w Weights) float64 {
	vals := []float64{
		clamp01(f.JoinCompleteness),
		clamp01(f.NullRateComplement),
		clamp01(f.FilterCoverage),
		clamp01(f.DataFreshness),
		clamp01(f.SamplingRatio),
	}
	weights := []float64{w.JoinCompleteness, w.NullRateComplement, w.FilterCoverage, w.DataFreshness, w.SamplingRatio}

	totalWeight := 0.0
	logSum := 0.0
	for i, v := range vals {
		wt := weights[i]
		if wt <= 0 {
			continue
		}
		totalWeight += wt
		if v <= 0 {
			// A zero factor collapses the geometric mean to zero, matching
			// the mathematical definition (any zero term zeroes the product).
			return 0
		}
		logSum += wt * math.Log(v)
	}
	if totalWeight == 0 {
		return 0
	}
	return clamp01(math.Exp(logSum / totalWeight))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// JoinCompleteness is rows kept after all joins divided by rows before,
// defaulting to 1 when no joins occurred (spec.md §4.9).
func JoinCompleteness(rowsBeforeJoins, rowsAfterJoins int) float64 {
	if rowsBeforeJoins <= 0 {
		return 1
	}
	return clamp01(float64(rowsAfterJoins) / float64(rowsBeforeJoins))
}

// NullRateComplement is 1 minus the fraction of null cells across columns
// in rel, spec.md §4.9: "1 − fraction of null cells in G ∪ {metric}".
func NullRateComplement(rel *runtime.Relation, columns []string) float64 {
	if rel == nil || len(rel.Rows) == 0 || len(columns) == 0 {
		return 1
	}
	total := len(rel.Rows) * len(columns)
	nulls := 0
	for _, row := range rel.Rows {
		for _, col := range columns {
			if v, ok := row.Values[col]; !ok || v == nil {
				nulls++
			}
		}
	}
	return clamp01(1 - float64(nulls)/float64(total))
}

// FilterCoverage is min(selectivity_a, selectivity_b) when filters were
// applied on either side, else 1 (spec.md §4.9).
func FilterCoverage(applied bool, selectivityA, selectivityB float64) float64 {
	if !applied {
		return 1
	}
	if selectivityA < selectivityB {
		return clamp01(selectivityA)
	}
	return clamp01(selectivityB)
}

// DataFreshness is 1 when asOfDate is within the freshest underlying date,
// else an exponential decay with age in days that halves the score every
// halfLifeDays (spec.md §4.9: "a decay based on age"). halfLifeDays <= 0 disables decay (stale
// data never penalized), matching "no time_scope" requests.
func DataFreshness(asOf, freshest time.Time, halfLifeDays float64) float64 {
	if asOf.IsZero() || freshest.IsZero() || !asOf.Before(freshest) {
		return 1
	}
	if halfLifeDays <= 0 {
		return 1
	}
	ageDays := freshest.Sub(asOf).Hours() / 24
	return clamp01(math.Pow(0.5, ageDays/halfLifeDays))
}

// SamplingRatio is 1 in Deep/Forensic mode (no sampling) and the actual
// sampled fraction in Fast mode (spec.md §4.9).
func SamplingRatio(sampled bool, ratio float64) float64 {
	if !sampled || ratio <= 0 {
		return 1
	}
	return clamp01(ratio)
}
