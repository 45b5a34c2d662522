// Package diffengine is the Grain Diff Engine (C7): given two grain-
// normalized relations produced by the Execution Engine for the same
// comparison grain, it outer-merges them on the grain key, classifies each
// key into {missing_left, missing_right, mismatch, match}, builds a
// GrainDifference per non-match row, and returns the top_k ranked by
// impact — exactly spec.md §4.7.
package diffengine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/reconcilio/rcaengine/internal/apperrors"
	"github.com/reconcilio/rcaengine/internal/metadata"
	"github.com/reconcilio/rcaengine/internal/runtime"
)

// Classification is the per-key outcome of the outer merge.
type Classification string

const (
	ClassMatch        Classification = "match"
	ClassMissingLeft   Classification = "missing_left"
	ClassMissingRight  Classification = "missing_right"
	ClassMismatch      Classification = "mismatch"
)

// GrainDifference is one non-match row, per spec.md §3. Delta is always
// value_b - value_a and Impact is always |Delta| — enforced by New, never
// set independently.
type GrainDifference struct {
	GrainValue      []string
	Classification  Classification
	ValueA          float64
	ValueB          float64
	Delta           float64
	Impact          float64
	Excepted        bool
	ExceptionReason string
}

func newDifference(grainValue []string, class Classification, a, b float64) GrainDifference {
	delta := b - a
	return GrainDifference{
		GrainValue:     grainValue,
		Classification: class,
		ValueA:         a,
		ValueB:         b,
		Delta:          delta,
		Impact:         math.Abs(delta),
	}
}

// Summary is the aggregate counters spec.md §3's RCAResult.summary names.
type Summary struct {
	TotalGrainUnits     int
	MissingLeftCount    int
	MissingRightCount   int
	MismatchCount       int
	MatchCount          int
	AggregateDifference float64
	TopK                int
}

// FuzzyMatch records one pair of near-identical grain keys unified before
// classification ([EXPANSION], SPEC_FULL.md §4.7, spec.md §9 open question).
type FuzzyMatch struct {
	KeyA string
	KeyB string
}

// Result is the full grain-diff output: the ranked top_k plus every
// counter needed to populate RCAResult.summary.
type Result struct {
	TopDifferences []GrainDifference
	Summary        Summary
	FuzzyMatches   []FuzzyMatch
}

// Options configures one Diff call.
type Options struct {
	TopK int
	// FuzzyMatching enables the opt-in whitespace/case-normalized grain-key
	// unification pass (disabled by default per SPEC_FULL.md §4.7).
	FuzzyMatching bool
	// Entity, when non-empty, is looked up against store.IsExcepted to
	// suppress known mismatches from TopDifferences ranking (still counted
	// in Summary) — [EXPANSION], SPEC_FULL.md §3.
	Entity string
	Store  *metadata.Store
}

// Diff outer-merges a and b on grainCols, classifies every key, and returns
// the top_k GrainDifferences by descending impact with a stable
// lexicographic tie-break, per spec.md §4.7 steps 1-5.
func Diff(a, b *runtime.Relation, grainCols []string, metricCol string, tolerance float64, nullPolicy metadata.NullPolicy, opts Options) (*Result, error) {
	rowsA, err := indexByGrain(a, grainCols)
	if err != nil {
		return nil, apperrors.New(apperrors.KindDiff, "side A grain key extraction failed", err)
	}
	rowsB, err := indexByGrain(b, grainCols)
	if err != nil {
		return nil, apperrors.New(apperrors.KindDiff, "side B grain key extraction failed", err)
	}

	fuzzy := []FuzzyMatch(nil)
	if opts.FuzzyMatching {
		rowsB, fuzzy = unifyFuzzy(rowsA, rowsB)
	}

	keySet := make(map[string][]string)
	for k, r := range rowsA {
		keySet[k] = r.grainValue
	}
	for k, r := range rowsB {
		if _, ok := keySet[k]; !ok {
			keySet[k] = r.grainValue
		}
	}

	var diffs []GrainDifference
	summary := Summary{TopK: opts.TopK}

	for key, grainValue := range keySet {
		ra, hasA := rowsA[key]
		rb, hasB := rowsB[key]

		va, nullA := metricValue(ra, hasA, metricCol, nullPolicy)
		vb, nullB := metricValue(rb, hasB, metricCol, nullPolicy)

		if nullPolicy == metadata.NullPolicyError && (nullA || nullB) {
			return nil, apperrors.New(apperrors.KindExecution, "null value under null_policy=error", apperrors.ErrNullPolicyViolation)
		}

		var class Classification
		switch {
		case !hasA && hasB:
			class = ClassMissingLeft
		case hasA && !hasB:
			class = ClassMissingRight
		// Float subtraction can overshoot by a few ulps of the operands, so
		// a delta of exactly one tolerance is allowed that much slack.
		case math.Abs(vb-va)-tolerance > 1e-12*math.Max(1, math.Max(math.Abs(va), math.Abs(vb))):
			class = ClassMismatch
		default:
			class = ClassMatch
		}

		summary.TotalGrainUnits++
		switch class {
		case ClassMissingLeft:
			summary.MissingLeftCount++
		case ClassMissingRight:
			summary.MissingRightCount++
		case ClassMismatch:
			summary.MismatchCount++
		case ClassMatch:
			summary.MatchCount++
		}

		if class == ClassMatch {
			continue
		}

		diff := newDifference(grainValue, class, va, vb)
		summary.AggregateDifference += diff.Delta

		if opts.Entity != "" && opts.Store != nil {
			if exc, ok := opts.Store.IsExcepted(opts.Entity, strings.Join(grainValue, "\x1f")); ok {
				diff.Excepted = true
				diff.ExceptionReason = exc.Reason
			}
		}

		diffs = append(diffs, diff)
	}

	sort.SliceStable(diffs, func(i, j int) bool {
		if diffs[i].Impact != diffs[j].Impact {
			return diffs[i].Impact > diffs[j].Impact
		}
		return strings.Join(diffs[i].GrainValue, "\x1f") < strings.Join(diffs[j].GrainValue, "\x1f")
	})

	ranked := make([]GrainDifference, 0, len(diffs))
	for _, d := range diffs {
		if d.Excepted {
			continue
		}
		ranked = append(ranked, d)
	}

	topK := opts.TopK
	if topK <= 0 || topK > len(ranked) {
		topK = len(ranked)
	}

	return &Result{
		TopDifferences: ranked[:topK],
		Summary:        summary,
		FuzzyMatches:   fuzzy,
	}, nil
}

type indexedRow struct {
	row        runtime.Row
	grainValue []string
}

func indexByGrain(rel *runtime.Relation, grainCols []string) (map[string]indexedRow, error) {
	out := make(map[string]indexedRow, len(rel.Rows))
	for _, row := range rel.Rows {
		grainValue := make([]string, len(grainCols))
		for i, col := range grainCols {
			grainValue[i] = scalarString(row.Values[col])
		}
		key := strings.Join(grainValue, "\x1f")
		if _, dup := out[key]; dup {
			return nil, apperrors.ErrDuplicateGrainKey
		}
		out[key] = indexedRow{row: row, grainValue: grainValue}
	}
	return out, nil
}

func scalarString(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// unifyFuzzy normalizes whitespace/case on each side-B grain key; when a
// normalized key collides with a side-A key under a different raw spelling,
// it re-keys that side-B row under side A's raw key and records the pair,
// per spec.md §9 "fuzzy matching... precedes classification".
func unifyFuzzy(rowsA, rowsB map[string]indexedRow) (map[string]indexedRow, []FuzzyMatch) {
	normA := make(map[string]string, len(rowsA)) // normalized -> raw
	for k := range rowsA {
		normA[normalizeFuzzy(k)] = k
	}

	out := make(map[string]indexedRow, len(rowsB))
	var matches []FuzzyMatch
	for k, row := range rowsB {
		if rawA, ok := normA[normalizeFuzzy(k)]; ok && rawA != k {
			matches = append(matches, FuzzyMatch{KeyA: rawA, KeyB: k})
			out[rawA] = row
			continue
		}
		out[k] = row
	}
	return out, matches
}

func normalizeFuzzy(key string) string {
	fields := strings.Fields(strings.ToLower(key))
	return strings.Join(fields, " ")
}

// metricValue extracts metricCol's numeric value from row. An absent row,
// a missing or null cell, or a non-numeric value all yield (0, true), the
// second result reporting that 0 was substituted. policy is not consulted:
// the zero and skip null policies get the same result here, and
// null_policy=error is enforced by the caller.
func metricValue(r indexedRow, has bool, metricCol string, policy metadata.NullPolicy) (float64, bool) {
	if !has {
		return 0, true
	}
	v, ok := r.row.Values[metricCol]
	if !ok || v == nil {
		return 0, true
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, true
	}
	return f, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
