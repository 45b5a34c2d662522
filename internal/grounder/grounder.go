package grounder

import (
	"sort"
	"strings"

	"github.com/reconcilio/rcaengine/internal/apperrors"
	"github.com/reconcilio/rcaengine/internal/graph"
	"github.com/reconcilio/rcaengine/internal/metadata"
)

// Grounder resolves a metric comparison between two systems to a concrete
// GroundedTask, given the metadata store and the knowledge graph built
// from it.
type Grounder struct {
	store *metadata.Store
	graph *graph.KnowledgeGraph
}

// New constructs a Grounder.
func New(store *metadata.Store, kg *graph.KnowledgeGraph) *Grounder {
	return &Grounder{store: store, graph: kg}
}

// candidate is one viable resolution of the comparison grain across both
// sides, kept only while it resolves on both sides.
type candidate struct {
	grain []string
	a     GroundedSide
	b     GroundedSide
}

// Ground binds metric across systemA/systemB to physical rules and tables,
// and resolves the comparison grain per spec.md §4.4's matrix.
func (g *Grounder) Ground(systemA, systemB, metric string) (*GroundedTask, error) {
	rulesA := g.store.RulesFor(systemA, metric)
	rulesB := g.store.RulesFor(systemB, metric)
	if len(rulesA) == 0 {
		return nil, wrapGrainError(&GrainResolutionError{Metric: metric, SystemA: systemA, SystemB: systemB,
			Reason: "no rule found for metric " + metric + " in system " + systemA})
	}
	if len(rulesB) == 0 {
		return nil, wrapGrainError(&GrainResolutionError{Metric: metric, SystemA: systemA, SystemB: systemB,
			Reason: "no rule found for metric " + metric + " in system " + systemB})
	}

	var viable []candidate
	var lastErrReason string

	for _, ruleA := range rulesA {
		for _, ruleB := range rulesB {
			for _, g2 := range candidateGrains(ruleA, ruleB) {
				a, err := g.resolveSide(systemA, ruleA, g2)
				if err != nil {
					lastErrReason = err.Error()
					continue
				}
				b, err := g.resolveSide(systemB, ruleB, g2)
				if err != nil {
					lastErrReason = err.Error()
					continue
				}
				viable = append(viable, candidate{grain: g2, a: a, b: b})
			}
		}
	}

	if len(viable) == 0 {
		return nil, wrapGrainError(g.explainFailure(systemA, systemB, metric, rulesA[0], rulesB[0], lastErrReason))
	}

	best := pickBest(viable)
	return &GroundedTask{
		Metric:          metric,
		ComparisonGrain: best.grain,
		SideA:           best.a,
		SideB:           best.b,
	}, nil
}

// candidateGrains enumerates the grains worth trying: each rule's own
// target_grain, and their intersection (the common-subset candidate).
func candidateGrains(ruleA, ruleB *metadata.Rule) [][]string {
	seen := make(map[string]bool)
	var out [][]string
	add := func(g []string) {
		if len(g) == 0 {
			return
		}
		key := strings.Join(sortedCopy(g), "\x1f")
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, g)
	}

	add(ruleA.TargetGrain)
	add(ruleB.TargetGrain)
	add(intersect(ruleA.TargetGrain, ruleB.TargetGrain))

	return out
}

func sortedCopy(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

func intersect(a, b []string) []string {
	bSet := make(map[string]bool, len(b))
	for _, s := range b {
		bSet[strings.ToLower(s)] = true
	}
	var out []string
	for _, s := range a {
		if bSet[strings.ToLower(s)] {
			out = append(out, s)
		}
	}
	return out
}

// resolveSide applies the grain resolution matrix to one side.
func (g *Grounder) resolveSide(system string, rule *metadata.Rule, grain []string) (GroundedSide, error) {
	ruleGrain := rule.TargetGrain

	sourceTable := g.findTableWithColumns(system, rule.SourceEntities, ruleGrain)
	if sourceTable == nil {
		return GroundedSide{}, &GrainResolutionError{Reason: "no source table carries rule's own target_grain"}
	}

	switch {
	case setEqual(ruleGrain, grain):
		return GroundedSide{System: system, Rule: rule, SourceTable: sourceTable, TargetTable: sourceTable, Case: CaseEqual}, nil

	case isSuperset(ruleGrain, grain):
		return GroundedSide{System: system, Rule: rule, SourceTable: sourceTable, TargetTable: sourceTable, Case: CaseFiner}, nil

	case isSuperset(grain, ruleGrain):
		// Coarser: G has columns absent from this side's rule grain. Cannot
		// disaggregate from a coarser rule to a finer comparison grain.
		return GroundedSide{}, &GrainResolutionError{Reason: "cannot disaggregate: comparison grain is finer than the rule's own grain"}

	default:
		// Not a containment relationship: try to find a joinable table
		// carrying grain's columns, elsewhere in the same system.
		targetTable := g.findTableInSystem(system, grain)
		if targetTable == nil {
			return GroundedSide{}, &GrainResolutionError{Reason: "no table in system " + system + " carries the comparison grain's columns"}
		}
		if targetTable.Name == sourceTable.Name {
			return GroundedSide{}, &GrainResolutionError{Reason: "grain neither equal, finer, nor coarser, and no distinct join target"}
		}

		path, err := g.graph.FindJoinPath(sourceTable.Name, targetTable.Name)
		if err != nil {
			return GroundedSide{}, err
		}

		if setEqual(sortedCopy(grain), sortedCopy(intersect(ruleGrain, grain))) {
			return GroundedSide{System: system, Rule: rule, SourceTable: sourceTable, TargetTable: targetTable,
				Case: CaseCommonSubset, JoinPath: path, JoinDepth: len(path)}, nil
		}
		return GroundedSide{System: system, Rule: rule, SourceTable: sourceTable, TargetTable: targetTable,
			Case: CaseDisjointJoinable, JoinPath: path, JoinDepth: len(path)}, nil
	}
}

func (g *Grounder) findTableWithColumns(system string, entities []string, columns []string) *metadata.Table {
	for _, e := range entities {
		for _, t := range g.store.TablesByEntity(e) {
			if t.System == system && hasAllColumns(t, columns) {
				return t
			}
		}
	}
	return nil
}

func (g *Grounder) findTableInSystem(system string, columns []string) *metadata.Table {
	for _, t := range g.store.TablesBySystem(system) {
		if hasAllColumns(t, columns) {
			return t
		}
	}
	return nil
}

func hasAllColumns(t *metadata.Table, columns []string) bool {
	for _, c := range columns {
		if !t.HasColumn(c) {
			return false
		}
	}
	return true
}

func setEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := sortedCopy(a), sortedCopy(b)
	for i := range as {
		if !strings.EqualFold(as[i], bs[i]) {
			return false
		}
	}
	return true
}

// isSuperset reports whether big strictly contains every column of small,
// plus at least one more.
func isSuperset(big, small []string) bool {
	if len(big) <= len(small) {
		return false
	}
	smallSet := make(map[string]bool, len(small))
	for _, s := range small {
		smallSet[strings.ToLower(s)] = true
	}
	for col := range smallSet {
		found := false
		for _, b := range big {
			if strings.ToLower(b) == col {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// pickBest applies spec.md §4.4's tie-break order: shallowest combined join
// depth, then more entity-key columns in the grain, then deterministic
// (lexicographic) order.
func pickBest(candidates []candidate) candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		di := candidates[i].a.JoinDepth + candidates[i].b.JoinDepth
		dj := candidates[j].a.JoinDepth + candidates[j].b.JoinDepth
		if di != dj {
			return di < dj
		}
		if len(candidates[i].grain) != len(candidates[j].grain) {
			return len(candidates[i].grain) > len(candidates[j].grain)
		}
		return strings.Join(sortedCopy(candidates[i].grain), ",") < strings.Join(sortedCopy(candidates[j].grain), ",")
	})
	return candidates[0]
}

// wrapGrainError tags a GrainResolutionError with apperrors.KindGrainResolution
// so the result assembler can classify it without importing this package's
// concrete error type.
func wrapGrainError(e *GrainResolutionError) error {
	return apperrors.New(apperrors.KindGrainResolution, e.Error(), e)
}

// explainFailure builds a GrainResolutionError naming the disconnected
// components involved, when the knowledge graph can identify them
// ([EXPANSION], SPEC_FULL.md §4.2/§4.4).
func (g *Grounder) explainFailure(systemA, systemB, metric string, ruleA, ruleB *metadata.Rule, reason string) *GrainResolutionError {
	err := &GrainResolutionError{Metric: metric, SystemA: systemA, SystemB: systemB, Reason: reason}

	tableA := g.findTableWithColumns(systemA, ruleA.SourceEntities, ruleA.TargetGrain)
	tableB := g.findTableWithColumns(systemB, ruleB.SourceEntities, ruleB.TargetGrain)
	if tableA != nil {
		err.ComponentA = g.graph.WhichComponent(tableA.Name)
	}
	if tableB != nil {
		err.ComponentB = g.graph.WhichComponent(tableB.Name)
	}
	return err
}
