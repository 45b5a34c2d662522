package metadata

import (
	"fmt"

	"github.com/reconcilio/rcaengine/internal/apperrors"
)

// Store holds every loaded metadata document plus the indices spec.md §4.1
// names: tables_by_name, tables_by_entity, tables_by_system, rules_by_id,
// rules_by_(system,metric), metrics_by_id, entities_by_id.
type Store struct {
	Entities   []Entity
	Tables     []Table
	Metrics    []Metric
	Rules      []Rule
	Lineage    []LineageEdge
	TimeRules  []TimeRule
	Identity   []IdentityMapping
	Labels     BusinessLabels
	Exceptions []ExceptionRecord

	tablesByName   map[string]*Table
	tablesByEntity map[string][]*Table
	tablesBySystem map[string][]*Table
	rulesByID      map[string]*Rule
	rulesBySysMet  map[string][]*Rule
	metricsByID    map[string]*Metric
	entitiesByID   map[string]*Entity
}

type ruleKey struct {
	system string
	metric string
}

// newStore wraps raw loaded documents and builds every index, failing with
// apperrors.KindMetadata on a dangling reference (e.g. a rule citing an
// unknown entity).
func newStore(entities []Entity, tables []Table, metrics []Metric, rules []Rule,
	lineage []LineageEdge, timeRules []TimeRule, identity []IdentityMapping,
	labels BusinessLabels, exceptions []ExceptionRecord) (*Store, error) {

	s := &Store{
		Entities:       entities,
		Tables:         tables,
		Metrics:        metrics,
		Rules:          rules,
		Lineage:        lineage,
		TimeRules:      timeRules,
		Identity:       identity,
		Labels:         labels,
		Exceptions:     exceptions,
		tablesByName:   make(map[string]*Table),
		tablesByEntity: make(map[string][]*Table),
		tablesBySystem: make(map[string][]*Table),
		rulesByID:      make(map[string]*Rule),
		rulesBySysMet:  make(map[string][]*Rule),
		metricsByID:    make(map[string]*Metric),
		entitiesByID:   make(map[string]*Entity),
	}

	for i := range s.Entities {
		e := &s.Entities[i]
		if len(e.Grain) == 0 {
			return nil, apperrors.New(apperrors.KindMetadata,
				fmt.Sprintf("entity %q has empty grain", e.ID), nil)
		}
		s.entitiesByID[e.ID] = e
	}

	for i := range s.Tables {
		t := &s.Tables[i]
		if _, ok := s.entitiesByID[t.Entity]; !ok {
			return nil, apperrors.New(apperrors.KindMetadata,
				fmt.Sprintf("table %q references unknown entity %q", t.Name, t.Entity), nil)
		}
		s.tablesByName[t.Name] = t
		s.tablesByEntity[t.Entity] = append(s.tablesByEntity[t.Entity], t)
		s.tablesBySystem[t.System] = append(s.tablesBySystem[t.System], t)
	}

	for i := range s.Metrics {
		m := &s.Metrics[i]
		s.metricsByID[m.ID] = m
	}

	for i := range s.Rules {
		r := &s.Rules[i]
		if _, ok := s.entitiesByID[r.TargetEntity]; !ok {
			return nil, apperrors.New(apperrors.KindMetadata,
				fmt.Sprintf("rule %q references unknown target_entity %q", r.ID, r.TargetEntity), nil)
		}
		for _, se := range r.SourceEntities {
			if _, ok := s.entitiesByID[se]; !ok {
				return nil, apperrors.New(apperrors.KindMetadata,
					fmt.Sprintf("rule %q references unknown source_entity %q", r.ID, se), nil)
			}
			if len(s.tablesByEntity[se]) == 0 {
				return nil, apperrors.New(apperrors.KindMetadata,
					fmt.Sprintf("rule %q: source_entity %q has no table in any system", r.ID, se), nil)
			}
			found := false
			for _, t := range s.tablesByEntity[se] {
				if t.System == r.System {
					found = true
					break
				}
			}
			if !found {
				return nil, apperrors.New(apperrors.KindMetadata,
					fmt.Sprintf("rule %q: source_entity %q has no table in system %q", r.ID, se, r.System), nil)
			}
		}
		s.rulesByID[r.ID] = r
		key := ruleKey{system: r.System, metric: r.Metric}.String()
		s.rulesBySysMet[key] = append(s.rulesBySysMet[key], r)
	}

	for _, edge := range s.Lineage {
		if _, ok := s.tablesByName[edge.From]; !ok {
			return nil, apperrors.New(apperrors.KindMetadata,
				fmt.Sprintf("lineage edge references unknown table %q", edge.From), nil)
		}
		if _, ok := s.tablesByName[edge.To]; !ok {
			return nil, apperrors.New(apperrors.KindMetadata,
				fmt.Sprintf("lineage edge references unknown table %q", edge.To), nil)
		}
	}

	return s, nil
}

func (k ruleKey) String() string { return k.system + "\x1f" + k.metric }

// NewStoreForTest builds a Store directly from in-memory documents, bypassing
// YAML loading. Exported for use by other packages' tests that need a
// populated Store without writing fixture files to disk.
func NewStoreForTest(entities []Entity, tables []Table, metrics []Metric, rules []Rule,
	lineage []LineageEdge, timeRules []TimeRule, identity []IdentityMapping,
	labels BusinessLabels, exceptions []ExceptionRecord) (*Store, error) {
	return newStore(entities, tables, metrics, rules, lineage, timeRules, identity, labels, exceptions)
}

// TableByName returns the table, or (nil, false) if unknown.
func (s *Store) TableByName(name string) (*Table, bool) {
	t, ok := s.tablesByName[name]
	return t, ok
}

// TablesByEntity returns every table of the given entity, across systems.
func (s *Store) TablesByEntity(entity string) []*Table {
	return s.tablesByEntity[entity]
}

// TablesBySystem returns every table declared under the given system.
func (s *Store) TablesBySystem(system string) []*Table {
	return s.tablesBySystem[system]
}

// RuleByID returns the rule, or (nil, false) if unknown.
func (s *Store) RuleByID(id string) (*Rule, bool) {
	r, ok := s.rulesByID[id]
	return r, ok
}

// RulesFor returns every rule computing metric within system.
func (s *Store) RulesFor(system, metric string) []*Rule {
	return s.rulesBySysMet[ruleKey{system: system, metric: metric}.String()]
}

// MetricByID returns the metric, or (nil, false) if unknown.
func (s *Store) MetricByID(id string) (*Metric, bool) {
	m, ok := s.metricsByID[id]
	return m, ok
}

// EntityByID returns the entity, or (nil, false) if unknown.
func (s *Store) EntityByID(id string) (*Entity, bool) {
	e, ok := s.entitiesByID[id]
	return e, ok
}

// CanonicalColumn resolves an alternate key column to its canonical column
// for entity, via the identity map. Returns the input unchanged if no
// mapping applies.
func (s *Store) CanonicalColumn(entity, column string) string {
	for _, m := range s.Identity {
		if m.Entity == entity && equalFold(m.AlternateColumn, column) {
			return m.CanonicalColumn
		}
	}
	return column
}

// IsExcepted reports whether (entity, grainValue) has a recorded exception.
func (s *Store) IsExcepted(entity, grainValue string) (ExceptionRecord, bool) {
	for _, ex := range s.Exceptions {
		if ex.Entity == entity && ex.GrainValue == grainValue {
			return ex, true
		}
	}
	return ExceptionRecord{}, false
}
