package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/reconcilio/rcaengine/internal/apperrors"
	"github.com/reconcilio/rcaengine/internal/runtime"
)

// documentFiles names the fixed set of documents spec.md §6 requires, one
// YAML file per document kind. Load order matters: tables before rules
// before lineage before time rules (rules reference entities, lineage
// references tables) — spec.md §6 "Metadata on disk".
var documentFiles = struct {
	entities, tables, metrics, rules, lineage, timeRules, identity, labels, exceptions string
}{
	entities:   "entities.yaml",
	tables:     "tables.yaml",
	metrics:    "metrics.yaml",
	rules:      "rules.yaml",
	lineage:    "lineage.yaml",
	timeRules:  "time_rules.yaml",
	identity:   "identity.yaml",
	labels:     "business_labels.yaml",
	exceptions: "exceptions.yaml",
}

// Load reads every metadata document from dir and builds a Store. Missing
// optional documents (identity, business_labels, exceptions, time_rules) are
// tolerated as empty; missing required documents (entities, tables, metrics,
// rules) are a MetadataError.
func Load(dir string) (*Store, error) {
	var entities []Entity
	if err := loadRequired(dir, documentFiles.entities, &entities); err != nil {
		return nil, err
	}

	var tables []Table
	if err := loadRequired(dir, documentFiles.tables, &tables); err != nil {
		return nil, err
	}

	var metrics []Metric
	if err := loadRequired(dir, documentFiles.metrics, &metrics); err != nil {
		return nil, err
	}

	var rules []Rule
	if err := loadRequired(dir, documentFiles.rules, &rules); err != nil {
		return nil, err
	}

	var lineage []LineageEdge
	_ = loadOptional(dir, documentFiles.lineage, &lineage)

	var timeRules []TimeRule
	_ = loadOptional(dir, documentFiles.timeRules, &timeRules)

	var identity []IdentityMapping
	_ = loadOptional(dir, documentFiles.identity, &identity)

	var labels BusinessLabels
	_ = loadOptional(dir, documentFiles.labels, &labels)

	var exceptions []ExceptionRecord
	_ = loadOptional(dir, documentFiles.exceptions, &exceptions)

	return newStore(entities, tables, metrics, rules, lineage, timeRules, identity, labels, exceptions)
}

func loadRequired(dir, file string, out any) error {
	path := filepath.Join(dir, file)
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.New(apperrors.KindMetadata, fmt.Sprintf("load %s", file), err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return apperrors.New(apperrors.KindMetadata, fmt.Sprintf("parse %s", file), err)
	}
	return nil
}

func loadOptional(dir, file string, out any) error {
	path := filepath.Join(dir, file)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.New(apperrors.KindMetadata, fmt.Sprintf("load %s", file), err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return apperrors.New(apperrors.KindMetadata, fmt.Sprintf("parse %s", file), err)
	}
	return nil
}

// defaultSampleCap bounds distinct_values sampling per column
// (SPEC_FULL.md §4.1).
const defaultSampleCap = 50

// PopulateDistinctValues streams every table's columns through rt and fills
// each Column.DistinctValues with a bounded sample, used for semantic column
// search (spec.md §4.1, §4.2 find_columns_with_value). It mutates s.Tables
// in place; callers should invoke it once after Load, before the store is
// shared across requests.
func (s *Store) PopulateDistinctValues(ctx context.Context, rt runtime.Runtime) error {
	for ti := range s.Tables {
		t := &s.Tables[ti]
		src := runtime.TableSource{Table: t.Name, Path: t.Path}
		for ci := range t.Columns {
			col := &t.Columns[ci]
			values, err := rt.DistinctValues(ctx, src, col.Name, defaultSampleCap)
			if err != nil {
				return apperrors.New(apperrors.KindMetadata,
					fmt.Sprintf("sample distinct values for %s.%s", t.Name, col.Name), err)
			}
			col.DistinctValues = values
		}
	}
	return nil
}
