// Package graph is the Knowledge Graph (C2): a typed hypergraph over tables,
// columns, rules, metrics, entities, and systems, built on an untyped
// adjacency graph's DFS/BFS idiom — stack-based DFS for connected
// components, a visited set for path-finding — with typed, labeled edges
// added on top.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/reconcilio/rcaengine/internal/apperrors"
	"github.com/reconcilio/rcaengine/internal/metadata"
)

// NodeKind is one of the six node types spec.md §4.2 names.
type NodeKind string

const (
	NodeTable  NodeKind = "table"
	NodeColumn NodeKind = "column"
	NodeRule   NodeKind = "rule"
	NodeMetric NodeKind = "metric"
	NodeEntity NodeKind = "entity"
	NodeSystem NodeKind = "system"
)

// NodeID is a kind-qualified node identity, unique within the graph.
type NodeID struct {
	Kind NodeKind
	Name string
}

func (n NodeID) String() string { return string(n.Kind) + ":" + n.Name }

// EdgeLabel classifies a KnowledgeGraph edge (spec.md §4.2).
type EdgeLabel string

const (
	EdgeHasColumn   EdgeLabel = "has-column"
	EdgeInstanceOf  EdgeLabel = "instance-of"
	EdgeUses        EdgeLabel = "uses"
	EdgeComputes    EdgeLabel = "computes"
	EdgeLineage     EdgeLabel = "lineage"
	EdgePresence    EdgeLabel = "presence"
)

// Edge is one labeled, typed connection. For EdgeLineage, Keys carries the
// lineage edge's left->right column map and Relationship its cardinality.
type Edge struct {
	From, To     NodeID
	Label        EdgeLabel
	Keys         map[string]string
	Relationship metadata.Relationship
}

// KnowledgeGraph is an adjacency-list hypergraph, kept deliberately close to
// TableGraph's shape (string-keyed adjacency map) but over typed NodeIDs.
type KnowledgeGraph struct {
	nodes map[string]NodeID
	edges map[string][]Edge // adjacency, keyed by NodeID.String()
}

// Build derives a KnowledgeGraph from a metadata.Store. The graph is rebuilt
// only on metadata reload (spec.md §3 "Lifecycles"); it is never mutated
// in place afterward.
func Build(store *metadata.Store) *KnowledgeGraph {
	g := &KnowledgeGraph{
		nodes: make(map[string]NodeID),
		edges: make(map[string][]Edge),
	}

	for _, e := range store.Entities {
		g.addNode(NodeID{Kind: NodeEntity, Name: e.ID})
	}
	for _, sys := range distinctSystems(store.Tables) {
		g.addNode(NodeID{Kind: NodeSystem, Name: sys})
	}
	for _, m := range store.Metrics {
		g.addNode(NodeID{Kind: NodeMetric, Name: m.ID})
	}

	for _, t := range store.Tables {
		tableNode := NodeID{Kind: NodeTable, Name: t.Name}
		g.addNode(tableNode)
		g.addUndirectedEdge(tableNode, NodeID{Kind: NodeEntity, Name: t.Entity}, EdgeInstanceOf, nil, "")
		g.addUndirectedEdge(tableNode, NodeID{Kind: NodeSystem, Name: t.System}, EdgeInstanceOf, nil, "")
		for _, col := range t.Columns {
			colNode := NodeID{Kind: NodeColumn, Name: t.Name + "." + col.Name}
			g.addNode(colNode)
			g.addUndirectedEdge(tableNode, colNode, EdgeHasColumn, nil, "")
			for _, v := range col.DistinctValues {
				valueNode := NodeID{Kind: NodeColumn, Name: "value:" + v}
				g.addNode(valueNode)
				g.addUndirectedEdge(colNode, valueNode, EdgePresence, nil, "")
			}
		}
	}

	for _, r := range store.Rules {
		ruleNode := NodeID{Kind: NodeRule, Name: r.ID}
		g.addNode(ruleNode)
		g.addUndirectedEdge(ruleNode, NodeID{Kind: NodeMetric, Name: r.Metric}, EdgeComputes, nil, "")
		for _, t := range store.TablesByEntity(r.TargetEntity) {
			if t.System == r.System {
				g.addUndirectedEdge(ruleNode, NodeID{Kind: NodeTable, Name: t.Name}, EdgeUses, nil, "")
			}
		}
	}

	for _, edge := range store.Lineage {
		from := NodeID{Kind: NodeTable, Name: edge.From}
		to := NodeID{Kind: NodeTable, Name: edge.To}
		g.edges[from.String()] = append(g.edges[from.String()], Edge{
			From: from, To: to, Label: EdgeLineage, Keys: edge.Keys, Relationship: edge.Relationship,
		})
		g.edges[to.String()] = append(g.edges[to.String()], Edge{
			From: to, To: from, Label: EdgeLineage, Keys: reverseKeys(edge.Keys), Relationship: reverseRelationship(edge.Relationship),
		})
	}

	return g
}

func distinctSystems(tables []metadata.Table) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tables {
		if !seen[t.System] {
			seen[t.System] = true
			out = append(out, t.System)
		}
	}
	sort.Strings(out)
	return out
}

func reverseKeys(keys map[string]string) map[string]string {
	out := make(map[string]string, len(keys))
	for k, v := range keys {
		out[v] = k
	}
	return out
}

func reverseRelationship(r metadata.Relationship) metadata.Relationship {
	switch r {
	case metadata.OneToMany:
		return metadata.ManyToOne
	case metadata.ManyToOne:
		return metadata.OneToMany
	default:
		return r
	}
}

func (g *KnowledgeGraph) addNode(id NodeID) {
	g.nodes[id.String()] = id
}

func (g *KnowledgeGraph) addUndirectedEdge(a, b NodeID, label EdgeLabel, keys map[string]string, rel metadata.Relationship) {
	g.edges[a.String()] = append(g.edges[a.String()], Edge{From: a, To: b, Label: label, Keys: keys, Relationship: rel})
	g.edges[b.String()] = append(g.edges[b.String()], Edge{From: b, To: a, Label: label, Keys: keys, Relationship: rel})
}

// FindJoinPath is BFS over lineage edges only, in either direction; reverse
// edges invert the key map, exactly as spec.md §4.2 specifies.
func (g *KnowledgeGraph) FindJoinPath(fromTable, toTable string) ([]Edge, error) {
	start := NodeID{Kind: NodeTable, Name: fromTable}
	goal := NodeID{Kind: NodeTable, Name: toTable}

	if start == goal {
		return nil, nil
	}

	type queueEntry struct {
		node NodeID
		path []Edge
	}

	visited := map[string]bool{start.String(): true}
	queue := []queueEntry{{node: start}}

	for len(queue) > 0 {
		entry := queue[0]
		queue = queue[1:]

		for _, edge := range g.edges[entry.node.String()] {
			if edge.Label != EdgeLineage {
				continue
			}
			if visited[edge.To.String()] {
				continue
			}
			path := append(append([]Edge(nil), entry.path...), edge)
			if edge.To == goal {
				return path, nil
			}
			visited[edge.To.String()] = true
			queue = append(queue, queueEntry{node: edge.To, path: path})
		}
	}

	return nil, fmt.Errorf("%w: %s -> %s", apperrors.ErrNoJoinPath, fromTable, toTable)
}

// FindColumnsWithValue does a case-insensitive substring search over every
// table column's distinct_values sample, optionally scoped to one system.
func (g *KnowledgeGraph) FindColumnsWithValue(literal string, scopeSystem string) []ColumnMatch {
	needle := strings.ToLower(literal)
	var matches []ColumnMatch

	for key, node := range g.nodes {
		if node.Kind != NodeColumn || strings.HasPrefix(node.Name, "value:") {
			continue
		}
		parts := strings.SplitN(node.Name, ".", 2)
		if len(parts) != 2 {
			continue
		}
		table, column := parts[0], parts[1]

		for _, edge := range g.edges[key] {
			if edge.Label != EdgePresence || !strings.HasPrefix(edge.To.Name, "value:") {
				continue
			}
			value := strings.TrimPrefix(edge.To.Name, "value:")
			if !strings.Contains(strings.ToLower(value), needle) {
				continue
			}
			if scopeSystem != "" && !g.tableInSystem(table, scopeSystem) {
				continue
			}
			matches = append(matches, ColumnMatch{Table: table, Column: column, Value: value})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Table != matches[j].Table {
			return matches[i].Table < matches[j].Table
		}
		return matches[i].Column < matches[j].Column
	})
	return matches
}

func (g *KnowledgeGraph) tableInSystem(table, system string) bool {
	tableNode := NodeID{Kind: NodeTable, Name: table}
	for _, edge := range g.edges[tableNode.String()] {
		if edge.Label == EdgeInstanceOf && edge.To.Kind == NodeSystem && edge.To.Name == system {
			return true
		}
	}
	return false
}

// ColumnMatch is one hit from FindColumnsWithValue.
type ColumnMatch struct {
	Table, Column, Value string
}

// ResolveMetricSources returns every rule that computes metric within
// system, looked up in the store's (system, metric) rules index.
func (g *KnowledgeGraph) ResolveMetricSources(store *metadata.Store, metric, system string) []*metadata.Rule {
	return store.RulesFor(system, metric)
}

// ConnectedComponent is a group of tables reachable from one another via
// lineage edges.
type ConnectedComponent struct {
	Tables []string
}

// FindConnectedComponents partitions every table node into connected
// components via lineage edges, using stack-based DFS exactly as the
// teacher's TableGraph.dfs does it. Islands (single-table components) are
// returned separately. This is used by the grounder to explain a
// Disjoint-not-joinable verdict by naming the two components involved
// (SPEC_FULL.md §4.2).
func (g *KnowledgeGraph) FindConnectedComponents() (components []ConnectedComponent, islands []string) {
	visited := make(map[string]bool)
	var tableNames []string
	for key, node := range g.nodes {
		if node.Kind == NodeTable {
			tableNames = append(tableNames, key)
		}
	}
	sort.Strings(tableNames)

	for _, key := range tableNames {
		if visited[key] {
			continue
		}
		component := g.dfsTables(key, visited)
		if len(component) == 1 {
			islands = append(islands, component[0])
		} else {
			components = append(components, ConnectedComponent{Tables: component})
		}
	}

	sort.Slice(components, func(i, j int) bool {
		return len(components[i].Tables) > len(components[j].Tables)
	})
	return components, islands
}

func (g *KnowledgeGraph) dfsTables(start string, visited map[string]bool) []string {
	var component []string
	stack := []string{start}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[current] {
			continue
		}
		visited[current] = true
		component = append(component, g.nodes[current].Name)

		for _, edge := range g.edges[current] {
			if edge.Label != EdgeLineage {
				continue
			}
			if !visited[edge.To.String()] {
				stack = append(stack, edge.To.String())
			}
		}
	}

	sort.Strings(component)
	return component
}

// WhichComponent reports the component (by sorted table-name list) that
// table belongs to, for grain-resolution error messages.
func (g *KnowledgeGraph) WhichComponent(table string) []string {
	components, islands := g.FindConnectedComponents()
	for _, c := range components {
		for _, t := range c.Tables {
			if t == table {
				return c.Tables
			}
		}
	}
	for _, t := range islands {
		if t == table {
			return []string{t}
		}
	}
	return nil
}
