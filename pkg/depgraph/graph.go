package depgraph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/ritzau/asset-pipeline/pkg/builder"
	"github.com/ritzau/asset-pipeline/pkg/database"
	"github.com/ritzau/asset-pipeline/pkg/logging"
	"github.com/ritzau/asset-pipeline/pkg/model"
)

// BuilderChecker answers whether a builder is still registered. A
// dependency declared by a builder that has since been unloaded must not
// trigger re-analysis.
type BuilderChecker interface {
	IsRegistered(builderID string) bool
}

// DependencyGraph tracks which sources depend on which other sources. The
// authoritative rows live in the database (so dependencies survive
// restarts); an in-memory directed graph mirrors the resolved edges for
// fast dependent lookups and cycle diagnostics.
//
// Edges point dependent -> depended-upon. The raw graph may be cyclic;
// termination of re-trigger traversal is the caller's job (visited set
// per settle-cycle).
type DependencyGraph struct {
	db       *database.AssetDatabase
	builders BuilderChecker

	mu          sync.RWMutex
	graph       *simple.DirectedGraph
	idForSource map[string]int64
	sourceForID map[int64]string
	nextID      int64
	// edgeBuilders records which builders declared each edge so lookups
	// can ignore edges from unregistered builders
	edgeBuilders map[[2]int64]map[string]bool
}

// New creates an empty graph backed by the given database
func New(db *database.AssetDatabase, builders BuilderChecker) *DependencyGraph {
	return &DependencyGraph{
		db:           db,
		builders:     builders,
		graph:        simple.NewDirectedGraph(),
		idForSource:  make(map[string]int64),
		sourceForID:  make(map[int64]string),
		edgeBuilders: make(map[[2]int64]map[string]bool),
	}
}

// Load rebuilds the in-memory graph from persisted dependency rows.
// Called once at startup, before the manager starts processing.
func (g *DependencyGraph) Load() error {
	sources, err := g.db.AllSources()
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, source := range sources {
		rows, err := g.db.DependenciesDeclaredBy(source.SourceID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.IsPending() {
				continue
			}
			g.addEdgeLocked(row.SourceID, row.DependsOnSourceID, row.BuilderID)
		}
	}

	logging.Debug("dependency graph loaded", "sources", len(sources))
	return nil
}

func (g *DependencyGraph) nodeLocked(sourceID string) int64 {
	if id, ok := g.idForSource[sourceID]; ok {
		return id
	}
	id := g.nextID
	g.nextID++
	g.idForSource[sourceID] = id
	g.sourceForID[id] = sourceID
	g.graph.AddNode(simple.Node(id))
	return id
}

func (g *DependencyGraph) addEdgeLocked(dependent, dependsOn, builderID string) {
	if dependent == dependsOn {
		return // self-edges carry no information
	}
	from := g.nodeLocked(dependent)
	to := g.nodeLocked(dependsOn)
	if !g.graph.HasEdgeFromTo(from, to) {
		g.graph.SetEdge(g.graph.NewEdge(simple.Node(from), simple.Node(to)))
	}
	key := [2]int64{from, to}
	if g.edgeBuilders[key] == nil {
		g.edgeBuilders[key] = make(map[string]bool)
	}
	g.edgeBuilders[key][builderID] = true
}

// UpdateDependencies resolves and persists the dependency set a builder
// emitted for a source, replacing whatever was declared before. Name
// references are matched against all known sources; a pattern matching
// multiple sources resolves to the lexicographically smallest relative
// path, and a pattern matching none is recorded as pending. Returns true
// when the persisted set changed (the caller must then re-fingerprint the
// source's jobs).
func (g *DependencyGraph) UpdateDependencies(builderID, sourceID string, declared []builder.SourceDependencyDescriptor) (bool, error) {
	rows := make([]model.SourceDependencyEntry, 0, len(declared))
	for _, dep := range declared {
		row := model.SourceDependencyEntry{
			BuilderID:      builderID,
			SourceID:       sourceID,
			DependencyType: dep.Type,
		}
		switch {
		case dep.DependsOnSourceID != "":
			target, err := g.db.SourceByID(dep.DependsOnSourceID)
			if err != nil {
				return false, err
			}
			if target == nil {
				logging.Warn("dependency references unknown source UUID, recording as pending",
					"sourceId", sourceID, "dependsOn", dep.DependsOnSourceID)
				row.DependsOnName = dep.DependsOnSourceID
			} else {
				row.DependsOnSourceID = target.SourceID
				row.DependsOnName = target.RelativePath
			}
		case dep.DependsOnName != "":
			row.DependsOnName = normalizeName(dep.DependsOnName)
			resolved, err := g.resolveName(row.DependsOnName)
			if err != nil {
				return false, err
			}
			row.DependsOnSourceID = resolved // empty means pending
		default:
			continue // nothing to depend on
		}
		rows = append(rows, row)
	}

	changed, err := g.db.ReplaceSourceDependencies(builderID, sourceID, rows)
	if err != nil {
		return false, err
	}
	if changed {
		if err := g.rebuildSourceEdges(sourceID); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// resolveName matches a name pattern against all known sources. Ties are
// broken by lexicographic relative path so resolution is deterministic
// regardless of iteration order.
func (g *DependencyGraph) resolveName(name string) (string, error) {
	matcher, err := glob.Compile(strings.ToLower(name), '/')
	if err != nil {
		return "", fmt.Errorf("invalid dependency pattern %q: %w", name, err)
	}

	sources, err := g.db.AllSources()
	if err != nil {
		return "", err
	}

	var matches []model.SourceEntry
	for _, source := range sources {
		if matcher.Match(strings.ToLower(source.RelativePath)) {
			matches = append(matches, source)
		}
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].RelativePath < matches[j].RelativePath
	})
	if len(matches) > 1 {
		logging.Debug("dependency pattern matched multiple sources, using lexicographic first",
			"pattern", name, "chosen", matches[0].RelativePath, "candidates", len(matches))
	}
	return matches[0].SourceID, nil
}

// rebuildSourceEdges refreshes the in-memory edges leaving one source
func (g *DependencyGraph) rebuildSourceEdges(sourceID string) error {
	rows, err := g.db.DependenciesDeclaredBy(sourceID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.idForSource[sourceID]; ok {
		to := g.graph.From(id)
		var stale []int64
		for to.Next() {
			stale = append(stale, to.Node().ID())
		}
		for _, t := range stale {
			g.graph.RemoveEdge(id, t)
			delete(g.edgeBuilders, [2]int64{id, t})
		}
	}

	for _, row := range rows {
		if row.IsPending() {
			continue
		}
		g.addEdgeLocked(row.SourceID, row.DependsOnSourceID, row.BuilderID)
	}
	return nil
}

// ResolvePending binds pending name-pattern rows to a newly discovered
// source and returns the source IDs that declared them (each needs
// re-analysis now that its dependency exists).
func (g *DependencyGraph) ResolvePending(discovered model.SourceEntry) ([]string, error) {
	pending, err := g.db.PendingDependencies()
	if err != nil {
		return nil, err
	}

	var dependents []string
	seen := make(map[string]bool)
	rel := strings.ToLower(discovered.RelativePath)

	for _, row := range pending {
		// A pending row holds either a name pattern or a source UUID that
		// was unknown at declaration time; the UUID form matches on
		// identity, not path
		if row.DependsOnName != discovered.SourceID {
			matcher, err := glob.Compile(strings.ToLower(row.DependsOnName), '/')
			if err != nil {
				continue // invalid persisted pattern, already warned at declaration
			}
			if !matcher.Match(rel) {
				continue
			}
		}
		if err := g.db.ResolvePendingDependency(row.ID, discovered.SourceID); err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.addEdgeLocked(row.SourceID, discovered.SourceID, row.BuilderID)
		g.mu.Unlock()
		if !seen[row.SourceID] {
			seen[row.SourceID] = true
			dependents = append(dependents, row.SourceID)
		}
	}
	sort.Strings(dependents)
	return dependents, nil
}

// DependentsOf returns the sources that declared a dependency on the
// given source, skipping declarations owned by unregistered builders.
// The result is sorted for deterministic re-queue order.
func (g *DependencyGraph) DependentsOf(sourceID string) ([]string, error) {
	rows, err := g.db.DependenciesOn(sourceID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var dependents []string
	for _, row := range rows {
		if !g.builders.IsRegistered(row.BuilderID) {
			continue
		}
		if !seen[row.SourceID] {
			seen[row.SourceID] = true
			dependents = append(dependents, row.SourceID)
		}
	}
	sort.Strings(dependents)
	return dependents, nil
}

// FingerprintDependencies returns the resolved fingerprint-affecting
// dependencies a source declared, as source IDs
func (g *DependencyGraph) FingerprintDependencies(sourceID string) ([]string, error) {
	rows, err := g.db.DependenciesDeclaredBy(sourceID)
	if err != nil {
		return nil, err
	}
	var ids []string
	seen := make(map[string]bool)
	for _, row := range rows {
		if row.DependencyType != model.DependencyFingerprint || row.IsPending() {
			continue
		}
		if !seen[row.DependsOnSourceID] {
			seen[row.DependsOnSourceID] = true
			ids = append(ids, row.DependsOnSourceID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RemoveSource drops a deleted source's node and edges from the in-memory
// graph (the database rows are removed by the deletion cascade)
func (g *DependencyGraph) RemoveSource(sourceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.idForSource[sourceID]
	if !ok {
		return
	}
	for key := range g.edgeBuilders {
		if key[0] == id || key[1] == id {
			delete(g.edgeBuilders, key)
		}
	}
	g.graph.RemoveNode(id)
	delete(g.idForSource, sourceID)
	delete(g.sourceForID, id)
}

func normalizeName(name string) string {
	return strings.ReplaceAll(name, "\\", "/")
}
