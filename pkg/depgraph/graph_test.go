package depgraph

import (
	"path/filepath"
	"testing"

	"github.com/ritzau/asset-pipeline/pkg/builder"
	"github.com/ritzau/asset-pipeline/pkg/database"
	"github.com/ritzau/asset-pipeline/pkg/model"
)

// allRegistered accepts every builder ID
type allRegistered struct{}

func (allRegistered) IsRegistered(string) bool { return true }

// noneRegistered rejects every builder ID
type noneRegistered struct{}

func (noneRegistered) IsRegistered(string) bool { return false }

func newTestGraph(t *testing.T, checker BuilderChecker) (*DependencyGraph, *database.AssetDatabase) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "assetdb.sqlite"))
	if err != nil {
		t.Fatalf("Open() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, checker), db
}

func createSource(t *testing.T, db *database.AssetDatabase, id, rel string) model.SourceEntry {
	t.Helper()
	source := model.SourceEntry{SourceID: id, ScanFolderID: 1, RelativePath: rel}
	if err := db.CreateSource(&source); err != nil {
		t.Fatalf("CreateSource(%s) unexpected error: %v", rel, err)
	}
	return source
}

func TestUpdateDependenciesResolvesNames(t *testing.T) {
	g, db := newTestGraph(t, allRegistered{})
	createSource(t, db, "mtl", "foo.mtl")
	createSource(t, db, "tga", "foo_diffuse.tga")

	changed, err := g.UpdateDependencies("b1", "mtl", []builder.SourceDependencyDescriptor{
		{DependsOnName: "foo_diffuse.tga", Type: model.DependencyFingerprint},
	})
	if err != nil {
		t.Fatalf("UpdateDependencies() unexpected error: %v", err)
	}
	if !changed {
		t.Error("Expected first emission to report a change")
	}

	dependents, err := g.DependentsOf("tga")
	if err != nil {
		t.Fatalf("DependentsOf() unexpected error: %v", err)
	}
	if len(dependents) != 1 || dependents[0] != "mtl" {
		t.Errorf("Expected [mtl], got %v", dependents)
	}

	deps, err := g.FingerprintDependencies("mtl")
	if err != nil {
		t.Fatalf("FingerprintDependencies() unexpected error: %v", err)
	}
	if len(deps) != 1 || deps[0] != "tga" {
		t.Errorf("Expected fingerprint dependency [tga], got %v", deps)
	}
}

func TestUpdateDependenciesLexicographicTieBreak(t *testing.T) {
	g, db := newTestGraph(t, allRegistered{})
	createSource(t, db, "mtl", "foo.mtl")
	createSource(t, db, "tga-b", "textures/b.tga")
	createSource(t, db, "tga-a", "textures/a.tga")

	_, err := g.UpdateDependencies("b1", "mtl", []builder.SourceDependencyDescriptor{
		{DependsOnName: "textures/*.tga", Type: model.DependencyFingerprint},
	})
	if err != nil {
		t.Fatalf("UpdateDependencies() unexpected error: %v", err)
	}

	deps, err := g.FingerprintDependencies("mtl")
	if err != nil {
		t.Fatalf("FingerprintDependencies() unexpected error: %v", err)
	}
	if len(deps) != 1 || deps[0] != "tga-a" {
		t.Errorf("Expected lexicographically smallest match [tga-a], got %v", deps)
	}
}

func TestUpdateDependenciesIdenticalEmissionNoChange(t *testing.T) {
	g, db := newTestGraph(t, allRegistered{})
	createSource(t, db, "mtl", "foo.mtl")
	createSource(t, db, "tga", "foo_diffuse.tga")

	declared := []builder.SourceDependencyDescriptor{
		{DependsOnSourceID: "tga", Type: model.DependencyFingerprint},
	}
	if _, err := g.UpdateDependencies("b1", "mtl", declared); err != nil {
		t.Fatalf("UpdateDependencies() unexpected error: %v", err)
	}
	changed, err := g.UpdateDependencies("b1", "mtl", declared)
	if err != nil {
		t.Fatalf("UpdateDependencies() unexpected error: %v", err)
	}
	if changed {
		t.Error("Expected identical emission to report no change")
	}
}

func TestPendingDependencyResolvedOnDiscovery(t *testing.T) {
	g, db := newTestGraph(t, allRegistered{})
	createSource(t, db, "mtl", "foo.mtl")

	// Declared before the texture exists: recorded pending
	_, err := g.UpdateDependencies("b1", "mtl", []builder.SourceDependencyDescriptor{
		{DependsOnName: "foo_diffuse.tga", Type: model.DependencyFingerprint},
	})
	if err != nil {
		t.Fatalf("UpdateDependencies() unexpected error: %v", err)
	}

	deps, err := g.FingerprintDependencies("mtl")
	if err != nil {
		t.Fatalf("FingerprintDependencies() unexpected error: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("Expected no resolved dependencies yet, got %v", deps)
	}

	// The texture appears; the pending row binds and the dependent is returned
	tga := createSource(t, db, "tga", "foo_diffuse.tga")
	dependents, err := g.ResolvePending(tga)
	if err != nil {
		t.Fatalf("ResolvePending() unexpected error: %v", err)
	}
	if len(dependents) != 1 || dependents[0] != "mtl" {
		t.Errorf("Expected [mtl] to need re-analysis, got %v", dependents)
	}

	deps, err = g.FingerprintDependencies("mtl")
	if err != nil {
		t.Fatalf("FingerprintDependencies() unexpected error: %v", err)
	}
	if len(deps) != 1 || deps[0] != "tga" {
		t.Errorf("Expected resolved dependency [tga], got %v", deps)
	}
}

func TestPendingUUIDReferenceResolvedOnDiscovery(t *testing.T) {
	g, db := newTestGraph(t, allRegistered{})
	createSource(t, db, "mtl", "foo.mtl")

	// Declared by UUID before that source is known: recorded pending with
	// the UUID as the name
	const tgaID = "7f3a2c91-55d0-4e0b-9a77-1c8e4b6f2d03"
	_, err := g.UpdateDependencies("b1", "mtl", []builder.SourceDependencyDescriptor{
		{DependsOnSourceID: tgaID, Type: model.DependencyFingerprint},
	})
	if err != nil {
		t.Fatalf("UpdateDependencies() unexpected error: %v", err)
	}
	deps, err := g.FingerprintDependencies("mtl")
	if err != nil {
		t.Fatalf("FingerprintDependencies() unexpected error: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("Expected no resolved dependencies yet, got %v", deps)
	}

	// A source with that identity appears; the row binds on UUID, not path
	tga := createSource(t, db, tgaID, "foo_diffuse.tga")
	dependents, err := g.ResolvePending(tga)
	if err != nil {
		t.Fatalf("ResolvePending() unexpected error: %v", err)
	}
	if len(dependents) != 1 || dependents[0] != "mtl" {
		t.Errorf("Expected [mtl] to need re-analysis, got %v", dependents)
	}

	deps, err = g.FingerprintDependencies("mtl")
	if err != nil {
		t.Fatalf("FingerprintDependencies() unexpected error: %v", err)
	}
	if len(deps) != 1 || deps[0] != tgaID {
		t.Errorf("Expected resolved dependency [%s], got %v", tgaID, deps)
	}
}

func TestDependentsOfSkipsUnregisteredBuilders(t *testing.T) {
	g, db := newTestGraph(t, noneRegistered{})
	createSource(t, db, "mtl", "foo.mtl")
	createSource(t, db, "tga", "foo_diffuse.tga")

	_, err := g.UpdateDependencies("b1", "mtl", []builder.SourceDependencyDescriptor{
		{DependsOnSourceID: "tga", Type: model.DependencyFingerprint},
	})
	if err != nil {
		t.Fatalf("UpdateDependencies() unexpected error: %v", err)
	}

	dependents, err := g.DependentsOf("tga")
	if err != nil {
		t.Fatalf("DependentsOf() unexpected error: %v", err)
	}
	if len(dependents) != 0 {
		t.Errorf("Expected unregistered builder's dependents to be skipped, got %v", dependents)
	}
}

func TestLoadRebuildsGraph(t *testing.T) {
	g, db := newTestGraph(t, allRegistered{})
	createSource(t, db, "a", "a.mtl")
	createSource(t, db, "b", "b.tga")

	_, err := g.UpdateDependencies("b1", "a", []builder.SourceDependencyDescriptor{
		{DependsOnSourceID: "b", Type: model.DependencyFingerprint},
	})
	if err != nil {
		t.Fatalf("UpdateDependencies() unexpected error: %v", err)
	}

	// A fresh graph over the same database sees the persisted edges
	fresh := New(db, allRegistered{})
	if err := fresh.Load(); err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	dependents, err := fresh.DependentsOf("b")
	if err != nil {
		t.Fatalf("DependentsOf() unexpected error: %v", err)
	}
	if len(dependents) != 1 || dependents[0] != "a" {
		t.Errorf("Expected [a] after reload, got %v", dependents)
	}
}

func TestCycleDetection(t *testing.T) {
	g, db := newTestGraph(t, allRegistered{})
	createSource(t, db, "a", "a.xml")
	createSource(t, db, "b", "b.xml")
	createSource(t, db, "c", "c.xml")

	deps := func(target string) []builder.SourceDependencyDescriptor {
		return []builder.SourceDependencyDescriptor{
			{DependsOnSourceID: target, Type: model.DependencyAnalysis},
		}
	}
	if _, err := g.UpdateDependencies("b1", "a", deps("b")); err != nil {
		t.Fatalf("UpdateDependencies() unexpected error: %v", err)
	}
	if _, err := g.UpdateDependencies("b1", "b", deps("a")); err != nil {
		t.Fatalf("UpdateDependencies() unexpected error: %v", err)
	}
	if _, err := g.UpdateDependencies("b1", "c", deps("a")); err != nil {
		t.Fatalf("UpdateDependencies() unexpected error: %v", err)
	}

	cycles := g.Cycles()
	if len(cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %d", len(cycles))
	}
	if len(cycles[0].Sources) != 2 {
		t.Errorf("Expected cycle of 2 sources, got %v", cycles[0].Sources)
	}
}

func TestRemoveSourceDropsEdges(t *testing.T) {
	g, db := newTestGraph(t, allRegistered{})
	createSource(t, db, "a", "a.mtl")
	createSource(t, db, "b", "b.tga")

	_, err := g.UpdateDependencies("b1", "a", []builder.SourceDependencyDescriptor{
		{DependsOnSourceID: "b", Type: model.DependencyAnalysis},
	})
	if err != nil {
		t.Fatalf("UpdateDependencies() unexpected error: %v", err)
	}

	g.RemoveSource("b")
	if cycles := g.Cycles(); len(cycles) != 0 {
		t.Errorf("Expected no cycles after removal, got %d", len(cycles))
	}
}
