package platform

import (
	"path/filepath"
	"testing"

	"github.com/ritzau/asset-pipeline/pkg/config"
	"github.com/ritzau/asset-pipeline/pkg/model"
)

func newTestPlatformConfig(t *testing.T) *PlatformConfig {
	t.Helper()
	pc, err := New(&config.Config{
		CacheRoot: "/project/Cache",
		Platforms: []string{"pc"},
		ScanFolders: []config.ScanFolder{
			{Path: "/project/Assets", PortableKey: "game", Root: true},
			{Path: "/project/Assets/Gems", PortableKey: "gems"},
		},
		MetadataExtensions: []string{".assetinfo"},
	})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	pc.SetScanFolders([]model.ScanFolderEntry{
		{ID: 1, Path: "/project/Assets", PortableKey: "game", IsRoot: true},
		{ID: 2, Path: "/project/Assets/Gems", PortableKey: "gems"},
	})
	return pc
}

func TestScanFolderForFilePrefersDeepestMatch(t *testing.T) {
	pc := newTestPlatformConfig(t)

	sf, rel, ok := pc.ScanFolderForFile("/project/Assets/Gems/ui/button.png")
	if !ok {
		t.Fatal("Expected a scan folder match")
	}
	if sf.ID != 2 {
		t.Errorf("Expected nested folder (ID 2), got ID %d", sf.ID)
	}
	if rel != "ui/button.png" {
		t.Errorf("Expected relative path ui/button.png, got %s", rel)
	}

	sf, rel, ok = pc.ScanFolderForFile("/project/Assets/textures/grass.tga")
	if !ok || sf.ID != 1 {
		t.Fatalf("Expected outer folder (ID 1), got ok=%v ID=%d", ok, sf.ID)
	}
	if rel != "textures/grass.tga" {
		t.Errorf("Expected relative path textures/grass.tga, got %s", rel)
	}
}

func TestScanFolderForFileOutside(t *testing.T) {
	pc := newTestPlatformConfig(t)
	if _, _, ok := pc.ScanFolderForFile("/elsewhere/file.txt"); ok {
		t.Error("Expected no match outside scan folders")
	}
}

func TestAbsolutePathRoundTrip(t *testing.T) {
	pc := newTestPlatformConfig(t)

	abs, ok := pc.AbsolutePath(1, "textures/grass.tga")
	if !ok {
		t.Fatal("Expected absolute path for known folder")
	}
	want := filepath.Join(filepath.FromSlash("/project/Assets"), "textures", "grass.tga")
	if abs != want {
		t.Errorf("Expected %s, got %s", want, abs)
	}

	if _, ok := pc.AbsolutePath(99, "x"); ok {
		t.Error("Expected no path for unknown folder ID")
	}
}

func TestIsInCacheRoot(t *testing.T) {
	pc := newTestPlatformConfig(t)

	rel, ok := pc.IsInCacheRoot("/project/Cache/pc/textures/grass.tga")
	if !ok {
		t.Fatal("Expected cache path to be recognized")
	}
	if rel != "pc/textures/grass.tga" {
		t.Errorf("Expected pc/textures/grass.tga, got %s", rel)
	}

	if _, ok := pc.IsInCacheRoot("/project/Assets/grass.tga"); ok {
		t.Error("Expected source path not to be in cache root")
	}
}

func TestIsMetadataFile(t *testing.T) {
	pc := newTestPlatformConfig(t)

	primary, ok := pc.IsMetadataFile("/project/Assets/foo.tga.assetinfo")
	if !ok {
		t.Fatal("Expected .assetinfo to be a metadata file")
	}
	if primary != "/project/Assets/foo.tga" {
		t.Errorf("Expected primary /project/Assets/foo.tga, got %s", primary)
	}

	if _, ok := pc.IsMetadataFile("/project/Assets/foo.tga"); ok {
		t.Error("Expected plain file not to be metadata")
	}
}

func TestNormalizePath(t *testing.T) {
	got := NormalizePath("/project//Assets/./textures/../foo.tga")
	if got != "/project/Assets/foo.tga" {
		t.Errorf("Expected /project/Assets/foo.tga, got %s", got)
	}
}
