package platform

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ritzau/asset-pipeline/pkg/config"
	"github.com/ritzau/asset-pipeline/pkg/model"
)

// PlatformConfig is the static configuration consulted by triage and
// analysis: watched scan folders, the product cache root, enabled
// platforms, and metadata (sidecar) file rules. It is read-only after
// SetScanFolders has been called at startup.
type PlatformConfig struct {
	scanFolders []model.ScanFolderEntry // sorted by descending path length
	cacheRoot   string
	platforms   []string
	metadataExt []string
}

// New builds a PlatformConfig from loaded configuration. Scan folder IDs
// are zero until the database has assigned them (see SetScanFolders).
func New(cfg *config.Config) (*PlatformConfig, error) {
	cacheRoot, err := filepath.Abs(cfg.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving cache root: %w", err)
	}

	pc := &PlatformConfig{
		cacheRoot:   NormalizePath(cacheRoot),
		platforms:   append([]string(nil), cfg.Platforms...),
		metadataExt: append([]string(nil), cfg.MetadataExtensions...),
	}

	for _, sf := range cfg.ScanFolders {
		abs, err := filepath.Abs(sf.Path)
		if err != nil {
			return nil, fmt.Errorf("resolving scan folder %q: %w", sf.Path, err)
		}
		display := sf.DisplayName
		if display == "" {
			display = filepath.Base(abs)
		}
		pc.scanFolders = append(pc.scanFolders, model.ScanFolderEntry{
			Path:        NormalizePath(abs),
			DisplayName: display,
			PortableKey: sf.PortableKey,
			IsRoot:      sf.Root,
		})
	}
	pc.sortFolders()

	return pc, nil
}

// SetScanFolders replaces the folder set with database-backed entries
// (carrying their persisted IDs)
func (pc *PlatformConfig) SetScanFolders(folders []model.ScanFolderEntry) {
	pc.scanFolders = append([]model.ScanFolderEntry(nil), folders...)
	pc.sortFolders()
}

func (pc *PlatformConfig) sortFolders() {
	// Longest path first so nested scan folders win prefix matching
	sort.Slice(pc.scanFolders, func(i, j int) bool {
		a, b := pc.scanFolders[i].Path, pc.scanFolders[j].Path
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
}

// ScanFolders returns the configured scan folders
func (pc *PlatformConfig) ScanFolders() []model.ScanFolderEntry {
	return pc.scanFolders
}

// CacheRoot returns the normalized absolute product cache root
func (pc *PlatformConfig) CacheRoot() string {
	return pc.cacheRoot
}

// Platforms returns the enabled target platforms
func (pc *PlatformConfig) Platforms() []string {
	return pc.platforms
}

// ScanFolderByID looks up a folder by its database ID
func (pc *PlatformConfig) ScanFolderByID(id uint) (model.ScanFolderEntry, bool) {
	for _, sf := range pc.scanFolders {
		if sf.ID == id {
			return sf, true
		}
	}
	return model.ScanFolderEntry{}, false
}

// ScanFolderForFile returns the deepest scan folder containing the path
// and the path relative to it. The input may be a file or directory path;
// it does not need to exist on disk.
func (pc *PlatformConfig) ScanFolderForFile(path string) (model.ScanFolderEntry, string, bool) {
	norm := NormalizePath(path)
	for _, sf := range pc.scanFolders {
		if rel, ok := relativeTo(norm, sf.Path); ok {
			return sf, rel, true
		}
	}
	return model.ScanFolderEntry{}, "", false
}

// AbsolutePath rebuilds the absolute path of a source from its scan
// folder ID and relative path
func (pc *PlatformConfig) AbsolutePath(scanFolderID uint, relativePath string) (string, bool) {
	sf, ok := pc.ScanFolderByID(scanFolderID)
	if !ok {
		return "", false
	}
	return filepath.Join(filepath.FromSlash(sf.Path), filepath.FromSlash(relativePath)), true
}

// IsInCacheRoot reports whether the path falls under the product cache,
// returning the cache-relative path
func (pc *PlatformConfig) IsInCacheRoot(path string) (string, bool) {
	return relativeTo(NormalizePath(path), pc.cacheRoot)
}

// IsMetadataFile reports whether the path is a sidecar metadata file,
// returning the absolute path of the primary file it annotates
func (pc *PlatformConfig) IsMetadataFile(path string) (string, bool) {
	for _, ext := range pc.metadataExt {
		if strings.HasSuffix(strings.ToLower(path), ext) {
			return path[:len(path)-len(ext)], true
		}
	}
	return "", false
}

// NormalizePath canonicalizes a path for use as a map/database key:
// absolute-style cleaning plus forward slashes on every OS
func NormalizePath(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

// relativeTo returns path relative to root if path is root or below it
func relativeTo(path, root string) (string, bool) {
	if path == root {
		return "", true
	}
	prefix := root + "/"
	if strings.HasPrefix(path, prefix) {
		return path[len(prefix):], true
	}
	return "", false
}
