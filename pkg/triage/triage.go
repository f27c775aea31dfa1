package triage

import (
	"os"

	"github.com/ritzau/asset-pipeline/pkg/database"
	"github.com/ritzau/asset-pipeline/pkg/model"
	"github.com/ritzau/asset-pipeline/pkg/platform"
)

// Kind classifies a raw filesystem event
type Kind int

const (
	Ignored Kind = iota
	NewSource
	ModifiedSource
	DeletedSource
	DeletedProduct
	DeletedSourceFolder
	DeletedCacheFolder
	MetadataFile
)

func (k Kind) String() string {
	switch k {
	case NewSource:
		return "new-source"
	case ModifiedSource:
		return "modified-source"
	case DeletedSource:
		return "deleted-source"
	case DeletedProduct:
		return "deleted-product"
	case DeletedSourceFolder:
		return "deleted-source-folder"
	case DeletedCacheFolder:
		return "deleted-cache-folder"
	case MetadataFile:
		return "metadata-file"
	default:
		return "ignored"
	}
}

// Classification is the result of triaging one event
type Classification struct {
	Kind         Kind
	ScanFolder   model.ScanFolderEntry // valid for source kinds
	RelativePath string                // scan-folder relative (source kinds) or cache relative (product kinds)
	PrimaryPath  string                // for MetadataFile: absolute path of the file to re-analyze
	Source       *model.SourceEntry    // known source row, when one exists
}

// Triage classifies filesystem events into the pipeline's vocabulary.
// Classification has no side effects; enqueuing is the manager's job.
type Triage struct {
	platforms *platform.PlatformConfig
	db        *database.AssetDatabase
}

// New creates a triage classifier
func New(platforms *platform.PlatformConfig, db *database.AssetDatabase) *Triage {
	return &Triage{platforms: platforms, db: db}
}

// Classify determines what a path event means. A deleted path can no
// longer be statted, so deletion classification consults the database
// (was this a known source, a known folder prefix, or nothing we track)
// instead of the filesystem.
func (t *Triage) Classify(path string, isDelete bool) (Classification, error) {
	norm := platform.NormalizePath(path)

	if cacheRel, inCache := t.platforms.IsInCacheRoot(norm); inCache {
		return t.classifyCache(cacheRel, isDelete)
	}

	scanFolder, rel, inScanFolder := t.platforms.ScanFolderForFile(norm)
	if !inScanFolder {
		return Classification{Kind: Ignored}, nil
	}

	if primary, isMeta := t.platforms.IsMetadataFile(norm); isMeta {
		// A sidecar change re-triggers its primary file, never itself
		return Classification{
			Kind:         MetadataFile,
			ScanFolder:   scanFolder,
			RelativePath: rel,
			PrimaryPath:  primary,
		}, nil
	}

	if isDelete {
		return t.classifySourceDelete(scanFolder, rel)
	}

	info, err := os.Stat(path)
	if err != nil {
		// Vanished between event and triage; the delete event will follow
		return Classification{Kind: Ignored}, nil
	}
	if info.IsDir() {
		return Classification{Kind: Ignored}, nil
	}

	source, err := t.db.SourceByPath(scanFolder.ID, rel)
	if err != nil {
		return Classification{}, err
	}
	kind := NewSource
	if source != nil {
		kind = ModifiedSource
	}
	return Classification{
		Kind:         kind,
		ScanFolder:   scanFolder,
		RelativePath: rel,
		Source:       source,
	}, nil
}

func (t *Triage) classifyCache(cacheRel string, isDelete bool) (Classification, error) {
	if !isDelete {
		// Writes under the cache are the pipeline's own output
		return Classification{Kind: Ignored}, nil
	}

	product, err := t.db.ProductByName(cacheRel)
	if err != nil {
		return Classification{}, err
	}
	if product != nil {
		return Classification{Kind: DeletedProduct, RelativePath: cacheRel}, nil
	}

	// Not a known product file; a known product below it means a cache
	// directory went away
	hasChildren, err := t.hasProductsUnder(cacheRel)
	if err != nil {
		return Classification{}, err
	}
	if hasChildren {
		return Classification{Kind: DeletedCacheFolder, RelativePath: cacheRel}, nil
	}
	return Classification{Kind: Ignored}, nil
}

func (t *Triage) hasProductsUnder(cacheRelDir string) (bool, error) {
	products, err := t.db.ProductsUnderPath(cacheRelDir)
	if err != nil {
		return false, err
	}
	return len(products) > 0, nil
}

func (t *Triage) classifySourceDelete(scanFolder model.ScanFolderEntry, rel string) (Classification, error) {
	source, err := t.db.SourceByPath(scanFolder.ID, rel)
	if err != nil {
		return Classification{}, err
	}
	if source != nil {
		return Classification{
			Kind:         DeletedSource,
			ScanFolder:   scanFolder,
			RelativePath: rel,
			Source:       source,
		}, nil
	}

	// Unknown file path: if sources existed below it, a folder was removed
	children, err := t.db.SourcesUnderPath(scanFolder.ID, rel)
	if err != nil {
		return Classification{}, err
	}
	if len(children) > 0 {
		return Classification{
			Kind:         DeletedSourceFolder,
			ScanFolder:   scanFolder,
			RelativePath: rel,
		}, nil
	}
	return Classification{Kind: Ignored}, nil
}
