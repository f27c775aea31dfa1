package processor

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ritzau/asset-pipeline/pkg/model"
	"github.com/ritzau/asset-pipeline/pkg/platform"
)

// Status queries are answered from the read index or the database
// directly, never by round-tripping through the processing goroutine: a
// client polling for job state must not have to wait behind a busy
// examine queue.

// AssetJobsInfoRequest selects jobs either by run key or by source path
// (absolute or scan-folder relative). Run key wins when both are set.
type AssetJobsInfoRequest struct {
	JobRunKey  uint64 `json:"jobRunKey,omitempty"`
	SourcePath string `json:"sourcePath,omitempty"`
}

// AssetJobsInfoResponse lists the matching jobs, ordered by run key
type AssetJobsInfoResponse struct {
	Jobs []model.JobInfo `json:"jobs"`
}

// ProcessGetAssetJobsInfoRequest answers a job status query
func (m *Manager) ProcessGetAssetJobsInfoRequest(req AssetJobsInfoRequest) AssetJobsInfoResponse {
	m.infoMu.RLock()
	defer m.infoMu.RUnlock()

	var jobs []model.JobInfo
	if req.JobRunKey != 0 {
		if info, ok := m.jobInfoByRunKey[req.JobRunKey]; ok {
			jobs = append(jobs, info)
		}
		return AssetJobsInfoResponse{Jobs: jobs}
	}

	rel := m.sourceRelativePath(req.SourcePath)
	for runKey := range m.runKeysBySource[rel] {
		if info, ok := m.jobInfoByRunKey[runKey]; ok {
			jobs = append(jobs, info)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobRunKey < jobs[j].JobRunKey })
	return AssetJobsInfoResponse{Jobs: jobs}
}

// sourceRelativePath maps an absolute path under a scan folder to its
// relative form; anything else is assumed to already be relative
func (m *Manager) sourceRelativePath(path string) string {
	if filepath.IsAbs(path) {
		if _, rel, ok := m.platforms.ScanFolderForFile(path); ok {
			return rel
		}
	}
	return platform.NormalizePath(path)
}

// AssetJobLogRequest asks for the captured log of one job run
type AssetJobLogRequest struct {
	JobRunKey uint64 `json:"jobRunKey"`
}

// AssetJobLogResponse carries the log content, or Found=false when the
// run is unknown or produced no log
type AssetJobLogResponse struct {
	Found bool   `json:"found"`
	Log   string `json:"log,omitempty"`
}

// ProcessGetAssetJobLogRequest reads the log file of a job run from the
// cache. The read index covers live runs; older runs fall back to the
// persisted job row.
func (m *Manager) ProcessGetAssetJobLogRequest(req AssetJobLogRequest) AssetJobLogResponse {
	m.infoMu.RLock()
	info, ok := m.jobInfoByRunKey[req.JobRunKey]
	m.infoMu.RUnlock()

	logFile := info.LogFile
	if !ok {
		job, err := m.db.JobByRunKey(req.JobRunKey)
		if err != nil || job == nil {
			return AssetJobLogResponse{}
		}
		logFile = job.LogFile
	}
	if logFile == "" {
		return AssetJobLogResponse{}
	}

	full := filepath.Join(m.platforms.CacheRoot(), filepath.FromSlash(logFile))
	content, err := os.ReadFile(full)
	if err != nil {
		return AssetJobLogResponse{}
	}
	return AssetJobLogResponse{Found: true, Log: string(content)}
}

// GetRelativeProductPathFromFullSourceOrProductPath translates a full
// path, whether it points into a scan folder or into the cache, to the
// platform-independent relative product path clients address assets by
func (m *Manager) GetRelativeProductPathFromFullSourceOrProductPath(fullPath string) (string, bool) {
	if cacheRel, ok := m.platforms.IsInCacheRoot(fullPath); ok {
		if _, rest, ok := splitProductName(cacheRel); ok {
			return rest, true
		}
		return cacheRel, true
	}

	scanFolder, rel, ok := m.platforms.ScanFolderForFile(fullPath)
	if !ok {
		return "", false
	}
	source, err := m.db.SourceByPath(scanFolder.ID, rel)
	if err != nil || source == nil {
		// Not yet processed; the conventional product path is the
		// lowercased source path
		return strings.ToLower(rel), true
	}
	products, err := m.db.ProductsForSource(source.SourceID)
	if err != nil || len(products) == 0 {
		return strings.ToLower(rel), true
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ProductName < products[j].ProductName })
	if _, rest, ok := splitProductName(products[0].ProductName); ok {
		return rest, true
	}
	return products[0].ProductName, true
}

// GetFullSourcePathFromRelativeProductPath translates a relative product
// path back to the absolute path of the source it was compiled from
func (m *Manager) GetFullSourcePathFromRelativeProductPath(relPath string) (string, bool) {
	relPath = platform.NormalizePath(relPath)

	for _, p := range m.platforms.Platforms() {
		product, err := m.db.ProductByName(p + "/" + relPath)
		if err != nil || product == nil {
			continue
		}
		job, err := m.db.JobByRunKey(product.JobRunKey)
		if err != nil || job == nil {
			continue
		}
		source, err := m.db.SourceByID(job.SourceID)
		if err != nil || source == nil {
			continue
		}
		if abs, ok := m.platforms.AbsolutePath(source.ScanFolderID, source.RelativePath); ok {
			return abs, true
		}
	}

	// No product row yet; the path may name a source directly
	for _, folder := range m.platforms.ScanFolders() {
		source, err := m.db.SourceByPath(folder.ID, relPath)
		if err != nil || source == nil {
			continue
		}
		if abs, ok := m.platforms.AbsolutePath(source.ScanFolderID, source.RelativePath); ok {
			return abs, true
		}
	}
	return "", false
}

// RemainingJobs reports the last published queue depth plus in-flight count
func (m *Manager) RemainingJobs() int {
	m.infoMu.RLock()
	defer m.infoMu.RUnlock()
	return m.remainingSnapshot
}
