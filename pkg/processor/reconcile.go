package processor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ritzau/asset-pipeline/pkg/logging"
	"github.com/ritzau/asset-pipeline/pkg/model"
)

// Reconcile aligns persisted state with the current state of the disk
// after a restart. Orphaned rows are purged, the dependency graph and
// read index are rebuilt, every file found on disk is queued for
// examination, and every persisted source missing from disk is queued as
// a deletion. Fingerprint comparison makes the examination passes cheap
// for unchanged files.
//
// Reconcile must run before the processing loop starts and before the
// watcher is attached.
func (m *Manager) Reconcile() error {
	if _, err := m.db.RemoveOrphans(); err != nil {
		return fmt.Errorf("purging orphans: %w", err)
	}
	if err := m.graph.Load(); err != nil {
		return fmt.Errorf("loading dependency graph: %w", err)
	}
	if err := m.seedReadIndex(); err != nil {
		return fmt.Errorf("seeding job index: %w", err)
	}

	maxRunKey, err := m.db.MaxJobRunKey()
	if err != nil {
		return fmt.Errorf("resuming run key: %w", err)
	}
	m.nextRunKey = maxRunKey

	scanned := 0
	for _, folder := range m.platforms.ScanFolders() {
		count, err := m.scanFolderTree(folder.Path)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", folder.Path, err)
		}
		scanned += count
	}

	deleted, err := m.queueVanishedSources()
	if err != nil {
		return err
	}

	logging.Info("reconcile queued", "files", scanned, "vanished", deleted, "nextRunKey", m.nextRunKey)
	return nil
}

// scanFolderTree queues every regular file under root for examination
func (m *Manager) scanFolderTree(root string) (int, error) {
	count := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			logging.Warn("cannot scan path, skipping", "path", path, "error", err)
			return nil
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		m.AssessAddedFile(path)
		count++
		return nil
	})
	if os.IsNotExist(err) {
		logging.Warn("scan folder missing on disk", "path", root)
		return 0, nil
	}
	return count, err
}

// queueVanishedSources queues a delete for every persisted source whose
// file no longer exists (removed while the processor was down)
func (m *Manager) queueVanishedSources() (int, error) {
	sources, err := m.db.AllSources()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, source := range sources {
		abs, ok := m.platforms.AbsolutePath(source.ScanFolderID, source.RelativePath)
		if !ok {
			continue
		}
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			m.AssessDeletedFile(abs)
			deleted++
		}
	}
	return deleted, nil
}

// seedReadIndex populates the job index from the persisted job rows so
// status queries are answerable immediately after startup
func (m *Manager) seedReadIndex() error {
	sources, err := m.db.AllSources()
	if err != nil {
		return err
	}

	m.infoMu.Lock()
	defer m.infoMu.Unlock()

	for _, source := range sources {
		jobs, err := m.db.JobsForSource(source.SourceID)
		if err != nil {
			return err
		}
		abs, _ := m.platforms.AbsolutePath(source.ScanFolderID, source.RelativePath)
		for _, job := range jobs {
			info := model.JobInfo{
				JobRunKey:    job.JobRunKey,
				SourcePath:   abs,
				RelativePath: source.RelativePath,
				BuilderID:    job.BuilderID,
				JobKey:       job.JobKey,
				Platform:     job.Platform,
				Status:       job.Status,
				LogFile:      job.LogFile,
			}
			m.jobInfoByRunKey[job.JobRunKey] = info
			if m.runKeysBySource[source.RelativePath] == nil {
				m.runKeysBySource[source.RelativePath] = make(map[uint64]bool)
			}
			m.runKeysBySource[source.RelativePath][job.JobRunKey] = true
		}
	}
	return nil
}
