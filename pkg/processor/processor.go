package processor

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/ritzau/asset-pipeline/pkg/builder"
	"github.com/ritzau/asset-pipeline/pkg/config"
	"github.com/ritzau/asset-pipeline/pkg/database"
	"github.com/ritzau/asset-pipeline/pkg/depgraph"
	"github.com/ritzau/asset-pipeline/pkg/logging"
	"github.com/ritzau/asset-pipeline/pkg/model"
	"github.com/ritzau/asset-pipeline/pkg/platform"
	"github.com/ritzau/asset-pipeline/pkg/pubsub"
	"github.com/ritzau/asset-pipeline/pkg/triage"
)

// Manager is the asset processor orchestrator. A single processing
// goroutine (Run) owns the examine queue, the in-flight job table, and
// every database mutation; filesystem-watch callbacks, compile-completion
// callbacks, and network queries marshal in through cheap queue pushes
// and the command channel rather than touching state directly.
type Manager struct {
	cfg       *config.Config
	db        *database.AssetDatabase
	platforms *platform.PlatformConfig
	registry  *builder.Registry
	graph     *depgraph.DependencyGraph
	triage    *triage.Triage
	publisher pubsub.Publisher

	queue    *examineQueue
	commands chan func()

	// Everything below the comment is owned by the processing goroutine
	nextRunKey uint64
	inFlight   map[string]model.JobDetails // identity string -> dispatched job
	retries    map[string]int              // normalized path -> transient failure count
	visited    map[string]bool             // paths re-queued this settle-cycle
	// product files the manager itself deleted; their watcher delete
	// events must not be mistaken for external cache tampering
	ignoredCacheDeletes map[string]bool

	idle      bool
	idleCheck chan struct{}
	// idleSnapshot and remainingSnapshot mirror processing-goroutine
	// state for cross-goroutine reads
	idleSnapshot      bool
	remainingSnapshot int

	// Read-optimized job index, answerable from any goroutine without
	// waiting on the processing queue
	infoMu          sync.RWMutex
	jobInfoByRunKey map[uint64]model.JobInfo
	runKeysBySource map[string]map[uint64]bool // source relative path -> run keys
}

// New wires a Manager from its collaborators
func New(cfg *config.Config, db *database.AssetDatabase, platforms *platform.PlatformConfig,
	registry *builder.Registry, graph *depgraph.DependencyGraph, publisher pubsub.Publisher) *Manager {
	return &Manager{
		cfg:                 cfg,
		db:                  db,
		platforms:           platforms,
		registry:            registry,
		graph:               graph,
		triage:              triage.New(platforms, db),
		publisher:           publisher,
		queue:               newExamineQueue(),
		commands:            make(chan func(), 256),
		inFlight:            make(map[string]model.JobDetails),
		retries:             make(map[string]int),
		visited:             make(map[string]bool),
		ignoredCacheDeletes: make(map[string]bool),
		idle:                true,
		idleSnapshot:        true,
		idleCheck:           make(chan struct{}, 1),
		jobInfoByRunKey:     make(map[uint64]model.JobInfo),
		runKeysBySource:     make(map[string]map[uint64]bool),
	}
}

// --- Filesystem-watch entry points (any goroutine) ---

// AssessAddedFile queues a newly created path for triage
func (m *Manager) AssessAddedFile(path string) {
	m.assess(path, false)
}

// AssessModifiedFile queues a changed path for triage
func (m *Manager) AssessModifiedFile(path string) {
	m.assess(path, false)
}

// AssessDeletedFile queues a removed path for triage
func (m *Manager) AssessDeletedFile(path string) {
	m.assess(path, true)
}

func (m *Manager) assess(path string, isDelete bool) {
	m.queue.Push(examineItem{
		Path:     path,
		Norm:     platform.NormalizePath(path),
		IsDelete: isDelete,
	})
	m.requestIdleCheck()
}

// --- Compile-tier entry points (any goroutine) ---

// MarkJobStarted records that the compile tier picked a job up
func (m *Manager) MarkJobStarted(details model.JobDetails) {
	m.commands <- func() { m.onJobStarted(details) }
	m.requestIdleCheck()
}

// AssetProcessed reports a successful compile of a dispatched job
func (m *Manager) AssetProcessed(details model.JobDetails, resp builder.ProcessJobResponse) {
	m.commands <- func() { m.onAssetProcessed(details, resp) }
	m.requestIdleCheck()
}

// AssetFailed reports a failed compile of a dispatched job
func (m *Manager) AssetFailed(details model.JobDetails) {
	m.commands <- func() { m.onAssetFailed(details) }
	m.requestIdleCheck()
}

// AssetCancelled reports that a dispatched job was abandoned mid-flight
func (m *Manager) AssetCancelled(details model.JobDetails) {
	m.commands <- func() { m.onAssetCancelled(details) }
	m.requestIdleCheck()
}

// --- Processing loop ---

// Run is the processing goroutine. It owns all mutations; it exits when
// the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	logging.Info("asset processor started",
		"scanFolders", len(m.platforms.ScanFolders()), "platforms", m.platforms.Platforms())

	for {
		select {
		case <-ctx.Done():
			logging.Info("asset processor stopping")
			return

		case fn := <-m.commands:
			fn()
			m.requestIdleCheck()

		case <-m.queue.Signal():
			m.ProcessFilesToExamineQueue()
			m.requestIdleCheck()

		case <-m.idleCheck:
			m.checkForIdle()
		}
	}
}

// ProcessFilesToExamineQueue handles one queued file. It is re-entered
// via the loop's tick rather than draining in place, so a long queue
// never starves command handling.
func (m *Manager) ProcessFilesToExamineQueue() {
	item, ok := m.queue.Pop()
	if !ok {
		return
	}

	if err := m.examineFile(item); err != nil {
		m.retryOrDrop(item, err)
	} else {
		delete(m.retries, item.Norm)
	}

	if m.queue.Len() > 0 {
		select {
		case m.queue.signal <- struct{}{}:
		default:
		}
	}
	m.publishRemaining()
}

// retryOrDrop re-queues a file that failed with a transient error, up to
// the configured bound, then surfaces the failure as a failed pseudo-job
// on the source. An unbounded retry would livelock the queue on a
// permanently broken entry.
func (m *Manager) retryOrDrop(item examineItem, err error) {
	m.retries[item.Norm]++
	if m.retries[item.Norm] < m.cfg.MaxRetries {
		logging.Warn("examine failed, will retry",
			"path", item.Path, "attempt", m.retries[item.Norm], "error", err)
		m.queue.Push(item)
		return
	}
	logging.Error("examine failed permanently",
		"path", item.Path, "attempts", m.retries[item.Norm], "error", err)
	delete(m.retries, item.Norm)
	m.recordExamineFailure(item, err)
}

// examineFile triages one queued path and routes it
func (m *Manager) examineFile(item examineItem) error {
	result, err := m.triage.Classify(item.Path, item.IsDelete)
	if err != nil {
		return err
	}

	logging.Debug("triaged file", "path", item.Path, "kind", result.Kind.String())

	switch result.Kind {
	case triage.Ignored:
		return nil

	case triage.MetadataFile:
		// Re-trigger the primary file, not the sidecar itself
		m.assess(result.PrimaryPath, false)
		return nil

	case triage.NewSource:
		return m.checkSource(result, item.Path, true)

	case triage.ModifiedSource:
		return m.checkSource(result, item.Path, false)

	case triage.DeletedSource:
		return m.deleteSource(*result.Source)

	case triage.DeletedSourceFolder:
		return m.deleteSourceFolder(result)

	case triage.DeletedProduct:
		return m.handleDeletedProduct(result.RelativePath)

	case triage.DeletedCacheFolder:
		return m.handleDeletedCacheFolder(result.RelativePath)
	}
	return nil
}

// checkSource makes sure a source row exists, resolves any dependency
// declarations waiting for this file, and analyzes its jobs
func (m *Manager) checkSource(result triage.Classification, absPath string, isNew bool) error {
	source := result.Source
	if source == nil {
		source = &model.SourceEntry{
			SourceID:     newSourceID(),
			ScanFolderID: result.ScanFolder.ID,
			RelativePath: result.RelativePath,
		}
		if err := m.db.CreateSource(source); err != nil {
			return err
		}
		logging.Info("discovered source", "path", result.RelativePath, "sourceId", source.SourceID)
	}

	if isNew {
		// Pending name-pattern dependencies may now have their target
		dependents, err := m.graph.ResolvePending(*source)
		if err != nil {
			return err
		}
		m.requeueSources(dependents)
	}

	return m.analyzeSource(*source, result.ScanFolder, absPath)
}

// deleteSource propagates a source deletion: jobs, products, dependency
// rows in both directions, product files on disk, and re-analysis of
// anything that depended on it
func (m *Manager) deleteSource(source model.SourceEntry) error {
	// Dependents computed before rows vanish
	dependents, err := m.graph.DependentsOf(source.SourceID)
	if err != nil {
		return err
	}

	// Purge any dispatched runs of this source; their completion reports
	// then fail the in-flight check and are discarded instead of
	// re-inserting rows for a source that no longer exists
	for key, details := range m.inFlight {
		if details.JobEntry.SourceID == source.SourceID {
			delete(m.inFlight, key)
		}
	}

	removed, err := m.db.DeleteSourceCascade(source.SourceID)
	if err != nil {
		return err
	}
	m.graph.RemoveSource(source.SourceID)

	for _, product := range removed {
		m.removeProductFile(product)
		m.publishAssetMessage(product, true)
	}

	m.dropSourceJobInfo(source.RelativePath)
	logging.Info("source deleted", "path", source.RelativePath, "products", len(removed))

	m.requeueSources(dependents)
	return nil
}

func (m *Manager) deleteSourceFolder(result triage.Classification) error {
	sources, err := m.db.SourcesUnderPath(result.ScanFolder.ID, result.RelativePath)
	if err != nil {
		return err
	}
	for _, source := range sources {
		if err := m.deleteSource(source); err != nil {
			return err
		}
	}
	logging.Info("source folder deleted", "path", result.RelativePath, "sources", len(sources))
	return nil
}

// handleDeletedProduct reacts to a product file disappearing from the
// cache. Deletes the manager performed itself are swallowed; an external
// delete re-queues the owning source so the product is regenerated.
func (m *Manager) handleDeletedProduct(cacheRel string) error {
	if m.ignoredCacheDeletes[cacheRel] {
		delete(m.ignoredCacheDeletes, cacheRel)
		return nil
	}

	product, err := m.db.ProductByName(cacheRel)
	if err != nil {
		return err
	}
	if product == nil {
		return nil
	}
	job, err := m.db.JobByRunKey(product.JobRunKey)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	logging.Info("product deleted externally, re-queueing source",
		"product", cacheRel, "sourceId", job.SourceID)
	// The source itself is unchanged, so the stored fingerprint must be
	// invalidated or re-analysis would skip the job and never regenerate
	// the product
	if err := m.db.InvalidateJobFingerprint(job.JobRunKey); err != nil {
		return err
	}
	m.requeueSources([]string{job.SourceID})
	return nil
}

func (m *Manager) handleDeletedCacheFolder(cacheRelDir string) error {
	products, err := m.db.ProductsUnderPath(cacheRelDir)
	if err != nil {
		return err
	}
	var owners []string
	seen := make(map[string]bool)
	for _, product := range products {
		job, err := m.db.JobByRunKey(product.JobRunKey)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		if err := m.db.InvalidateJobFingerprint(job.JobRunKey); err != nil {
			return err
		}
		if !seen[job.SourceID] {
			seen[job.SourceID] = true
			owners = append(owners, job.SourceID)
		}
	}
	m.requeueSources(owners)
	return nil
}

// requeueSources pushes sources back into the examine queue by ID,
// skipping any already queued this settle-cycle. The visited set is what
// guarantees termination when the dependency graph is cyclic: a source
// triggers its dependents exactly once per settle-cycle.
func (m *Manager) requeueSources(sourceIDs []string) {
	for _, sourceID := range sourceIDs {
		source, err := m.db.SourceByID(sourceID)
		if err != nil || source == nil {
			continue
		}
		abs, ok := m.platforms.AbsolutePath(source.ScanFolderID, source.RelativePath)
		if !ok {
			continue
		}
		norm := platform.NormalizePath(abs)
		if m.visited[norm] {
			continue
		}
		m.visited[norm] = true
		m.assess(abs, false)
	}
}

// removeProductFile deletes a product's cache file, remembering the
// deletion so the watcher event it causes is not triaged as tampering
func (m *Manager) removeProductFile(product model.ProductEntry) {
	m.ignoredCacheDeletes[product.ProductName] = true
	full := filepath.Join(m.platforms.CacheRoot(), filepath.FromSlash(product.ProductName))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		logging.Warn("failed to remove product file", "path", full, "error", err)
	}
}

func (m *Manager) publishAssetMessage(product model.ProductEntry, removed bool) {
	platformName, _, _ := splitProductName(product.ProductName)
	eventType := "changed"
	if removed {
		eventType = "removed"
	}
	_ = m.publisher.Publish(pubsub.TopicAssetMessage, eventType, pubsub.AssetMessage{
		Platform:    platformName,
		ProductName: product.ProductName,
		AssetType:   product.AssetType,
		SubID:       product.SubID,
		Removed:     removed,
	})
}

// --- Idle state machine ---

// requestIdleCheck coalesces any number of wake-ups into one pending
// recheck, performed after the current unit of work settles
func (m *Manager) requestIdleCheck() {
	select {
	case m.idleCheck <- struct{}{}:
	default:
	}
}

// checkForIdle recomputes the idle state and notifies exactly once per
// transition. Idle requires the examine queue, the command channel, and
// the in-flight table to all be empty; a settle-cycle ends here, so the
// per-cycle visited set is cleared on the busy->idle edge.
func (m *Manager) checkForIdle() {
	idle := m.queue.Len() == 0 && len(m.commands) == 0 && len(m.inFlight) == 0

	if idle == m.idle {
		return
	}
	m.idle = idle
	m.infoMu.Lock()
	m.idleSnapshot = idle
	m.infoMu.Unlock()

	if idle {
		clear(m.visited)
		clear(m.retries)
		logging.Info("asset processor idle")
	} else {
		logging.Debug("asset processor busy")
	}
	_ = m.publisher.Publish(pubsub.TopicIdleState, "changed", pubsub.IdleState{Idle: idle})
}

// IsIdle reports the last computed idle state
func (m *Manager) IsIdle() bool {
	m.infoMu.RLock()
	defer m.infoMu.RUnlock()
	return m.idleSnapshot
}

// publishRemaining notifies subscribers when the outstanding work count
// changes. Called on every examine tick and on job emit/completion, so
// queue growth is visible one tick after it happens; duplicates are
// suppressed against the snapshot.
func (m *Manager) publishRemaining() {
	count := m.queue.Len() + len(m.inFlight)
	m.infoMu.Lock()
	changed := count != m.remainingSnapshot
	m.remainingSnapshot = count
	m.infoMu.Unlock()
	if !changed {
		return
	}
	_ = m.publisher.Publish(pubsub.TopicNumRemainingJobs, "changed", pubsub.NumRemainingJobs{Count: count})
}
