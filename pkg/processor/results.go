package processor

import (
	"github.com/ritzau/asset-pipeline/pkg/builder"
	"github.com/ritzau/asset-pipeline/pkg/logging"
	"github.com/ritzau/asset-pipeline/pkg/model"
	"github.com/ritzau/asset-pipeline/pkg/pubsub"
)

// currentRun returns the in-flight details for a reported job if the
// report refers to the currently tracked run. A completion for a
// superseded run key arrives late by definition and must be discarded,
// never applied over newer state.
func (m *Manager) currentRun(details model.JobDetails) (model.JobDetails, bool) {
	key := details.JobEntry.Identity().String()
	current, ok := m.inFlight[key]
	if !ok {
		logging.Warn("report for job that is not in flight, discarding",
			"jobRunKey", details.JobEntry.JobRunKey, "jobKey", details.JobEntry.JobKey)
		return model.JobDetails{}, false
	}
	if current.JobEntry.JobRunKey != details.JobEntry.JobRunKey {
		logging.Warn("report for superseded job run, discarding",
			"reportedRunKey", details.JobEntry.JobRunKey,
			"currentRunKey", current.JobEntry.JobRunKey)
		return model.JobDetails{}, false
	}
	return current, true
}

func (m *Manager) onJobStarted(details model.JobDetails) {
	if _, ok := m.currentRun(details); !ok {
		return
	}
	m.setJobStatus(details.JobEntry.JobRunKey, model.JobStatusProcessing)
	_ = m.publisher.Publish(pubsub.TopicJobStatus, "changed", pubsub.JobStatusChanged{
		JobRunKey: details.JobEntry.JobRunKey,
		Status:    model.JobStatusProcessing,
	})
}

// onAssetProcessed finalizes a successful compile: products are replaced
// in one transaction, listeners are notified of changed and vanished
// products, and sources depending on this one are re-analyzed.
func (m *Manager) onAssetProcessed(details model.JobDetails, resp builder.ProcessJobResponse) {
	if _, ok := m.currentRun(details); !ok {
		return
	}
	identityKey := details.JobEntry.Identity().String()

	entry := details.JobEntry
	entry.Status = model.JobStatusCompleted

	// Capture the prior run's products before they are replaced so the
	// removal diff can be reported and stale cache files cleaned up
	var priorProducts []model.ProductEntry
	prior, err := m.db.JobByIdentity(entry.Identity())
	if err == nil && prior != nil {
		priorProducts, _ = m.db.ProductsForJobRun(prior.JobRunKey)
	}

	products := make([]model.ProductEntry, 0, len(resp.Products))
	for _, p := range resp.Products {
		products = append(products, model.ProductEntry{
			JobRunKey:   entry.JobRunKey,
			ProductName: p.ProductName,
			SubID:       p.SubID,
			AssetType:   p.AssetType,
		})
	}

	if err := m.db.RecordJobSuccess(entry, products); err != nil {
		// The compile succeeded but persistence did not; keep the slot
		// free and re-queue the source so a later pass can retry
		logging.Error("failed to persist job success, re-queueing source",
			"jobRunKey", entry.JobRunKey, "error", err)
		delete(m.inFlight, identityKey)
		m.requeueSources([]string{entry.SourceID})
		return
	}
	delete(m.inFlight, identityKey)

	kept := make(map[string]bool, len(products))
	for _, product := range products {
		kept[product.ProductName] = true
	}
	for _, stale := range priorProducts {
		if !kept[stale.ProductName] {
			m.removeProductFile(stale)
			m.publishAssetMessage(stale, true)
		}
	}
	for _, product := range products {
		m.publishAssetMessage(product, false)
	}

	m.setJobStatus(entry.JobRunKey, model.JobStatusCompleted)
	_ = m.publisher.Publish(pubsub.TopicJobStatus, "changed", pubsub.JobStatusChanged{
		JobRunKey: entry.JobRunKey,
		Status:    model.JobStatusCompleted,
	})

	logging.Info("asset processed",
		"path", details.RelativePath, "jobKey", entry.JobKey,
		"platform", entry.Platform, "products", len(products))

	// Re-trigger sources that declared a dependency on this one; the
	// per-settle-cycle visited set bounds this even on cyclic graphs
	dependents, err := m.graph.DependentsOf(entry.SourceID)
	if err != nil {
		logging.Error("failed to query dependents", "sourceId", entry.SourceID, "error", err)
	} else {
		m.requeueSources(dependents)
	}

	m.publishRemaining()
}

// onAssetFailed records a failed compile. Products of the last successful
// run are deliberately retained: a failed rebuild must not remove a
// last-known-good asset.
func (m *Manager) onAssetFailed(details model.JobDetails) {
	if _, ok := m.currentRun(details); !ok {
		return
	}
	delete(m.inFlight, details.JobEntry.Identity().String())

	entry := details.JobEntry
	entry.Status = model.JobStatusFailed

	if err := m.db.RecordJobFailure(entry); err != nil {
		logging.Error("failed to persist job failure", "jobRunKey", entry.JobRunKey, "error", err)
	}

	m.setJobStatus(entry.JobRunKey, model.JobStatusFailed)
	_ = m.publisher.Publish(pubsub.TopicJobStatus, "changed", pubsub.JobStatusChanged{
		JobRunKey: entry.JobRunKey,
		Status:    model.JobStatusFailed,
	})

	logging.Warn("asset processing failed",
		"path", details.RelativePath, "jobKey", entry.JobKey,
		"platform", entry.Platform, "log", entry.LogFile)

	m.publishRemaining()
}

// onAssetCancelled frees the job's slot without persisting anything.
// Cancellation is idempotent; the read index reverts to pending and the
// source is re-queued so the work is re-emitted when analysis next runs.
func (m *Manager) onAssetCancelled(details model.JobDetails) {
	key := details.JobEntry.Identity().String()
	current, ok := m.inFlight[key]
	if !ok || current.JobEntry.JobRunKey != details.JobEntry.JobRunKey {
		return // already superseded or already cancelled
	}
	delete(m.inFlight, key)

	m.setJobStatus(details.JobEntry.JobRunKey, model.JobStatusPending)
	_ = m.publisher.Publish(pubsub.TopicJobStatus, "changed", pubsub.JobStatusChanged{
		JobRunKey: details.JobEntry.JobRunKey,
		Status:    model.JobStatusPending,
	})

	logging.Debug("job cancelled", "jobRunKey", details.JobEntry.JobRunKey)
	m.requeueSources([]string{details.JobEntry.SourceID})
	m.publishRemaining()
}

// --- Read-optimized job index ---

// setJobInfo inserts or replaces the read-index entry for a job run
func (m *Manager) setJobInfo(details model.JobDetails, status model.JobStatus) {
	info := model.JobInfo{
		JobRunKey:    details.JobEntry.JobRunKey,
		SourcePath:   details.SourcePath,
		RelativePath: details.RelativePath,
		BuilderID:    details.JobEntry.BuilderID,
		JobKey:       details.JobEntry.JobKey,
		Platform:     details.JobEntry.Platform,
		Status:       status,
		LogFile:      details.JobEntry.LogFile,
	}

	m.infoMu.Lock()
	defer m.infoMu.Unlock()

	m.jobInfoByRunKey[info.JobRunKey] = info
	if m.runKeysBySource[info.RelativePath] == nil {
		m.runKeysBySource[info.RelativePath] = make(map[uint64]bool)
	}
	m.runKeysBySource[info.RelativePath][info.JobRunKey] = true
}

// setJobStatus updates an existing read-index entry's status
func (m *Manager) setJobStatus(runKey uint64, status model.JobStatus) {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()

	info, ok := m.jobInfoByRunKey[runKey]
	if !ok {
		return
	}
	info.Status = status
	m.jobInfoByRunKey[runKey] = info
}

// dropSourceJobInfo removes every read-index entry of a deleted source
func (m *Manager) dropSourceJobInfo(relativePath string) {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()

	for runKey := range m.runKeysBySource[relativePath] {
		delete(m.jobInfoByRunKey, runKey)
	}
	delete(m.runKeysBySource, relativePath)
}
