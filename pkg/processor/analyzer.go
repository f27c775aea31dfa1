package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ritzau/asset-pipeline/pkg/builder"
	"github.com/ritzau/asset-pipeline/pkg/fingerprint"
	"github.com/ritzau/asset-pipeline/pkg/logging"
	"github.com/ritzau/asset-pipeline/pkg/model"
	"github.com/ritzau/asset-pipeline/pkg/pubsub"
)

// deferredAnalysis holds one builder's CreateJobs output until every
// relevant builder has reported. Jobs are not fingerprinted or emitted in
// phase 1 because a builder's declared dependencies, resolved in phase 2,
// can change what a job's fingerprint must include.
type deferredAnalysis struct {
	info builder.BuilderInfo
	resp builder.CreateJobsResponse
}

// analyzeSource runs the two-phase analysis protocol for one source:
// CreateJobs across all matching builders first, then dependency
// resolution, then fingerprinting and emission.
func (m *Manager) analyzeSource(source model.SourceEntry, scanFolder model.ScanFolderEntry, absPath string) error {
	builders := m.registry.MatchBuilders(source.RelativePath)
	if len(builders) == 0 {
		logging.Debug("no builder matches source", "path", source.RelativePath)
		return nil
	}

	req := builder.CreateJobsRequest{
		SourceID:     source.SourceID,
		SourcePath:   absPath,
		RelativePath: source.RelativePath,
		ScanFolderID: scanFolder.ID,
		Platforms:    m.platforms.Platforms(),
	}

	// Phase 1: every builder declares its jobs before anything is finalized
	var deferred []deferredAnalysis
	for _, b := range builders {
		info := b.Info()
		resp, err := b.CreateJobs(context.Background(), req)
		if err != nil {
			m.recordCreateJobsFailure(source, info, err)
			continue
		}
		deferred = append(deferred, deferredAnalysis{info: info, resp: resp})
	}

	// Phase 2: resolve declared dependencies now that job creation is done
	// for every builder. The persisted set is replaced wholesale per
	// (builder, source) pair.
	for _, d := range deferred {
		_, err := m.graph.UpdateDependencies(d.info.ID, source.SourceID, d.resp.SourceDependencies)
		if err != nil {
			return err
		}
	}

	// Signatures shared across this source's jobs
	sourceSig := fingerprint.SignatureForFile(absPath)
	depSigs, err := m.dependencySignatures(source.SourceID)
	if err != nil {
		return err
	}
	metaSigs := m.metadataSignatures(absPath)

	for _, d := range deferred {
		for _, job := range d.resp.Jobs {
			m.analyzeJob(source, scanFolder, absPath, d.info, job, sourceSig, depSigs, metaSigs)
		}
	}
	return nil
}

// analyzeJob fingerprints one declared job and emits it for compilation
// unless its inputs are unchanged since the last successful run
func (m *Manager) analyzeJob(source model.SourceEntry, scanFolder model.ScanFolderEntry, absPath string,
	info builder.BuilderInfo, job builder.JobDescriptor,
	sourceSig fingerprint.FileSignature, depSigs, metaSigs []fingerprint.FileSignature) {

	if !m.platformEnabled(job.Platform) {
		return
	}

	identity := model.JobIdentity{
		SourceID:  source.SourceID,
		BuilderID: info.ID,
		JobKey:    job.JobKey,
		Platform:  job.Platform,
	}

	sigs := make([]fingerprint.FileSignature, 0, len(depSigs)+len(metaSigs)+len(job.FingerprintFiles))
	sigs = append(sigs, depSigs...)
	sigs = append(sigs, metaSigs...)
	for _, path := range job.FingerprintFiles {
		sigs = append(sigs, fingerprint.SignatureForFile(path))
	}

	// Bit-cast to the persistable signed form; JobEntry.Fingerprint
	// documents why
	fp := int64(fingerprint.Compute(info.Version, sourceSig, sigs))

	persisted, err := m.db.JobByIdentity(identity)
	if err != nil {
		logging.Warn("failed to look up persisted job, emitting anyway", "job", identity.String(), "error", err)
	}
	if persisted != nil && persisted.Status == model.JobStatusCompleted && persisted.Fingerprint == fp {
		logging.Debug("fingerprint unchanged, skipping job",
			"path", source.RelativePath, "jobKey", job.JobKey, "platform", job.Platform)
		return
	}

	if current, inFlight := m.inFlight[identity.String()]; inFlight {
		if current.JobEntry.Fingerprint == fp {
			// Same work already dispatched; a second dispatch would break
			// the single-active-job guarantee
			logging.Debug("identical job already in flight, skipping",
				"jobRunKey", current.JobEntry.JobRunKey)
			return
		}
		// Inputs changed while the old run was compiling: the new run
		// supersedes it. The old completion is discarded by run-key
		// comparison when it eventually arrives.
		logging.Debug("superseding in-flight job",
			"oldRunKey", current.JobEntry.JobRunKey, "jobKey", job.JobKey)
	}

	m.nextRunKey++
	entry := model.JobEntry{
		JobRunKey:   m.nextRunKey,
		SourceID:    source.SourceID,
		BuilderID:   info.ID,
		JobKey:      job.JobKey,
		Platform:    job.Platform,
		Fingerprint: fp,
		Status:      model.JobStatusPending,
		LogFile:     fmt.Sprintf("logs/%d.log", m.nextRunKey),
	}
	details := model.JobDetails{
		JobEntry:           entry,
		SourcePath:         absPath,
		ScanFolderID:       scanFolder.ID,
		RelativePath:       source.RelativePath,
		BuilderFingerprint: info.Version,
		FingerprintFiles:   job.FingerprintFiles,
		JobParameters:      job.Parameters,
	}

	m.inFlight[identity.String()] = details
	m.setJobInfo(details, model.JobStatusPending)

	logging.Info("job queued for processing",
		"path", source.RelativePath, "jobKey", job.JobKey, "platform", job.Platform,
		"jobRunKey", entry.JobRunKey)

	_ = m.publisher.Publish(pubsub.TopicAssetToProcess, "queued", details)
	m.publishRemaining()
}

// recordCreateJobsFailure persists a failed pseudo-job so a broken
// builder invocation is queryable like any other failure. Other builders
// and other files keep processing.
func (m *Manager) recordCreateJobsFailure(source model.SourceEntry, info builder.BuilderInfo, cause error) {
	logging.Warn("builder CreateJobs failed",
		"path", source.RelativePath, "builder", info.Name, "error", cause)

	m.nextRunKey++
	entry := model.JobEntry{
		JobRunKey: m.nextRunKey,
		SourceID:  source.SourceID,
		BuilderID: info.ID,
		JobKey:    "createjobs",
		Platform:  "all",
		Status:    model.JobStatusFailed,
	}
	if err := m.db.RecordJobFailure(entry); err != nil {
		logging.Error("failed to persist CreateJobs failure", "error", err)
		return
	}
	m.setJobInfo(model.JobDetails{
		JobEntry:     entry,
		RelativePath: source.RelativePath,
	}, model.JobStatusFailed)
	_ = m.publisher.Publish(pubsub.TopicJobStatus, "changed", pubsub.JobStatusChanged{
		JobRunKey: entry.JobRunKey,
		Status:    model.JobStatusFailed,
	})
}

// recordExamineFailure surfaces a permanently failed examination as a
// failed pseudo-job on the source, with the cause captured in a job log,
// so the failure is queryable like any other instead of living only in
// the server log. A path that never became a source has no job identity
// to hang the failure on and stays log-only.
func (m *Manager) recordExamineFailure(item examineItem, cause error) {
	scanFolder, rel, ok := m.platforms.ScanFolderForFile(item.Path)
	if !ok {
		return
	}
	source, err := m.db.SourceByPath(scanFolder.ID, rel)
	if err != nil || source == nil {
		return
	}

	m.nextRunKey++
	entry := model.JobEntry{
		JobRunKey: m.nextRunKey,
		SourceID:  source.SourceID,
		JobKey:    "examine",
		Platform:  "all",
		Status:    model.JobStatusFailed,
		LogFile:   fmt.Sprintf("logs/%d.log", m.nextRunKey),
	}
	m.writeFailureLog(entry.LogFile, cause)
	if err := m.db.RecordJobFailure(entry); err != nil {
		logging.Error("failed to persist examine failure", "path", item.Path, "error", err)
		return
	}
	m.setJobInfo(model.JobDetails{
		JobEntry:     entry,
		SourcePath:   item.Path,
		RelativePath: source.RelativePath,
	}, model.JobStatusFailed)
	_ = m.publisher.Publish(pubsub.TopicJobStatus, "changed", pubsub.JobStatusChanged{
		JobRunKey: entry.JobRunKey,
		Status:    model.JobStatusFailed,
	})
}

func (m *Manager) writeFailureLog(logFile string, cause error) {
	full := filepath.Join(m.platforms.CacheRoot(), filepath.FromSlash(logFile))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(full, []byte(cause.Error()+"\n"), 0o644)
}

// dependencySignatures gathers content signatures of the source's
// resolved fingerprint-affecting dependencies. Only directly declared
// dependencies participate; the transitive set is deliberately excluded.
func (m *Manager) dependencySignatures(sourceID string) ([]fingerprint.FileSignature, error) {
	depIDs, err := m.graph.FingerprintDependencies(sourceID)
	if err != nil {
		return nil, err
	}
	sigs := make([]fingerprint.FileSignature, 0, len(depIDs))
	for _, depID := range depIDs {
		dep, err := m.db.SourceByID(depID)
		if err != nil {
			return nil, err
		}
		if dep == nil {
			continue
		}
		abs, ok := m.platforms.AbsolutePath(dep.ScanFolderID, dep.RelativePath)
		if !ok {
			continue
		}
		sigs = append(sigs, fingerprint.SignatureForFile(abs))
	}
	return sigs, nil
}

// metadataSignatures includes the source's sidecar files in its jobs'
// fingerprints. Absent sidecars still participate so that creating one
// later changes the fingerprint.
func (m *Manager) metadataSignatures(absPath string) []fingerprint.FileSignature {
	sigs := make([]fingerprint.FileSignature, 0, len(m.cfg.MetadataExtensions))
	for _, ext := range m.cfg.MetadataExtensions {
		sigs = append(sigs, fingerprint.SignatureForFile(absPath+ext))
	}
	return sigs
}

func (m *Manager) platformEnabled(name string) bool {
	for _, p := range m.platforms.Platforms() {
		if p == name {
			return true
		}
	}
	return false
}

func newSourceID() string {
	return uuid.NewString()
}

// splitProductName splits a cache-relative product name into its platform
// prefix and the remainder (products are laid out <platform>/<path>)
func splitProductName(productName string) (string, string, bool) {
	idx := strings.Index(productName, "/")
	if idx < 0 {
		return "", productName, false
	}
	return productName[:idx], productName[idx+1:], true
}
