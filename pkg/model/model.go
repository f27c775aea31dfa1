package model

import "fmt"

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing" // transient, never persisted
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a final, persistable state
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// DependencyType classifies how a declared source dependency is used
type DependencyType string

const (
	// DependencyAnalysis re-triggers analysis of the dependent when the
	// depended-upon file changes, but does not enter the fingerprint
	DependencyAnalysis DependencyType = "analysis"
	// DependencyFingerprint re-triggers analysis and contributes the
	// depended-upon file's signature to the dependent's job fingerprints
	DependencyFingerprint DependencyType = "fingerprint"
)

// ScanFolderEntry describes a configured watched root directory.
// PortableKey is a stable identity that survives the folder being moved;
// on startup a path change for a known PortableKey migrates the row.
type ScanFolderEntry struct {
	ID          uint   `json:"id" gorm:"primarykey"`
	Path        string `json:"path" gorm:"uniqueIndex:idx_scanfolder_path"`
	DisplayName string `json:"displayName"`
	PortableKey string `json:"portableKey" gorm:"uniqueIndex:idx_scanfolder_key"`
	IsRoot      bool   `json:"isRoot"`
}

func (ScanFolderEntry) TableName() string { return "scan_folders" }

// SourceEntry represents one discoverable input file under a scan folder.
// (ScanFolderID, RelativePath) is the natural key; SourceID is a stable
// synthetic identity referenced by jobs and dependencies so a future
// rename can preserve identity.
type SourceEntry struct {
	SourceID     string `json:"sourceId" gorm:"primarykey"`
	ScanFolderID uint   `json:"scanFolderId" gorm:"uniqueIndex:idx_source_natural"`
	RelativePath string `json:"relativePath" gorm:"uniqueIndex:idx_source_natural"`
}

func (SourceEntry) TableName() string { return "sources" }

// JobEntry is the persisted record of the most recent run of one job
// identity. JobRunKey is monotonic and never reused; it is the handle
// external status queries use. Only terminal statuses are written here.
//
// Fingerprint holds the bit-cast of the composite u64 hash: database/sql
// rejects uint64 values with the high bit set, which roughly half of all
// hashes have. Only equality and the zero sentinel matter, so the cast is
// lossless for our purposes.
type JobEntry struct {
	JobRunKey   uint64    `json:"jobRunKey" gorm:"primarykey;autoIncrement:false"`
	SourceID    string    `json:"sourceId" gorm:"uniqueIndex:idx_job_identity;index:idx_job_source"`
	BuilderID   string    `json:"builderId" gorm:"uniqueIndex:idx_job_identity"`
	JobKey      string    `json:"jobKey" gorm:"uniqueIndex:idx_job_identity"`
	Platform    string    `json:"platform" gorm:"uniqueIndex:idx_job_identity"`
	Fingerprint int64     `json:"fingerprint"`
	Status      JobStatus `json:"status"`
	ErrorCount  int       `json:"errorCount"`
	LogFile     string    `json:"logFile"`
}

func (JobEntry) TableName() string { return "jobs" }

// Identity returns the job's dedupe identity, stable across runs
func (j *JobEntry) Identity() JobIdentity {
	return JobIdentity{
		SourceID:  j.SourceID,
		BuilderID: j.BuilderID,
		JobKey:    j.JobKey,
		Platform:  j.Platform,
	}
}

// JobIdentity is the (source, builder, jobKey, platform) tuple that the
// single-active-job guarantee is keyed by
type JobIdentity struct {
	SourceID  string
	BuilderID string
	JobKey    string
	Platform  string
}

func (id JobIdentity) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", id.SourceID, id.BuilderID, id.JobKey, id.Platform)
}

// ProductEntry is one compiled output of a successful job run. The full
// product set for a JobRunKey is replaced atomically on reprocessing.
type ProductEntry struct {
	ProductID   uint   `json:"productId" gorm:"primarykey"`
	JobRunKey   uint64 `json:"jobRunKey" gorm:"index:idx_product_jobrun"`
	ProductName string `json:"productName" gorm:"index:idx_product_name"`
	SubID       uint32 `json:"subId"`
	AssetType   string `json:"assetType"`
}

func (ProductEntry) TableName() string { return "products" }

// SourceDependencyEntry records that SourceID (as analyzed by BuilderID)
// depends on another source, either resolved by UUID or pending by name
// pattern. Rows for a (BuilderID, SourceID) pair are always replaced
// wholesale, never patched.
type SourceDependencyEntry struct {
	ID                uint           `json:"id" gorm:"primarykey"`
	BuilderID         string         `json:"builderId" gorm:"index:idx_dep_builder"`
	SourceID          string         `json:"sourceId" gorm:"index:idx_dep_source"`
	DependsOnSourceID string         `json:"dependsOnSourceId" gorm:"index:idx_dep_target"`
	DependsOnName     string         `json:"dependsOnName" gorm:"index:idx_dep_name"`
	DependencyType    DependencyType `json:"dependencyType"`
}

func (SourceDependencyEntry) TableName() string { return "source_dependencies" }

// IsPending reports whether the dependency has not yet been matched to a
// known source (a name-pattern dependency waiting for the file to appear)
func (d *SourceDependencyEntry) IsPending() bool {
	return d.DependsOnSourceID == ""
}

// JobDetails is the in-memory work item for one buildable unit, produced
// by analysis and handed to the compile tier
type JobDetails struct {
	JobEntry JobEntry `json:"jobEntry"`

	SourcePath         string            `json:"sourcePath"` // absolute path to the source file
	ScanFolderID       uint              `json:"scanFolderId"`
	RelativePath       string            `json:"relativePath"`
	BuilderFingerprint string            `json:"builderFingerprint"` // builder version/config signature
	FingerprintFiles   []string          `json:"fingerprintFiles"`   // absolute paths of fingerprint-affecting inputs
	JobParameters      map[string]string `json:"jobParameters,omitempty"`
}

// JobInfo is the read-model view answered to status queries
type JobInfo struct {
	JobRunKey    uint64    `json:"jobRunKey"`
	SourcePath   string    `json:"sourcePath"`
	RelativePath string    `json:"relativePath"`
	BuilderID    string    `json:"builderId"`
	JobKey       string    `json:"jobKey"`
	Platform     string    `json:"platform"`
	Status       JobStatus `json:"status"`
	LogFile      string    `json:"logFile"`
}
