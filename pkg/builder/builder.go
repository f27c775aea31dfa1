package builder

import (
	"context"

	"github.com/ritzau/asset-pipeline/pkg/model"
)

// BuilderInfo identifies a builder plugin and the sources it recognizes
type BuilderInfo struct {
	ID       string   `json:"id"`   // builder UUID
	Name     string   `json:"name"` // human-readable name
	Version  string   `json:"version"`
	Patterns []string `json:"patterns"` // glob patterns matched against source relative paths
}

// CreateJobsRequest describes one source file a builder should inspect
type CreateJobsRequest struct {
	SourceID     string   // source UUID
	SourcePath   string   // absolute path
	RelativePath string   // scan-folder relative path
	ScanFolderID uint     //
	Platforms    []string // enabled platforms to fan out over
}

// JobDescriptor is one buildable unit reported by CreateJobs
type JobDescriptor struct {
	JobKey           string            // distinguishes sub-jobs of one builder (e.g. "mesh", "thumbnail")
	Platform         string            //
	FingerprintFiles []string          // absolute paths of extra fingerprint-affecting inputs
	Parameters       map[string]string //
}

// SourceDependencyDescriptor is a fine-grained source dependency a
// builder declares after inspecting file content. Either DependsOnSourceID
// (a known source UUID) or DependsOnName (a relative path or glob pattern,
// possibly for a file not yet seen) is set.
type SourceDependencyDescriptor struct {
	DependsOnSourceID string
	DependsOnName     string
	Type              model.DependencyType
}

// CreateJobsResponse carries both phases of a builder's declaration: the
// job list and the source dependencies discovered while parsing the file
type CreateJobsResponse struct {
	Jobs               []JobDescriptor
	SourceDependencies []SourceDependencyDescriptor
}

// ProcessJobRequest asks a builder to compile one job into products
type ProcessJobRequest struct {
	Details   model.JobDetails
	OutputDir string // directory the builder writes products into
}

// ProductDescriptor describes one output of a successful job
type ProductDescriptor struct {
	ProductName string // output path relative to the cache root
	SubID       uint32
	AssetType   string
}

// ProcessJobResponse reports the outcome of a compile
type ProcessJobResponse struct {
	Success  bool
	Products []ProductDescriptor
}

// Builder is the capability interface every asset builder plugin
// implements. The core depends only on this contract, never on concrete
// builder types.
type Builder interface {
	Info() BuilderInfo
	CreateJobs(ctx context.Context, req CreateJobsRequest) (CreateJobsResponse, error)
	ProcessJob(ctx context.Context, req ProcessJobRequest) (ProcessJobResponse, error)
}
