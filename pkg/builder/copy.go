package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CopyBuilderID is the stable identity of the built-in copy builder
const CopyBuilderID = "c7f56d7e-2b18-4c3d-9a44-0f1d3a8e5b21"

// CopyBuilder is the built-in fallback builder: it copies the source
// file into the cache unchanged, one product per platform. It is what
// makes the pipeline useful before any specialized builder is
// registered; data files that need no compilation flow through it.
type CopyBuilder struct {
	patterns []string
}

// NewCopyBuilder creates a copy builder matching the given patterns
// (defaults to every file when none are given)
func NewCopyBuilder(patterns ...string) *CopyBuilder {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return &CopyBuilder{patterns: patterns}
}

func (b *CopyBuilder) Info() BuilderInfo {
	return BuilderInfo{
		ID:       CopyBuilderID,
		Name:     "Copy Builder",
		Version:  "1",
		Patterns: b.patterns,
	}
}

// CreateJobs declares one copy job per enabled platform. Copying has no
// content to parse, so no source dependencies are ever declared.
func (b *CopyBuilder) CreateJobs(ctx context.Context, req CreateJobsRequest) (CreateJobsResponse, error) {
	jobs := make([]JobDescriptor, 0, len(req.Platforms))
	for _, platform := range req.Platforms {
		jobs = append(jobs, JobDescriptor{
			JobKey:   "copy",
			Platform: platform,
		})
	}
	return CreateJobsResponse{Jobs: jobs}, nil
}

// ProcessJob copies the source into the platform output directory. The
// product path mirrors the source's scan-folder relative path, lowercased.
func (b *CopyBuilder) ProcessJob(ctx context.Context, req ProcessJobRequest) (ProcessJobResponse, error) {
	rel := strings.ToLower(req.Details.RelativePath)
	dst := filepath.Join(req.OutputDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ProcessJobResponse{}, fmt.Errorf("creating product directory: %w", err)
	}
	if err := copyFile(req.Details.SourcePath, dst); err != nil {
		return ProcessJobResponse{}, err
	}

	return ProcessJobResponse{
		Success: true,
		Products: []ProductDescriptor{{
			ProductName: req.Details.JobEntry.Platform + "/" + rel,
			SubID:       0,
			AssetType:   "copy",
		}},
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating product: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}

var _ Builder = (*CopyBuilder)(nil)
