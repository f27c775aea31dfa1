package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ritzau/asset-pipeline/pkg/builder"
	"github.com/ritzau/asset-pipeline/pkg/logging"
	"github.com/ritzau/asset-pipeline/pkg/model"
	"github.com/ritzau/asset-pipeline/pkg/pubsub"
)

// JobReporter receives the lifecycle reports of dispatched jobs. The
// processor's Manager satisfies it.
type JobReporter interface {
	MarkJobStarted(details model.JobDetails)
	AssetProcessed(details model.JobDetails, resp builder.ProcessJobResponse)
	AssetFailed(details model.JobDetails)
	AssetCancelled(details model.JobDetails)
}

// Dispatcher is the compile tier: a pool of workers consuming queued
// jobs from the processor's pub/sub topic and invoking the matching
// builder. It holds no job state of its own; ordering and dedupe are the
// processor's responsibility.
type Dispatcher struct {
	reporter  JobReporter
	registry  *builder.Registry
	publisher pubsub.Publisher
	cacheRoot string
	workers   int

	wg sync.WaitGroup
}

// New creates a dispatcher with the given worker count
func New(reporter JobReporter, registry *builder.Registry, publisher pubsub.Publisher,
	cacheRoot string, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		reporter:  reporter,
		registry:  registry,
		publisher: publisher,
		cacheRoot: cacheRoot,
		workers:   workers,
	}
}

// Start subscribes to the job topic and launches the worker pool. The
// pool drains when the context is cancelled; Wait blocks until then.
func (d *Dispatcher) Start(ctx context.Context) error {
	sub, err := d.publisher.Subscribe(ctx, pubsub.TopicAssetToProcess)
	if err != nil {
		return fmt.Errorf("subscribing to job topic: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(d.cacheRoot, "logs"), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	logging.Info("dispatcher started", "workers", d.workers)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i, sub.Events())
	}
	return nil
}

// Wait blocks until every worker has exited
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, id int, events <-chan pubsub.Event) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			var details model.JobDetails
			if err := json.Unmarshal(event.Data, &details); err != nil {
				logging.Error("undecodable job event, skipping", "worker", id, "error", err)
				continue
			}
			d.processJob(ctx, id, details)
		}
	}
}

// processJob runs one job through its builder and reports the outcome
func (d *Dispatcher) processJob(ctx context.Context, workerID int, details model.JobDetails) {
	entry := details.JobEntry
	logging.Debug("worker picked up job",
		"worker", workerID, "jobRunKey", entry.JobRunKey,
		"path", details.RelativePath, "jobKey", entry.JobKey, "platform", entry.Platform)

	d.reporter.MarkJobStarted(details)

	log := d.openJobLog(details)
	defer log.close()

	log.printf("job %d: %s [%s/%s] builder %s",
		entry.JobRunKey, details.RelativePath, entry.Platform, entry.JobKey, entry.BuilderID)

	b, ok := d.registry.Builder(entry.BuilderID)
	if !ok {
		log.printf("builder %s is not registered", entry.BuilderID)
		d.reporter.AssetFailed(details)
		return
	}

	outputDir := filepath.Join(d.cacheRoot, entry.Platform)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		log.printf("cannot create output directory: %v", err)
		d.reporter.AssetFailed(details)
		return
	}

	resp, err := b.ProcessJob(ctx, builder.ProcessJobRequest{
		Details:   details,
		OutputDir: outputDir,
	})

	if ctx.Err() != nil {
		log.printf("job abandoned: %v", ctx.Err())
		d.reporter.AssetCancelled(details)
		return
	}
	if err != nil || !resp.Success {
		if err != nil {
			log.printf("builder error: %v", err)
		} else {
			log.printf("builder reported failure")
		}
		d.reporter.AssetFailed(details)
		return
	}

	for _, product := range resp.Products {
		log.printf("product: %s (subId %d, type %s)", product.ProductName, product.SubID, product.AssetType)
	}
	log.printf("done, %d products", len(resp.Products))
	d.reporter.AssetProcessed(details, resp)
}

// jobLog captures one run's log under the cache. Logging failures are
// tolerated; a job must not fail because its log could not be written.
type jobLog struct {
	file *os.File
}

func (d *Dispatcher) openJobLog(details model.JobDetails) *jobLog {
	if details.JobEntry.LogFile == "" {
		return &jobLog{}
	}
	path := filepath.Join(d.cacheRoot, filepath.FromSlash(details.JobEntry.LogFile))
	file, err := os.Create(path)
	if err != nil {
		logging.Warn("cannot create job log", "path", path, "error", err)
		return &jobLog{}
	}
	return &jobLog{file: file}
}

func (l *jobLog) printf(format string, args ...interface{}) {
	if l.file == nil {
		return
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)
	fmt.Fprintf(l.file, "%s %s\n", timestamp, fmt.Sprintf(format, args...))
}

func (l *jobLog) close() {
	if l.file != nil {
		_ = l.file.Close()
	}
}
