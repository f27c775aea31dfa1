package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ritzau/asset-pipeline/pkg/api"
	"github.com/ritzau/asset-pipeline/pkg/builder"
	"github.com/ritzau/asset-pipeline/pkg/config"
	"github.com/ritzau/asset-pipeline/pkg/database"
	"github.com/ritzau/asset-pipeline/pkg/depgraph"
	"github.com/ritzau/asset-pipeline/pkg/dispatch"
	"github.com/ritzau/asset-pipeline/pkg/logging"
	"github.com/ritzau/asset-pipeline/pkg/platform"
	"github.com/ritzau/asset-pipeline/pkg/processor"
	"github.com/ritzau/asset-pipeline/pkg/pubsub"
	"github.com/ritzau/asset-pipeline/pkg/watcher"
)

func main() {
	flags := pflag.NewFlagSet("asset-pipeline", pflag.ExitOnError)
	configPath := flags.String("config", "asset-pipeline.toml", "Path to the TOML config file")
	flags.Int("port", 8080, "Port for the API server")
	flags.Bool("watch", true, "Watch scan folders for changes")
	flags.Int("workers", 4, "Size of the compile worker pool")
	flags.String("database", "assetdb.sqlite", "Path to the asset database")
	flags.String("verbosity", "", "Log level: debug, info, warn, error")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadFile(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyVerbosity(cfg.Verbosity)

	if err := run(cfg); err != nil {
		logging.Fatal("asset pipeline failed", "error", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	platforms, err := platform.New(cfg)
	if err != nil {
		return err
	}
	if len(platforms.ScanFolders()) == 0 {
		return fmt.Errorf("no scan folders configured")
	}
	folders, err := db.SyncScanFolders(platforms.ScanFolders())
	if err != nil {
		return fmt.Errorf("syncing scan folders: %w", err)
	}
	platforms.SetScanFolders(folders)

	if err := os.MkdirAll(filepath.FromSlash(platforms.CacheRoot()), 0o755); err != nil {
		return fmt.Errorf("creating cache root: %w", err)
	}

	registry := builder.NewRegistry()
	if err := registry.Register(builder.NewCopyBuilder()); err != nil {
		return err
	}

	publisher := pubsub.NewEventPublisher()
	defer publisher.Close()
	// Status topics replay their latest event so late subscribers see
	// current state without waiting for the next transition
	publisher.ConfigureTopic(pubsub.TopicIdleState, pubsub.TopicConfig{BufferSize: 1})
	publisher.ConfigureTopic(pubsub.TopicNumRemainingJobs, pubsub.TopicConfig{BufferSize: 1})
	publisher.ConfigureTopic(pubsub.TopicAssetMessage, pubsub.TopicConfig{BufferSize: 100, ReplayAll: false})

	graph := depgraph.New(db, registry)
	manager := processor.New(cfg, db, platforms, registry, graph, publisher)

	// The dispatcher subscribes before the processing loop starts so no
	// queued job is published into the void
	dispatcher := dispatch.New(manager, registry, publisher, platforms.CacheRoot(), cfg.Workers)
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	if err := manager.Reconcile(); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	go manager.Run(ctx)

	if cfg.Watch {
		if err := startWatcher(ctx, cfg, platforms, manager); err != nil {
			return err
		}
	}

	server := api.NewServer(manager, graph, publisher)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Port) }()

	select {
	case <-ctx.Done():
		logging.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("API server: %w", err)
	}

	dispatcher.Wait()
	return nil
}

// startWatcher wires the filesystem watcher, through the debouncer, into
// the manager's assess entry points
func startWatcher(ctx context.Context, cfg *config.Config, platforms *platform.PlatformConfig, manager *processor.Manager) error {
	roots := make([]string, 0, len(platforms.ScanFolders())+1)
	for _, folder := range platforms.ScanFolders() {
		roots = append(roots, filepath.FromSlash(folder.Path))
	}
	roots = append(roots, filepath.FromSlash(platforms.CacheRoot()))

	fw, err := watcher.NewFileWatcher(roots)
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Start(ctx); err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}

	debouncer := watcher.NewDebouncer(fw.Events(),
		time.Duration(cfg.DebounceQuietMs)*time.Millisecond,
		time.Duration(cfg.DebounceMaxMs)*time.Millisecond)
	debouncer.Start(ctx)

	go func() {
		for event := range debouncer.Output() {
			switch event.Op {
			case watcher.OpAdded:
				manager.AssessAddedFile(event.Path)
			case watcher.OpModified:
				manager.AssessModifiedFile(event.Path)
			case watcher.OpDeleted:
				manager.AssessDeletedFile(event.Path)
			}
		}
	}()
	return nil
}

func applyVerbosity(level string) {
	switch level {
	case "debug":
		logging.SetLevel(slog.LevelDebug)
	case "warn":
		logging.SetLevel(slog.LevelWarn)
	case "error":
		logging.SetLevel(slog.LevelError)
	default:
		logging.SetLevel(slog.LevelInfo)
	}
}
