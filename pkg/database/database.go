package database

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ritzau/asset-pipeline/pkg/logging"
	"github.com/ritzau/asset-pipeline/pkg/model"
)

// AssetDatabase is the persistent store for sources, jobs, products,
// source dependencies, and scan folders. All mutations run on the
// manager's processing goroutine; reads may come from any goroutine
// (sqlite serializes writers, and multi-row mutations are wrapped in
// transactions so readers never observe partial state).
type AssetDatabase struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database and migrates the schema
func Open(path string) (*AssetDatabase, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening asset database %q: %w", path, err)
	}

	err = db.AutoMigrate(
		&model.ScanFolderEntry{},
		&model.SourceEntry{},
		&model.JobEntry{},
		&model.ProductEntry{},
		&model.SourceDependencyEntry{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrating asset database: %w", err)
	}

	return &AssetDatabase{db: db}, nil
}

// Close closes the underlying connection
func (d *AssetDatabase) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Scan folders ---

// SyncScanFolders reconciles configured folders against persisted rows by
// PortableKey: a known key with a new path is migrated in place (the
// folder moved; source identities survive), unknown keys are inserted.
// Returns the full persisted set with IDs assigned.
func (d *AssetDatabase) SyncScanFolders(folders []model.ScanFolderEntry) ([]model.ScanFolderEntry, error) {
	result := make([]model.ScanFolderEntry, 0, len(folders))

	err := d.db.Transaction(func(tx *gorm.DB) error {
		for _, folder := range folders {
			var existing model.ScanFolderEntry
			err := tx.Where("portable_key = ?", folder.PortableKey).First(&existing).Error
			switch {
			case err == nil:
				if existing.Path != folder.Path {
					logging.Info("scan folder moved, migrating",
						"key", folder.PortableKey, "from", existing.Path, "to", folder.Path)
				}
				existing.Path = folder.Path
				existing.DisplayName = folder.DisplayName
				existing.IsRoot = folder.IsRoot
				if err := tx.Save(&existing).Error; err != nil {
					return fmt.Errorf("updating scan folder %q: %w", folder.PortableKey, err)
				}
				result = append(result, existing)
			case errors.Is(err, gorm.ErrRecordNotFound):
				created := folder
				if err := tx.Create(&created).Error; err != nil {
					return fmt.Errorf("creating scan folder %q: %w", folder.PortableKey, err)
				}
				result = append(result, created)
			default:
				return fmt.Errorf("querying scan folder %q: %w", folder.PortableKey, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ScanFolders returns all persisted scan folders
func (d *AssetDatabase) ScanFolders() ([]model.ScanFolderEntry, error) {
	var folders []model.ScanFolderEntry
	if err := d.db.Find(&folders).Error; err != nil {
		return nil, fmt.Errorf("listing scan folders: %w", err)
	}
	return folders, nil
}

// --- Sources ---

// SourceByPath looks a source up by its natural key; returns nil when unknown
func (d *AssetDatabase) SourceByPath(scanFolderID uint, relativePath string) (*model.SourceEntry, error) {
	var source model.SourceEntry
	err := d.db.Where("scan_folder_id = ? AND relative_path = ?", scanFolderID, relativePath).
		First(&source).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying source %d:%s: %w", scanFolderID, relativePath, err)
	}
	return &source, nil
}

// SourceByID looks a source up by its UUID; returns nil when unknown
func (d *AssetDatabase) SourceByID(sourceID string) (*model.SourceEntry, error) {
	var source model.SourceEntry
	err := d.db.Where("source_id = ?", sourceID).First(&source).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying source %s: %w", sourceID, err)
	}
	return &source, nil
}

// CreateSource inserts a new source row
func (d *AssetDatabase) CreateSource(source *model.SourceEntry) error {
	if err := d.db.Create(source).Error; err != nil {
		return fmt.Errorf("creating source %s: %w", source.RelativePath, err)
	}
	return nil
}

// AllSources returns every known source
func (d *AssetDatabase) AllSources() ([]model.SourceEntry, error) {
	var sources []model.SourceEntry
	if err := d.db.Find(&sources).Error; err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	return sources, nil
}

// SourcesUnderPath returns sources in a scan folder whose relative path
// is the given directory or below it (used for deleted-folder propagation)
func (d *AssetDatabase) SourcesUnderPath(scanFolderID uint, relativeDir string) ([]model.SourceEntry, error) {
	var sources []model.SourceEntry
	query := d.db.Where("scan_folder_id = ?", scanFolderID)
	if relativeDir != "" {
		query = query.Where("relative_path = ? OR relative_path LIKE ?", relativeDir, relativeDir+"/%")
	}
	if err := query.Find(&sources).Error; err != nil {
		return nil, fmt.Errorf("listing sources under %q: %w", relativeDir, err)
	}
	return sources, nil
}

// DeleteSourceCascade removes a source together with its jobs, products,
// and every dependency row where it is the dependent or the depended-upon.
// Returns the products that were removed so callers can notify listeners.
func (d *AssetDatabase) DeleteSourceCascade(sourceID string) ([]model.ProductEntry, error) {
	var removed []model.ProductEntry

	err := d.db.Transaction(func(tx *gorm.DB) error {
		var jobs []model.JobEntry
		if err := tx.Where("source_id = ?", sourceID).Find(&jobs).Error; err != nil {
			return fmt.Errorf("listing jobs for source %s: %w", sourceID, err)
		}

		for _, job := range jobs {
			var products []model.ProductEntry
			if err := tx.Where("job_run_key = ?", job.JobRunKey).Find(&products).Error; err != nil {
				return fmt.Errorf("listing products for job %d: %w", job.JobRunKey, err)
			}
			removed = append(removed, products...)
			if err := tx.Where("job_run_key = ?", job.JobRunKey).Delete(&model.ProductEntry{}).Error; err != nil {
				return fmt.Errorf("deleting products for job %d: %w", job.JobRunKey, err)
			}
		}

		if err := tx.Where("source_id = ?", sourceID).Delete(&model.JobEntry{}).Error; err != nil {
			return fmt.Errorf("deleting jobs for source %s: %w", sourceID, err)
		}
		err := tx.Where("source_id = ? OR depends_on_source_id = ?", sourceID, sourceID).
			Delete(&model.SourceDependencyEntry{}).Error
		if err != nil {
			return fmt.Errorf("deleting dependencies for source %s: %w", sourceID, err)
		}
		if err := tx.Where("source_id = ?", sourceID).Delete(&model.SourceEntry{}).Error; err != nil {
			return fmt.Errorf("deleting source %s: %w", sourceID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// --- Jobs ---

// JobByIdentity returns the persisted row for a job identity; nil when
// the job has never completed a run
func (d *AssetDatabase) JobByIdentity(id model.JobIdentity) (*model.JobEntry, error) {
	var job model.JobEntry
	err := d.db.Where("source_id = ? AND builder_id = ? AND job_key = ? AND platform = ?",
		id.SourceID, id.BuilderID, id.JobKey, id.Platform).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying job %s: %w", id, err)
	}
	return &job, nil
}

// JobByRunKey returns the persisted row for a run key; nil when unknown
func (d *AssetDatabase) JobByRunKey(runKey uint64) (*model.JobEntry, error) {
	var job model.JobEntry
	err := d.db.Where("job_run_key = ?", runKey).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying job run %d: %w", runKey, err)
	}
	return &job, nil
}

// JobsForSource returns all persisted jobs of one source
func (d *AssetDatabase) JobsForSource(sourceID string) ([]model.JobEntry, error) {
	var jobs []model.JobEntry
	if err := d.db.Where("source_id = ?", sourceID).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing jobs for source %s: %w", sourceID, err)
	}
	return jobs, nil
}

// MaxJobRunKey returns the highest run key ever persisted, so the
// monotonic counter can resume after restart without reuse
func (d *AssetDatabase) MaxJobRunKey() (uint64, error) {
	var row struct{ Max uint64 }
	err := d.db.Model(&model.JobEntry{}).Select("COALESCE(MAX(job_run_key), 0) AS max").Scan(&row).Error
	if err != nil {
		return 0, fmt.Errorf("querying max job run key: %w", err)
	}
	return row.Max, nil
}

// RecordJobSuccess atomically replaces a job identity's persisted row and
// its product set: the prior run's row and products are deleted, the new
// run's row and products inserted, all in one transaction.
func (d *AssetDatabase) RecordJobSuccess(entry model.JobEntry, products []model.ProductEntry) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		prior, err := d.replaceJobRow(tx, entry)
		if err != nil {
			return err
		}
		if prior != nil {
			err := tx.Where("job_run_key = ?", prior.JobRunKey).Delete(&model.ProductEntry{}).Error
			if err != nil {
				return fmt.Errorf("deleting superseded products of run %d: %w", prior.JobRunKey, err)
			}
		}
		for i := range products {
			products[i].ProductID = 0
			products[i].JobRunKey = entry.JobRunKey
			if err := tx.Create(&products[i]).Error; err != nil {
				return fmt.Errorf("inserting product %q: %w", products[i].ProductName, err)
			}
		}
		return nil
	})
}

// RecordJobFailure persists a failed run without touching products: the
// prior run's products are re-keyed to the new run so the last-known-good
// outputs stay queryable (conservative failure).
func (d *AssetDatabase) RecordJobFailure(entry model.JobEntry) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		prior, err := d.replaceJobRow(tx, entry)
		if err != nil {
			return err
		}
		if prior != nil {
			err := tx.Model(&model.ProductEntry{}).
				Where("job_run_key = ?", prior.JobRunKey).
				Update("job_run_key", entry.JobRunKey).Error
			if err != nil {
				return fmt.Errorf("re-keying products of run %d: %w", prior.JobRunKey, err)
			}
		}
		return nil
	})
}

// replaceJobRow deletes the prior row for entry's identity (if any) and
// inserts the new one, returning the prior row
func (d *AssetDatabase) replaceJobRow(tx *gorm.DB, entry model.JobEntry) (*model.JobEntry, error) {
	var prior model.JobEntry
	err := tx.Where("source_id = ? AND builder_id = ? AND job_key = ? AND platform = ?",
		entry.SourceID, entry.BuilderID, entry.JobKey, entry.Platform).First(&prior).Error
	hasPrior := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("querying prior job %s: %w", entry.Identity(), err)
	}
	if hasPrior {
		if err := tx.Delete(&model.JobEntry{}, "job_run_key = ?", prior.JobRunKey).Error; err != nil {
			return nil, fmt.Errorf("deleting prior job run %d: %w", prior.JobRunKey, err)
		}
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("inserting job run %d: %w", entry.JobRunKey, err)
	}
	if hasPrior {
		return &prior, nil
	}
	return nil, nil
}

// InvalidateJobFingerprint zeroes a job run's stored fingerprint so the
// next analysis pass re-emits it even though its inputs are unchanged
// (used when a product file vanished from the cache)
func (d *AssetDatabase) InvalidateJobFingerprint(runKey uint64) error {
	err := d.db.Model(&model.JobEntry{}).
		Where("job_run_key = ?", runKey).
		Update("fingerprint", 0).Error
	if err != nil {
		return fmt.Errorf("invalidating fingerprint of run %d: %w", runKey, err)
	}
	return nil
}

// --- Products ---

// ProductsForJobRun returns the products of one job run
func (d *AssetDatabase) ProductsForJobRun(runKey uint64) ([]model.ProductEntry, error) {
	var products []model.ProductEntry
	if err := d.db.Where("job_run_key = ?", runKey).Find(&products).Error; err != nil {
		return nil, fmt.Errorf("listing products for run %d: %w", runKey, err)
	}
	return products, nil
}

// ProductsForSource returns every product of every job of a source
func (d *AssetDatabase) ProductsForSource(sourceID string) ([]model.ProductEntry, error) {
	var products []model.ProductEntry
	err := d.db.
		Joins("JOIN jobs ON jobs.job_run_key = products.job_run_key").
		Where("jobs.source_id = ?", sourceID).
		Find(&products).Error
	if err != nil {
		return nil, fmt.Errorf("listing products for source %s: %w", sourceID, err)
	}
	return products, nil
}

// ProductByName looks a product up by its cache-relative output path;
// returns nil when unknown
func (d *AssetDatabase) ProductByName(productName string) (*model.ProductEntry, error) {
	var product model.ProductEntry
	err := d.db.Where("product_name = ?", productName).First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying product %q: %w", productName, err)
	}
	return &product, nil
}

// ProductsUnderPath returns products whose cache-relative name lies under
// the given cache-relative directory
func (d *AssetDatabase) ProductsUnderPath(cacheRelDir string) ([]model.ProductEntry, error) {
	var products []model.ProductEntry
	err := d.db.Where("product_name LIKE ?", cacheRelDir+"/%").Find(&products).Error
	if err != nil {
		return nil, fmt.Errorf("listing products under %q: %w", cacheRelDir, err)
	}
	return products, nil
}

// --- Source dependencies ---

// ReplaceSourceDependencies swaps the full declared-dependency set for a
// (builder, source) pair. The diff is computed against the persisted rows;
// rows are inserted/deleted, never patched, so stale dependencies cannot
// leak. Returns true when the set actually changed.
func (d *AssetDatabase) ReplaceSourceDependencies(builderID, sourceID string, rows []model.SourceDependencyEntry) (bool, error) {
	changed := false
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var existing []model.SourceDependencyEntry
		err := tx.Where("builder_id = ? AND source_id = ?", builderID, sourceID).Find(&existing).Error
		if err != nil {
			return fmt.Errorf("listing dependencies of %s/%s: %w", builderID, sourceID, err)
		}

		depKey := func(r model.SourceDependencyEntry) string {
			return r.DependsOnSourceID + "|" + r.DependsOnName + "|" + string(r.DependencyType)
		}

		wanted := make(map[string]model.SourceDependencyEntry, len(rows))
		for _, row := range rows {
			row.BuilderID = builderID
			row.SourceID = sourceID
			wanted[depKey(row)] = row
		}

		have := make(map[string]bool, len(existing))
		for _, row := range existing {
			key := depKey(row)
			if _, keep := wanted[key]; !keep {
				if err := tx.Delete(&model.SourceDependencyEntry{}, "id = ?", row.ID).Error; err != nil {
					return fmt.Errorf("deleting stale dependency %d: %w", row.ID, err)
				}
				changed = true
				continue
			}
			have[key] = true
		}

		for key, row := range wanted {
			if have[key] {
				continue
			}
			insert := row
			insert.ID = 0
			if err := tx.Create(&insert).Error; err != nil {
				return fmt.Errorf("inserting dependency for %s: %w", sourceID, err)
			}
			changed = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// DependenciesOn returns all rows declaring a dependency on the given source
func (d *AssetDatabase) DependenciesOn(sourceID string) ([]model.SourceDependencyEntry, error) {
	var rows []model.SourceDependencyEntry
	if err := d.db.Where("depends_on_source_id = ?", sourceID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing dependents of %s: %w", sourceID, err)
	}
	return rows, nil
}

// DependenciesDeclaredBy returns all rows a source declared (any builder)
func (d *AssetDatabase) DependenciesDeclaredBy(sourceID string) ([]model.SourceDependencyEntry, error) {
	var rows []model.SourceDependencyEntry
	if err := d.db.Where("source_id = ?", sourceID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing dependencies of %s: %w", sourceID, err)
	}
	return rows, nil
}

// PendingDependencies returns rows whose name pattern has not matched any
// known source yet
func (d *AssetDatabase) PendingDependencies() ([]model.SourceDependencyEntry, error) {
	var rows []model.SourceDependencyEntry
	if err := d.db.Where("depends_on_source_id = ?", "").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing pending dependencies: %w", err)
	}
	return rows, nil
}

// ResolvePendingDependency binds a pending row to a discovered source
func (d *AssetDatabase) ResolvePendingDependency(rowID uint, dependsOnSourceID string) error {
	err := d.db.Model(&model.SourceDependencyEntry{}).
		Where("id = ?", rowID).
		Update("depends_on_source_id", dependsOnSourceID).Error
	if err != nil {
		return fmt.Errorf("resolving pending dependency %d: %w", rowID, err)
	}
	return nil
}

// --- Startup reconciliation ---

// RemoveOrphans deletes jobs whose source no longer exists and products
// whose job no longer exists. Each orphan is a per-record inconsistency:
// warn and drop, never abort.
func (d *AssetDatabase) RemoveOrphans() (int, error) {
	removed := 0

	var orphanJobs []model.JobEntry
	err := d.db.
		Where("source_id NOT IN (?)", d.db.Model(&model.SourceEntry{}).Select("source_id")).
		Find(&orphanJobs).Error
	if err != nil {
		return 0, fmt.Errorf("finding orphan jobs: %w", err)
	}
	for _, job := range orphanJobs {
		logging.Warn("removing job with no source", "jobRunKey", job.JobRunKey, "sourceId", job.SourceID)
		if err := d.db.Delete(&model.JobEntry{}, "job_run_key = ?", job.JobRunKey).Error; err != nil {
			return removed, fmt.Errorf("deleting orphan job %d: %w", job.JobRunKey, err)
		}
		removed++
	}

	var orphanProducts []model.ProductEntry
	err = d.db.
		Where("job_run_key NOT IN (?)", d.db.Model(&model.JobEntry{}).Select("job_run_key")).
		Find(&orphanProducts).Error
	if err != nil {
		return removed, fmt.Errorf("finding orphan products: %w", err)
	}
	for _, product := range orphanProducts {
		logging.Warn("removing product with no job", "product", product.ProductName, "jobRunKey", product.JobRunKey)
		if err := d.db.Delete(&model.ProductEntry{}, "product_id = ?", product.ProductID).Error; err != nil {
			return removed, fmt.Errorf("deleting orphan product %d: %w", product.ProductID, err)
		}
		removed++
	}

	return removed, nil
}
