/**
 * Storage Manager for the annotation converter
 *
 * Coordinates the run history database (PostgreSQL or SQLite) and the
 * optional Qdrant geometry index. A run is indexed first and its record
 * saved second; a failed save removes the indexed points again.
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/adverant/nexus/annotation-converter/internal/config"
	"github.com/adverant/nexus/annotation-converter/internal/converter"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/schema"
)

// Indexer stores emitted geometry for similarity search.
type Indexer interface {
	IndexDocument(ctx context.Context, runID string, doc *schema.COCODocument) ([]string, error)
	DeletePoints(ctx context.Context, ids []string) error
	Stats(ctx context.Context) (map[string]interface{}, error)
	Close() error
}

// StorageManager coordinates the store and the geometry index
type StorageManager struct {
	store  Store
	index  Indexer
	logger *logging.Logger
}

// PersistResult describes what PersistRun wrote.
type PersistResult struct {
	RunID         string
	IndexedPoints int
}

// NewStorageManager opens the store named by cfg.DatabaseURL and, when
// enabled, the geometry index. A "sqlite://" URL selects the SQLite store.
func NewStorageManager(cfg *config.Config, logger *logging.Logger) (*StorageManager, error) {
	if logger == nil {
		logger = logging.NewLogger("storage")
	}

	store, err := OpenStore(cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}

	var index Indexer
	if cfg.EnableGeometryIndex {
		gi, err := NewGeometryIndex(cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
		}
		index = gi
	}

	return NewStorageManagerWith(store, index, logger), nil
}

// NewStorageManagerWith wires an already open store and optional index.
func NewStorageManagerWith(store Store, index Indexer, logger *logging.Logger) *StorageManager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &StorageManager{store: store, index: index, logger: logger}
}

// OpenStore opens a PostgreSQL store, or a SQLite one for "sqlite://path".
func OpenStore(databaseURL string, logger *logging.Logger) (Store, error) {
	if path, ok := strings.CutPrefix(databaseURL, "sqlite://"); ok {
		store, err := OpenSQLite(path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		return store, nil
	}
	store, err := NewPostgresClient(databaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}
	return store, nil
}

// PersistRun records a finished run. doc may be nil when the target has no
// COCO document or indexing is not wanted.
func (sm *StorageManager) PersistRun(ctx context.Context, report *converter.Report, jobID string, doc *schema.COCODocument) (*PersistResult, error) {
	rec, err := NewRunRecord(report, jobID)
	if err != nil {
		return nil, err
	}
	if rec.RunID == "" {
		return nil, fmt.Errorf("report has no run ID")
	}

	var pointIDs []string
	if sm.index != nil && doc != nil {
		pointIDs, err = sm.index.IndexDocument(ctx, rec.RunID, doc)
		if err != nil {
			return nil, fmt.Errorf("failed to index geometry: %w", err)
		}
	}

	if err := sm.store.SaveReport(ctx, rec); err != nil {
		if len(pointIDs) > 0 {
			if delErr := sm.index.DeletePoints(ctx, pointIDs); delErr != nil {
				sm.logger.Error("Rollback of indexed points failed", "run", rec.RunID, "points", len(pointIDs), "error", delErr)
			}
		}
		return nil, fmt.Errorf("failed to store run record: %w", err)
	}

	return &PersistResult{RunID: rec.RunID, IndexedPoints: len(pointIDs)}, nil
}

// GetRun returns a stored run record.
func (sm *StorageManager) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	return sm.store.GetReport(ctx, runID)
}

// ListRuns returns recent runs, newest first.
func (sm *StorageManager) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	return sm.store.ListReports(ctx, limit)
}

// UpdateJobStatus updates job status in the store
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.store.UpdateJobStatus(ctx, update)
}

// GetJob retrieves job by ID
func (sm *StorageManager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return sm.store.GetJob(ctx, jobID)
}

// Ping checks the store.
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.store.Ping(ctx)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{}

	if pg, ok := sm.store.(interface{ GetStats() sql.DBStats }); ok {
		s := pg.GetStats()
		stats["postgres"] = map[string]interface{}{
			"max_open_connections": s.MaxOpenConnections,
			"open_connections":     s.OpenConnections,
			"in_use":               s.InUse,
			"idle":                 s.Idle,
			"wait_count":           s.WaitCount,
			"wait_duration":        s.WaitDuration.String(),
		}
	}

	if sm.index != nil {
		qdrantStats, err := sm.index.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}
	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var storeErr, indexErr error
	if sm.store != nil {
		storeErr = sm.store.Close()
	}
	if sm.index != nil {
		indexErr = sm.index.Close()
	}
	if storeErr != nil {
		return fmt.Errorf("failed to close store: %w", storeErr)
	}
	if indexErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", indexErr)
	}
	return nil
}
