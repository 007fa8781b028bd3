// Package app assembles the store adapters behind the persistence
// interfaces, selected by configuration: embedded SQLite plus local
// filesystem blobs for local mode, PostgreSQL plus Cloud Storage for
// hosted mode.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plotpalette/plotpalette/internal/checkpoint"
	"github.com/plotpalette/plotpalette/internal/config"
	"github.com/plotpalette/plotpalette/internal/cost"
	"github.com/plotpalette/plotpalette/internal/domain"
	"github.com/plotpalette/plotpalette/internal/storage/fs"
	"github.com/plotpalette/plotpalette/internal/storage/gcs"
	"github.com/plotpalette/plotpalette/internal/storage/postgres"
	"github.com/plotpalette/plotpalette/internal/storage/seed"
	"github.com/plotpalette/plotpalette/internal/storage/sqlite"
)

// JobStore is the union of the dispatcher's and worker's job persistence
// needs; both SQL adapters implement it.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	InsertWithQueueEntry(ctx context.Context, job *domain.Job) error
	ConditionalUpdate(ctx context.Context, jobID string, expected, next domain.Status, patch domain.JobPatch) error
	UpdateCounters(ctx context.Context, jobID string, patch domain.JobPatch) error
	PeekQueue(ctx context.Context, limit int) ([]domain.QueueEntry, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.Job, error)
	ListByOwner(ctx context.Context, ownerID, cursor string, limit int) ([]domain.Job, string, error)
}

// TemplateStore resolves immutable template versions.
type TemplateStore interface {
	Get(ctx context.Context, templateID string, version int) (*domain.Template, error)
}

// Stores bundles every persistence dependency of the two binaries.
type Stores struct {
	Jobs      JobStore
	Templates TemplateStore
	Meta      checkpoint.MetadataStore
	Blobs     checkpoint.BlobStore
	Events    cost.EventStore
	Seeds     *seed.Source

	closers []func()
}

// Close releases all underlying connections.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// Build selects and connects the store adapters for the given storage
// configuration.
func Build(ctx context.Context, cfg config.Storage) (*Stores, error) {
	stores := &Stores{}

	switch {
	case !cfg.Local && cfg.PostgresURL != "":
		db, err := postgres.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		stores.Jobs = db
		stores.Templates = db.Templates()
		stores.Meta = db.Metadata()
		stores.Events = db.Events()
		stores.closers = append(stores.closers, db.Close)
	default:
		path := cfg.SQLitePath
		if path == "" {
			path = "plotpalette.db"
		}
		db, err := sqlite.NewStore(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		stores.Jobs = db
		stores.Templates = db.Templates()
		stores.Meta = db.Metadata()
		stores.Events = db.Events()
		stores.closers = append(stores.closers, func() {
			if err := db.Close(); err != nil {
				slog.Error("failed to close sqlite store", "error", err)
			}
		})
	}

	switch {
	case !cfg.Local && cfg.GCSBucket != "":
		blobs, err := gcs.NewStore(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("failed to connect gcs: %w", err)
		}
		stores.Blobs = blobs
		stores.closers = append(stores.closers, func() {
			if err := blobs.Close(); err != nil {
				slog.Error("failed to close gcs client", "error", err)
			}
		})
	default:
		dir := cfg.BlobDir
		if dir == "" {
			dir = "data/blobs"
		}
		blobs, err := fs.NewStore(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open blob directory: %w", err)
		}
		stores.Blobs = blobs
	}

	// Seed data normally lives next to the other blobs; a separate local
	// directory can be pointed at instead for development data sets.
	seedBlobs := stores.Blobs
	if cfg.SeedDir != "" {
		sb, err := fs.NewStore(cfg.SeedDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open seed directory: %w", err)
		}
		seedBlobs = sb
	}
	stores.Seeds = seed.NewSource(seedBlobs)
	return stores, nil
}
