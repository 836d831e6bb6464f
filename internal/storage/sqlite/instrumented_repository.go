package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/downloadhub/internal/storage"
	"github.com/italolelis/downloadhub/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// Create inserts a record with telemetry.
func (r *InstrumentedDownloadRepository) Create(ctx context.Context, rec *storage.Record) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_download", func(ctx context.Context) error {
		return r.repo.Create(ctx, rec)
	})
}

// Save updates a record with telemetry.
func (r *InstrumentedDownloadRepository) Save(ctx context.Context, rec storage.Record) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_download", func(ctx context.Context) error {
		return r.repo.Save(ctx, rec)
	})
}

// Delete removes a record with telemetry.
func (r *InstrumentedDownloadRepository) Delete(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.Delete(ctx, id)
	})
}

// List retrieves all records with telemetry.
func (r *InstrumentedDownloadRepository) List(ctx context.Context) ([]storage.Record, error) {
	var result []storage.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.List(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
