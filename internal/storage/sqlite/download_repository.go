package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/italolelis/downloadhub/internal/storage"
)

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

var _ storage.DownloadRepository = (*DownloadRepository)(nil)

// Create inserts a new record and sets rec.ID to the generated row id.
func (r *DownloadRepository) Create(ctx context.Context, rec *storage.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (uri, path, size, downloaded, paused, complete, insecure, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.URI, rec.Path, rec.Size, rec.Downloaded, rec.Paused, rec.Complete, rec.Insecure,
		rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert download: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted id: %w", err)
	}

	rec.ID = strconv.FormatInt(id, 10)

	return nil
}

// Save overwrites the mutable columns of an existing record.
func (r *DownloadRepository) Save(ctx context.Context, rec storage.Record) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET path = ?, size = ?, downloaded = ?, paused = ?, complete = ?, insecure = ? WHERE id = ?`,
		rec.Path, rec.Size, rec.Downloaded, rec.Paused, rec.Complete, rec.Insecure, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update download: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *DownloadRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)

	return err
}

// List returns every record in insertion order.
func (r *DownloadRepository) List(ctx context.Context) ([]storage.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, uri, path, size, downloaded, paused, complete, insecure, created_at FROM downloads ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.Record

	for rows.Next() {
		var (
			rec       storage.Record
			id        int64
			createdAt sql.NullString
		)

		err := rows.Scan(&id, &rec.URI, &rec.Path, &rec.Size, &rec.Downloaded, &rec.Paused, &rec.Complete, &rec.Insecure, &createdAt)
		if err != nil {
			return nil, err
		}

		rec.ID = strconv.FormatInt(id, 10)

		if createdAt.Valid {
			if t, err := time.Parse(time.RFC3339, createdAt.String); err == nil {
				rec.CreatedAt = t
			}
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}
