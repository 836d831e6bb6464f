package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("download record not found")

// Record is the persisted part of an HTTP download. It carries no behavior;
// the download controller operates on it by reference.
type Record struct {
	ID         string
	URI        string
	Path       string
	Size       int64
	Downloaded int64
	Paused     bool
	Complete   bool
	Insecure   bool
	CreatedAt  time.Time
}

// DownloadRepository stores download records.
type DownloadRepository interface {
	// Create inserts rec and assigns rec.ID.
	Create(ctx context.Context, rec *Record) error
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
}
