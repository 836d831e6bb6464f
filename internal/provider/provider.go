// Package provider aggregates download backends behind one registry.
package provider

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedURI is returned when no registered provider accepts a URI.
	ErrUnsupportedURI = errors.New("no provider can download this uri")
	// ErrNotFound is returned for unknown providers or download ids.
	ErrNotFound = errors.New("download not found")
	// ErrNotComplete is returned when sharing a download that has not finished.
	ErrNotComplete = errors.New("download not yet complete")
	// ErrDuplicateProvider is returned when a provider name is registered twice.
	ErrDuplicateProvider = errors.New("provider already registered")
	// ErrActionNotSupported is returned by backends that cannot perform an action.
	ErrActionNotSupported = errors.New("action not supported by provider")
)

// DefaultIcon is used for entries whose provider does not set one.
const DefaultIcon = "downloads:download"

// Info describes a download as reported by its provider.
type Info struct {
	Name         string
	State        string
	StateMessage string
	Size         int64
	Downloaded   int64
	DownloadRate float64
	Seeders      int
	Uploaded     int64
	UploadRate   float64
	Leechers     int
	Files        map[string]int64
	Icon         string
}

// Entry is the public shape of a download from any provider.
type Entry struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Name         string           `json:"name"`
	State        string           `json:"state"`
	StateMessage string           `json:"stateMessage,omitempty"`
	Size         int64            `json:"size"`
	Downloaded   int64            `json:"downloaded"`
	DownloadRate float64          `json:"downloadRate"`
	Seeders      int              `json:"seeders"`
	Uploaded     int64            `json:"uploaded"`
	UploadRate   float64          `json:"uploadRate"`
	Leechers     int              `json:"leechers"`
	Files        map[string]int64 `json:"files"`
	Icon         string           `json:"icon"`
}

// Stats aggregates activity over downloads.
type Stats struct {
	Active       int     `json:"active"`
	UploadRate   float64 `json:"uploadRate"`
	DownloadRate float64 `json:"downloadRate"`
}

// Add returns the element-wise sum of s and o.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Active:       s.Active + o.Active,
		UploadRate:   s.UploadRate + o.UploadRate,
		DownloadRate: s.DownloadRate + o.DownloadRate,
	}
}

// IsActive reports whether a download in state counts towards Stats.Active.
func IsActive(state string) bool {
	switch state {
	case "complete", "error", "paused":
		return false
	default:
		return true
	}
}

// Download is one download owned by a provider.
type Download interface {
	// ID is unique within the owning provider.
	ID() string
	Info() Info
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Retry(ctx context.Context) error
	Cancel(ctx context.Context) error
	// Files returns the local paths of the delivered files.
	Files() []string
}

// EventSink receives the lifecycle events of a provider's downloads.
type EventSink interface {
	Updated(d Download)
	Removed(d Download)
	Completed(d Download)
}

// Provider is a download backend.
type Provider interface {
	// Init is called once before any other method except CanDownload.
	Init(ctx context.Context, sink EventSink) error
	Downloads(ctx context.Context) ([]Download, error)
	Stats(ctx context.Context) (Stats, error)
	CanDownload(uri string) bool
	AddDownload(ctx context.Context, uri string) (Download, error)
	// GetDownload returns ErrNotFound for unknown ids.
	GetDownload(ctx context.Context, id string) (Download, error)
	Close() error
}

// Watcher is notified of entry and stats changes. Delivery is best effort.
type Watcher interface {
	DownloadUpdated(ctx context.Context, e Entry)
	DownloadRemoved(ctx context.Context, e Entry)
	StatsUpdated(ctx context.Context, s Stats)
}

// PostProcessor handles the files of completed downloads.
type PostProcessor interface {
	Completed(ctx context.Context, files []string, e Entry)
}

type nopWatcher struct{}

func (nopWatcher) DownloadUpdated(context.Context, Entry) {}
func (nopWatcher) DownloadRemoved(context.Context, Entry) {}
func (nopWatcher) StatsUpdated(context.Context, Stats)    {}

type nopPostProcessor struct{}

func (nopPostProcessor) Completed(context.Context, []string, Entry) {}
