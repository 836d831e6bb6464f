// Package httpdl is the provider for direct HTTP and HTTPS downloads.
package httpdl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/italolelis/downloadhub/internal/download"
	"github.com/italolelis/downloadhub/internal/logctx"
	"github.com/italolelis/downloadhub/internal/provider"
	"github.com/italolelis/downloadhub/internal/storage"
)

// Name is the provider name used in composite ids.
const Name = "http"

const dirPerm = 0o755

// Provider keeps one download.Download per persisted record.
type Provider struct {
	repo    storage.DownloadRepository
	fetcher *download.Fetcher

	mu        sync.RWMutex
	ctx       context.Context
	sink      provider.EventSink
	downloads []*httpDownload
}

var _ provider.Provider = (*Provider)(nil)

// New returns an HTTP provider storing records in repo.
func New(repo storage.DownloadRepository, opts download.Options) *Provider {
	return &Provider{
		repo:    repo,
		fetcher: download.NewFetcher(opts),
	}
}

// Init loads the persisted records and restarts those neither paused nor complete.
func (p *Provider) Init(ctx context.Context, sink provider.EventSink) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(p.fetcher.Options().IncomingDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create incoming directory: %w", err)
	}

	records, err := p.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load downloads: %w", err)
	}

	p.mu.Lock()
	p.ctx = ctx
	p.sink = sink

	loaded := make([]*httpDownload, 0, len(records))
	for _, rec := range records {
		loaded = append(loaded, p.newDownload(rec))
	}

	p.downloads = append(p.downloads, loaded...)
	p.mu.Unlock()

	for _, d := range loaded {
		d.Start()
	}

	logger.InfoContext(ctx, "http downloads restored", "count", len(loaded))

	return nil
}

func (p *Provider) newDownload(rec storage.Record) *httpDownload {
	ctx := logctx.WithDownloadID(p.ctx, Name+":"+rec.ID)
	hd := &httpDownload{}

	hd.Download = download.New(ctx, rec, p.fetcher, p.repo, download.Hooks{
		Updated:   func(*download.Download) { p.sink.Updated(hd) },
		Completed: func(*download.Download) { p.sink.Completed(hd) },
		Removed:   func(*download.Download) { p.sink.Removed(hd) },
		Detach:    func(ctx context.Context, _ *download.Download) { p.detach(ctx, hd) },
	})

	return hd
}

func (p *Provider) detach(ctx context.Context, hd *httpDownload) {
	p.mu.Lock()
	for i, d := range p.downloads {
		if d == hd {
			p.downloads = append(p.downloads[:i], p.downloads[i+1:]...)

			break
		}
	}
	p.mu.Unlock()

	if err := p.repo.Delete(ctx, hd.ID()); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to delete download record", "id", hd.ID(), "err", err)
	}
}

// Downloads returns the downloads in creation order.
func (p *Provider) Downloads(context.Context) ([]provider.Download, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]provider.Download, 0, len(p.downloads))
	for _, d := range p.downloads {
		out = append(out, d)
	}

	return out, nil
}

// Stats sums the rates of all downloads.
func (p *Provider) Stats(ctx context.Context) (provider.Stats, error) {
	downloads, _ := p.Downloads(ctx)

	var s provider.Stats

	for _, d := range downloads {
		info := d.Info()
		if provider.IsActive(info.State) {
			s.Active++
		}

		s.DownloadRate += info.DownloadRate
	}

	return s, nil
}

// CanDownload accepts http and https URLs.
func (p *Provider) CanDownload(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}

	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// AddDownload persists a new record and starts it. The destination gets a
// " (n)" suffix when another download or an existing file already holds it.
func (p *Provider) AddDownload(ctx context.Context, uri string) (provider.Download, error) {
	p.mu.Lock()

	rec := &storage.Record{
		URI:  uri,
		Path: p.uniquePathLocked(download.DestinationPath(p.fetcher.Options().IncomingDir, uri)),
		Size: -1,
	}

	if err := p.repo.Create(ctx, rec); err != nil {
		p.mu.Unlock()

		return nil, fmt.Errorf("failed to create download record: %w", err)
	}

	hd := p.newDownload(*rec)
	p.downloads = append(p.downloads, hd)
	p.mu.Unlock()

	hd.Start()

	return hd, nil
}

func (p *Provider) uniquePathLocked(dest string) string {
	taken := make(map[string]bool, len(p.downloads))
	for _, d := range p.downloads {
		taken[d.Snapshot().Path] = true
	}

	ext := filepath.Ext(dest)
	stem := strings.TrimSuffix(dest, ext)

	candidate := dest
	for n := 1; ; n++ {
		if !taken[candidate] {
			if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
				return candidate
			}
		}

		candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
}

// GetDownload returns the download with the given record id.
func (p *Provider) GetDownload(_ context.Context, id string) (provider.Download, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, d := range p.downloads {
		if d.ID() == id {
			return d, nil
		}
	}

	return nil, provider.ErrNotFound
}

// PauseAll pauses every download that can be paused.
func (p *Provider) PauseAll(ctx context.Context) int {
	return p.each(ctx, (*httpDownload).Pause)
}

// ResumeAll resumes every paused download.
func (p *Provider) ResumeAll(ctx context.Context) int {
	return p.each(ctx, (*httpDownload).Resume)
}

func (p *Provider) each(ctx context.Context, fn func(*httpDownload, context.Context) error) int {
	p.mu.RLock()
	downloads := make([]*httpDownload, len(p.downloads))
	copy(downloads, p.downloads)
	p.mu.RUnlock()

	n := 0

	for _, d := range downloads {
		err := fn(d, ctx)
		switch {
		case err == nil:
			n++
		case errors.Is(err, download.ErrInvalidTransition):
		default:
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "bulk action failed", "id", d.ID(), "err", err)
		}
	}

	return n
}

// Close pauses running sessions without persisting the paused flag, so they
// restart on the next Init.
func (p *Provider) Close() error {
	p.mu.RLock()
	downloads := make([]*httpDownload, len(p.downloads))
	copy(downloads, p.downloads)
	p.mu.RUnlock()

	for _, d := range downloads {
		d.Stop()
	}

	return nil
}

// httpDownload adapts download.Download to provider.Download.
type httpDownload struct {
	*download.Download
}

func (d *httpDownload) Info() provider.Info {
	s := d.Snapshot()

	return provider.Info{
		Name:         s.Name,
		State:        string(s.State),
		StateMessage: s.Message,
		Size:         s.Size,
		Downloaded:   s.Downloaded,
		DownloadRate: s.Rate,
		Seeders:      1,
		Files:        map[string]int64{s.Name: s.Size},
	}
}

func (d *httpDownload) Files() []string {
	return []string{d.Snapshot().Path}
}
