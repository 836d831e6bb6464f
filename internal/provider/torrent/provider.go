// Package torrent is the provider for magnet links, backed by anacrolix/torrent.
package torrent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"golang.org/x/time/rate"

	"github.com/italolelis/downloadhub/internal/download"
	"github.com/italolelis/downloadhub/internal/logctx"
	"github.com/italolelis/downloadhub/internal/provider"
	"github.com/italolelis/downloadhub/internal/telemetry"
)

// Name is the provider name used in composite ids.
const Name = "torrent"

const defaultPollInterval = time.Second

// Config configures the swarm client.
type Config struct {
	DataDir    string
	ListenPort int
	// UploadLimit in bytes per second; zero means unlimited.
	UploadLimit int64
	Seed        bool
	DisableDHT  bool
	// PollInterval is how often download progress is sampled.
	PollInterval time.Duration
	Telemetry    *telemetry.Telemetry
}

// Provider tracks magnet downloads. Ids are a per-process sequence.
type Provider struct {
	cfg    Config
	client *torrent.Client

	mu        sync.RWMutex
	sink      provider.EventSink
	seq       int
	downloads []*Download

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ provider.Provider = (*Provider)(nil)

// New returns a provider; the swarm client is created by Init.
func New(cfg Config) *Provider {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	return &Provider{cfg: cfg}
}

// Init starts the swarm client and the progress poller.
func (p *Provider) Init(ctx context.Context, sink provider.EventSink) error {
	if err := os.MkdirAll(p.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create torrent data directory: %w", err)
	}

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = p.cfg.DataDir
	cfg.ListenPort = p.cfg.ListenPort
	cfg.Seed = p.cfg.Seed
	cfg.NoDHT = p.cfg.DisableDHT
	cfg.NoDefaultPortForwarding = true

	if p.cfg.UploadLimit > 0 {
		cfg.UploadRateLimiter = rate.NewLimiter(rate.Limit(p.cfg.UploadLimit), int(p.cfg.UploadLimit))
	}

	client, err := torrent.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create torrent client: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p.mu.Lock()
	p.client = client
	p.sink = sink
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)

	go p.poll(pollCtx)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "torrent client started",
		"data_dir", p.cfg.DataDir, "listen_port", p.cfg.ListenPort)

	return nil
}

func (p *Provider) poll(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			downloads := make([]*Download, len(p.downloads))
			copy(downloads, p.downloads)
			p.mu.RUnlock()

			for _, d := range downloads {
				changed, completed, received := d.sample()
				p.cfg.Telemetry.RecordBytesReceived(ctx, Name, received)

				if changed {
					p.sink.Updated(d)
				}

				if completed {
					logctx.LoggerFromContext(ctx).InfoContext(ctx, "torrent completed", "id", d.id, "name", d.Info().Name)
					p.sink.Completed(d)
				}
			}
		}
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

// Stats sums rates over all torrents; complete and errored ones are not active.
func (p *Provider) Stats(ctx context.Context) (provider.Stats, error) {
	downloads, _ := p.Downloads(ctx)

	var s provider.Stats

	for _, d := range downloads {
		info := d.Info()
		if provider.IsActive(info.State) {
			s.Active++
		}

		s.DownloadRate += info.DownloadRate
		s.UploadRate += info.UploadRate
	}

	return s, nil
}

// CanDownload accepts magnet links carrying a BitTorrent info hash.
func (p *Provider) CanDownload(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "magnet" {
		return false
	}

	for _, xt := range u.Query()["xt"] {
		if strings.HasPrefix(xt, "urn:btih:") {
			return true
		}
	}

	return false
}

// AddDownload adds the magnet to the swarm client and downloads everything
// once metadata arrives.
func (p *Provider) AddDownload(ctx context.Context, uri string) (provider.Download, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil, errors.New("torrent client not started")
	}

	t, err := p.client.AddMagnet(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to add magnet: %w", err)
	}

	p.seq++

	d := &Download{
		id:      strconv.Itoa(p.seq),
		uri:     uri,
		dataDir: p.cfg.DataDir,
		t:       t,
		owner:   p,
		down:    download.NewRateMeter(nil),
		up:      download.NewRateMeter(nil),
		state:   download.StateInitializing,
	}
	p.downloads = append(p.downloads, d)

	go func() {
		select {
		case <-t.GotInfo():
			t.DownloadAll()
		case <-t.Closed():
		}
	}()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "magnet added", "id", d.id)

	return d, nil
}

// GetDownload returns the download with the given sequence id.
func (p *Provider) GetDownload(_ context.Context, id string) (provider.Download, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, d := range p.downloads {
		if d.id == id {
			return d, nil
		}
	}

	return nil, provider.ErrNotFound
}

func (p *Provider) remove(d *Download) {
	p.mu.Lock()
	for i, cur := range p.downloads {
		if cur == d {
			p.downloads = append(p.downloads[:i], p.downloads[i+1:]...)

			break
		}
	}
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		sink.Removed(d)
	}
}

// Close stops polling and shuts the swarm client down.
func (p *Provider) Close() error {
	p.mu.Lock()
	cancel, client := p.cancel, p.client
	p.client = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	p.wg.Wait()

	if client == nil {
		return nil
	}

	return errors.Join(client.Close()...)
}

// Download is one magnet link in the swarm.
type Download struct {
	id      string
	uri     string
	dataDir string
	t       *torrent.Torrent
	owner   *Provider

	mu           sync.Mutex
	state        download.State
	paused       bool
	removed      bool
	notified     bool
	down, up     *download.RateMeter
	lastRead     int64
	lastWritten  int64
	downloadRate float64
	uploadRate   float64
}

func (d *Download) ID() string {
	return d.id
}

func (d *Download) hasInfo() bool {
	select {
	case <-d.t.GotInfo():
		return true
	default:
		return false
	}
}

// sample refreshes state and rates from the swarm client. It reports whether
// observers should be told and whether the torrent just completed.
func (d *Download) sample() (changed, completed bool, received int64) {
	stats := d.t.Stats()
	read := stats.BytesReadUsefulData.Int64()
	written := stats.BytesWrittenData.Int64()

	d.mu.Lock()
	defer d.mu.Unlock()

	received = read - d.lastRead
	sent := written - d.lastWritten
	d.lastRead, d.lastWritten = read, written

	rolled := d.down.Record(int(received))
	d.up.Record(int(sent))

	if rolled {
		d.downloadRate = d.down.Rate()
		d.uploadRate = d.up.Rate()
	}

	var next download.State

	switch {
	case d.isClosed():
		next = download.StateError
	case d.hasInfo() && d.t.BytesCompleted() == d.t.Length():
		next = download.StateComplete
	case d.paused:
		next = download.StatePaused
	case d.hasInfo() && d.t.BytesCompleted() > 0:
		next = download.StateDownloading
	default:
		next = download.StateInitializing
	}

	changed = next != d.state || rolled
	d.state = next

	if next == download.StateComplete && !d.notified {
		d.notified = true
		completed = true
	}

	return changed, completed, received
}

func (d *Download) isClosed() bool {
	select {
	case <-d.t.Closed():
		return true
	default:
		return false
	}
}

func (d *Download) Info() provider.Info {
	d.mu.Lock()
	state := d.state
	downRate, upRate := d.downloadRate, d.uploadRate
	d.mu.Unlock()

	if state != download.StateDownloading {
		downRate = 0
	}

	info := provider.Info{
		Name:         d.t.Name(),
		State:        string(state),
		Size:         -1,
		DownloadRate: downRate,
		UploadRate:   upRate,
		Files:        map[string]int64{},
		Icon:         "downloads:magnet",
	}

	if info.Name == "" {
		info.Name = "<unknown>"
	}

	stats := d.t.Stats()
	info.Seeders = stats.ConnectedSeeders
	info.Leechers = max(stats.ActivePeers-stats.ConnectedSeeders, 0)
	info.Uploaded = stats.BytesWrittenData.Int64()

	if state == download.StateError {
		info.StateMessage = "Torrent was closed by the client"
	}

	if d.hasInfo() {
		info.Size = d.t.Length()
		info.Downloaded = d.t.BytesCompleted()

		for _, f := range d.t.Files() {
			info.Files[f.Path()] = f.Length()
		}
	}

	return info
}

// Pause stops requesting data from peers.
func (d *Download) Pause(context.Context) error {
	d.mu.Lock()
	if d.paused || d.state == download.StateComplete || d.state == download.StateError {
		d.mu.Unlock()

		return download.ErrInvalidTransition
	}

	d.paused = true
	d.state = download.StatePaused
	d.mu.Unlock()

	d.t.DisallowDataDownload()
	d.owner.sink.Updated(d)

	return nil
}

// Resume allows data download again.
func (d *Download) Resume(context.Context) error {
	d.mu.Lock()
	if !d.paused {
		d.mu.Unlock()

		return download.ErrInvalidTransition
	}

	d.paused = false
	d.state = download.StateInitializing
	d.mu.Unlock()

	d.t.AllowDataDownload()
	d.owner.sink.Updated(d)

	return nil
}

// Retry is not supported; the swarm client retries peers on its own.
func (d *Download) Retry(context.Context) error {
	return provider.ErrActionNotSupported
}

// Cancel drops the torrent. Data of an incomplete torrent is deleted.
func (d *Download) Cancel(ctx context.Context) error {
	d.mu.Lock()
	if d.removed {
		d.mu.Unlock()

		return download.ErrInvalidTransition
	}

	d.removed = true
	complete := d.state == download.StateComplete
	d.mu.Unlock()

	var name string
	if d.hasInfo() {
		name = d.t.Name()
	}

	d.t.Drop()

	if !complete && name != "" {
		if err := os.RemoveAll(filepath.Join(d.dataDir, name)); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to delete torrent data", "id", d.id, "err", err)
		}
	}

	d.owner.remove(d)

	return nil
}

// Files returns the local paths of the torrent's files.
func (d *Download) Files() []string {
	if !d.hasInfo() {
		return nil
	}

	files := d.t.Files()
	out := make([]string, 0, len(files))

	for _, f := range files {
		out = append(out, filepath.Join(d.dataDir, filepath.FromSlash(f.Path())))
	}

	return out
}
