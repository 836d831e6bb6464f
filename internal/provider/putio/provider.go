// Package putio is the provider for transfers run by the put.io seedbox.
// Completed transfers are fetched into the incoming directory.
package putio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/putdotio/go-putio"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/italolelis/downloadhub/internal/download"
	"github.com/italolelis/downloadhub/internal/download/progress"
	"github.com/italolelis/downloadhub/internal/logctx"
	"github.com/italolelis/downloadhub/internal/provider"
	"github.com/italolelis/downloadhub/internal/telemetry"
)

// Name is the provider name used in composite ids.
const Name = "putio"

const (
	defaultPollInterval = 30 * time.Second
	progressLogInterval = 64 * 1024 * 1024
)

// Config configures the put.io provider.
type Config struct {
	Token string
	// Folder is the put.io folder transfers are saved to; empty means the root.
	Folder string
	// IncomingDir receives the files of completed transfers. When empty a
	// transfer is complete as soon as put.io finishes it.
	IncomingDir  string
	PollInterval time.Duration
	Telemetry    *telemetry.Telemetry
}

// Provider mirrors the transfers of one put.io account.
type Provider struct {
	cfg     Config
	client  *putio.Client
	http    *http.Client
	fileURL func(ctx context.Context, id int64) (string, error)

	mu        sync.RWMutex
	ctx       context.Context
	sink      provider.EventSink
	folderID  int64
	transfers []*Transfer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ provider.Provider = (*Provider)(nil)

// New returns a provider authenticated with the given OAuth token.
func New(cfg Config) *Provider {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return newProvider(cfg, putio.NewClient(oauthClient))
}

func newProvider(cfg Config, client *putio.Client) *Provider {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	p := &Provider{
		cfg:    cfg,
		client: client,
		http:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	p.fileURL = func(ctx context.Context, id int64) (string, error) {
		return p.client.Files.URL(ctx, id, false)
	}

	return p
}

// Init authenticates, resolves the save folder and loads the current transfers.
func (p *Provider) Init(ctx context.Context, sink provider.EventSink) error {
	logger := logctx.LoggerFromContext(ctx)

	user, err := p.client.Account.Info(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		return fmt.Errorf("failed to get account info: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with put.io", "user", user.Username)

	var folderID int64

	if p.cfg.Folder != "" {
		folderID, err = p.findDirectoryID(ctx, p.cfg.Folder)
		if err != nil {
			return fmt.Errorf("failed to find directory: %w", err)
		}
	}

	if p.cfg.IncomingDir != "" {
		if err := os.MkdirAll(p.cfg.IncomingDir, 0o755); err != nil {
			return fmt.Errorf("failed to create incoming directory: %w", err)
		}
	}

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p.mu.Lock()
	p.ctx = base
	p.sink = sink
	p.folderID = folderID
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.refresh(base); err != nil {
		cancel()

		return err
	}

	p.wg.Add(1)

	go p.poll(base)

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
			if err := p.refresh(ctx); err != nil && ctx.Err() == nil {
				logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to refresh put.io transfers", "err", err)
			}
		}
	}
}

// refresh reconciles local state with the transfer list of the account.
func (p *Provider) refresh(ctx context.Context) error {
	remote, err := p.client.Transfers.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to get transfers: %w", err)
	}

	var updated, completed, removed []*Transfer

	p.mu.Lock()

	seen := make(map[int64]bool, len(remote))

	for _, rt := range remote {
		if p.folderID != 0 && rt.SaveParentID != p.folderID {
			continue
		}

		seen[rt.ID] = true

		t := p.lookupLocked(rt.ID)
		if t == nil {
			t = p.newTransfer(rt)
			p.transfers = append(p.transfers, t)
			updated = append(updated, t)

			if t.completeNow() {
				completed = append(completed, t)
			}

			continue
		}

		changed, done := t.update(rt)
		if changed {
			updated = append(updated, t)
		}

		if done {
			completed = append(completed, t)
		}
	}

	kept := p.transfers[:0]

	for _, t := range p.transfers {
		if seen[t.id] {
			kept = append(kept, t)

			continue
		}

		removed = append(removed, t)
	}

	p.transfers = kept
	transfers := append([]*Transfer(nil), kept...)
	sink := p.sink
	p.mu.Unlock()

	for _, t := range removed {
		t.markRemoved()
		sink.Removed(t)
	}

	for _, t := range updated {
		sink.Updated(t)
	}

	for _, t := range completed {
		sink.Completed(t)
	}

	for _, t := range transfers {
		p.maybeFetch(t)
	}

	return nil
}

func (p *Provider) lookupLocked(id int64) *Transfer {
	for _, t := range p.transfers {
		if t.id == id {
			return t
		}
	}

	return nil
}

func (p *Provider) newTransfer(rt putio.Transfer) *Transfer {
	return &Transfer{
		id:     rt.ID,
		owner:  p,
		remote: rt,
		meter:  download.NewRateMeter(nil),
	}
}

// maybeFetch starts fetching a transfer that put.io finished.
func (p *Provider) maybeFetch(t *Transfer) {
	if p.cfg.IncomingDir == "" {
		return
	}

	p.mu.RLock()
	base := p.ctx
	p.mu.RUnlock()

	if base == nil || base.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(base)

	done, fileID, ok := t.claimFetch(cancel)
	if !ok {
		cancel()

		return
	}

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer close(done)
		defer cancel()

		p.fetch(ctx, t, fileID)
	}()
}

func (p *Provider) fetch(ctx context.Context, t *Transfer, fileID int64) {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", t.id)

	logger.InfoContext(ctx, "fetching completed transfer", "file_id", fileID)

	files, err := p.getFilesRecursively(ctx, fileID, "")
	if err != nil {
		p.fetchFailed(ctx, t, err)

		return
	}

	t.setRemoteFiles(files)

	paths := make([]string, 0, len(files))

	for _, f := range files {
		dest, err := p.fetchFile(ctx, t, f)
		if err != nil {
			p.fetchFailed(ctx, t, err)

			return
		}

		paths = append(paths, dest)
	}

	if !t.fetchSucceeded(paths) {
		return
	}

	logger.InfoContext(ctx, "transfer fetched", "files", len(paths))

	p.sink.Updated(t)
	p.sink.Completed(t)
}

func (p *Provider) fetchFailed(ctx context.Context, t *Transfer, err error) {
	if ctx.Err() != nil {
		return
	}

	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to fetch transfer", "transfer_id", t.id, "err", err)

	if t.fetchFailed(download.Classify(err)) {
		p.sink.Updated(t)
	}
}

func (p *Provider) fetchFile(ctx context.Context, t *Transfer, f remoteFile) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", t.id, "file", f.Path)

	dest, err := p.localPath(f.Path)
	if err != nil {
		return "", err
	}

	if fi, err := os.Stat(dest); err == nil && fi.Mode().IsRegular() && f.Size > 0 && fi.Size() == f.Size {
		logger.DebugContext(ctx, "file already fetched")
		t.received(int(f.Size))

		return dest, nil
	}

	link, err := p.fileURL(ctx, f.ID)
	if err != nil {
		return "", fmt.Errorf("failed to get file download url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return "", &download.NetworkError{Operation: "fetch_file", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &download.NetworkError{Operation: "fetch_file", StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", &download.DiskError{Operation: "append", Path: dest, Err: err}
	}

	t.addPartial(dest)

	out, err := os.Create(dest)
	if err != nil {
		return "", &download.DiskError{Operation: "append", Path: dest, Err: err}
	}
	defer out.Close()

	reader := progress.NewReader(resp.Body, 0, f.Size, progressLogInterval, func(done, total int64) {
		logger.InfoContext(ctx, "fetch progress",
			"downloaded", humanize.Bytes(uint64(done)),
			"total", humanize.Bytes(uint64(max(total, 0))))
	})

	n, err := io.Copy(io.MultiWriter(out, meterWriter{t}), reader)
	p.cfg.Telemetry.RecordBytesReceived(ctx, Name, n)

	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return "", &download.DiskError{Operation: "append", Path: dest, Err: err}
		}

		return "", &download.NetworkError{Operation: "fetch_file", Err: err}
	}

	logger.DebugContext(ctx, "file fetched", "size", humanize.Bytes(uint64(n)))

	return dest, nil
}

// localPath maps a remote relative path into the incoming directory.
func (p *Provider) localPath(rel string) (string, error) {
	root := filepath.Clean(p.cfg.IncomingDir)
	dest := filepath.Join(root, filepath.FromSlash(rel))

	if !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return "", fmt.Errorf("remote path escapes incoming directory: %s", rel)
	}

	return dest, nil
}

func (p *Provider) findDirectoryID(ctx context.Context, dir string) (int64, error) {
	search, err := p.client.Files.Search(ctx, dir, 1)
	if err != nil {
		return 0, fmt.Errorf("error searching for directory: %w", err)
	}

	if len(search.Files) == 0 {
		return 0, fmt.Errorf("directory not found: %s", dir)
	}

	if !search.Files[0].IsDir() {
		return 0, fmt.Errorf("search result is not a directory: %s", dir)
	}

	return search.Files[0].ID, nil
}

type remoteFile struct {
	ID   int64
	Path string
	Size int64
}

func (p *Provider) getFilesRecursively(ctx context.Context, id int64, basePath string) ([]remoteFile, error) {
	logger := logctx.LoggerFromContext(ctx).With("parent_id", id, "base_path", basePath)

	file, err := p.client.Files.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	if !file.IsDir() {
		return []remoteFile{{ID: file.ID, Path: path.Join(basePath, file.Name), Size: file.Size}}, nil
	}

	dir := path.Join(basePath, file.Name)

	children, _, err := p.client.Files.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	var result []remoteFile

	for _, f := range children {
		switch strings.ToLower(f.FileType) {
		case "file", "text", "video", "audio", "archive", "image", "pdf":
			result = append(result, remoteFile{ID: f.ID, Path: path.Join(dir, f.Name), Size: f.Size})
		case "folder":
			nested, err := p.getFilesRecursively(ctx, f.ID, dir)
			if err != nil {
				logger.ErrorContext(ctx, "failed to get nested files", "err", err)

				continue
			}

			result = append(result, nested...)
		}
	}

	return result, nil
}

// Downloads returns the transfers in the order they were first seen.
func (p *Provider) Downloads(context.Context) ([]provider.Download, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]provider.Download, 0, len(p.transfers))
	for _, t := range p.transfers {
		out = append(out, t)
	}

	return out, nil
}

// Stats sums rates over all transfers.
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

// CanDownload accepts magnet links and http(s) links to .torrent files.
func (p *Provider) CanDownload(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}

	switch u.Scheme {
	case "magnet":
		for _, xt := range u.Query()["xt"] {
			if strings.HasPrefix(xt, "urn:btih:") {
				return true
			}
		}

		return false
	case "http", "https":
		return u.Host != "" && strings.EqualFold(path.Ext(u.Path), ".torrent")
	default:
		return false
	}
}

// AddDownload creates a put.io transfer saved to the configured folder.
func (p *Provider) AddDownload(ctx context.Context, uri string) (provider.Download, error) {
	logger := logctx.LoggerFromContext(ctx)

	p.mu.RLock()
	folderID, started := p.folderID, p.sink != nil
	p.mu.RUnlock()

	if !started {
		return nil, errors.New("put.io provider not initialized")
	}

	logger.InfoContext(ctx, "adding transfer to put.io", "transfer_url", uri)

	rt, err := p.client.Transfers.Add(ctx, uri, folderID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to add transfer: %w", err)
	}

	logger.InfoContext(ctx, "transfer added to put.io", "transfer_id", rt.ID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if t := p.lookupLocked(rt.ID); t != nil {
		return t, nil
	}

	t := p.newTransfer(rt)
	p.transfers = append(p.transfers, t)

	return t, nil
}

// GetDownload returns the transfer with the given put.io id.
func (p *Provider) GetDownload(_ context.Context, id string) (provider.Download, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, provider.ErrNotFound
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if t := p.lookupLocked(n); t != nil {
		return t, nil
	}

	return nil, provider.ErrNotFound
}

func (p *Provider) remove(t *Transfer) {
	p.mu.Lock()
	for i, cur := range p.transfers {
		if cur == t {
			p.transfers = append(p.transfers[:i], p.transfers[i+1:]...)

			break
		}
	}
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		sink.Removed(t)
	}
}

// Close stops polling and any running fetch.
func (p *Provider) Close() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	p.wg.Wait()

	return nil
}

type fetchState int

const (
	fetchNone fetchState = iota
	fetchRunning
	fetchDone
	fetchFailed
)

// Transfer is one put.io transfer.
type Transfer struct {
	id    int64
	owner *Provider

	mu          sync.Mutex
	remote      putio.Transfer
	fetch       fetchState
	fetchErr    string
	fetchCancel context.CancelFunc
	fetchDoneCh chan struct{}
	remoteFiles []remoteFile
	partial     []string
	files       []string
	fetched     int64
	meter       *download.RateMeter
	fetchRate   float64
	notified    bool
	removed     bool
}

func (t *Transfer) ID() string {
	return strconv.FormatInt(t.id, 10)
}

func isRemoteDone(status string) bool {
	switch strings.ToUpper(status) {
	case "COMPLETED", "SEEDING":
		return true
	default:
		return false
	}
}

func (t *Transfer) stateLocked() (download.State, string) {
	switch t.fetch {
	case fetchDone:
		return download.StateComplete, ""
	case fetchFailed:
		return download.StateError, t.fetchErr
	case fetchRunning:
		return download.StateDownloading, ""
	}

	switch status := strings.ToUpper(t.remote.Status); {
	case status == "ERROR":
		return download.StateError, "Transfer failed on put.io"
	case isRemoteDone(status):
		if t.owner.cfg.IncomingDir == "" {
			return download.StateComplete, ""
		}

		return download.StateDownloading, ""
	case status == "DOWNLOADING" || status == "COMPLETING":
		return download.StateDownloading, ""
	default:
		return download.StateInitializing, ""
	}
}

// completeNow marks a transfer complete at most once and reports whether this
// call did it.
func (t *Transfer) completeNow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.completeLocked()
}

func (t *Transfer) completeLocked() bool {
	if state, _ := t.stateLocked(); state != download.StateComplete || t.notified {
		return false
	}

	t.notified = true

	return true
}

// update applies a fresh remote snapshot.
func (t *Transfer) update(rt putio.Transfer) (changed, completed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	before, _ := t.stateLocked()
	prev := t.remote
	t.remote = rt
	after, _ := t.stateLocked()

	changed = before != after ||
		prev.Status != rt.Status ||
		prev.Downloaded != rt.Downloaded ||
		prev.DownloadSpeed != rt.DownloadSpeed ||
		prev.PercentDone != rt.PercentDone

	return changed, t.completeLocked()
}

func (t *Transfer) claimFetch(cancel context.CancelFunc) (chan struct{}, int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed || t.fetch != fetchNone || !isRemoteDone(t.remote.Status) || t.remote.FileID == 0 {
		return nil, 0, false
	}

	t.fetch = fetchRunning
	t.fetchErr = ""
	t.fetched = 0
	t.fetchCancel = cancel
	t.fetchDoneCh = make(chan struct{})
	t.meter.Reset()

	return t.fetchDoneCh, t.remote.FileID, true
}

func (t *Transfer) setRemoteFiles(files []remoteFile) {
	t.mu.Lock()
	t.remoteFiles = files
	t.mu.Unlock()
}

func (t *Transfer) addPartial(path string) {
	t.mu.Lock()
	t.partial = append(t.partial, path)
	t.mu.Unlock()
}

func (t *Transfer) received(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.fetched += int64(n)
	if t.meter.Record(n) {
		t.fetchRate = t.meter.Rate()
	}
}

func (t *Transfer) fetchSucceeded(paths []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed || t.fetch != fetchRunning {
		return false
	}

	t.fetch = fetchDone
	t.files = paths
	t.fetchRate = 0
	t.notified = true

	return true
}

func (t *Transfer) fetchFailed(msg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed || t.fetch != fetchRunning {
		return false
	}

	t.fetch = fetchFailed
	t.fetchErr = msg
	t.fetchRate = 0

	return true
}

func (t *Transfer) markRemoved() {
	t.mu.Lock()
	cancel := t.fetchCancel
	t.removed = true
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

type meterWriter struct {
	t *Transfer
}

func (w meterWriter) Write(p []byte) (int, error) {
	w.t.received(len(p))

	return len(p), nil
}

func (t *Transfer) Info() provider.Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, msg := t.stateLocked()

	info := provider.Info{
		Name:         t.remote.Name,
		State:        string(state),
		StateMessage: msg,
		Size:         int64(t.remote.Size),
		Downloaded:   t.remote.Downloaded,
		Seeders:      int(t.remote.PeersSendingToUs),
		Leechers:     int(t.remote.PeersGettingFromUs),
		Files:        map[string]int64{},
		Icon:         "downloads:cloud",
	}

	if info.Name == "" {
		info.Name = "<unknown>"
	}

	switch {
	case t.fetch == fetchRunning:
		info.Downloaded = t.fetched
		info.DownloadRate = t.fetchRate
	case t.fetch == fetchDone:
		info.Downloaded = info.Size
	case state == download.StateDownloading:
		info.DownloadRate = float64(t.remote.DownloadSpeed)
	}

	if len(t.remoteFiles) > 0 {
		for _, f := range t.remoteFiles {
			info.Files[f.Path] = f.Size
		}
	} else if t.remote.Name != "" {
		info.Files[t.remote.Name] = info.Size
	}

	return info
}

// Pause is not supported by put.io.
func (t *Transfer) Pause(context.Context) error {
	return provider.ErrActionNotSupported
}

// Resume is not supported by put.io.
func (t *Transfer) Resume(context.Context) error {
	return provider.ErrActionNotSupported
}

// Retry fetches again after a local failure, or asks put.io to retry a
// failed transfer.
func (t *Transfer) Retry(ctx context.Context) error {
	t.mu.Lock()

	switch {
	case t.fetch == fetchFailed:
		t.fetch = fetchNone
		t.mu.Unlock()

		t.owner.sink.Updated(t)
		t.owner.maybeFetch(t)

		return nil
	case t.fetch == fetchNone && strings.EqualFold(t.remote.Status, "ERROR"):
		t.mu.Unlock()
	default:
		t.mu.Unlock()

		return download.ErrInvalidTransition
	}

	rt, err := t.owner.client.Transfers.Retry(ctx, t.id)
	if err != nil {
		return fmt.Errorf("failed to retry transfer: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfer retried on put.io", "transfer_id", t.id)

	t.update(rt)
	t.owner.sink.Updated(t)

	return nil
}

// Cancel cancels the put.io transfer. Fetched files of an incomplete
// transfer are deleted.
func (t *Transfer) Cancel(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()

		return download.ErrInvalidTransition
	}

	t.removed = true
	complete := t.fetch == fetchDone || (t.owner.cfg.IncomingDir == "" && isRemoteDone(t.remote.Status))
	cancel, done := t.fetchCancel, t.fetchDoneCh
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if err := t.owner.client.Transfers.Cancel(ctx, t.id); err != nil {
		logger.WarnContext(ctx, "failed to cancel transfer on put.io", "transfer_id", t.id, "err", err)
	}

	if !complete {
		t.mu.Lock()
		partial := t.partial
		t.mu.Unlock()

		for _, f := range partial {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.WarnContext(ctx, "failed to delete fetched file", "path", f, "err", err)
			}
		}
	}

	t.owner.remove(t)

	return nil
}

// Files returns the local paths of fetched files.
func (t *Transfer) Files() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fetch != fetchDone {
		return nil
	}

	return append([]string(nil), t.files...)
}
