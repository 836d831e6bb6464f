package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/downloadhub/internal/logctx"
	"github.com/italolelis/downloadhub/internal/telemetry"
)

type registered struct {
	name     string
	provider Provider
	// claimed is set once an Init is under way; initialized only after it succeeded.
	claimed     bool
	initialized bool
}

// Registry dispatches to providers in registration order. The first provider
// whose CanDownload accepts a URI owns the new download.
type Registry struct {
	mu        sync.RWMutex
	providers []*registered
	byName    map[string]*registered
	started   bool
	baseCtx   context.Context

	watcher   Watcher
	post      PostProcessor
	telemetry *telemetry.Telemetry

	statesMu sync.Mutex
	states   map[string]string
}

// Option configures a Registry.
type Option func(*Registry)

// WithWatcher sets the watcher notified of entry and stats changes.
func WithWatcher(w Watcher) Option {
	return func(r *Registry) {
		r.watcher = w
	}
}

// WithPostProcessor sets the handler of completed files.
func WithPostProcessor(p PostProcessor) Option {
	return func(r *Registry) {
		r.post = p
	}
}

// WithTelemetry records provider operations and state transitions.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Registry) {
		r.telemetry = t
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byName:  map[string]*registered{},
		baseCtx: context.Background(),
		watcher: nopWatcher{},
		post:    nopPostProcessor{},
		states:  map[string]string{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds p under name. After Start the provider is initialized right
// away and dropped again when its Init fails.
func (r *Registry) Register(name string, p Provider) error {
	if name == "" || strings.Contains(name, ":") {
		return fmt.Errorf("invalid provider name %q", name)
	}

	r.mu.Lock()

	if _, ok := r.byName[name]; ok {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}

	reg := &registered{name: name, provider: p}
	r.providers = append(r.providers, reg)
	r.byName[name] = reg

	initNow := r.started
	reg.claimed = initNow

	ctx := r.baseCtx
	r.mu.Unlock()

	if !initNow {
		return nil
	}

	if err := r.initProvider(ctx, reg); err != nil {
		r.unregister(reg)

		return err
	}

	return nil
}

func (r *Registry) unregister(reg *registered) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, other := range r.providers {
		if other == reg {
			r.providers = append(r.providers[:i], r.providers[i+1:]...)

			break
		}
	}

	if r.byName[reg.name] == reg {
		delete(r.byName, reg.name)
	}
}

// Start initializes every registered provider once, in registration order.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	r.started = true
	r.baseCtx = ctx

	var pending []*registered

	for _, reg := range r.providers {
		if !reg.claimed {
			reg.claimed = true
			pending = append(pending, reg)
		}
	}
	r.mu.Unlock()

	for i, reg := range pending {
		if err := r.initProvider(ctx, reg); err != nil {
			r.release(pending[i:])

			return err
		}
	}

	return nil
}

// release lets a later Start retry providers whose Init failed or never ran.
func (r *Registry) release(regs []*registered) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reg := range regs {
		reg.claimed = false
	}
}

func (r *Registry) initProvider(ctx context.Context, reg *registered) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := reg.provider.Init(ctx, &sink{registry: r, name: reg.name}); err != nil {
		return fmt.Errorf("failed to initialize provider %s: %w", reg.name, err)
	}

	r.mu.Lock()
	reg.initialized = true
	r.mu.Unlock()

	logger.InfoContext(ctx, "provider initialized", "provider", reg.name)

	return nil
}

// Close shuts providers down in reverse registration order.
func (r *Registry) Close() error {
	r.mu.Lock()
	providers := make([]*registered, len(r.providers))
	copy(providers, r.providers)
	r.mu.Unlock()

	var errs []error

	for i := len(providers) - 1; i >= 0; i-- {
		r.mu.RLock()
		initialized := providers[i].initialized
		r.mu.RUnlock()

		if !initialized {
			continue
		}

		if err := providers[i].provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close provider %s: %w", providers[i].name, err))
		}
	}

	return errors.Join(errs...)
}

// Names returns the provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for _, reg := range r.providers {
		names = append(names, reg.name)
	}

	return names
}

// Provider returns the provider registered under name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byName[name]
	if !ok {
		return nil, false
	}

	return reg.provider, true
}

func (r *Registry) active() []*registered {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*registered, 0, len(r.providers))

	for _, reg := range r.providers {
		if reg.initialized {
			out = append(out, reg)
		}
	}

	return out
}

// allEntries concatenates the entries of every provider in registration order.
func (r *Registry) allEntries(ctx context.Context) ([]Entry, error) {
	providers := r.active()
	results := make([][]Entry, len(providers))

	g, gctx := errgroup.WithContext(ctx)

	for i, reg := range providers {
		g.Go(func() error {
			downloads, err := reg.provider.Downloads(gctx)
			if err != nil {
				return fmt.Errorf("failed to list downloads of %s: %w", reg.name, err)
			}

			entries := make([]Entry, 0, len(downloads))
			for _, d := range downloads {
				entries = append(entries, toEntry(reg.name, d))
			}

			results[i] = entries

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Entry
	for _, entries := range results {
		all = append(all, entries...)
	}

	return all, nil
}

// ListDownloads returns the entries in [offset, offset+limit) of the aggregated
// list along with its total length. A limit <= 0 returns everything from offset.
func (r *Registry) ListDownloads(ctx context.Context, offset, limit int) ([]Entry, int, error) {
	all, err := r.allEntries(ctx)
	if err != nil {
		return nil, 0, err
	}

	total := len(all)

	if offset < 0 {
		offset = 0
	}

	if offset >= total {
		return []Entry{}, total, nil
	}

	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	return all[offset:end], total, nil
}

// CountDownloads returns the number of downloads across providers.
func (r *Registry) CountDownloads(ctx context.Context) (int, error) {
	all, err := r.allEntries(ctx)
	if err != nil {
		return 0, err
	}

	return len(all), nil
}

// Stats sums the stats of every provider.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	providers := r.active()
	results := make([]Stats, len(providers))

	g, gctx := errgroup.WithContext(ctx)

	for i, reg := range providers {
		g.Go(func() error {
			s, err := reg.provider.Stats(gctx)
			if err != nil {
				return fmt.Errorf("failed to get stats of %s: %w", reg.name, err)
			}

			results[i] = s

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	var total Stats
	for _, s := range results {
		total = total.Add(s)
	}

	return total, nil
}

// PostDownload hands uri to the first provider that accepts it.
func (r *Registry) PostDownload(ctx context.Context, uri string) (Entry, error) {
	for _, reg := range r.active() {
		if !reg.provider.CanDownload(uri) {
			continue
		}

		d, err := reg.provider.AddDownload(ctx, uri)
		if err != nil {
			return Entry{}, fmt.Errorf("failed to add download to %s: %w", reg.name, err)
		}

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "download added", "provider", reg.name, "id", d.ID())

		return toEntry(reg.name, d), nil
	}

	return Entry{}, ErrUnsupportedURI
}

// SplitID splits a composite id on its first ':'.
func SplitID(compositeID string) (providerName, localID string, ok bool) {
	providerName, localID, ok = strings.Cut(compositeID, ":")
	if !ok || providerName == "" || localID == "" {
		return "", "", false
	}

	return providerName, localID, true
}

// GetDownload resolves a composite id.
func (r *Registry) GetDownload(ctx context.Context, compositeID string) (Download, Entry, error) {
	name, id, ok := SplitID(compositeID)
	if !ok {
		return nil, Entry{}, ErrNotFound
	}

	r.mu.RLock()
	reg, found := r.byName[name]
	ready := found && reg.initialized
	r.mu.RUnlock()

	if !ready {
		return nil, Entry{}, ErrNotFound
	}

	d, err := reg.provider.GetDownload(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Entry{}, ErrNotFound
		}

		return nil, Entry{}, fmt.Errorf("failed to get download %s: %w", compositeID, err)
	}

	return d, toEntry(name, d), nil
}

// Pause pauses the download named by compositeID.
func (r *Registry) Pause(ctx context.Context, compositeID string) error {
	return r.act(ctx, compositeID, "pause", Download.Pause)
}

// Resume resumes the download named by compositeID.
func (r *Registry) Resume(ctx context.Context, compositeID string) error {
	return r.act(ctx, compositeID, "resume", Download.Resume)
}

// Retry retries the download named by compositeID.
func (r *Registry) Retry(ctx context.Context, compositeID string) error {
	return r.act(ctx, compositeID, "retry", Download.Retry)
}

// Cancel removes the download named by compositeID.
func (r *Registry) Cancel(ctx context.Context, compositeID string) error {
	return r.act(ctx, compositeID, "cancel", Download.Cancel)
}

func (r *Registry) act(ctx context.Context, compositeID, action string, fn func(Download, context.Context) error) error {
	d, _, err := r.GetDownload(ctx, compositeID)
	if err != nil {
		return err
	}

	name, _, _ := SplitID(compositeID)
	ctx = logctx.WithDownloadID(ctx, compositeID)

	return r.telemetry.InstrumentProviderOperation(ctx, name, action, func(ctx context.Context) error {
		return fn(d, ctx)
	})
}

// SharedFile returns the delivered files of a complete download.
func (r *Registry) SharedFile(ctx context.Context, compositeID string) ([]string, error) {
	d, e, err := r.GetDownload(ctx, compositeID)
	if err != nil {
		return nil, err
	}

	if e.State != "complete" {
		return nil, ErrNotComplete
	}

	return d.Files(), nil
}

func toEntry(name string, d Download) Entry {
	info := d.Info()

	icon := info.Icon
	if icon == "" {
		icon = DefaultIcon
	}

	files := info.Files
	if files == nil {
		files = map[string]int64{}
	}

	return Entry{
		ID:           name + ":" + d.ID(),
		Type:         name,
		Name:         info.Name,
		State:        info.State,
		StateMessage: info.StateMessage,
		Size:         info.Size,
		Downloaded:   info.Downloaded,
		DownloadRate: info.DownloadRate,
		Seeders:      info.Seeders,
		Uploaded:     info.Uploaded,
		UploadRate:   info.UploadRate,
		Leechers:     info.Leechers,
		Files:        files,
		Icon:         icon,
	}
}

func (r *Registry) context() context.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.baseCtx
}

func (r *Registry) publishStats(ctx context.Context) {
	stats, err := r.Stats(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to compute stats", "err", err)

		return
	}

	r.telemetry.RecordStats(ctx, stats.Active, stats.DownloadRate)
	r.watcher.StatsUpdated(ctx, stats)
}

// sink forwards one provider's events to the registry collaborators.
type sink struct {
	registry *Registry
	name     string
}

func (s *sink) Updated(d Download) {
	r := s.registry
	e := toEntry(s.name, d)
	ctx := logctx.WithDownloadID(r.context(), e.ID)

	r.statesMu.Lock()
	changed := r.states[e.ID] != e.State
	r.states[e.ID] = e.State
	r.statesMu.Unlock()

	if changed {
		r.telemetry.RecordStateTransition(ctx, s.name, e.State)
	}

	r.watcher.DownloadUpdated(ctx, e)
	r.publishStats(ctx)
}

func (s *sink) Removed(d Download) {
	r := s.registry
	e := toEntry(s.name, d)
	ctx := logctx.WithDownloadID(r.context(), e.ID)

	r.statesMu.Lock()
	delete(r.states, e.ID)
	r.statesMu.Unlock()

	r.watcher.DownloadRemoved(ctx, e)
	r.publishStats(ctx)
}

func (s *sink) Completed(d Download) {
	r := s.registry
	e := toEntry(s.name, d)
	ctx := logctx.WithDownloadID(r.context(), e.ID)

	r.post.Completed(ctx, d.Files(), e)
}
