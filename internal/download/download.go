// Package download implements resumable HTTP downloads: the per-download state
// machine, the transfer session with byte-range resume, the sequential disk
// writer and the throughput meter.
package download

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/italolelis/downloadhub/internal/logctx"
	"github.com/italolelis/downloadhub/internal/storage"
)

// Store persists download records.
type Store interface {
	Save(ctx context.Context, rec storage.Record) error
}

// Hooks connect a Download to its owner. All hooks are optional and are
// called without any Download lock held.
type Hooks struct {
	// Updated is called on state changes and at most once per second for progress.
	Updated func(d *Download)
	// Completed is called once when the download reaches StateComplete.
	Completed func(d *Download)
	// Detach removes the download from its owner and deletes its record.
	Detach func(ctx context.Context, d *Download)
	// Removed is called after Detach when the download was cancelled.
	Removed func(d *Download)
}

// Snapshot is a consistent copy of a download's observable state.
type Snapshot struct {
	ID         string
	URI        string
	Name       string
	Path       string
	State      State
	Message    string
	Size       int64
	Downloaded int64
	Rate       float64
	Trust      TrustMode
}

// Download is the runtime controller of one persisted record.
type Download struct {
	fetcher *Fetcher
	store   Store
	hooks   Hooks
	baseCtx context.Context
	name    string

	saveMu sync.Mutex

	mu     sync.Mutex
	rec    storage.Record
	state  State
	errMsg string
	trust  TrustMode
	meter  *RateMeter
	gen    uint64
	cancel context.CancelFunc
	writer *SequentialWriter
	done   chan struct{}
}

// New returns a controller for rec. Sessions inherit values (logger, download
// id) from ctx but not its cancellation. Call Start to begin transferring.
func New(ctx context.Context, rec storage.Record, fetcher *Fetcher, store Store, hooks Hooks) *Download {
	state := StateInitializing

	switch {
	case rec.Complete:
		state = StateComplete
	case rec.Paused:
		state = StatePaused
	}

	trust := TrustUnknown
	if rec.Insecure {
		trust = TrustAllowInsecure
	}

	return &Download{
		fetcher: fetcher,
		store:   store,
		hooks:   hooks,
		baseCtx: context.WithoutCancel(ctx),
		name:    filepath.Base(rec.Path),
		rec:     rec,
		state:   state,
		trust:   trust,
		meter:   NewRateMeter(fetcher.opts.Now),
	}
}

// DestinationPath derives where uri is stored below dir: the last element of
// the URL path, or the whole URI with ':' and '/' replaced when that is empty.
func DestinationPath(dir, uri string) string {
	name := ""

	if u, err := url.Parse(uri); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			name = base
		}
	}

	if name == "" {
		name = strings.NewReplacer(":", "_", "/", "_").Replace(uri)
	}

	return filepath.Join(dir, name)
}

// Start begins transferring when the download is neither paused nor complete.
func (d *Download) Start() {
	d.mu.Lock()
	if d.state != StateInitializing || d.cancel != nil {
		d.mu.Unlock()

		return
	}

	p, err := d.transitionLocked(EventStart, nil)
	d.mu.Unlock()

	if err == nil {
		d.apply(d.baseCtx, p)
	}
}

// ID returns the local record id.
func (d *Download) ID() string {
	return d.rec.ID
}

// Name returns the destination file name.
func (d *Download) Name() string {
	return d.name
}

// Snapshot returns the current observable state.
func (d *Download) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	rate := 0.0
	if d.state == StateDownloading {
		rate = d.meter.Rate()
	}

	msg := ""
	if d.state == StateError {
		msg = d.errMsg
	}

	return Snapshot{
		ID:         d.rec.ID,
		URI:        d.rec.URI,
		Name:       d.name,
		Path:       d.rec.Path,
		State:      d.state,
		Message:    msg,
		Size:       d.rec.Size,
		Downloaded: d.rec.Downloaded,
		Rate:       rate,
		Trust:      d.trust,
	}
}

// Record returns a copy of the persisted fields.
func (d *Download) Record() storage.Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.rec
}

// Pause aborts the active session and keeps the partial file.
func (d *Download) Pause(ctx context.Context) error {
	return d.fire(ctx, EventPause, func() { d.rec.Paused = true })
}

// Resume starts a new session from the size found on disk.
func (d *Download) Resume(ctx context.Context) error {
	return d.fire(ctx, EventResume, func() { d.rec.Paused = false })
}

// Retry restarts a failed download. A download that failed on an untrusted
// certificate is allowed insecure connections from now on.
func (d *Download) Retry(ctx context.Context) error {
	return d.fire(ctx, EventRetry, func() {
		if d.trust == TrustSelfSignedRejected {
			d.trust = TrustAllowInsecure
			d.rec.Insecure = true
		}

		d.errMsg = ""
	})
}

// Cancel removes the download. The partial file is deleted unless the
// download was complete.
func (d *Download) Cancel(ctx context.Context) error {
	return d.fire(ctx, EventCancel, nil)
}

// Stop aborts the active session without a state change and waits for it to
// exit. The download restarts from disk the next time it is loaded.
func (d *Download) Stop() {
	d.mu.Lock()
	cancel, w, done := d.cancel, d.writer, d.done
	d.cancel, d.writer = nil, nil
	d.gen++
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if w != nil {
		w.Close()
	}

	if done != nil {
		<-done
	}
}

func (d *Download) fire(ctx context.Context, ev Event, mutate func()) error {
	d.mu.Lock()
	p, err := d.transitionLocked(ev, mutate)
	d.mu.Unlock()

	if err != nil {
		return err
	}

	d.apply(ctx, p)

	return nil
}

// plan captures what apply needs so effects can run after the lock is released.
type plan struct {
	effects []Effect
	cancel  context.CancelFunc
	writer  *SequentialWriter
	session *session
	done    <-chan struct{}
	path    string
}

func (d *Download) transitionLocked(ev Event, mutate func()) (*plan, error) {
	next, effects, err := Transition(d.state, ev)
	if err != nil {
		return nil, err
	}

	d.state = next
	if mutate != nil {
		mutate()
	}

	if next != StateDownloading {
		d.meter.Reset()
	}

	p := &plan{effects: effects, path: d.rec.Path}

	for _, e := range effects {
		switch e {
		case EffectAbort:
			p.cancel, p.writer = d.cancel, d.writer
			d.cancel, d.writer = nil, nil
			d.gen++
		case EffectStartSession:
			d.gen++

			ctx, cancel := context.WithCancel(d.baseCtx)
			s := &session{
				d:        d,
				gen:      d.gen,
				ctx:      ctx,
				prev:     d.done,
				done:     make(chan struct{}),
				uri:      d.rec.URI,
				path:     d.rec.Path,
				insecure: d.trust == TrustAllowInsecure,
			}

			d.cancel = cancel
			d.done = s.done
			p.session = s
		}
	}

	if d.done != nil {
		p.done = d.done
	}

	return p, nil
}

func (d *Download) apply(ctx context.Context, p *plan) {
	logger := logctx.LoggerFromContext(ctx)

	for _, e := range p.effects {
		switch e {
		case EffectAbort:
			if p.cancel != nil {
				p.cancel()
			}

			if p.writer != nil {
				p.writer.Close()
			}
		case EffectStartSession:
			go p.session.run()
		case EffectPersist:
			d.persist(ctx)
		case EffectNotifyUpdate:
			if d.hooks.Updated != nil {
				d.hooks.Updated(d)
			}
		case EffectDeleteFile:
			if p.done != nil {
				<-p.done
			}

			if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logger.WarnContext(ctx, "failed to delete partial file", "path", p.path, "err", err)
			}
		case EffectDetach:
			if d.hooks.Detach != nil {
				d.hooks.Detach(ctx, d)
			}
		case EffectNotifyRemove:
			if d.hooks.Removed != nil {
				d.hooks.Removed(d)
			}
		case EffectCompleted:
			logger.InfoContext(ctx, "download completed", "uri", d.rec.URI, "path", p.path)

			if d.hooks.Completed != nil {
				d.hooks.Completed(d)
			}
		}
	}
}

// persist saves the latest record. Saves are serialized so the last one wins
// with the newest data; failures are logged.
func (d *Download) persist(ctx context.Context) {
	if d.store == nil {
		return
	}

	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	rec := d.Record()

	if err := d.store.Save(ctx, rec); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to persist download", "id", rec.ID, "err", err)
	}
}

// The methods below are called by the session and its writer. Each returns
// early, or false, when gen no longer names the current session.

func (d *Download) probed(ctx context.Context, gen uint64, size int64) bool {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()

		return false
	}

	d.rec.Downloaded = size
	d.mu.Unlock()

	d.persist(ctx)

	return true
}

func (d *Download) sized(ctx context.Context, gen uint64, size int64, overwrite bool) bool {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()

		return false
	}

	if overwrite || d.rec.Size < 0 {
		d.rec.Size = size
	}
	d.mu.Unlock()

	d.persist(ctx)

	return true
}

func (d *Download) attachWriter(gen uint64, w *SequentialWriter) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if gen != d.gen {
		return false
	}

	d.writer = w

	return true
}

func (d *Download) chunk(gen uint64, buf []byte, received int64) bool {
	d.mu.Lock()
	if gen != d.gen || d.writer == nil {
		d.mu.Unlock()

		return false
	}

	if d.rec.Size >= 0 && received > d.rec.Size {
		p, err := d.transitionLocked(EventFail, func() {
			d.errMsg = Classify(&ProtocolError{Reason: "Received more data than the announced size"})
		})
		d.mu.Unlock()

		if err == nil {
			d.apply(d.baseCtx, p)
		}

		return false
	}

	var p *plan
	if d.state == StateInitializing {
		p, _ = d.transitionLocked(EventFirstChunk, nil)
	}

	rolled := d.meter.Record(len(buf))
	d.writer.Enqueue(buf)
	d.mu.Unlock()

	switch {
	case p != nil:
		d.apply(d.baseCtx, p)
	case rolled && d.hooks.Updated != nil:
		d.hooks.Updated(d)
	}

	return true
}

func (d *Download) fail(gen uint64, err error) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()

		return
	}

	p, terr := d.transitionLocked(EventFail, func() {
		d.errMsg = Classify(err)

		var certErr *CertificateError
		if errors.As(err, &certErr) && d.trust == TrustUnknown {
			d.trust = TrustSelfSignedRejected
		}
	})
	uri := d.rec.URI
	d.mu.Unlock()

	if terr != nil {
		return
	}

	logctx.LoggerFromContext(d.baseCtx).ErrorContext(d.baseCtx, "download failed", "uri", uri, "err", err)

	d.apply(d.baseCtx, p)
}

func (d *Download) writerHooks(gen uint64) writerHooks {
	return writerHooks{
		written: func(n int) {
			d.mu.Lock()
			if gen != d.gen {
				d.mu.Unlock()

				return
			}

			d.rec.Downloaded += int64(n)
			d.mu.Unlock()

			d.fetcher.opts.Telemetry.RecordBytesReceived(d.baseCtx, "http", int64(n))
		},
		failed: func(err error) {
			d.fail(gen, err)
		},
		drained: func(ended bool) {
			d.drained(gen, ended)
		},
	}
}

func (d *Download) drained(gen uint64, ended bool) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()

		return
	}

	var (
		p   *plan
		err error
	)

	switch {
	case d.rec.Size >= 0 && d.rec.Downloaded == d.rec.Size:
		p, err = d.transitionLocked(EventDrainedComplete, d.markCompleteLocked)
	case ended && d.rec.Size < 0:
		p, err = d.transitionLocked(EventDrainedComplete, func() {
			d.rec.Size = d.rec.Downloaded
			d.markCompleteLocked()
		})
	case ended:
		p, err = d.transitionLocked(EventFail, func() {
			d.errMsg = Classify(&ProtocolError{Reason: "Transfer ended before the announced size"})
		})
	}
	d.mu.Unlock()

	if p != nil && err == nil {
		d.apply(d.baseCtx, p)
	}
}

func (d *Download) markCompleteLocked() {
	d.rec.Complete = true

	if d.cancel != nil {
		d.cancel()
	}

	d.cancel = nil
	d.writer = nil
}
