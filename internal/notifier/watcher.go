package notifier

import (
	"context"
	"sync"

	"github.com/italolelis/downloadhub/internal/logctx"
	"github.com/italolelis/downloadhub/internal/provider"
)

const queueSize = 64

// Watcher sends a message when a download finishes or fails. Messages are
// queued and delivered by Run; when the queue is full they are dropped.
type Watcher struct {
	notifier Notifier

	mu     sync.Mutex
	states map[string]string
	queue  chan string
}

var _ provider.Watcher = (*Watcher)(nil)

// NewWatcher returns a watcher delivering through n.
func NewWatcher(n Notifier) *Watcher {
	return &Watcher{
		notifier: n,
		states:   map[string]string{},
		queue:    make(chan string, queueSize),
	}
}

// Run delivers queued messages until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.queue:
			if err := w.notifier.Notify(ctx, msg); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "err", err)
			}
		}
	}
}

func (w *Watcher) DownloadUpdated(ctx context.Context, e provider.Entry) {
	w.mu.Lock()
	prev, seen := w.states[e.ID]
	w.states[e.ID] = e.State
	w.mu.Unlock()

	if seen && prev == e.State {
		return
	}

	switch e.State {
	case "complete":
		if !seen {
			return
		}

		w.enqueue(ctx, "✅ Download finished: "+e.Name+" ("+e.ID+")")
	case "error":
		msg := "❌ Download failed: " + e.Name + " (" + e.ID + ")"
		if e.StateMessage != "" {
			msg += ": " + e.StateMessage
		}

		w.enqueue(ctx, msg)
	}
}

func (w *Watcher) DownloadRemoved(_ context.Context, e provider.Entry) {
	w.mu.Lock()
	delete(w.states, e.ID)
	w.mu.Unlock()
}

func (w *Watcher) StatsUpdated(context.Context, provider.Stats) {}

func (w *Watcher) enqueue(ctx context.Context, msg string) {
	select {
	case w.queue <- msg:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "notification queue full, dropping message", "message", msg)
	}
}

// Multi fans events out to several watchers in order.
type Multi []provider.Watcher

func (m Multi) DownloadUpdated(ctx context.Context, e provider.Entry) {
	for _, w := range m {
		w.DownloadUpdated(ctx, e)
	}
}

func (m Multi) DownloadRemoved(ctx context.Context, e provider.Entry) {
	for _, w := range m {
		w.DownloadRemoved(ctx, e)
	}
}

func (m Multi) StatsUpdated(ctx context.Context, s provider.Stats) {
	for _, w := range m {
		w.StatsUpdated(ctx, s)
	}
}

// LogWatcher logs state changes at debug level.
type LogWatcher struct {
	mu     sync.Mutex
	states map[string]string
}

func NewLogWatcher() *LogWatcher {
	return &LogWatcher{states: map[string]string{}}
}

func (l *LogWatcher) DownloadUpdated(ctx context.Context, e provider.Entry) {
	l.mu.Lock()
	prev := l.states[e.ID]
	l.states[e.ID] = e.State
	l.mu.Unlock()

	if prev == e.State {
		return
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download state changed",
		"id", e.ID, "name", e.Name, "from", prev, "to", e.State, "message", e.StateMessage)
}

func (l *LogWatcher) DownloadRemoved(ctx context.Context, e provider.Entry) {
	l.mu.Lock()
	delete(l.states, e.ID)
	l.mu.Unlock()

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download removed", "id", e.ID, "name", e.Name)
}

func (l *LogWatcher) StatsUpdated(ctx context.Context, s provider.Stats) {
	logctx.LoggerFromContext(ctx).DebugContext(ctx, "stats updated",
		"active", s.Active, "download_rate", s.DownloadRate, "upload_rate", s.UploadRate)
}
