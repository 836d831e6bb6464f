package download

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

const filePerm = 0o644

// writerHooks are invoked from the writer's drain goroutine, never with the
// writer lock held.
type writerHooks struct {
	written func(n int)
	failed  func(err error)
	drained func(ended bool)
}

// SequentialWriter appends buffers to one file in the order they were queued,
// with at most one append in flight.
type SequentialWriter struct {
	path  string
	file  *os.File
	hooks writerHooks

	mu       sync.Mutex
	queue    [][]byte
	draining bool
	ended    bool
	closed   bool
	wg       sync.WaitGroup
	idle     chan struct{}
}

// OpenSequentialWriter opens path for appending, creating it if needed.
func OpenSequentialWriter(path string, hooks writerHooks) (*SequentialWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return nil, &DiskError{Operation: "append", Path: path, Err: err}
	}

	return &SequentialWriter{
		path:  path,
		file:  f,
		hooks: hooks,
		idle:  make(chan struct{}),
	}, nil
}

// Enqueue schedules buf to be appended after everything queued before it.
// Buffers enqueued after Close are dropped.
func (w *SequentialWriter) Enqueue(buf []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	w.queue = append(w.queue, buf)
	w.startDrainLocked()
}

// Finish marks the end of input. The drained hook reports ended=true once the
// queue is flushed.
func (w *SequentialWriter) Finish() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.ended {
		return
	}

	w.ended = true
	w.startDrainLocked()
}

// Idle is closed once input has ended and every buffer was written, or the
// writer failed or was closed.
func (w *SequentialWriter) Idle() <-chan struct{} {
	return w.idle
}

// Close discards pending buffers, waits for an in-flight append and closes the
// file. It is safe to call more than once.
func (w *SequentialWriter) Close() error {
	w.mu.Lock()
	alreadyClosed := w.closed
	w.closed = true
	w.queue = nil
	w.mu.Unlock()

	w.wg.Wait()

	if alreadyClosed {
		return nil
	}

	w.signalIdle()

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", w.path, err)
	}

	return nil
}

func (w *SequentialWriter) startDrainLocked() {
	if w.draining {
		return
	}

	w.draining = true
	w.wg.Add(1)

	go w.drain()
}

func (w *SequentialWriter) drain() {
	for {
		w.mu.Lock()

		if w.closed {
			w.draining = false
			w.mu.Unlock()
			w.wg.Done()

			return
		}

		if len(w.queue) == 0 {
			w.draining = false
			ended := w.ended
			w.mu.Unlock()
			w.wg.Done()

			if ended {
				w.signalIdle()
			}

			w.hooks.drained(ended)

			return
		}

		buf := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		n, err := w.file.Write(buf)
		if err != nil {
			w.mu.Lock()
			wasClosed := w.closed
			w.closed = true
			w.queue = nil
			w.draining = false
			w.mu.Unlock()
			w.wg.Done()

			if wasClosed {
				return
			}

			if cerr := w.file.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}

			w.signalIdle()
			w.hooks.failed(&DiskError{Operation: "append", Path: w.path, Err: err})

			return
		}

		w.hooks.written(n)
	}
}

func (w *SequentialWriter) signalIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.idle:
	default:
		close(w.idle)
	}
}
