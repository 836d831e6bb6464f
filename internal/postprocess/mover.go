// Package postprocess handles the files of completed downloads: files with a
// registered mimetype handler are handed to it, the rest are moved to the
// configured destination.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/italolelis/downloadhub/internal/logctx"
	"github.com/italolelis/downloadhub/internal/provider"
)

// Handler processes one completed file.
type Handler interface {
	Handle(ctx context.Context, path string, e provider.Entry) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, path string, e provider.Entry) error

func (f HandlerFunc) Handle(ctx context.Context, path string, e provider.Entry) error {
	return f(ctx, path, e)
}

// Mover is the post-processor of completed downloads. Work runs in the
// background; Close waits for it.
type Mover struct {
	moveTo string
	roots  []string

	mu       sync.RWMutex
	handlers map[string]Handler

	wg sync.WaitGroup
}

var _ provider.PostProcessor = (*Mover)(nil)

// NewMover moves completed files below moveTo, keeping their path relative to
// the first root containing them. An empty moveTo leaves unhandled files in place.
func NewMover(moveTo string, roots ...string) *Mover {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		if r != "" {
			cleaned = append(cleaned, filepath.Clean(r))
		}
	}

	return &Mover{
		moveTo:   moveTo,
		roots:    cleaned,
		handlers: map[string]Handler{},
	}
}

// Handle registers h for files of the given mimetype, e.g. "application/zip".
func (m *Mover) Handle(mimetype string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[mimetype] = h
}

func (m *Mover) handler(path string) (Handler, string) {
	mimetype := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if i := strings.IndexByte(mimetype, ';'); i >= 0 {
		mimetype = mimetype[:i]
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.handlers[mimetype], mimetype
}

// Completed processes the files of a finished download in the background.
func (m *Mover) Completed(ctx context.Context, files []string, e provider.Entry) {
	ctx = context.WithoutCancel(ctx)

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		m.process(ctx, files, e)
	}()
}

func (m *Mover) process(ctx context.Context, files []string, e provider.Entry) {
	ctx = logctx.WithDownloadID(ctx, e.ID)
	logger := logctx.LoggerFromContext(ctx)

	for _, path := range files {
		h, mimetype := m.handler(path)
		if h != nil {
			logger.InfoContext(ctx, "handling completed file", "file", path, "mimetype", mimetype)

			if err := h.Handle(ctx, path, e); err != nil {
				logger.ErrorContext(ctx, "failed to handle completed file", "file", path, "mimetype", mimetype, "err", err)
			}

			continue
		}

		if m.moveTo == "" {
			continue
		}

		dest := filepath.Join(m.moveTo, m.relative(path))

		if err := moveFile(path, dest); err != nil {
			logger.ErrorContext(ctx, "failed to move completed file", "file", path, "dest", dest, "err", err)

			continue
		}

		logger.InfoContext(ctx, "moved completed file", "file", path, "dest", dest)
	}
}

// relative returns path relative to the first root containing it, or its base name.
func (m *Mover) relative(path string) string {
	path = filepath.Clean(path)

	for _, root := range m.roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != "." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".." {
			return rel
		}
	}

	return filepath.Base(path)
}

// Close waits for running post-processing to finish.
func (m *Mover) Close() {
	m.wg.Wait()
}

func moveFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}

	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	if err := copyFile(src, dest); err != nil {
		return err
	}

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("failed to remove source file: %w", err)
	}

	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return fmt.Errorf("failed to copy file: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close destination file: %w", err)
	}

	return nil
}
