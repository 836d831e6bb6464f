package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/downloadhub/internal/download/progress"
	"github.com/italolelis/downloadhub/internal/logctx"
)

// session is one attempt at transferring the remainder of a download. It owns
// its request and writer; every callback into the Download carries gen so that
// results of an aborted session are ignored.
type session struct {
	d        *Download
	gen      uint64
	ctx      context.Context
	prev     <-chan struct{}
	done     chan struct{}
	uri      string
	path     string
	insecure bool
}

func (s *session) run() {
	defer close(s.done)

	// The previous session may still be finishing an append.
	if s.prev != nil {
		<-s.prev
	}

	logger := logctx.LoggerFromContext(s.ctx)
	opts := s.d.fetcher.opts
	restarts := 0

	logger.InfoContext(s.ctx, "starting download", "uri", s.uri, "path", s.path, "insecure", s.insecure)

	for {
		if s.ctx.Err() != nil {
			return
		}

		offset, err := s.probe()
		if err != nil {
			s.d.fail(s.gen, err)

			return
		}

		if !s.d.probed(s.ctx, s.gen, offset) {
			return
		}

		resp, err := s.request(offset)
		if err != nil {
			if s.ctx.Err() == nil {
				s.d.fail(s.gen, err)
			}

			return
		}

		ranged := offset > 0

		reason, err := checkResponse(resp, ranged)
		if err != nil {
			resp.Body.Close()
			s.d.fail(s.gen, err)

			return
		}

		if reason != "" {
			resp.Body.Close()

			restarts++

			logger.WarnContext(s.ctx, "server refused to resume, restarting from scratch",
				"uri", s.uri, "reason", reason, "restarts", restarts)
			opts.Telemetry.RecordScratchRestart(s.ctx, reason)

			if opts.MaxScratchRestarts > 0 && restarts > opts.MaxScratchRestarts {
				s.d.fail(s.gen, &ProtocolError{
					Reason: fmt.Sprintf("Server refused to resume %d times", opts.MaxScratchRestarts),
				})

				return
			}

			if err := os.Truncate(s.path, 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.d.fail(s.gen, &DiskError{Operation: "truncate", Path: s.path, Err: err})

				return
			}

			continue
		}

		s.consume(resp, offset, ranged)

		return
	}
}

// probe returns the number of bytes already on disk.
func (s *session) probe() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}

		return 0, &DiskError{Operation: "stat", Path: s.path, Err: err}
	}

	if !info.Mode().IsRegular() {
		return 0, nil
	}

	return info.Size(), nil
}

func (s *session) request(offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.uri, nil)
	if err != nil {
		return nil, &NetworkError{Operation: "request", Err: err}
	}

	if offset > 0 {
		logctx.LoggerFromContext(s.ctx).DebugContext(s.ctx, "requesting range", "uri", s.uri, "offset", offset)
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.d.fetcher.client(s.insecure).Do(req)
	if err != nil {
		if isUnknownAuthority(err) {
			return nil, &CertificateError{Host: req.URL.Hostname(), Err: err}
		}

		return nil, &NetworkError{Operation: "request", Err: err}
	}

	return resp, nil
}

// checkResponse returns a non-empty restart reason when the transfer has to
// start over from offset zero, or an error when it cannot proceed at all.
func checkResponse(resp *http.Response, ranged bool) (string, error) {
	if ranged && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return "range_not_satisfiable", nil
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return "", &NetworkError{Operation: "request", StatusCode: resp.StatusCode}
	}

	if ranged && resp.Header.Get("Content-Range") == "" {
		return "range_ignored", nil
	}

	return "", nil
}

// consume streams the body into a SequentialWriter until the input ends and
// every chunk is on disk, or the session is aborted.
func (s *session) consume(resp *http.Response, offset int64, ranged bool) {
	defer resp.Body.Close()

	logger := logctx.LoggerFromContext(s.ctx)

	total := int64(-1)

	switch {
	case !ranged:
		total = resp.ContentLength
		if total < 0 {
			total = -1
		}

		if !s.d.sized(s.ctx, s.gen, total, true) {
			return
		}
	default:
		if t, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok {
			total = t
			if !s.d.sized(s.ctx, s.gen, total, false) {
				return
			}
		}
	}

	w, err := OpenSequentialWriter(s.path, s.d.writerHooks(s.gen))
	if err != nil {
		s.d.fail(s.gen, err)

		return
	}
	defer w.Close()

	if !s.d.attachWriter(s.gen, w) {
		return
	}

	reader := progress.NewReader(resp.Body, offset, total, progressLogInterval, func(done, total int64) {
		if total > 0 {
			logger.DebugContext(s.ctx, "download progress",
				"uri", s.uri,
				"downloaded", humanize.Bytes(uint64(done)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(done)*100/float64(total), 2))
		} else {
			logger.DebugContext(s.ctx, "download progress", "uri", s.uri, "downloaded", humanize.Bytes(uint64(done)))
		}
	})

	received := offset
	buf := make([]byte, defaultChunkSize)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			received += int64(n)

			if !s.d.chunk(s.gen, chunk, received) {
				return
			}
		}

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			if s.ctx.Err() == nil {
				s.d.fail(s.gen, &NetworkError{Operation: "read_body", Err: err})
			}

			return
		}
	}

	w.Finish()

	select {
	case <-w.Idle():
	case <-s.ctx.Done():
	}
}

// contentRangeTotal extracts the complete length from a "bytes a-b/total" header.
func contentRangeTotal(header string) (int64, bool) {
	_, total, found := strings.Cut(header, "/")
	if !found || total == "*" {
		return 0, false
	}

	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}
