package download

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/downloadhub/internal/storage"
)

const waitFor = 5 * time.Second

type memStore struct {
	mu    sync.Mutex
	saved map[string]storage.Record
}

func newMemStore() *memStore {
	return &memStore{saved: map[string]storage.Record{}}
}

func (m *memStore) Save(_ context.Context, rec storage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saved[rec.ID] = rec

	return nil
}

func (m *memStore) get(id string) storage.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.saved[id]
}

type harness struct {
	d         *Download
	store     *memStore
	completed atomic.Int32
	detached  atomic.Int32
	removed   atomic.Int32
}

func newHarness(t *testing.T, rec storage.Record) *harness {
	t.Helper()

	h := &harness{store: newMemStore()}
	fetcher := NewFetcher(Options{IncomingDir: filepath.Dir(rec.Path)})

	h.d = New(context.Background(), rec, fetcher, h.store, Hooks{
		Completed: func(*Download) { h.completed.Add(1) },
		Detach:    func(context.Context, *Download) { h.detached.Add(1) },
		Removed:   func(*Download) { h.removed.Add(1) },
	})

	t.Cleanup(func() {
		if h.d.Snapshot().State != StateComplete {
			_ = h.d.Pause(context.Background())
		}
	})

	return h
}

func newRecord(t *testing.T, uri string) storage.Record {
	t.Helper()

	return storage.Record{
		ID:   "1",
		URI:  uri,
		Path: DestinationPath(t.TempDir(), uri),
		Size: -1,
	}
}

func waitState(t *testing.T, d *Download, want State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return d.Snapshot().State == want
	}, waitFor, 10*time.Millisecond, "download never reached %s (now %s: %s)",
		want, d.Snapshot().State, d.Snapshot().Message)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}

	return b
}

// rangeServer serves content with byte-range support. When stallAt > 0 the
// first full request sends stallAt bytes and then hangs until the client goes away.
type rangeServer struct {
	content []byte
	stallAt int

	mu      sync.Mutex
	ranges  []string
	stalled bool
}

func (s *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rng := r.Header.Get("Range")

	s.mu.Lock()
	s.ranges = append(s.ranges, rng)
	stall := s.stallAt > 0 && !s.stalled && rng == ""
	if stall {
		s.stalled = true
	}
	s.mu.Unlock()

	if rng == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.content)))
		w.WriteHeader(http.StatusOK)

		if stall {
			w.Write(s.content[:s.stallAt])
			w.(http.Flusher).Flush()
			<-r.Context().Done()

			return
		}

		w.Write(s.content)

		return
	}

	var start int
	if _, err := fmt.Sscanf(rng, "bytes=%d-", &start); err != nil || start >= len(s.content) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(s.content)-1, len(s.content)))
	w.Header().Set("Content-Length", strconv.Itoa(len(s.content)-start))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(s.content[start:])
}

func (s *rangeServer) rangeHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.ranges...)
}

func TestDestinationPath(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"http://example.com/files/ubuntu.iso", "/in/ubuntu.iso"},
		{"http://example.com/files/ubuntu.iso?token=1", "/in/ubuntu.iso"},
		{"http://example.com/", "/in/http___example.com_"},
		{"http://example.com", "/in/http___example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			assert.Equal(t, tt.want, DestinationPath("/in", tt.uri))
		})
	}
}

func TestDownload_PauseResumeCompletes(t *testing.T) {
	content := payload(10000)
	srv := &rangeServer{content: content, stallAt: 5000}
	server := httptest.NewServer(srv)
	defer server.Close()

	h := newHarness(t, newRecord(t, server.URL+"/file.bin"))
	h.d.Start()

	require.Eventually(t, func() bool {
		return h.d.Snapshot().Downloaded == 5000
	}, waitFor, 10*time.Millisecond)

	snap := h.d.Snapshot()
	assert.Equal(t, StateDownloading, snap.State)
	assert.Equal(t, int64(10000), snap.Size)

	require.NoError(t, h.d.Pause(context.Background()))

	snap = h.d.Snapshot()
	assert.Equal(t, StatePaused, snap.State)
	assert.Zero(t, snap.Rate)
	assert.True(t, h.store.get("1").Paused)

	require.NoError(t, h.d.Resume(context.Background()))
	waitState(t, h.d, StateComplete)

	snap = h.d.Snapshot()
	assert.Equal(t, int64(10000), snap.Downloaded)
	assert.Equal(t, int64(10000), snap.Size)
	assert.Zero(t, snap.Rate)

	got, err := os.ReadFile(snap.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))

	assert.Equal(t, []string{"", "bytes=5000-"}, srv.rangeHeaders())

	saved := h.store.get("1")
	assert.True(t, saved.Complete)
	assert.False(t, saved.Paused)
	assert.Equal(t, int64(10000), saved.Downloaded)

	require.Eventually(t, func() bool { return h.completed.Load() == 1 }, waitFor, 10*time.Millisecond)
	assert.ErrorIs(t, h.d.Pause(context.Background()), ErrInvalidTransition)
	assert.ErrorIs(t, h.d.Retry(context.Background()), ErrInvalidTransition)
}

func TestDownload_RangeNotSatisfiableRestartsFromScratch(t *testing.T) {
	content := payload(10000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

			return
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	rec := newRecord(t, server.URL+"/file.bin")
	require.NoError(t, os.WriteFile(rec.Path, bytes.Repeat([]byte("x"), 3000), 0o644))

	h := newHarness(t, rec)
	h.d.Start()

	waitState(t, h.d, StateComplete)

	got, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, int64(10000), h.d.Snapshot().Size)
}

func TestDownload_IgnoredRangeRestartsFromScratch(t *testing.T) {
	content := payload(4000)

	var withRange atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			withRange.Add(1)
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	rec := newRecord(t, server.URL+"/file.bin")
	require.NoError(t, os.WriteFile(rec.Path, content[:1000], 0o644))

	h := newHarness(t, rec)
	h.d.Start()

	waitState(t, h.d, StateComplete)

	got, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, int32(1), withRange.Load())
}

func TestDownload_RestartThenServerError(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer server.Close()

	rec := newRecord(t, server.URL+"/file.bin")
	require.NoError(t, os.WriteFile(rec.Path, []byte("partial"), 0o644))

	d := New(context.Background(), rec, NewFetcher(Options{MaxScratchRestarts: 2}), newMemStore(), Hooks{})
	d.Start()

	waitState(t, d, StateError)
	assert.Equal(t, "HTTP error 416", d.Snapshot().Message)
	assert.Equal(t, int32(2), requests.Load())

	info, err := os.Stat(rec.Path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestDownload_ResumeAfterExternalTruncation(t *testing.T) {
	content := payload(10000)
	srv := &rangeServer{content: content, stallAt: 5000}
	server := httptest.NewServer(srv)
	defer server.Close()

	h := newHarness(t, newRecord(t, server.URL+"/file.bin"))
	h.d.Start()

	require.Eventually(t, func() bool {
		return h.d.Snapshot().Downloaded == 5000
	}, waitFor, 10*time.Millisecond)
	require.NoError(t, h.d.Pause(context.Background()))

	require.NoError(t, os.Truncate(h.d.Snapshot().Path, 0))

	require.NoError(t, h.d.Resume(context.Background()))
	waitState(t, h.d, StateComplete)

	got, err := os.ReadFile(h.d.Snapshot().Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, []string{"", ""}, srv.rangeHeaders())
}

func TestDownload_UnknownSizeCompletesAtEndOfBody(t *testing.T) {
	content := payload(7000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(content[:3000])
		w.(http.Flusher).Flush()
		w.Write(content[3000:])
	}))
	defer server.Close()

	h := newHarness(t, newRecord(t, server.URL+"/stream"))
	h.d.Start()

	waitState(t, h.d, StateComplete)

	snap := h.d.Snapshot()
	assert.Equal(t, int64(7000), snap.Size)
	assert.Equal(t, int64(7000), snap.Downloaded)
}

func TestDownload_HTTPErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
	}{
		{"not found", http.StatusNotFound, "File not found"},
		{"server error", http.StatusInternalServerError, "HTTP error 500"},
		{"forbidden", http.StatusForbidden, "HTTP error 403"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			h := newHarness(t, newRecord(t, server.URL+"/file.bin"))
			h.d.Start()

			waitState(t, h.d, StateError)

			snap := h.d.Snapshot()
			assert.Equal(t, tt.message, snap.Message)
			assert.Zero(t, snap.Rate)
		})
	}
}

func TestDownload_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	uri := server.URL + "/file.bin"
	server.Close()

	h := newHarness(t, newRecord(t, uri))
	h.d.Start()

	waitState(t, h.d, StateError)
	assert.Equal(t, "Connection refused", h.d.Snapshot().Message)
}

func TestDownload_SelfSignedRetryAllowsInsecure(t *testing.T) {
	content := payload(2048)
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer server.Close()

	h := newHarness(t, newRecord(t, server.URL+"/file.bin"))
	h.d.Start()

	waitState(t, h.d, StateError)

	snap := h.d.Snapshot()
	assert.Equal(t, "Rejected certificate, retry to force download", snap.Message)
	assert.Equal(t, TrustSelfSignedRejected, snap.Trust)

	require.NoError(t, h.d.Retry(context.Background()))
	assert.Equal(t, TrustAllowInsecure, h.d.Snapshot().Trust)

	waitState(t, h.d, StateComplete)
	assert.True(t, h.d.Record().Insecure)
	assert.True(t, h.store.get("1").Insecure)
}

func TestDownload_RetryWithoutCertificateErrorStaysSecure(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.Header().Set("Content-Length", "3")
		w.Write([]byte("abc"))
	}))
	defer server.Close()

	h := newHarness(t, newRecord(t, server.URL+"/file.bin"))
	h.d.Start()

	waitState(t, h.d, StateError)
	require.NoError(t, h.d.Retry(context.Background()))
	waitState(t, h.d, StateComplete)

	assert.Equal(t, TrustUnknown, h.d.Snapshot().Trust)
	assert.False(t, h.d.Record().Insecure)
}

func TestDownload_CancelIncompleteDeletesFile(t *testing.T) {
	srv := &rangeServer{content: payload(10000), stallAt: 4000}
	server := httptest.NewServer(srv)
	defer server.Close()

	h := newHarness(t, newRecord(t, server.URL+"/file.bin"))
	h.d.Start()

	require.Eventually(t, func() bool {
		return h.d.Snapshot().Downloaded == 4000
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, h.d.Cancel(context.Background()))

	_, err := os.Stat(h.d.Snapshot().Path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, StateRemoved, h.d.Snapshot().State)
	assert.Equal(t, int32(1), h.detached.Load())
	assert.Equal(t, int32(1), h.removed.Load())

	assert.ErrorIs(t, h.d.Cancel(context.Background()), ErrInvalidTransition)
}

func TestDownload_CancelCompleteKeepsFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.Write([]byte("hello"))
	}))
	defer server.Close()

	h := newHarness(t, newRecord(t, server.URL+"/hello.txt"))
	h.d.Start()

	waitState(t, h.d, StateComplete)
	require.NoError(t, h.d.Cancel(context.Background()))

	got, err := os.ReadFile(h.d.Snapshot().Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, int32(1), h.detached.Load())
	assert.Equal(t, int32(1), h.removed.Load())
}

func TestDownload_RehydratedStates(t *testing.T) {
	fetcher := NewFetcher(Options{})

	paused := New(context.Background(), storage.Record{ID: "1", URI: "http://example.com/a", Path: "/in/a", Paused: true}, fetcher, nil, Hooks{})
	paused.Start()
	assert.Equal(t, StatePaused, paused.Snapshot().State)

	complete := New(context.Background(), storage.Record{ID: "2", URI: "http://example.com/b", Path: "/in/b", Size: 3, Downloaded: 3, Complete: true}, fetcher, nil, Hooks{})
	complete.Start()
	assert.Equal(t, StateComplete, complete.Snapshot().State)
	assert.Equal(t, "b", complete.Name())

	insecure := New(context.Background(), storage.Record{ID: "3", URI: "https://example.com/c", Path: "/in/c", Insecure: true, Paused: true}, fetcher, nil, Hooks{})
	assert.Equal(t, TrustAllowInsecure, insecure.Snapshot().Trust)
}

func TestDownload_DiskFullFails(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full is not available")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.Write(payload(4096))
	}))
	defer server.Close()

	h := newHarness(t, storage.Record{ID: "1", URI: server.URL + "/full.bin", Path: "/dev/full", Size: -1})
	h.d.Start()

	waitState(t, h.d, StateError)

	snap := h.d.Snapshot()
	assert.True(t, strings.HasPrefix(snap.Message, "Cannot append data to local file: "), snap.Message)
	assert.Contains(t, snap.Message, "no space left on device")
	assert.Zero(t, snap.Downloaded)
	assert.Zero(t, snap.Rate)
	assert.Zero(t, h.completed.Load())
}

func TestDownload_BodyLengthMismatch(t *testing.T) {
	tests := []struct {
		name    string
		body    int
		message string
	}{
		{"more than announced", 10, "Received more data than the announced size"},
		{"less than announced", 3, "Transfer ended before the announced size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "bytes=4-", r.Header.Get("Range"))

				// No Content-Length: the body is chunked so its length is not enforced.
				w.Header().Set("Content-Range", "bytes 4-9/10")
				w.WriteHeader(http.StatusPartialContent)
				w.Write(payload(tt.body))
				w.(http.Flusher).Flush()
			}))
			defer server.Close()

			rec := newRecord(t, server.URL+"/part.bin")
			require.NoError(t, os.WriteFile(rec.Path, []byte("abcd"), 0o644))

			h := newHarness(t, rec)
			h.d.Start()

			waitState(t, h.d, StateError)

			snap := h.d.Snapshot()
			assert.Equal(t, tt.message, snap.Message)
			assert.Equal(t, int64(10), snap.Size)
			assert.LessOrEqual(t, snap.Downloaded, snap.Size)
			assert.Zero(t, h.completed.Load())
		})
	}
}
