package putio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	putio "github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/downloadhub/internal/download"
	"github.com/italolelis/downloadhub/internal/provider"
)

type recordingSink struct {
	mu        sync.Mutex
	updated   int
	removed   []string
	completed []string
}

func (s *recordingSink) Updated(provider.Download) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updated++
}

func (s *recordingSink) Removed(d provider.Download) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removed = append(s.removed, d.ID())
}

func (s *recordingSink) Completed(d provider.Download) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed = append(s.completed, d.ID())
}

func (s *recordingSink) completedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.completed...)
}

func (s *recordingSink) removedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.removed...)
}

// fakePutio serves the subset of the put.io API the provider uses.
type fakePutio struct {
	mu        sync.Mutex
	transfers []map[string]any
	files     map[string]string
	children  map[string]string
	content   map[string]string
	cancels   int
	retries   int
}

func newFakePutio(transfers ...map[string]any) *fakePutio {
	return &fakePutio{
		transfers: transfers,
		files:     map[string]string{},
		children:  map[string]string{},
		content:   map[string]string{},
	}
}

func (f *fakePutio) setTransfers(transfers ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.transfers = transfers
}

func (f *fakePutio) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v2/account/info", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"info":{"username":"tester"},"status":"OK"}`))
	})

	mux.HandleFunc("GET /v2/transfers/list", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{"transfers": f.transfers, "status": "OK"})
	})

	mux.HandleFunc("POST /v2/transfers/add", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"transfer":{"id":7,"name":"new-transfer","status":"IN_QUEUE","size":0},"status":"OK"}`))
	})

	mux.HandleFunc("POST /v2/transfers/cancel", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.cancels++
		f.mu.Unlock()

		w.Write([]byte(`{"status":"OK"}`))
	})

	mux.HandleFunc("POST /v2/transfers/retry", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.retries++
		f.mu.Unlock()

		w.Write([]byte(`{"transfer":{"id":3,"name":"broken","status":"IN_QUEUE","size":100},"status":"OK"}`))
	})

	mux.HandleFunc("GET /v2/files/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		body, ok := f.children[r.URL.Query().Get("parent_id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error_type":"NOT_FOUND","error_message":"not found","status":"ERROR"}`))

			return
		}

		w.Write([]byte(body))
	})

	mux.HandleFunc("GET /v2/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		body, ok := f.files[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error_type":"NOT_FOUND","error_message":"not found","status":"ERROR"}`))

			return
		}

		w.Write([]byte(body))
	})

	mux.HandleFunc("GET /content/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		body, ok := f.content[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)

			return
		}

		w.Write([]byte(body))
	})

	return mux
}

func newTestProvider(t *testing.T, fake *fakePutio, incoming string) (*Provider, *recordingSink) {
	t.Helper()

	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client := putio.NewClient(nil)
	u, _ := url.Parse(server.URL)
	client.BaseURL = u

	p := newProvider(Config{IncomingDir: incoming, PollInterval: time.Hour}, client)
	p.fileURL = func(_ context.Context, id int64) (string, error) {
		return server.URL + "/content/" + strconv.FormatInt(id, 10), nil
	}

	sink := &recordingSink{}

	require.NoError(t, p.Init(context.Background(), sink))
	t.Cleanup(func() { p.Close() })

	return p, sink
}

func (f *fakePutio) counts() (cancels, retries int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.cancels, f.retries
}

func transferJSON(id int, name, status string, fileID int) map[string]any {
	return map[string]any{
		"id":                    id,
		"name":                  name,
		"status":                status,
		"size":                  100,
		"downloaded":            40,
		"down_speed":            2048,
		"percent_done":          40,
		"file_id":               fileID,
		"save_parent_id":        0,
		"peers_sending_to_us":   3,
		"peers_getting_from_us": 1,
	}
}

func TestProvider_CanDownload(t *testing.T) {
	p := newProvider(Config{}, putio.NewClient(nil))

	tests := []struct {
		uri  string
		want bool
	}{
		{"magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056", true},
		{"magnet:?dn=missing-hash", false},
		{"https://example.com/files/linux.torrent", true},
		{"http://example.com/files/LINUX.TORRENT", true},
		{"https://example.com/files/linux.iso", false},
		{"ftp://example.com/linux.torrent", false},
		{"not a uri at all", false},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			assert.Equal(t, tt.want, p.CanDownload(tt.uri))
		})
	}
}

func TestProvider_InitMapsTransfers(t *testing.T) {
	fake := newFakePutio(
		transferJSON(1, "queued", "IN_QUEUE", 0),
		transferJSON(2, "running", "DOWNLOADING", 0),
		transferJSON(3, "broken", "ERROR", 0),
		transferJSON(4, "done", "COMPLETED", 0),
	)

	p, sink := newTestProvider(t, fake, "")
	ctx := context.Background()

	downloads, err := p.Downloads(ctx)
	require.NoError(t, err)
	require.Len(t, downloads, 4)

	want := []struct {
		state   download.State
		message string
	}{
		{download.StateInitializing, ""},
		{download.StateDownloading, ""},
		{download.StateError, "Transfer failed on put.io"},
		{download.StateComplete, ""},
	}

	for i, d := range downloads {
		info := d.Info()
		assert.Equal(t, string(want[i].state), info.State, "transfer %s", d.ID())
		assert.Equal(t, want[i].message, info.StateMessage, "transfer %s", d.ID())
		assert.Equal(t, int64(100), info.Size)
		assert.Equal(t, 3, info.Seeders)
		assert.Equal(t, 1, info.Leechers)
	}

	assert.Equal(t, float64(2048), downloads[1].Info().DownloadRate)
	assert.Equal(t, []string{"4"}, sink.completedIDs())

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, float64(2048), stats.DownloadRate)
}

func TestProvider_RefreshTracksRemoteChanges(t *testing.T) {
	fake := newFakePutio(transferJSON(1, "a", "DOWNLOADING", 0), transferJSON(2, "b", "DOWNLOADING", 0))

	p, sink := newTestProvider(t, fake, "")
	ctx := context.Background()

	fake.setTransfers(transferJSON(2, "b", "COMPLETED", 0))
	require.NoError(t, p.refresh(ctx))

	downloads, err := p.Downloads(ctx)
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Equal(t, "2", downloads[0].ID())
	assert.Equal(t, string(download.StateComplete), downloads[0].Info().State)
	assert.Equal(t, []string{"1"}, sink.removedIDs())
	assert.Equal(t, []string{"2"}, sink.completedIDs())

	require.NoError(t, p.refresh(ctx))
	assert.Equal(t, []string{"2"}, sink.completedIDs(), "completion is reported once")
}

func TestProvider_FetchesCompletedTransfer(t *testing.T) {
	fake := newFakePutio(transferJSON(5, "show", "COMPLETED", 100))
	fake.files["100"] = `{"file":{"id":100,"name":"show","size":0,"file_type":"FOLDER","content_type":"application/x-directory"},"status":"OK"}`
	fake.children["100"] = `{"files":[` +
		`{"id":101,"name":"ep1.mkv","size":5,"file_type":"VIDEO","content_type":"video/x-matroska"},` +
		`{"id":102,"name":"notes.txt","size":4,"file_type":"TEXT","content_type":"text/plain"}` +
		`],"parent":{"id":100,"name":"show","file_type":"FOLDER","content_type":"application/x-directory"},"status":"OK"}`
	fake.content["101"] = "hello"
	fake.content["102"] = "note"

	incoming := t.TempDir()
	p, sink := newTestProvider(t, fake, incoming)

	require.Eventually(t, func() bool {
		return len(sink.completedIDs()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	d, err := p.GetDownload(context.Background(), "5")
	require.NoError(t, err)

	info := d.Info()
	assert.Equal(t, string(download.StateComplete), info.State)
	assert.Equal(t, map[string]int64{"show/ep1.mkv": 5, "show/notes.txt": 4}, info.Files)

	files := d.Files()
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(incoming, "show", "ep1.mkv"), files[0])

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestProvider_FetchFailureThenRetry(t *testing.T) {
	fake := newFakePutio(transferJSON(6, "movie", "SEEDING", 200))
	fake.files["200"] = `{"file":{"id":200,"name":"movie.mp4","size":3,"file_type":"VIDEO","content_type":"video/mp4"},"status":"OK"}`

	incoming := t.TempDir()
	p, sink := newTestProvider(t, fake, incoming)

	d, err := p.GetDownload(context.Background(), "6")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.Info().State == string(download.StateError)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "File not found", d.Info().StateMessage)

	fake.mu.Lock()
	fake.content["200"] = "abc"
	fake.mu.Unlock()

	require.NoError(t, d.Retry(context.Background()))

	require.Eventually(t, func() bool {
		return len(sink.completedIDs()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(incoming, "movie.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestProvider_RetryRemoteError(t *testing.T) {
	fake := newFakePutio(transferJSON(3, "broken", "ERROR", 0))

	p, _ := newTestProvider(t, fake, "")

	d, err := p.GetDownload(context.Background(), "3")
	require.NoError(t, err)

	require.NoError(t, d.Retry(context.Background()))
	assert.Equal(t, string(download.StateInitializing), d.Info().State)
	_, retries := fake.counts()
	assert.Equal(t, 1, retries)

	assert.ErrorIs(t, d.Retry(context.Background()), download.ErrInvalidTransition)
}

func TestProvider_AddAndCancel(t *testing.T) {
	fake := newFakePutio()

	p, sink := newTestProvider(t, fake, t.TempDir())
	ctx := context.Background()

	d, err := p.AddDownload(ctx, "magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056")
	require.NoError(t, err)
	assert.Equal(t, "7", d.ID())
	assert.Equal(t, string(download.StateInitializing), d.Info().State)

	got, err := p.GetDownload(ctx, "7")
	require.NoError(t, err)
	assert.Same(t, d, got)

	assert.ErrorIs(t, d.Pause(ctx), provider.ErrActionNotSupported)
	assert.ErrorIs(t, d.Resume(ctx), provider.ErrActionNotSupported)

	require.NoError(t, d.Cancel(ctx))
	cancels, _ := fake.counts()
	assert.Equal(t, 1, cancels)
	assert.Equal(t, []string{"7"}, sink.removedIDs())

	_, err = p.GetDownload(ctx, "7")
	assert.ErrorIs(t, err, provider.ErrNotFound)

	assert.ErrorIs(t, d.Cancel(ctx), download.ErrInvalidTransition)
}

func TestProvider_GetDownloadUnknown(t *testing.T) {
	p, _ := newTestProvider(t, newFakePutio(), "")

	for _, id := range []string{"42", "not-a-number"} {
		_, err := p.GetDownload(context.Background(), id)
		assert.ErrorIs(t, err, provider.ErrNotFound, id)
	}
}
