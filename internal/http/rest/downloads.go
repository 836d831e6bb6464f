package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/downloadhub/internal/download"
	"github.com/italolelis/downloadhub/internal/logctx"
	"github.com/italolelis/downloadhub/internal/provider"
)

// Registry is the part of the provider registry the REST layer uses.
type Registry interface {
	ListDownloads(ctx context.Context, offset, limit int) ([]provider.Entry, int, error)
	CountDownloads(ctx context.Context) (int, error)
	Stats(ctx context.Context) (provider.Stats, error)
	PostDownload(ctx context.Context, uri string) (provider.Entry, error)
	GetDownload(ctx context.Context, compositeID string) (provider.Download, provider.Entry, error)
	Pause(ctx context.Context, compositeID string) error
	Resume(ctx context.Context, compositeID string) error
	Retry(ctx context.Context, compositeID string) error
	Cancel(ctx context.Context, compositeID string) error
	SharedFile(ctx context.Context, compositeID string) ([]string, error)
	Provider(name string) (provider.Provider, bool)
}

// BulkController is implemented by providers that can pause or resume all of
// their downloads at once.
type BulkController interface {
	PauseAll(ctx context.Context) int
	ResumeAll(ctx context.Context) int
}

// DownloadsHandler serves the downloads API.
type DownloadsHandler struct {
	registry Registry
	username string
	password string
}

// NewDownloadsHandler creates the handler. Empty credentials disable basic auth.
func NewDownloadsHandler(registry Registry, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		registry: registry,
		username: username,
		password: password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandlePost)
		r.Post("/torrent-file", h.HandleTorrentFile)
		r.Get("/count", h.HandleCount)
		r.Get("/stats", h.HandleStats)
		r.Post("/{provider}/pause-all", h.HandleBulk(BulkController.PauseAll))
		r.Post("/{provider}/resume-all", h.HandleBulk(BulkController.ResumeAll))
		r.Get("/{provider}/{id}", h.HandleGet)
		r.Delete("/{provider}/{id}", h.HandleDelete)
		r.Patch("/{provider}/{id}", h.HandlePatch)
	})

	r.Get("/shared/{provider}/{id}", h.HandleShared)

	return r
}

type listResponse struct {
	Total     int              `json:"total"`
	Downloads []provider.Entry `json:"downloads"`
}

// HandleList returns a page of downloads across all providers.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset")
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid offset")

		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid limit")

		return
	}

	entries, total, err := h.registry.ListDownloads(r.Context(), offset, limit)
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, listResponse{Total: total, Downloads: entries})
}

// HandleCount returns the number of downloads.
func (h *DownloadsHandler) HandleCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.registry.CountDownloads(r.Context())
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, map[string]int{"count": count})
}

// HandleStats returns the aggregated provider stats.
func (h *DownloadsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Stats(r.Context())
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, stats)
}

type postRequest struct {
	URL string `json:"url"`
}

// HandlePost starts a download with the first provider accepting the URL.
func (h *DownloadsHandler) HandlePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		respondError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	entry, err := h.registry.PostDownload(r.Context(), req.URL)
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respond(w, r, http.StatusCreated, entry)
}

// HandleGet returns one download.
func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	_, entry, err := h.registry.GetDownload(r.Context(), compositeID(r))
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, entry)
}

// HandleDelete cancels a download.
func (h *DownloadsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Cancel(r.Context(), compositeID(r)); err != nil {
		respondErr(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type patchRequest struct {
	Action string `json:"action"`
}

// HandlePatch applies pause, resume or retry to a download.
func (h *DownloadsHandler) HandlePatch(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	var action func(context.Context, string) error

	switch req.Action {
	case "pause":
		action = h.registry.Pause
	case "resume":
		action = h.registry.Resume
	case "retry":
		action = h.registry.Retry
	default:
		respondError(w, r, http.StatusBadRequest, "unknown action "+strconv.Quote(req.Action))

		return
	}

	if err := action(r.Context(), compositeID(r)); err != nil {
		respondErr(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleBulk applies fn to every download of a provider supporting it.
func (h *DownloadsHandler) HandleBulk(fn func(BulkController, context.Context) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := h.registry.Provider(chi.URLParam(r, "provider"))
		if !ok {
			respondErr(w, r, provider.ErrNotFound)

			return
		}

		bulk, ok := asBulkController(p)
		if !ok {
			respondErr(w, r, provider.ErrActionNotSupported)

			return
		}

		respond(w, r, http.StatusOK, map[string]int{"affected": fn(bulk, r.Context())})
	}
}

// HandleShared streams a delivered file. Downloads with several files need a
// file query parameter naming one of them; without it the names are listed.
func (h *DownloadsHandler) HandleShared(w http.ResponseWriter, r *http.Request) {
	files, err := h.registry.SharedFile(r.Context(), compositeID(r))
	if err != nil {
		respondErr(w, r, err)

		return
	}

	if len(files) == 0 {
		respondErr(w, r, provider.ErrNotFound)

		return
	}

	path := files[0]

	if len(files) > 1 {
		name := r.URL.Query().Get("file")
		if name == "" {
			names := make([]string, 0, len(files))
			for _, f := range files {
				names = append(names, filepath.Base(f))
			}

			respond(w, r, http.StatusOK, map[string][]string{"files": names})

			return
		}

		path = ""

		for _, f := range files {
			if filepath.Base(f) == name {
				path = f

				break
			}
		}

		if path == "" {
			respondErr(w, r, provider.ErrNotFound)

			return
		}
	}

	logctx.LoggerFromContext(r.Context()).DebugContext(r.Context(), "sharing file", "path", path)

	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="downloadhub"`)
			respondError(w, r, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		if username != h.username || password != h.password {
			respondError(w, r, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

// asBulkController looks through decorators exposing Unwrap.
func asBulkController(p provider.Provider) (BulkController, bool) {
	for p != nil {
		if bulk, ok := p.(BulkController); ok {
			return bulk, true
		}

		u, ok := p.(interface{ Unwrap() provider.Provider })
		if !ok {
			return nil, false
		}

		p = u.Unwrap()
	}

	return nil, false
}

func compositeID(r *http.Request) string {
	return chi.URLParam(r, "provider") + ":" + chi.URLParam(r, "id")
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}

	return n, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, provider.ErrUnsupportedURI):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrNotComplete),
		errors.Is(err, provider.ErrDuplicateProvider),
		errors.Is(err, download.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, provider.ErrActionNotSupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	if status == http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to handle request", "err", err)
	}

	respondError(w, r, status, err.Error())
}

func respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respond(w, r, status, map[string]string{"error": msg})
}

func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}
