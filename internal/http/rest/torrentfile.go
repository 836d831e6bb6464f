package rest

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/zeebo/bencode"

	"github.com/italolelis/downloadhub/internal/logctx"
)

const maxTorrentSize = 10 * 1024 * 1024 // 10MB max torrent file size

// InvalidTorrentError is returned for uploads that are not usable torrent files.
type InvalidTorrentError struct {
	Filename string
	Reason   string
	Err      error
}

func (e *InvalidTorrentError) Error() string {
	return fmt.Sprintf("invalid torrent content in %s: %s", e.Filename, e.Reason)
}

func (e *InvalidTorrentError) Unwrap() error {
	return e.Err
}

// HandleTorrentFile accepts a .torrent upload in the "torrent" form field and
// starts it as a magnet link.
func (h *DownloadsHandler) HandleTorrentFile(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, 2*maxTorrentSize)

	file, header, err := r.FormFile("torrent")
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "missing torrent file")

		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxTorrentSize+1))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "failed to read torrent file")

		return
	}

	uri, err := magnetFromTorrent(header.Filename, data)
	if err != nil {
		logger.WarnContext(r.Context(), "rejected torrent upload", "filename", header.Filename, "err", err)
		respondError(w, r, http.StatusBadRequest, err.Error())

		return
	}

	entry, err := h.registry.PostDownload(r.Context(), uri)
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respond(w, r, http.StatusCreated, entry)
}

// magnetFromTorrent validates torrent file content and returns the matching
// magnet link.
func magnetFromTorrent(filename string, data []byte) (string, error) {
	if len(data) > maxTorrentSize {
		return "", &InvalidTorrentError{
			Filename: filename,
			Reason:   fmt.Sprintf("file size exceeds maximum %d bytes", maxTorrentSize),
		}
	}

	if err := validateTorrentFilename(filename); err != nil {
		return "", err
	}

	if err := validateBencodeStructure(filename, data); err != nil {
		return "", err
	}

	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return "", &InvalidTorrentError{Filename: filename, Reason: "invalid metainfo", Err: err}
	}

	info, err := mi.UnmarshalInfo()
	if err != nil {
		return "", &InvalidTorrentError{Filename: filename, Reason: "invalid info dictionary", Err: err}
	}

	var b strings.Builder

	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(mi.HashInfoBytes().HexString())

	if info.Name != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(info.Name))
	}

	for _, tier := range mi.UpvertedAnnounceList() {
		for _, tracker := range tier {
			b.WriteString("&tr=")
			b.WriteString(url.QueryEscape(tracker))
		}
	}

	return b.String(), nil
}

// validateTorrentFilename validates that the filename has a .torrent extension.
func validateTorrentFilename(filename string) error {
	if !strings.EqualFold(filepath.Ext(filename), ".torrent") {
		return &InvalidTorrentError{
			Filename: filename,
			Reason:   "file extension must be .torrent",
		}
	}

	return nil
}

// validateBencodeStructure validates that data is a bencoded dictionary with
// an info dictionary.
func validateBencodeStructure(filename string, data []byte) error {
	var torrentData interface{}

	if err := bencode.DecodeBytes(data, &torrentData); err != nil {
		return &InvalidTorrentError{
			Filename: filename,
			Reason:   fmt.Sprintf("invalid bencode structure: %v", err),
			Err:      err,
		}
	}

	dict, ok := torrentData.(map[string]interface{})
	if !ok {
		return &InvalidTorrentError{
			Filename: filename,
			Reason:   "bencode root must be a dictionary",
		}
	}

	if _, ok := dict["info"].(map[string]interface{}); !ok {
		return &InvalidTorrentError{
			Filename: filename,
			Reason:   "bencode missing required 'info' dictionary",
		}
	}

	return nil
}
