package download

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/downloadhub/internal/telemetry"
)

const (
	// DefaultMaxRedirects bounds the redirect chain of a single request.
	DefaultMaxRedirects = 10

	defaultConnectTimeout        = 30 * time.Second
	defaultResponseHeaderTimeout = 60 * time.Second
	defaultChunkSize             = 32 * 1024
	progressLogInterval          = 64 * 1024 * 1024
)

// Options configures the HTTP downloads of one provider.
type Options struct {
	IncomingDir           string
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	MaxRedirects          int
	// MaxScratchRestarts caps consecutive from-scratch restarts within one
	// session. Zero means unlimited.
	MaxScratchRestarts int
	Telemetry          *telemetry.Telemetry
	// Now is the clock used by rate meters. Defaults to time.Now.
	Now func() time.Time
}

// Fetcher owns the HTTP clients shared by all downloads of a provider.
type Fetcher struct {
	opts     Options
	secure   *http.Client
	insecure *http.Client
}

// NewFetcher builds the verifying and the non-verifying client.
func NewFetcher(opts Options) *Fetcher {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = defaultResponseHeaderTimeout
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Fetcher{
		opts:     opts,
		secure:   newHTTPClient(opts, false),
		insecure: newHTTPClient(opts, true),
	}
}

// Options returns the effective options.
func (f *Fetcher) Options() Options {
	return f.opts
}

func (f *Fetcher) client(insecure bool) *http.Client {
	if insecure {
		return f.insecure
	}

	return f.secure
}

func newHTTPClient(opts Options, insecure bool) *http.Client {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = opts.ConnectTimeout
	transport.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
	// Byte offsets must match what the server sends, so no transparent gzip.
	transport.DisableCompression = true

	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // accepted by the user through retry
	}

	maxRedirects := opts.MaxRedirects

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}

			return nil
		},
	}
}
