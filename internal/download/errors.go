package download

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrInvalidTransition is returned when an event is not accepted in the current state.
var ErrInvalidTransition = errors.New("invalid download state transition")

// NetworkError represents a failed request or an HTTP error status.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "request", "read_body")
	StatusCode int    // HTTP status code, if applicable (0 for transport errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s: HTTP error %d", e.Operation, e.StatusCode)
	}

	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// CertificateError is returned when the server certificate is signed by an
// authority the client does not trust. Retrying the download accepts it.
type CertificateError struct {
	Host string
	Err  error
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("untrusted certificate for %s: %v", e.Host, e.Err)
}

func (e *CertificateError) Unwrap() error {
	return e.Err
}

// DiskError represents failures on the destination file.
type DiskError struct {
	Operation string // "append", "truncate" or "stat"
	Path      string
	Err       error
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("disk error during %s of %s: %v", e.Operation, e.Path, e.Err)
}

func (e *DiskError) Unwrap() error {
	return e.Err
}

// ProtocolError is returned when the server response violates the resume contract.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Classify turns an error into the message shown to users next to the error state.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var certErr *CertificateError
	if errors.As(err, &certErr) {
		return "Rejected certificate, retry to force download"
	}

	var diskErr *DiskError
	if errors.As(err, &diskErr) {
		switch diskErr.Operation {
		case "append":
			return "Cannot append data to local file: " + diskErr.Err.Error()
		case "truncate":
			return "Error truncating local file: " + diskErr.Err.Error()
		default:
			return "Cannot stat local file: " + diskErr.Err.Error()
		}
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Reason
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) && netErr.StatusCode > 0 {
		if netErr.StatusCode == 404 {
			return "File not found"
		}

		return fmt.Sprintf("HTTP error %d", netErr.StatusCode)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || strings.Contains(dnsErr.Err, "no such host")) {
		return "Unknown host name"
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return "Connection refused"
	}

	if netErr != nil && netErr.Err != nil {
		return netErr.Err.Error()
	}

	return err.Error()
}

// isUnknownAuthority reports whether err stems from a certificate chain the
// client could not verify against its roots.
func isUnknownAuthority(err error) bool {
	var uaErr x509.UnknownAuthorityError

	return errors.As(err, &uaErr)
}
