package hello

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var ErrIdentityNotLoaded = errors.New("hello: tls identity not loaded")

// BindError is a fatal failure to open a listening socket.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("hello: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// HandshakeReason classifies a failed TLS handshake.
type HandshakeReason string

const (
	HandshakeTimeout     HandshakeReason = "timeout"
	HandshakeProtocol    HandshakeReason = "protocol"
	HandshakeClientAbort HandshakeReason = "client_abort"
	HandshakeCertificate HandshakeReason = "certificate"
	HandshakeUnknown     HandshakeReason = "unknown"
)

// HandshakeError is a per-connection failure. The connection is closed and
// the listener keeps serving.
type HandshakeError struct {
	Remote string
	Reason HandshakeReason
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("hello: tls handshake with %s failed (%s): %v", e.Remote, e.Reason, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func newHandshakeError(remote string, err error) *HandshakeError {
	return &HandshakeError{Remote: remote, Reason: classifyHandshake(err), Err: err}
}

func classifyHandshake(err error) HandshakeReason {
	var (
		netErr    net.Error
		recordErr tls.RecordHeaderError
		verifyErr *tls.CertificateVerificationError
		authErr   x509.UnknownAuthorityError
		alertErr  tls.AlertError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return HandshakeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return HandshakeTimeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, context.Canceled):
		return HandshakeClientAbort
	case errors.As(err, &verifyErr), errors.As(err, &authErr):
		return HandshakeCertificate
	case errors.As(err, &recordErr):
		return HandshakeProtocol
	case errors.As(err, &alertErr):
		if strings.Contains(alertErr.Error(), "certificate") {
			return HandshakeCertificate
		}
		return HandshakeProtocol
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "certificate"):
		return HandshakeCertificate
	case strings.Contains(msg, "protocol version"),
		strings.Contains(msg, "unsupported versions"),
		strings.Contains(msg, "no cipher suite"),
		strings.Contains(msg, "no application protocol"),
		strings.Contains(msg, "does not look like a tls handshake"),
		strings.Contains(msg, "unexpected message"):
		return HandshakeProtocol
	default:
		return HandshakeUnknown
	}
}
