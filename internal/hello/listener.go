package hello

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/danmuck/tonic-hello-tls/internal/certs"
	"github.com/danmuck/tonic-hello-tls/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Listen binds the configured TCP address. TLS is applied per connection in
// handleConn so that handshakes never run on the accept goroutine.
func (s *Service) Listen() (net.Listener, error) {
	addr := strings.TrimSpace(s.cfg.ListenAddr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	return ln, nil
}

// serverTLSConfig builds the listener config around a loaded identity.
func serverTLSConfig(id *certs.Identity, t session.ServerTLS) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{id.TLSCertificate()},
		ClientAuth:   tls.NoClientCert,
	}
	if t.Mutual() {
		pool, err := certs.LoadPool(t.ClientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func (s *Service) handshake(ctx context.Context, conn *tls.Conn, remote string) error {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		return newHandshakeError(remote, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return nil
}

// withTLSInfo adds the negotiated connection parameters to logger.
func withTLSInfo(logger zerolog.Logger, state tls.ConnectionState) zerolog.Logger {
	lc := logger.With().
		Str("tls_version", tls.VersionName(state.Version)).
		Str("cipher", tls.CipherSuiteName(state.CipherSuite))
	if state.ServerName != "" {
		lc = lc.Str("server_name", state.ServerName)
	}
	if state.NegotiatedProtocol != "" {
		lc = lc.Str("alpn", state.NegotiatedProtocol)
	}
	if len(state.PeerCertificates) > 0 {
		lc = lc.Str("peer_cn", state.PeerCertificates[0].Subject.CommonName)
	}
	return lc.Logger()
}
