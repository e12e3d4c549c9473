// Package client dials the greet listener over TLS and issues calls on a
// persistent connection.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/danmuck/tonic-hello-tls/internal/certs"
	"github.com/danmuck/tonic-hello-tls/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("client: address required")
	ErrClosed          = errors.New("client: connection closed")
)

type Config struct {
	Address     string
	TLS         session.ClientTLS
	Session     session.Config
	MaxAttempts uint
}

func DefaultConfig() Config {
	return Config{
		Session:     session.DefaultConfig(),
		MaxAttempts: 3,
	}
}

// RemoteError is an error-status response returned by the server.
type RemoteError struct {
	MessageID uint64
	Code      session.ErrorCode
	Detail    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("client: remote error %s (message_id=%d): %s", e.Code, e.MessageID, e.Detail)
}

type Client struct {
	cfg    Config
	conn   *tls.Conn
	reader *bufio.Reader

	mu     sync.Mutex
	nextID atomic.Uint64
	closed atomic.Bool
}

// Dial connects and completes the TLS handshake, retrying transient failures
// with exponential backoff. Certificate verification failures are not retried.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if err := cfg.TLS.Validate(); err != nil {
		return nil, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	tlsCfg, err := clientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	attempt := 0
	conn, err := backoff.Retry(ctx, func() (*tls.Conn, error) {
		attempt++
		conn, err := dial(ctx, cfg, tlsCfg)
		if err == nil {
			return conn, nil
		}
		var verifyErr *tls.CertificateVerificationError
		if errors.As(err, &verifyErr) {
			return nil, backoff.Permanent(err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", cfg.Address).Msg("client: dial failed")
		return nil, err
	},
		backoff.WithBackOff(cfg.Session.Backoff.ExponentialBackOff()),
		backoff.WithMaxTries(cfg.MaxAttempts),
	)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, conn: conn, reader: bufio.NewReader(conn)}, nil
}

func dial(ctx context.Context, cfg Config, tlsCfg *tls.Config) (*tls.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func clientTLSConfig(cfg Config) (*tls.Config, error) {
	t := cfg.TLS
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(t.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	out.ServerName = serverName

	if caPath := strings.TrimSpace(t.CAFile); caPath != "" {
		pool, err := certs.LoadPool(caPath)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}

	if strings.TrimSpace(t.CertFile) != "" {
		id, err := certs.LoadFiles(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, err
		}
		out.Certificates = []tls.Certificate{id.TLSCertificate()}
	}
	return out, nil
}

// Greet calls the Greet method and returns the greeting.
func (c *Client) Greet(ctx context.Context, name string) (string, error) {
	resp, err := c.Call(ctx, session.Request{Method: session.MethodGreet, Name: name})
	if err != nil {
		return "", err
	}
	return resp.Greeting, nil
}

// Call sends req and waits for its response. A zero MessageID is assigned
// automatically. Error-status responses are returned as *RemoteError along
// with the response.
//
// Any transport failure, including ctx ending mid-call, leaves the stream
// position unknown: the connection is closed and later calls fail with
// ErrClosed.
func (c *Client) Call(ctx context.Context, req session.Request) (session.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return session.Response{}, ErrClosed
	}
	if req.MessageID == 0 {
		req.MessageID = c.nextID.Add(1)
	}
	raw, err := session.EncodeRequestFrame(req, c.cfg.Session.Limits())
	if err != nil {
		return session.Response{}, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.setWriteDeadline(ctx); err != nil {
		return session.Response{}, c.broken(ctx, err)
	}
	if _, err := c.conn.Write(raw); err != nil {
		return session.Response{}, c.broken(ctx, err)
	}
	if err := c.setReadDeadline(ctx); err != nil {
		return session.Response{}, c.broken(ctx, err)
	}
	fr, err := session.ReadFrame(c.reader, c.cfg.Session.Limits())
	if err != nil {
		return session.Response{}, c.broken(ctx, err)
	}
	resp, err := session.DecodeResponseFrame(fr)
	if err != nil {
		return session.Response{}, c.broken(ctx, err)
	}
	if resp.MessageID != req.MessageID {
		return resp, c.broken(ctx, fmt.Errorf("client: response/request mismatch message_id=%d response_id=%d", req.MessageID, resp.MessageID))
	}
	if resp.Status == session.StatusError {
		return resp, &RemoteError{MessageID: resp.MessageID, Code: resp.ErrorCode, Detail: resp.ErrorDetail}
	}
	return resp, nil
}

// broken closes the connection after a failure that desynchronised it.
func (c *Client) broken(ctx context.Context, err error) error {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.conn.Close()
	}
	log.Debug().Err(err).Str("addr", c.cfg.Address).Msg("client: connection closed after failed call")
	return ctxErr(ctx, err)
}

func (c *Client) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState()
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) setWriteDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.cfg.Session.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return c.conn.SetWriteDeadline(deadline)
}

func (c *Client) setReadDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.cfg.Session.ReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return c.conn.SetReadDeadline(deadline)
}

func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}
