package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/tonic-hello-tls/internal/certs"
	"github.com/danmuck/tonic-hello-tls/internal/greeter"
	"github.com/danmuck/tonic-hello-tls/internal/protocol/frame"
	"github.com/danmuck/tonic-hello-tls/internal/protocol/session"
	"github.com/danmuck/tonic-hello-tls/internal/rpc"
	"github.com/danmuck/tonic-hello-tls/internal/testutil/testlog"
	"github.com/danmuck/tonic-hello-tls/internal/testutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	ca   *tlstest.Authority
	addr string
}

func serverConfig(t *testing.T, dir string) (*tlstest.Authority, *tls.Config) {
	t.Helper()
	ca := tlstest.NewAuthority(t, dir, "test-ca")
	ca.IssueServerIdentity(t, dir, []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	id, err := certs.Load(dir)
	require.NoError(t, err)
	return ca, &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{id.TLSCertificate()},
	}
}

func serveTLS(t *testing.T, ln net.Listener, tlsCfg *tls.Config, g rpc.Greeter) {
	t.Helper()
	if g == nil {
		g = greeter.NewService()
	}
	d := rpc.NewDispatcher(g, session.DefaultConfig())
	var wg sync.WaitGroup
	tlsLn := tls.NewListener(ln, tlsCfg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := tlsLn.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				d.Handle(context.Background(), conn, nil)
			}()
		}
	}()
	t.Cleanup(func() {
		_ = tlsLn.Close()
		wg.Wait()
	})
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	return startServerWith(t, nil)
}

func startServerWith(t *testing.T, g rpc.Greeter) *testServer {
	t.Helper()
	testlog.Start(t)
	ca, tlsCfg := serverConfig(t, t.TempDir())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveTLS(t, ln, tlsCfg, g)
	return &testServer{ca: ca, addr: ln.Addr().String()}
}

func fastConfig(addr, caFile string) Config {
	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.TLS = session.ClientTLS{CAFile: caFile, ServerName: "localhost"}
	cfg.Session.Backoff = session.BackoffConfig{
		InitialDelay: 20 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     100 * time.Millisecond,
	}
	return cfg
}

func TestGreetRoundTrip(t *testing.T) {
	srv := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, fastConfig(srv.addr, srv.ca.CAFile()))
	require.NoError(t, err)
	defer c.Close()

	greeting, err := c.Greet(ctx, "World")
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", greeting)

	// same connection serves a second call
	greeting, err = c.Greet(ctx, "again")
	require.NoError(t, err)
	assert.Equal(t, "Hello, again!", greeting)
	assert.Equal(t, uint16(tls.VersionTLS13), c.ConnectionState().Version)
}

func TestCallReturnsRemoteError(t *testing.T) {
	srv := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, fastConfig(srv.addr, srv.ca.CAFile()))
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Call(ctx, session.Request{MessageID: 42, Method: "Nope"})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, session.CodeUnknownMethod, remote.Code)
	assert.Equal(t, uint64(42), resp.MessageID)
}

func TestDialRetriesUntilListenerAppears(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca, tlsCfg := serverConfig(t, dir)

	reserved, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := reserved.Addr().String()
	require.NoError(t, reserved.Close())

	go func() {
		time.Sleep(60 * time.Millisecond)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		serveTLS(t, ln, tlsCfg, nil)
	}()

	cfg := fastConfig(addr, ca.CAFile())
	cfg.MaxAttempts = 20
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, cfg)
	require.NoError(t, err)
	defer c.Close()
	greeting, err := c.Greet(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, "Hello, late!", greeting)
}

func TestDialUnknownAuthorityIsPermanent(t *testing.T) {
	srv := startServer(t)
	other := tlstest.NewAuthority(t, t.TempDir(), "other-ca")

	cfg := fastConfig(srv.addr, other.CAFile())
	cfg.MaxAttempts = 10
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := Dial(ctx, cfg)
	var verifyErr *tls.CertificateVerificationError
	require.True(t, errors.As(err, &verifyErr), "expected verification error, got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDialValidatesConfig(t *testing.T) {
	testlog.Start(t)
	_, err := Dial(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrAddressRequired)

	_, err = Dial(context.Background(), Config{Address: "localhost:1"})
	assert.ErrorIs(t, err, session.ErrTLSCAFileRequired)
}

func TestCallAfterClose(t *testing.T) {
	srv := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, fastConfig(srv.addr, srv.ca.CAFile()))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	_, err = c.Greet(ctx, "x")
	assert.ErrorIs(t, err, ErrClosed)
}

// delayedGreeter answers names starting with "slow" after delay.
type delayedGreeter struct {
	delay time.Duration
}

func (g delayedGreeter) Greet(ctx context.Context, name string) (string, error) {
	if strings.HasPrefix(name, "slow") {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return greeter.Greeting(name), nil
}

func TestExpiredCallClosesClient(t *testing.T) {
	srv := startServerWith(t, delayedGreeter{delay: 300 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, fastConfig(srv.addr, srv.ca.CAFile()))
	require.NoError(t, err)
	defer c.Close()

	short, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = c.Greet(short, "slow")
	shortCancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the late response is still in flight; the client must not read it as
	// the answer to a new call
	time.Sleep(400 * time.Millisecond)
	for i := 0; i < 3; i++ {
		_, err = c.Greet(ctx, "fast")
		assert.ErrorIs(t, err, ErrClosed)
	}

	fresh, err := Dial(ctx, fastConfig(srv.addr, srv.ca.CAFile()))
	require.NoError(t, err)
	defer fresh.Close()
	greeting, err := fresh.Greet(ctx, "fast")
	require.NoError(t, err)
	assert.Equal(t, "Hello, fast!", greeting)
}

func TestCallRejectsMismatchedResponseBeforeStatus(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca, tlsCfg := serverConfig(t, dir)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tlsLn := tls.NewListener(ln, tlsCfg)
	defer tlsLn.Close()

	// answers every request with a stale error response for id 99
	go func() {
		conn, err := tlsLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for {
			if _, err := session.ReadFrame(reader, frame.DefaultLimits()); err != nil {
				return
			}
			raw, err := session.EncodeResponseFrame(session.ErrorResponse(99, session.CodeInternal, "stale"), frame.DefaultLimits())
			if err != nil {
				return
			}
			if _, err := conn.Write(raw); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, fastConfig(ln.Addr().String(), ca.CAFile()))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Greet(ctx, "World")
	require.Error(t, err)
	var remote *RemoteError
	assert.False(t, errors.As(err, &remote), "stale error response attributed to this call: %v", err)
	assert.Contains(t, err.Error(), "mismatch")

	_, err = c.Greet(ctx, "World")
	assert.ErrorIs(t, err, ErrClosed)
}
