package hello

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/tonic-hello-tls/internal/certs"
	"github.com/danmuck/tonic-hello-tls/internal/client"
	"github.com/danmuck/tonic-hello-tls/internal/greeter"
	"github.com/danmuck/tonic-hello-tls/internal/protocol/frame"
	"github.com/danmuck/tonic-hello-tls/internal/protocol/session"
	"github.com/danmuck/tonic-hello-tls/internal/rpc"
	"github.com/danmuck/tonic-hello-tls/internal/testutil/testlog"
	"github.com/danmuck/tonic-hello-tls/internal/testutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc    *Service
	ca     *tlstest.Authority
	dir    string
	cancel context.CancelFunc
	done   chan error
}

func testConfig(t *testing.T) (ServiceConfig, *tlstest.Authority) {
	t.Helper()
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "test-ca")
	ca.IssueServerIdentity(t, dir, []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TLSDir = dir
	cfg.ShutdownGrace = 2 * time.Second
	return cfg, ca
}

func startService(t *testing.T, cfg ServiceConfig, ca *tlstest.Authority, g rpc.Greeter) *harness {
	t.Helper()
	testlog.Start(t)
	if g == nil {
		g = greeter.NewService()
	}
	svc := NewServiceWithGreeter(cfg, g)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return svc.State() == StateServing && svc.Addr() != nil
	}, 5*time.Second, 10*time.Millisecond)

	h := &harness{svc: svc, ca: ca, dir: cfg.TLSDir, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Errorf("service did not stop")
		}
	})
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("service did not stop")
		return nil
	}
}

func (h *harness) dial(t *testing.T) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.Address = h.svc.Addr().String()
	cfg.TLS = session.ClientTLS{CAFile: h.ca.CAFile(), ServerName: "localhost"}
	cfg.MaxAttempts = 1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServeGreetsOverTLS(t *testing.T) {
	cfg, ca := testConfig(t)
	h := startService(t, cfg, ca, nil)
	c := h.dial(t)

	greeting, err := c.Greet(context.Background(), "World")
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", greeting)

	state := c.ConnectionState()
	assert.Equal(t, "localhost", state.PeerCertificates[0].Subject.CommonName)
}

func TestRunRejectsMismatchedKeyPair(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "test-ca")
	ca.IssueMismatchedIdentity(t, dir)
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TLSDir = dir

	err := NewService(cfg).Run(context.Background())
	require.True(t, certs.IsCertificateError(err), "expected CertificateError, got %v", err)
	assert.Equal(t, certs.ReasonMismatch, certs.ReasonOf(err))
}

func TestRunRejectsMissingIdentity(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TLSDir = t.TempDir()

	err := NewService(cfg).Run(context.Background())
	assert.Equal(t, certs.ReasonMissing, certs.ReasonOf(err))
}

func TestRunReportsBindError(t *testing.T) {
	cfg, ca := testConfig(t)
	h := startService(t, cfg, ca, nil)

	cfg.ListenAddr = h.svc.Addr().String()
	err := NewService(cfg).Run(context.Background())
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, cfg.ListenAddr, bindErr.Addr)
}

func TestConcurrentClients(t *testing.T) {
	cfg, ca := testConfig(t)
	h := startService(t, cfg, ca, nil)

	const clients = 16
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		c := h.dial(t)
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()
			name := fmt.Sprintf("client-%d", i)
			for j := 0; j < 5; j++ {
				got, err := c.Greet(context.Background(), name)
				if err != nil {
					errs <- err
					return
				}
				if got != "Hello, "+name+"!" {
					errs <- fmt.Errorf("unexpected greeting %q", got)
					return
				}
			}
		}(i, c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestTruncatedFrameThenHalfCloseGetsBadFrame(t *testing.T) {
	cfg, ca := testConfig(t)
	h := startService(t, cfg, ca, nil)

	conn, err := tls.Dial("tcp", h.svc.Addr().String(), &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    ca.Pool(),
		ServerName: "localhost",
	})
	require.NoError(t, err)
	defer conn.Close()

	raw, err := session.EncodeRequestFrame(session.Request{MessageID: 3, Method: session.MethodGreet, Name: "cut"}, frame.DefaultLimits())
	require.NoError(t, err)
	_, err = conn.Write(raw[:len(raw)-3])
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	f, err := session.ReadFrame(reader, frame.DefaultLimits())
	require.NoError(t, err)
	resp, err := session.DecodeResponseFrame(f)
	require.NoError(t, err)
	assert.Equal(t, session.CodeBadFrame, resp.ErrorCode)

	_, err = reader.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestGarbageHandshakeDoesNotStopListener(t *testing.T) {
	cfg, ca := testConfig(t)
	h := startService(t, cfg, ca, nil)

	raw, err := net.Dial("tcp", h.svc.Addr().String())
	require.NoError(t, err)
	_, _ = raw.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _ = io.ReadAll(raw)
	_ = raw.Close()

	greeting, err := h.dial(t).Greet(context.Background(), "after")
	require.NoError(t, err)
	assert.Equal(t, "Hello, after!", greeting)
}

func TestHandshakeTimeoutClosesConnection(t *testing.T) {
	cfg, ca := testConfig(t)
	cfg.Session.HandshakeTimeout = 100 * time.Millisecond
	h := startService(t, cfg, ca, nil)

	raw, err := net.Dial("tcp", h.svc.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = raw.Read(buf)
	require.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "server should close the silent connection, got %v", err)
}

type slowGreeter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newSlowGreeter() *slowGreeter {
	return &slowGreeter{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *slowGreeter) Greet(ctx context.Context, name string) (string, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return greeter.Greeting(name), nil
}

func TestShutdownFinishesInFlightRequest(t *testing.T) {
	cfg, ca := testConfig(t)
	g := newSlowGreeter()
	h := startService(t, cfg, ca, g)
	c := h.dial(t)
	addr := h.svc.Addr().String()

	result := make(chan string, 1)
	go func() {
		got, err := c.Greet(context.Background(), "inflight")
		if err != nil {
			result <- "error: " + err.Error()
			return
		}
		result <- got
	}()
	<-g.started

	stopped := make(chan error, 1)
	go func() { stopped <- h.stop(t) }()

	require.Eventually(t, func() bool {
		return h.svc.State() == StateDraining
	}, 2*time.Second, 5*time.Millisecond)

	_, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	assert.Error(t, err, "listener should be closed while draining")

	close(g.release)
	assert.Equal(t, "Hello, inflight!", <-result)
	require.NoError(t, <-stopped)
	assert.Equal(t, StateStopped, h.svc.State())
}

func TestShutdownClosesIdleConnectionsPromptly(t *testing.T) {
	cfg, ca := testConfig(t)
	cfg.ShutdownGrace = 5 * time.Second
	h := startService(t, cfg, ca, nil)
	c := h.dial(t)
	_, err := c.Greet(context.Background(), "idle")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.stop(t))
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = c.Greet(context.Background(), "again")
	assert.Error(t, err)
}

func TestShutdownForceClosesAfterGrace(t *testing.T) {
	cfg, ca := testConfig(t)
	cfg.ShutdownGrace = 150 * time.Millisecond
	g := newSlowGreeter()
	h := startService(t, cfg, ca, g)
	c := h.dial(t)

	result := make(chan error, 1)
	go func() {
		_, err := c.Greet(context.Background(), "stuck")
		result <- err
	}()
	<-g.started

	start := time.Now()
	require.NoError(t, h.stop(t))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Error(t, <-result)
}

func TestMutualTLSRequiresClientCertificate(t *testing.T) {
	cfg, ca := testConfig(t)
	cfg.ClientCAFile = ca.CAFile()
	h := startService(t, cfg, ca, nil)
	clientCert, clientKey := ca.IssueClientCert(t, h.dir, "greeter-client")

	ccfg := client.DefaultConfig()
	ccfg.Address = h.svc.Addr().String()
	ccfg.TLS = session.ClientTLS{CAFile: ca.CAFile(), ServerName: "localhost"}
	ccfg.MaxAttempts = 1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// TLS 1.3 clients finish before the server checks their certificate, so
	// the rejection may only show on the first call.
	anon, err := client.Dial(ctx, ccfg)
	if err == nil {
		_, err = anon.Greet(ctx, "anon")
		_ = anon.Close()
	}
	assert.Error(t, err)

	ccfg.TLS.CertFile = clientCert
	ccfg.TLS.KeyFile = clientKey
	c, err := client.Dial(ctx, ccfg)
	require.NoError(t, err)
	defer c.Close()
	greeting, err := c.Greet(ctx, "mutual")
	require.NoError(t, err)
	assert.Equal(t, "Hello, mutual!", greeting)
}

func TestRunServesAdminEndpoints(t *testing.T) {
	cfg, ca := testConfig(t)
	reserved, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.AdminListenAddr = reserved.Addr().String()
	require.NoError(t, reserved.Close())
	h := startService(t, cfg, ca, nil)

	base := "http://" + cfg.AdminListenAddr
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(base + "/readyz")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = h.dial(t).Greet(context.Background(), "metrics")
	require.NoError(t, err)

	mresp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(mresp.Body)
	_ = mresp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "tonic_rpc_requests_total")
}

func TestServeRequiresIdentity(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	err = NewService(DefaultServiceConfig()).Serve(context.Background(), ln)
	assert.ErrorIs(t, err, ErrIdentityNotLoaded)
}

func TestClassifyHandshake(t *testing.T) {
	cases := []struct {
		err  error
		want HandshakeReason
	}{
		{context.DeadlineExceeded, HandshakeTimeout},
		{io.EOF, HandshakeClientAbort},
		{tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, HandshakeProtocol},
		{&tls.CertificateVerificationError{Err: errors.New("x509: unknown authority")}, HandshakeCertificate},
		{errors.New("tls: client offered only unsupported versions"), HandshakeProtocol},
		{errors.New("something else"), HandshakeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyHandshake(tc.err), "err=%v", tc.err)
	}
}
