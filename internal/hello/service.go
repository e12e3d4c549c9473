package hello

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tonic-hello-tls/internal/certs"
	"github.com/danmuck/tonic-hello-tls/internal/greeter"
	"github.com/danmuck/tonic-hello-tls/internal/observability"
	"github.com/danmuck/tonic-hello-tls/internal/rpc"
	"github.com/danmuck/tonic-hello-tls/internal/server"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Lifecycle states reported by State.
const (
	StateStarting = "starting"
	StateServing  = "serving"
	StateDraining = "draining"
	StateStopped  = "stopped"
)

type Service struct {
	cfg        ServiceConfig
	dispatcher *rpc.Dispatcher
	logger     zerolog.Logger

	identity  *certs.Identity
	tlsConfig *tls.Config

	state    atomic.Value
	draining atomic.Bool

	addrMu sync.Mutex
	addr   net.Addr

	connsMu sync.Mutex
	conns   map[*trackedConn]struct{}
	wg      sync.WaitGroup
}

func NewService(cfg ServiceConfig) *Service {
	return NewServiceWithGreeter(cfg, greeter.NewService())
}

// NewServiceWithGreeter is NewService with a caller-supplied handler.
func NewServiceWithGreeter(cfg ServiceConfig, g rpc.Greeter) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	cfg.Session = cfg.Session.WithDefaults()
	s := &Service{
		cfg:        cfg,
		dispatcher: rpc.NewDispatcher(g, cfg.Session),
		logger:     log.Logger.With().Str("component", "hello").Logger(),
		conns:      make(map[*trackedConn]struct{}),
	}
	s.state.Store(StateStarting)
	return s
}

func (s *Service) State() string {
	return s.state.Load().(string)
}

// Addr returns the bound listener address once serving.
func (s *Service) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Run loads the identity, binds, serves until ctx is cancelled, then drains.
// Startup failures are returned as *certs.CertificateError or *BindError.
func (s *Service) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := s.LoadIdentity(); err != nil {
		return err
	}
	defer s.releaseIdentity()

	ln, err := s.Listen()
	if err != nil {
		return err
	}

	var admin *server.Admin
	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		admin = server.NewAdmin(server.Config{
			Addr:    addr,
			Token:   s.cfg.AdminToken,
			Version: s.cfg.Version,
		}, s.State, s.logger.With().Str("surface", "admin").Logger())
		adminLn, err := admin.Listen()
		if err != nil {
			_ = ln.Close()
			return &BindError{Addr: addr, Err: err}
		}
		s.logger.Info().Str("addr", adminLn.Addr().String()).Msg("admin listening")
		go func() {
			adminErr <- admin.Serve(adminLn)
		}()
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(serveCtx, ln)
	}()

	select {
	case err = <-serveErr:
	case aerr := <-adminErr:
		s.logger.Error().Err(aerr).Msg("admin server failed")
		cancel()
		err = errors.Join(aerr, <-serveErr)
	}

	if admin != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := admin.Shutdown(shutdownCtx); serr != nil {
			s.logger.Warn().Err(serr).Msg("admin shutdown")
		}
		done()
	}
	s.logger.Info().Msg("stopped")
	return err
}

// LoadIdentity reads the certificate material and builds the TLS config.
func (s *Service) LoadIdentity() error {
	t := s.cfg.ServerTLS()
	id, err := certs.LoadFiles(t.CertFile, t.KeyFile)
	if err != nil {
		return err
	}
	cfg, err := serverTLSConfig(id, t)
	if err != nil {
		return err
	}
	s.identity = id
	s.tlsConfig = cfg
	return nil
}

func (s *Service) releaseIdentity() {
	s.identity = nil
	s.tlsConfig = nil
}

// Serve runs the accept loop on ln until ctx is cancelled or ln fails, then
// drains open connections within ShutdownGrace.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if s.tlsConfig == nil {
		return ErrIdentityNotLoaded
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	// Connection work outlives ctx until the grace period ends.
	connCtx, forceClose := context.WithCancel(context.WithoutCancel(ctx))
	defer forceClose()

	s.state.Store(StateServing)
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("mtls", s.cfg.ServerTLS().Mutual()).
		Msg("listening")

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- s.acceptLoop(connCtx, ln)
	}()

	var err error
	select {
	case <-ctx.Done():
		_ = ln.Close()
		<-acceptErr
	case err = <-acceptErr:
		_ = ln.Close()
	}

	s.drain(forceClose)
	s.state.Store(StateStopped)
	return err
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		observability.RecordConnAccepted()
		tc, ok := s.trackConn(conn, uuid.NewString())
		if !ok {
			_ = conn.Close()
			continue
		}
		go s.handleConn(ctx, tc)
	}
}

func (s *Service) drain(forceClose context.CancelFunc) {
	s.state.Store(StateDraining)
	busy := s.beginDrain()
	s.logger.Info().
		Int("in_flight", busy).
		Dur("grace", s.cfg.ShutdownGrace).
		Msg("draining")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn().Msg("grace period elapsed, closing remaining connections")
		forceClose()
		s.closeAllConns()
		<-done
	}
}

func (s *Service) handleConn(ctx context.Context, tc *trackedConn) {
	defer s.wg.Done()
	defer s.untrackConn(tc)
	defer tc.forceClose()

	remote := tc.RemoteAddr().String()
	logger := s.logger.With().Str("conn_id", tc.id).Str("remote", remote).Logger()

	tlsConn := tls.Server(tc, s.tlsConfig)
	if err := s.handshake(ctx, tlsConn, remote); err != nil {
		var herr *HandshakeError
		errors.As(err, &herr)
		if s.draining.Load() {
			logger.Debug().Err(err).Msg("handshake interrupted by shutdown")
			return
		}
		observability.RecordHandshakeFailure(string(herr.Reason))
		logger.Warn().Err(herr.Err).Str("reason", string(herr.Reason)).Msg("tls handshake failed")
		return
	}

	logger = withTLSInfo(logger, tlsConn.ConnectionState())
	logger.Debug().Msg("connection established")
	closed := observability.ConnOpened()
	defer closed()

	s.dispatcher.Handle(logger.WithContext(ctx), tlsConn, tc)
	_ = tlsConn.Close()
	logger.Debug().Msg("connection closed")
}
