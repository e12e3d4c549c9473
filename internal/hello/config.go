package hello

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/tonic-hello-tls/internal/certs"
	"github.com/danmuck/tonic-hello-tls/internal/protocol/session"
)

var (
	ErrListenAddrRequired = errors.New("hello: listen address required")
	ErrNegativeGrace      = errors.New("hello: shutdown grace must not be negative")
)

// ServiceConfig configures the greet listener.
type ServiceConfig struct {
	ListenAddr      string
	TLSDir          string
	CertFile        string
	KeyFile         string
	ClientCAFile    string
	AdminListenAddr string
	AdminToken      string
	ShutdownGrace   time.Duration
	Version         string
	Session         session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:    "[::]:50051",
		TLSDir:        certs.DefaultDir,
		ShutdownGrace: 10 * time.Second,
		Version:       "dev",
		Session:       session.DefaultConfig(),
	}
}

// ServerTLS resolves certificate paths. Explicit files win over TLSDir.
func (c ServiceConfig) ServerTLS() session.ServerTLS {
	dir := strings.TrimSpace(c.TLSDir)
	if dir == "" {
		dir = certs.DefaultDir
	}
	out := session.ServerTLS{
		CertFile:     strings.TrimSpace(c.CertFile),
		KeyFile:      strings.TrimSpace(c.KeyFile),
		ClientCAFile: strings.TrimSpace(c.ClientCAFile),
	}
	if out.CertFile == "" {
		out.CertFile = filepath.Join(dir, certs.CertFileName)
	}
	if out.KeyFile == "" {
		out.KeyFile = filepath.Join(dir, certs.KeyFileName)
	}
	return out
}

func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return ErrListenAddrRequired
	}
	if c.ShutdownGrace < 0 {
		return ErrNegativeGrace
	}
	s := c.Session
	if s.HandshakeTimeout < 0 || s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.ConnectTimeout < 0 {
		return fmt.Errorf("hello: session timeouts must not be negative")
	}
	return c.ServerTLS().Validate()
}
