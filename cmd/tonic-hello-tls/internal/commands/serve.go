package commands

import (
	"context"
	"strings"
	"time"

	"github.com/danmuck/tonic-hello-tls/internal/hello"
	"github.com/danmuck/tonic-hello-tls/internal/observability"
)

// ServeCmd flags override the config file, which overrides defaults.
type ServeCmd struct {
	Config      string        `help:"Path to config.toml." env:"TONIC_CONFIG" type:"path"`
	Listen      string        `help:"Listen address (default [::]:50051)." env:"TONIC_LISTEN"`
	TLSDir      string        `name:"tls-dir" help:"Directory with server.pem and server.key (default tls)." env:"TONIC_TLS_DIR"`
	ClientCA    string        `name:"client-ca" help:"CA bundle for client certificates; enables mutual TLS." env:"TONIC_CLIENT_CA" type:"path"`
	AdminListen string        `name:"admin-listen" help:"Health and metrics HTTP address." env:"TONIC_ADMIN_LISTEN"`
	AdminToken  string        `name:"admin-token" help:"Bearer token for /readyz and /metrics." env:"TONIC_ADMIN_TOKEN"`
	Grace       time.Duration `help:"Shutdown grace period (default 10s)." env:"TONIC_SHUTDOWN_GRACE"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	logger := observability.InitLogger("tonic-hello-tls")

	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	c.apply(&cfg)
	cfg.Version = globals.Version

	logger.Info().
		Str("version", globals.Version).
		Str("listen", cfg.ListenAddr).
		Str("cert", cfg.ServerTLS().CertFile).
		Msg("starting")
	return hello.NewService(cfg).Run(ctx)
}

func (c *ServeCmd) apply(cfg *hello.ServiceConfig) {
	if v := strings.TrimSpace(c.Listen); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(c.TLSDir); v != "" {
		cfg.TLSDir = v
		cfg.CertFile = ""
		cfg.KeyFile = ""
	}
	if v := strings.TrimSpace(c.ClientCA); v != "" {
		cfg.ClientCAFile = v
	}
	if v := strings.TrimSpace(c.AdminListen); v != "" {
		cfg.AdminListenAddr = v
	}
	if v := strings.TrimSpace(c.AdminToken); v != "" {
		cfg.AdminToken = v
	}
	if c.Grace > 0 {
		cfg.ShutdownGrace = c.Grace
	}
}
