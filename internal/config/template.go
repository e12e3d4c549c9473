package config

import (
	"fmt"
	"os"

	"github.com/danmuck/tonic-hello-tls/internal/hello"
	"github.com/pelletier/go-toml/v2"
)

// Render returns a config.toml populated with cfg.
func Render(cfg hello.ServiceConfig) ([]byte, error) {
	out := fileConfig{
		ListenAddr:       cfg.ListenAddr,
		TLSDir:           cfg.TLSDir,
		TLSCertFile:      cfg.CertFile,
		TLSKeyFile:       cfg.KeyFile,
		ClientCAFile:     cfg.ClientCAFile,
		AdminListenAddr:  cfg.AdminListenAddr,
		AdminToken:       cfg.AdminToken,
		ShutdownGrace:    cfg.ShutdownGrace.String(),
		HandshakeTimeout: cfg.Session.HandshakeTimeout.String(),
		ReadTimeout:      cfg.Session.ReadTimeout.String(),
		WriteTimeout:     cfg.Session.WriteTimeout.String(),
		MaxPayloadBytes:  cfg.Session.MaxPayloadBytes,
	}
	data, err := toml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("config render failed: %w", err)
	}
	return data, nil
}

// WriteTemplate writes the default config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	data, err := Render(hello.DefaultServiceConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
