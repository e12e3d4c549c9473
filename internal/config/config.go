// Package config loads the tonic-hello-tls TOML file and renders starter
// templates for it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/tonic-hello-tls/internal/hello"
)

// fileConfig maps config.toml keys onto hello.ServiceConfig.
type fileConfig struct {
	ListenAddr       string `toml:"listen_addr" comment:"address the TLS greet listener binds"`
	TLSDir           string `toml:"tls_dir" comment:"directory holding server.pem and server.key"`
	TLSCertFile      string `toml:"tls_cert_file" comment:"explicit certificate chain path, overrides tls_dir"`
	TLSKeyFile       string `toml:"tls_key_file" comment:"explicit private key path, overrides tls_dir"`
	ClientCAFile     string `toml:"client_ca_file" comment:"CA bundle for client certificates; set to require mutual TLS"`
	AdminListenAddr  string `toml:"admin_listen_addr" comment:"health and metrics HTTP address; empty disables it"`
	AdminToken       string `toml:"admin_token" comment:"bearer token guarding /readyz and /metrics"`
	ShutdownGrace    string `toml:"shutdown_grace" comment:"time in-flight requests get to finish on shutdown"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	ReadTimeout      string `toml:"read_timeout" comment:"idle time allowed between requests on one connection"`
	WriteTimeout     string `toml:"write_timeout"`
	MaxPayloadBytes  uint64 `toml:"max_payload_bytes"`
}

// Load reads path and overlays every defined key onto
// hello.DefaultServiceConfig.
func Load(path string) (hello.ServiceConfig, error) {
	cfg := hello.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return hello.ServiceConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return hello.ServiceConfig{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("tls_dir") {
		cfg.TLSDir = strings.TrimSpace(raw.TLSDir)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("client_ca_file") {
		cfg.ClientCAFile = strings.TrimSpace(raw.ClientCAFile)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.Session.MaxPayloadBytes = raw.MaxPayloadBytes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"shutdown_grace", raw.ShutdownGrace, &cfg.ShutdownGrace},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.Session.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return hello.ServiceConfig{}, fmt.Errorf("config parse failed (%s): %s: %w", path, d.key, err)
		}
		*d.dst = v
	}

	if err := Validate(cfg); err != nil {
		return hello.ServiceConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg hello.ServiceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	timeouts := map[string]time.Duration{
		"handshake_timeout": cfg.Session.HandshakeTimeout,
		"read_timeout":      cfg.Session.ReadTimeout,
		"write_timeout":     cfg.Session.WriteTimeout,
	}
	for key, v := range timeouts {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if cfg.Session.MaxPayloadBytes == 0 {
		return fmt.Errorf("max_payload_bytes must be positive")
	}
	if strings.TrimSpace(cfg.AdminToken) != "" && strings.TrimSpace(cfg.AdminListenAddr) == "" {
		return fmt.Errorf("admin_token set without admin_listen_addr")
	}
	return nil
}
