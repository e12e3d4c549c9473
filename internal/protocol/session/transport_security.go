package session

import (
	"errors"
	"strings"
)

var (
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSClientPairIncomplete = errors.New("session: tls client cert and key must be set together")
)

// ServerTLS describes the listener's certificate material.
// A non-empty ClientCAFile turns on mutual TLS.
type ServerTLS struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

func (t ServerTLS) Mutual() bool {
	return strings.TrimSpace(t.ClientCAFile) != ""
}

func (t ServerTLS) Validate() error {
	if strings.TrimSpace(t.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(t.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	return nil
}

// ClientTLS describes how a client verifies the server and optionally
// presents its own certificate.
type ClientTLS struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

func (t ClientTLS) Validate() error {
	if strings.TrimSpace(t.CAFile) == "" && !t.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	hasCert := strings.TrimSpace(t.CertFile) != ""
	hasKey := strings.TrimSpace(t.KeyFile) != ""
	if hasCert != hasKey {
		return ErrTLSClientPairIncomplete
	}
	return nil
}
