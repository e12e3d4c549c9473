// Package certs loads the server's TLS identity from PEM files.
package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultDir   = "tls"
	CertFileName = "server.pem"
	KeyFileName  = "server.key"
)

var (
	errNoCertificate = errors.New("no CERTIFICATE PEM block")
	errNoPrivateKey  = errors.New("no private key PEM block")
	errKeyMismatch   = errors.New("private key does not match leaf certificate")
)

// Identity is the certificate chain and private key the listener presents.
// It is immutable after Load returns.
type Identity struct {
	Chain      [][]byte
	PrivateKey crypto.PrivateKey
	Leaf       *x509.Certificate
	CertPath   string
	KeyPath    string
}

// TLSCertificate returns the identity in the form crypto/tls consumes.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: id.Chain,
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Leaf,
	}
}

func Load(dir string) (*Identity, error) {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir
	}
	return LoadFiles(filepath.Join(dir, CertFileName), filepath.Join(dir, KeyFileName))
}

func LoadFiles(certPath, keyPath string) (*Identity, error) {
	certPEM, err := readFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := readFile(keyPath)
	if err != nil {
		return nil, err
	}

	chain, leaf, err := parseChain(certPEM)
	if err != nil {
		return nil, &CertificateError{Reason: ReasonMalformed, Path: certPath, Err: err}
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, &CertificateError{Reason: ReasonMalformed, Path: keyPath, Err: err}
	}
	if !keyMatches(leaf.PublicKey, key) {
		return nil, &CertificateError{Reason: ReasonMismatch, Path: keyPath, Err: errKeyMismatch}
	}

	if now := time.Now(); now.After(leaf.NotAfter) || now.Before(leaf.NotBefore) {
		log.Warn().
			Str("cert", certPath).
			Time("not_before", leaf.NotBefore).
			Time("not_after", leaf.NotAfter).
			Msg("certs: leaf certificate outside its validity window")
	}
	log.Info().
		Str("cert", certPath).
		Str("subject", leaf.Subject.String()).
		Strs("dns_names", leaf.DNSNames).
		Int("chain_len", len(chain)).
		Time("not_after", leaf.NotAfter).
		Msg("certs: identity loaded")

	return &Identity{
		Chain:      chain,
		PrivateKey: key,
		Leaf:       leaf,
		CertPath:   certPath,
		KeyPath:    keyPath,
	}, nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CertificateError{Reason: ReasonMissing, Path: path, Err: err}
	}
	return data, nil
}

func parseChain(data []byte) ([][]byte, *x509.Certificate, error) {
	var chain [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, nil, errNoCertificate
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, nil, fmt.Errorf("parse leaf certificate: %w", err)
	}
	return chain, leaf, nil
}

func parsePrivateKey(data []byte) (crypto.PrivateKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errNoPrivateKey
		}
		if block.Type != "PRIVATE KEY" && !strings.HasSuffix(block.Type, " PRIVATE KEY") {
			continue
		}
		if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
			return key, nil
		}
		if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return key, nil
		}
		if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return key, nil
		}
		return nil, fmt.Errorf("unsupported private key encoding in %q block", block.Type)
	}
}

func keyMatches(pub crypto.PublicKey, priv crypto.PrivateKey) bool {
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		return k.PublicKey.Equal(pub)
	case *ecdsa.PrivateKey:
		return k.PublicKey.Equal(pub)
	case ed25519.PrivateKey:
		return k.Public().(ed25519.PublicKey).Equal(pub)
	default:
		return false
	}
}

// LoadPool reads a PEM bundle of CA certificates.
func LoadPool(path string) (*x509.CertPool, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, &CertificateError{Reason: ReasonMalformed, Path: path, Err: errNoCertificate}
	}
	return pool, nil
}
