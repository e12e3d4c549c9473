package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// File names the server loads from its tls directory.
const (
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server.key"
)

type Authority struct {
	cert   *x509.Certificate
	der    []byte
	key    *rsa.PrivateKey
	caPath string
}

func NewAuthority(t testing.TB, dir string, commonName string) *Authority {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}

	caPath := filepath.Join(dir, "ca.crt")
	if err := os.WriteFile(caPath, encodePEM("CERTIFICATE", der), 0o644); err != nil {
		t.Fatalf("write ca cert: %v", err)
	}

	return &Authority{
		cert:   cert,
		der:    der,
		key:    key,
		caPath: caPath,
	}
}

func (a *Authority) CAFile() string {
	return a.caPath
}

func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

// IssueServerIdentity writes server.pem (leaf followed by the CA) and
// server.key (PKCS#8) into dir, the layout the server expects.
func (a *Authority) IssueServerIdentity(t testing.TB, dir string, dnsNames []string, ips []net.IP) (string, string) {
	t.Helper()
	key := newRSAKey(t)
	der := a.sign(t, "localhost", x509.ExtKeyUsageServerAuth, dnsNames, ips, &key.PublicKey)

	chain := append(encodePEM("CERTIFICATE", der), encodePEM("CERTIFICATE", a.der)...)
	certPath := filepath.Join(dir, ServerCertFile)
	if err := os.WriteFile(certPath, chain, 0o644); err != nil {
		t.Fatalf("write server cert: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal server key: %v", err)
	}
	keyPath := filepath.Join(dir, ServerKeyFile)
	if err := os.WriteFile(keyPath, encodePEM("PRIVATE KEY", keyDER), 0o600); err != nil {
		t.Fatalf("write server key: %v", err)
	}
	return certPath, keyPath
}

// IssueECServerIdentity is IssueServerIdentity with a P-256 key in SEC 1 form.
func (a *Authority) IssueECServerIdentity(t testing.TB, dir string, dnsNames []string, ips []net.IP) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ec key: %v", err)
	}
	der := a.sign(t, "localhost", x509.ExtKeyUsageServerAuth, dnsNames, ips, &key.PublicKey)
	certPath := filepath.Join(dir, ServerCertFile)
	if err := os.WriteFile(certPath, encodePEM("CERTIFICATE", der), 0o644); err != nil {
		t.Fatalf("write server cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal ec key: %v", err)
	}
	keyPath := filepath.Join(dir, ServerKeyFile)
	if err := os.WriteFile(keyPath, encodePEM("EC PRIVATE KEY", keyDER), 0o600); err != nil {
		t.Fatalf("write ec key: %v", err)
	}
	return certPath, keyPath
}

// IssueMismatchedIdentity writes a valid server.pem alongside a server.key
// that belongs to a different key pair.
func (a *Authority) IssueMismatchedIdentity(t testing.TB, dir string) (string, string) {
	t.Helper()
	certPath, keyPath := a.IssueServerIdentity(t, dir, []string{"localhost"}, nil)
	other := newRSAKey(t)
	if err := os.WriteFile(keyPath, encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(other)), 0o600); err != nil {
		t.Fatalf("write mismatched key: %v", err)
	}
	return certPath, keyPath
}

func (a *Authority) IssueClientCert(t testing.TB, dir string, commonName string) (string, string) {
	t.Helper()
	return a.issueCert(t, dir, commonName, x509.ExtKeyUsageClientAuth, nil, nil)
}

func (a *Authority) issueCert(
	t testing.TB,
	dir string,
	commonName string,
	usage x509.ExtKeyUsage,
	dnsNames []string,
	ips []net.IP,
) (string, string) {
	t.Helper()

	key := newRSAKey(t)
	der := a.sign(t, commonName, usage, dnsNames, ips, &key.PublicKey)

	base := sanitize(commonName)
	certPath := filepath.Join(dir, fmt.Sprintf("%s.crt", base))
	keyPath := filepath.Join(dir, fmt.Sprintf("%s.key", base))

	if err := os.WriteFile(certPath, encodePEM("CERTIFICATE", der), 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}

func (a *Authority) sign(
	t testing.TB,
	commonName string,
	usage x509.ExtKeyUsage,
	dnsNames []string,
	ips []net.IP,
	pub any,
) []byte {
	t.Helper()
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, pub, a.key)
	if err != nil {
		t.Fatalf("create signed cert: %v", err)
	}
	return der
}

func newRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func encodePEM(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "cert"
	}
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}
