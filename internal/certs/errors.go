package certs

import (
	"errors"
	"fmt"
)

// Reason classifies a certificate load failure.
type Reason string

const (
	ReasonMissing   Reason = "missing"
	ReasonMalformed Reason = "malformed"
	ReasonMismatch  Reason = "mismatch"
)

// CertificateError is returned for any failure loading the server identity.
// It is always fatal to startup.
type CertificateError struct {
	Reason Reason
	Path   string
	Err    error
}

func (e *CertificateError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("certs: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("certs: %s %s: %v", e.Reason, e.Path, e.Err)
}

func (e *CertificateError) Unwrap() error {
	return e.Err
}

func IsCertificateError(err error) bool {
	var ce *CertificateError
	return errors.As(err, &ce)
}

// ReasonOf returns the failure reason, or "" when err is not a CertificateError.
func ReasonOf(err error) Reason {
	var ce *CertificateError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}
