// Package session owns the greet connection contract on top of frame and tlv.
//
// Ownership boundary:
// - greet request/response envelopes
// - decode error taxonomy and wire error codes
// - connection timeouts, transport security checks, retry backoff
package session
