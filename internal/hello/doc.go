// Package hello runs the TLS greet listener.
//
// Ownership boundary:
// - startup sequence: identity load, bind, admin surface, serve
// - per-connection TLS handshake and handoff to the rpc dispatcher
// - graceful drain on shutdown
package hello
