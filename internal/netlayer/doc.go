// Package netlayer carries CapTP sessions between peers.
//
// Ownership boundary:
// - tcp: framed messages over TCP, addressed by host/port hints
// - grpc: one bidirectional stream per session
// - loopback: in-process peers over net.Pipe, for tests and embedding
//
// Every netlayer satisfies captp.Netlayer; listeners satisfy captp.Listener.
package netlayer
