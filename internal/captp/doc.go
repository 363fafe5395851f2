// Package captp runs CapTP sessions between OCapN peers.
//
// Ownership boundary:
// - per-session capability table (slots, refcounts, questions, answers)
// - session dispatch and send, promise pipelining, GC signaling
// - bootstrap object, gift table and the three-party handoff
// - Client: session provider, sturdy refs, start-session exchange
// - local object helpers and the serial vat that invokes them
//
// Netlayers live in internal/netlayer and satisfy the Netlayer, Conn and
// Listener interfaces declared here.
package captp
