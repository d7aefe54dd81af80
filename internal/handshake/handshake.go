// Package handshake declares the narrow boundary between the connection
// core and the Noise-pattern handshake state machine that spec.md §1
// explicitly treats as an external collaborator: the core only needs to
// start it, feed it frames, and learn when it completes or fails. No
// handshake logic — no Noise pattern, no key derivation — lives here.
package handshake

import "github.com/permissionlesstech/meshcore/internal/ledger"

// Signal is the black-box outcome reported back to the core.
type Signal int

const (
	// Started is emitted once a handshake begins on a link.
	Started Signal = iota
	// Completed is emitted once the handshake finishes and the link is Ready.
	Completed
	// Failed is emitted when the handshake aborts.
	Failed
)

// Frame is an opaque handshake protocol frame, consumed and produced by
// the external state machine; the core never interprets its bytes.
type Frame []byte

// Handshake is the capability the core consumes. An implementation lives
// outside this module; internal/handshake/noop provides a double for
// tests.
type Handshake interface {
	// Start begins a handshake with peer. The core calls this once a link
	// has been installed (ClientLink dialed or ServerLink accepted) and is
	// ready to carry protocol frames.
	Start(peer ledger.PeerAddress) error
	// OnFrame feeds an inbound handshake frame observed on peer's link.
	OnFrame(peer ledger.PeerAddress, frame Frame) error
	// Signals returns the channel the core drains for Started/Completed/
	// Failed notifications, each tagged with the peer they concern.
	Signals() <-chan PeerSignal
}

// PeerSignal pairs a Signal with the peer address it concerns.
type PeerSignal struct {
	Peer   ledger.PeerAddress
	Signal Signal
}
