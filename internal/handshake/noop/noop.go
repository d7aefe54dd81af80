// Package noop implements a handshake.Handshake test double that
// completes instantly on Start and ignores every frame — used by
// internal/core tests where the handshake's real Noise logic is
// irrelevant to the behaviour under test (out of scope per spec.md §1).
package noop

import (
	"github.com/permissionlesstech/meshcore/internal/handshake"
	"github.com/permissionlesstech/meshcore/internal/ledger"
)

// Handshake is the no-op double.
type Handshake struct {
	signals chan handshake.PeerSignal
}

// New creates a Handshake that immediately signals Completed on Start.
func New() *Handshake {
	return &Handshake{signals: make(chan handshake.PeerSignal, 64)}
}

func (h *Handshake) Start(peer ledger.PeerAddress) error {
	h.signals <- handshake.PeerSignal{Peer: peer, Signal: handshake.Started}
	h.signals <- handshake.PeerSignal{Peer: peer, Signal: handshake.Completed}
	return nil
}

func (h *Handshake) OnFrame(peer ledger.PeerAddress, frame handshake.Frame) error {
	return nil
}

func (h *Handshake) Signals() <-chan handshake.PeerSignal {
	return h.signals
}
