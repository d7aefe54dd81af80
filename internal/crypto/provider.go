package crypto

import (
	"fmt"

	"github.com/permissionlesstech/meshcore/internal/ledger"
)

// Provider adapts EncryptionService to transport.CryptoProvider, the
// narrow boundary spec.md §1/§4.6 treats as an external collaborator:
// the connection core only ever calls Encrypt before handing a payload
// to TransportQueue, never touching key agreement or signing directly.
type Provider struct {
	svc *EncryptionService
}

// NewProvider wraps an already-initialized EncryptionService.
func NewProvider(svc *EncryptionService) *Provider {
	return &Provider{svc: svc}
}

// Encrypt implements transport.CryptoProvider. It treats recipient as the
// peerID under which the caller previously registered a public key via
// AddPeerPublicKey (e.g. once the handshake black box completes and
// hands the core a peer's combined public-key data); EncryptForPeer
// returns ErrNoSharedSecret, surfaced unchanged, when no such key exists.
func (p *Provider) Encrypt(recipient ledger.PeerAddress, plaintext []byte) ([]byte, error) {
	ciphertext, err := p.svc.EncryptForPeer(plaintext, string(recipient))
	if err != nil {
		return nil, fmt.Errorf("crypto provider: %w", err)
	}
	return ciphertext, nil
}
