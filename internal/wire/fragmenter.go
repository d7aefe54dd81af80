package wire

import "crypto/rand"

// MinFragmentPayload é o menor número de bytes de payload que Split coloca
// em cada fragmento, mesmo quando mtu não comporta o cabeçalho fixo mais o
// destinatário.
const MinFragmentPayload = 1

// NewFragmentID gera um identificador de fragmentação aleatório.
func NewFragmentID() [FragmentIDSize]byte {
	var id [FragmentIDSize]byte
	_, _ = rand.Read(id[:])
	return id
}

// Split fragmenta payload em um ou mais Fragment para caber em mtu bytes
// por escrita GATT, preservando ttl e originalType em cada fragmento.
// Quando mtu comporta o cabeçalho fixo, o destinatário e ao menos
// MinFragmentPayload byte, cada fragmento codificado terá no máximo mtu
// bytes, incluindo cabeçalho e destinatário. Abaixo disso, cada fragmento
// carrega MinFragmentPayload byte de payload e excede mtu.
func Split(payload []byte, originalType FrameType, recipient []byte, mtu int, ttl uint8, fragmentID [FragmentIDSize]byte) []*Fragment {
	overhead := headerFixedSize + len(recipient)
	chunk := mtu - overhead
	if chunk < MinFragmentPayload {
		chunk = MinFragmentPayload
	}

	if len(payload) == 0 {
		return []*Fragment{{
			FragmentID:   fragmentID,
			Index:        0,
			Total:        1,
			TTL:          ttl,
			OriginalType: originalType,
			Recipient:    recipient,
			Payload:      nil,
		}}
	}

	total := (len(payload) + chunk - 1) / chunk
	frags := make([]*Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, &Fragment{
			FragmentID:   fragmentID,
			Index:        uint16(i),
			Total:        uint16(total),
			TTL:          ttl,
			OriginalType: originalType,
			Recipient:    recipient,
			Payload:      payload[start:end],
		})
	}
	return frags
}
