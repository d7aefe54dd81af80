package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := &Fragment{
		FragmentID:   NewFragmentID(),
		Index:        2,
		Total:        5,
		TTL:          7,
		OriginalType: FrameMessage,
		Recipient:    []byte("peer-42"),
		Payload:      []byte("hello mesh"),
	}

	encoded := Encode(f)
	got, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}

	if got.FragmentID != f.FragmentID {
		t.Errorf("FragmentID mismatch: got %x want %x", got.FragmentID, f.FragmentID)
	}
	if got.Index != f.Index || got.Total != f.Total {
		t.Errorf("index/total mismatch: got %d/%d want %d/%d", got.Index, got.Total, f.Index, f.Total)
	}
	if got.TTL != f.TTL {
		t.Errorf("TTL mismatch: got %d want %d", got.TTL, f.TTL)
	}
	if got.OriginalType != f.OriginalType {
		t.Errorf("OriginalType mismatch: got %d want %d", got.OriginalType, f.OriginalType)
	}
	if !bytes.Equal(got.Recipient, f.Recipient) {
		t.Errorf("Recipient mismatch: got %q want %q", got.Recipient, f.Recipient)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("Payload mismatch: got %q want %q", got.Payload, f.Payload)
	}
}

func TestEncodeZeroLengthPayload(t *testing.T) {
	f := &Fragment{FragmentID: NewFragmentID(), Index: 0, Total: 1, TTL: 3, OriginalType: FrameACK}
	got, err := Decode(Encode(f))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(got.Payload))
	}
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode([]byte{Magic, 1, 2, 3})
	if err != ErrTooShort {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	f := &Fragment{FragmentID: NewFragmentID(), Index: 0, Total: 1, TTL: 1, OriginalType: FrameMessage}
	encoded := Encode(f)
	encoded[0] = 0xFF
	_, err := Decode(encoded)
	if err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeTruncatedRecipient(t *testing.T) {
	f := &Fragment{FragmentID: NewFragmentID(), Index: 0, Total: 1, TTL: 1, OriginalType: FrameMessage, Recipient: []byte("abcdef")}
	encoded := Encode(f)
	truncated := encoded[:len(encoded)-3]
	_, err := Decode(truncated)
	if err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestTTLOffsetIsStable(t *testing.T) {
	f := &Fragment{FragmentID: NewFragmentID(), Index: 0, Total: 1, TTL: 9, OriginalType: FrameMessage}
	encoded := Encode(f)
	if encoded[TTLOffset] != 9 {
		t.Fatalf("expected TTL byte at offset %d to be 9, got %d", TTLOffset, encoded[TTLOffset])
	}
}

func TestDecrementTTLSaturatesAtZero(t *testing.T) {
	f := &Fragment{FragmentID: NewFragmentID(), Index: 0, Total: 1, TTL: 1, OriginalType: FrameMessage}
	encoded := Encode(f)

	ttl, err := DecrementTTL(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ttl != 0 {
		t.Fatalf("expected TTL 0 after decrementing from 1, got %d", ttl)
	}

	ttl, err = DecrementTTL(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ttl != 0 {
		t.Fatalf("expected TTL to remain saturated at 0, got %d", ttl)
	}
}

func TestDecrementTTLReflectsInDecode(t *testing.T) {
	f := &Fragment{FragmentID: NewFragmentID(), Index: 0, Total: 1, TTL: 4, OriginalType: FrameMessage}
	encoded := Encode(f)
	if _, err := DecrementTTL(encoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if got.TTL != 3 {
		t.Errorf("expected decoded TTL 3, got %d", got.TTL)
	}
}

func TestSplitRespectsMTU(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 137)
	id := NewFragmentID()
	frags := Split(payload, FrameMessage, []byte("r"), 32, 5, id)

	if len(frags) < 2 {
		t.Fatalf("expected payload to split into multiple fragments, got %d", len(frags))
	}

	var reassembled []byte
	for i, f := range frags {
		if f.Total != uint16(len(frags)) {
			t.Errorf("fragment %d: Total mismatch: got %d want %d", i, f.Total, len(frags))
		}
		if f.Index != uint16(i) {
			t.Errorf("fragment %d: Index mismatch: got %d want %d", i, f.Index, i)
		}
		encoded := Encode(f)
		if len(encoded) > 32 {
			t.Errorf("fragment %d: encoded size %d exceeds mtu 32", i, len(encoded))
		}
		reassembled = append(reassembled, f.Payload...)
	}

	if !bytes.Equal(reassembled, payload) {
		t.Errorf("reassembled payload does not match original")
	}
}

func TestSplitSingleFragmentWhenPayloadFits(t *testing.T) {
	payload := []byte("short")
	frags := Split(payload, FrameMessage, nil, 200, 5, NewFragmentID())
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	if !bytes.Equal(frags[0].Payload, payload) {
		t.Errorf("payload mismatch in single fragment")
	}
}

func TestSplitEmptyPayloadProducesOneFragment(t *testing.T) {
	frags := Split(nil, FrameACK, nil, 64, 1, NewFragmentID())
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment for empty payload, got %d", len(frags))
	}
	if frags[0].Total != 1 {
		t.Errorf("expected Total 1, got %d", frags[0].Total)
	}
}
