// Package frame implements the tagged-variant protocol frames that ride
// inside a Fragment's reassembled payload: Handshake1..3, Identity, ACK,
// RelayACK, ContactStatus and QueueSync (spec.md §9 "Design Notes" —
// "Tagged variants for protocol frames... Avoid inheritance trees,
// pattern-match."). Fragment itself (internal/wire) already carries the
// outer tag (OriginalType); each frame here repeats its own tag byte so
// it can be identified standalone once reassembled, matching the
// byte-oriented length-prefixed encoding style of Encode/Decode in
// internal/protocol/binary.go from the original repository — generalized
// from that single BitchatPacket shape into one function pair per
// variant, and replacing its JSON-free-form Message type entirely (the
// distilled spec's Fragment wire format has no room for a generic
// envelope).
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Tag identifies which frame variant follows. Mirrors wire.FrameType —
// kept as a distinct type because a frame tag is meaningful on its own,
// decoded from a reassembled payload rather than a Fragment header.
type Tag uint8

const (
	TagHandshake1 Tag = iota + 1
	TagHandshake2
	TagHandshake3
	TagIdentity
	TagACK
	TagRelayACK
	TagContactStatus
	TagQueueSync
)

var (
	// ErrTooShort indicates the buffer is smaller than a frame's fixed header.
	ErrTooShort = errors.New("frame: buffer muito curto")
	// ErrUnknownTag indicates a tag byte this package cannot decode.
	ErrUnknownTag = errors.New("frame: tag desconhecida")
)

// maxRoutingPathDepth bounds ack_routing_path so a malicious or buggy
// peer cannot grow a relay-ACK path without limit (spec.md §4.6
// "ack_routing_path").
const maxRoutingPathDepth = 16

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	buf.WriteByte(byte(len(data)))
	buf.Write(data)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, ErrTooShort
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, ErrTooShort
		}
	}
	return out, nil
}

// Handshake wraps an opaque handshake frame produced by the external
// Noise state machine (spec.md §1 Out of scope) in one of the three
// tagged stages.
type Handshake struct {
	Stage   Tag // TagHandshake1, TagHandshake2, or TagHandshake3
	Payload []byte
}

func EncodeHandshake(h *Handshake) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(h.Stage))
	writeLenPrefixed(buf, h.Payload)
	return buf.Bytes()
}

func DecodeHandshake(data []byte) (*Handshake, error) {
	if len(data) < 1 {
		return nil, ErrTooShort
	}
	stage := Tag(data[0])
	if stage != TagHandshake1 && stage != TagHandshake2 && stage != TagHandshake3 {
		return nil, ErrUnknownTag
	}
	r := bytes.NewReader(data[1:])
	payload, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	return &Handshake{Stage: stage, Payload: payload}, nil
}

// Identity carries the sender's stable node-id alias and optional hint,
// exchanged once a link reaches Ready so loop-avoidance can resolve a
// peer by alias rather than only by address (spec.md §4.6).
type Identity struct {
	NodeID string
	Hint   string
}

func EncodeIdentity(i *Identity) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(TagIdentity))
	writeLenPrefixed(buf, []byte(i.NodeID))
	writeLenPrefixed(buf, []byte(i.Hint))
	return buf.Bytes()
}

func DecodeIdentity(data []byte) (*Identity, error) {
	if len(data) < 1 || Tag(data[0]) != TagIdentity {
		return nil, ErrUnknownTag
	}
	r := bytes.NewReader(data[1:])
	nodeID, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	hint, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	return &Identity{NodeID: string(nodeID), Hint: string(hint)}, nil
}

// RoutingPath is the ordered list of hop addresses a relayed Fragment or
// ACK passed through, truncated to maxRoutingPathDepth — the concrete
// representation of spec.md §4.6's ack_routing_path.
type RoutingPath []string

func (p RoutingPath) withHop(addr string) RoutingPath {
	out := append(append(RoutingPath{}, p...), addr)
	if len(out) > maxRoutingPathDepth {
		out = out[len(out)-maxRoutingPathDepth:]
	}
	return out
}

// WithHop returns a copy of p with addr appended, truncated to the
// configured depth — called by each intermediate relay as a Fragment/ACK
// passes through it.
func WithHop(p RoutingPath, addr string) RoutingPath { return p.withHop(addr) }

func encodeRoutingPath(buf *bytes.Buffer, path RoutingPath) {
	buf.WriteByte(byte(len(path)))
	for _, hop := range path {
		writeLenPrefixed(buf, []byte(hop))
	}
}

func decodeRoutingPath(r *bytes.Reader) (RoutingPath, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, ErrTooShort
	}
	path := make(RoutingPath, 0, n)
	for i := 0; i < int(n); i++ {
		hop, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		path = append(path, string(hop))
	}
	return path, nil
}

// ACK confirms delivery of OriginalMessageID back along Path, one hop at
// a time (spec.md §4.6 "ACKs and relay ACKs follow the ack_routing_path
// ... each intermediate peer forwards the ACK to the previous hop").
type ACK struct {
	OriginalMessageID [16]byte
	Path              RoutingPath
}

func EncodeACK(a *ACK) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(TagACK))
	buf.Write(a.OriginalMessageID[:])
	encodeRoutingPath(buf, a.Path)
	return buf.Bytes()
}

func DecodeACK(data []byte) (*ACK, error) {
	if len(data) < 17 || Tag(data[0]) != TagACK {
		return nil, ErrUnknownTag
	}
	a := &ACK{}
	copy(a.OriginalMessageID[:], data[1:17])
	r := bytes.NewReader(data[17:])
	path, err := decodeRoutingPath(r)
	if err != nil {
		return nil, err
	}
	a.Path = path
	return a, nil
}

// RelayACK is emitted by an intermediate hop to confirm it forwarded a
// fragment, distinct from the originator's terminal ACK.
type RelayACK struct {
	FragmentID [8]byte
	Hop        string
	Path       RoutingPath
}

func EncodeRelayACK(r *RelayACK) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(TagRelayACK))
	buf.Write(r.FragmentID[:])
	writeLenPrefixed(buf, []byte(r.Hop))
	encodeRoutingPath(buf, r.Path)
	return buf.Bytes()
}

func DecodeRelayACK(data []byte) (*RelayACK, error) {
	if len(data) < 9 || Tag(data[0]) != TagRelayACK {
		return nil, ErrUnknownTag
	}
	out := &RelayACK{}
	copy(out.FragmentID[:], data[1:9])
	r := bytes.NewReader(data[9:])
	hop, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	out.Hop = string(hop)
	path, err := decodeRoutingPath(r)
	if err != nil {
		return nil, err
	}
	out.Path = path
	return out, nil
}

// ContactStatus reports a peer's delivery-status transition, kept from
// the original repository's DeliveryStatus/DeliveryInfo types (dropped
// by the distillation, supplemented back in per SPEC_FULL.md §5) as a
// wire-level frame instead of only an in-process struct.
type ContactStatus struct {
	PeerID string
	Status uint8
}

func EncodeContactStatus(c *ContactStatus) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(TagContactStatus))
	writeLenPrefixed(buf, []byte(c.PeerID))
	buf.WriteByte(c.Status)
	return buf.Bytes()
}

func DecodeContactStatus(data []byte) (*ContactStatus, error) {
	if len(data) < 1 || Tag(data[0]) != TagContactStatus {
		return nil, ErrUnknownTag
	}
	r := bytes.NewReader(data[1:])
	peerID, err := readLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	status, err := r.ReadByte()
	if err != nil {
		return nil, ErrTooShort
	}
	return &ContactStatus{PeerID: string(peerID), Status: status}, nil
}

// QueueSync carries a compact digest of a peer's pending message queue so
// two reconnecting peers can detect divergence without a full resend.
type QueueSync struct {
	Digest []byte
}

func EncodeQueueSync(q *QueueSync) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(TagQueueSync))
	binary.Write(buf, binary.BigEndian, uint16(len(q.Digest)))
	buf.Write(q.Digest)
	return buf.Bytes()
}

func DecodeQueueSync(data []byte) (*QueueSync, error) {
	if len(data) < 3 || Tag(data[0]) != TagQueueSync {
		return nil, ErrUnknownTag
	}
	n := binary.BigEndian.Uint16(data[1:3])
	if len(data) < 3+int(n) {
		return nil, ErrTooShort
	}
	return &QueueSync{Digest: append([]byte(nil), data[3:3+n]...)}, nil
}

// PeekTag reads the leading tag byte of a reassembled frame payload
// without fully decoding it, so a dispatcher can pick the right Decode*
// function — the pattern-match spec.md §9 calls for instead of an
// inheritance tree.
func PeekTag(data []byte) (Tag, error) {
	if len(data) < 1 {
		return 0, ErrTooShort
	}
	return Tag(data[0]), nil
}
