package core

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/meshcore/internal/driver"
	"github.com/permissionlesstech/meshcore/internal/driver/fake"
	"github.com/permissionlesstech/meshcore/internal/frame"
	"github.com/permissionlesstech/meshcore/internal/handshake/noop"
	"github.com/permissionlesstech/meshcore/internal/ledger"
	"github.com/permissionlesstech/meshcore/internal/wire"
)

type identityCrypto struct{}

func (identityCrypto) Encrypt(_ ledger.PeerAddress, plaintext []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

func newTestNode(drv driver.Driver) *Node {
	cfg := DefaultConfig("svc-uuid", "char-uuid")
	cfg.TickInterval = 5 * time.Millisecond
	return New("local-node", cfg, drv, identityCrypto{}, noop.New(), nil, logrus.NewEntry(logrus.New()))
}

func TestHandleCentralConnectedInstallsServerLinkWithinCapacity(t *testing.T) {
	drv := fake.New(244, 244)
	n := newTestNode(drv)

	n.handleDriverEvent(context.Background(), driver.Event{Kind: driver.EventCentralConnected, Peer: "peer-1"})

	if !n.ledger.HasServer("peer-1") {
		t.Fatal("expected a ServerLink to be installed for the inbound connection")
	}
}

func TestHandleCentralConnectedRejectsOverCapacity(t *testing.T) {
	drv := fake.New(244, 244)
	n := newTestNode(drv)
	for i := 0; i < 64; i++ {
		n.ledger.AddServer(&ledger.ServerLink{Address: ledger.PeerAddress(rune('a' + i)), ConnectedAt: time.Now()})
	}

	n.handleDriverEvent(context.Background(), driver.Event{Kind: driver.EventCentralConnected, Peer: "peer-overflow"})

	if n.ledger.HasServer("peer-overflow") {
		t.Fatal("expected the over-capacity inbound connection to be rejected")
	}
}

func TestDialInstallsClientLinkAndStartsHandshake(t *testing.T) {
	drv := fake.New(244, 244)
	drv.SetServices("peer-1", []driver.Service{
		{UUID: "svc-uuid", Characteristics: []driver.Characteristic{{UUID: "char-uuid", Notify: true}}},
	})
	n := newTestNode(drv)

	if err := n.dial(context.Background(), "peer-1"); err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}

	if !n.ledger.HasClient("peer-1") {
		t.Fatal("expected a ClientLink to be installed after a successful dial")
	}

	started := <-n.hs.Signals()
	completed := <-n.hs.Signals()
	n.handleHandshakeSignal(context.Background(), started)
	n.handleHandshakeSignal(context.Background(), completed)

	if !n.isReady("peer-1") {
		t.Fatal("expected peer-1 to be marked ready once the handshake completes")
	}
	if n.handshakeActive("peer-1") {
		t.Fatal("expected handshake to no longer be active once completed")
	}
}

func TestDialFailsWhenCharacteristicMissing(t *testing.T) {
	drv := fake.New(244, 244)
	drv.SetServices("peer-1", []driver.Service{{UUID: "svc-uuid"}})
	n := newTestNode(drv)

	if err := n.dial(context.Background(), "peer-1"); err == nil {
		t.Fatal("expected an error when the message characteristic cannot be discovered")
	}
	if n.ledger.HasClient("peer-1") {
		t.Fatal("a failed dial must not leave a ClientLink installed")
	}
}

func TestDispatchReassembledDeliversApplicationMessage(t *testing.T) {
	drv := fake.New(244, 244)
	n := newTestNode(drv)

	n.dispatchReassembled(context.Background(), "peer-1", wire.FrameMessage, []byte("hello"))

	delivery := <-n.inboxCh
	if delivery.From != "peer-1" || string(delivery.Payload) != "hello" {
		t.Fatalf("unexpected delivery: %+v", delivery)
	}
}

func TestDispatchReassembledRoutesTaggedProtocolFrame(t *testing.T) {
	drv := fake.New(244, 244)
	n := newTestNode(drv)

	ack := &frame.ACK{OriginalMessageID: [16]byte{1, 2, 3}}
	encoded := frame.EncodeACK(ack)

	n.dispatchReassembled(context.Background(), "peer-1", wire.FrameACK, encoded)

	delivery := <-n.inboxCh
	if delivery.Tag != frame.TagACK {
		t.Fatalf("expected TagACK, got %v", delivery.Tag)
	}
}

func TestDispatchReassembledRoutesHandshakeFramesToHandshakeBlackBox(t *testing.T) {
	drv := fake.New(244, 244)
	n := newTestNode(drv)

	n.dispatchReassembled(context.Background(), "peer-1", wire.FrameHandshake1, []byte("noise-payload"))

	select {
	case d := <-n.inboxCh:
		t.Fatalf("handshake frames must never reach the Inbox, got %+v", d)
	default:
	}
}

func TestDeriveStatusPrioritizesHandshakingOverReady(t *testing.T) {
	drv := fake.New(244, 244)
	n := newTestNode(drv)
	n.readyPeers["peer-1"] = true
	n.pendingHandshakes["peer-2"] = true

	if got := n.deriveStatus(); got != StatusHandshaking {
		t.Fatalf("expected StatusHandshaking to take priority, got %v", got)
	}
}

func TestDeriveStatusReadyWhenNoHandshakesPending(t *testing.T) {
	drv := fake.New(244, 244)
	n := newTestNode(drv)
	n.readyPeers["peer-1"] = true

	if got := n.deriveStatus(); got != StatusReady {
		t.Fatalf("expected StatusReady, got %v", got)
	}
}

func TestEmitStatusOnlySendsOnChange(t *testing.T) {
	drv := fake.New(244, 244)
	n := newTestNode(drv)

	n.emitStatus(StatusScanning)
	n.emitStatus(StatusScanning)

	if len(n.statusCh) != 1 {
		t.Fatalf("expected exactly one emitted status for a repeated value, got %d", len(n.statusCh))
	}
}

func TestScanRejectsDiscoveryBelowRSSIFloor(t *testing.T) {
	drv := fake.New(244, 244)
	n := newTestNode(drv)
	floor := n.cap.RSSIFloor()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	go func() {
		drv.Emit(driver.Event{Kind: driver.EventDiscovered, Peer: "peer-weak", RSSI: floor - 1})
		drv.Emit(driver.Event{Kind: driver.EventDiscovered, Peer: "peer-strong", RSSI: floor})
	}()

	addr, ok := n.scan(ctx)
	if !ok {
		t.Fatal("expected scan to find the peer at the RSSI floor")
	}
	if addr != "peer-strong" {
		t.Fatalf("expected scan to reject the below-floor peer and return peer-strong, got %q", addr)
	}
}

func TestSendFailsWithoutUsableLink(t *testing.T) {
	drv := fake.New(244, 244)
	n := newTestNode(drv)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go n.Run(ctx)

	err := n.Send(ctx, nil, []byte("hi"))
	if err == nil {
		t.Fatal("expected an error sending with no established link")
	}
}
