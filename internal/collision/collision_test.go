package collision

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/meshcore/internal/driver/fake"
	"github.com/permissionlesstech/meshcore/internal/ledger"
)

func noSleep(time.Duration) {}

func newTestResolver(l *ledger.Ledger, drv *fake.Driver, isReady IsReadyFunc) *Resolver {
	r := New(l, drv, DefaultConfig(), nil, isReady, logrus.NewEntry(logrus.New()))
	r.sleep = noSleep
	return r
}

func newTestResolverWithHint(l *ledger.Ledger, drv *fake.Driver, hint ledger.PeerHint) *Resolver {
	r := New(l, drv, DefaultConfig(), func() (ledger.PeerHint, bool) { return hint, true }, nil, logrus.NewEntry(logrus.New()))
	r.sleep = noSleep
	return r
}

func TestHandleCentralConnectedHardRejectsWhenAlreadyReady(t *testing.T) {
	l := ledger.New(nil)
	drv := fake.New(244, 244)
	r := newTestResolver(l, drv, func(ledger.PeerAddress) bool { return true })

	link := &ledger.ServerLink{Address: "peer-1", ConnectedAt: time.Now()}
	outcome := r.HandleCentralConnected(context.Background(), link, ledger.NoHint)

	if outcome != HardRejected {
		t.Fatalf("expected HardRejected, got %v", outcome)
	}
	if l.HasServer("peer-1") {
		t.Fatal("hard-rejected inbound must never enter the ledger")
	}
	if !l.IsResponderHandshakeBlocked("peer-1") {
		t.Fatal("expected responder handshake to be blocked after hard reject")
	}
}

func TestHandleCentralConnectedDefersOnPendingDial(t *testing.T) {
	l := ledger.New(nil)
	drv := fake.New(244, 244)
	r := newTestResolver(l, drv, nil)
	l.MarkPendingDial("peer-1")

	link := &ledger.ServerLink{Address: "peer-1", ConnectedAt: time.Now()}
	outcome := r.HandleCentralConnected(context.Background(), link, ledger.NoHint)

	if outcome != Deferred {
		t.Fatalf("expected Deferred, got %v", outcome)
	}
	if !l.HasServer("peer-1") {
		t.Fatal("deferred inbound must still be installed")
	}
	if !l.HasDeferredTeardown("peer-1") {
		t.Fatal("expected a deferred teardown to be scheduled")
	}
}

func TestHandleCentralConnectedAcceptsWithNoCollision(t *testing.T) {
	l := ledger.New(nil)
	drv := fake.New(244, 244)
	r := newTestResolver(l, drv, nil)

	link := &ledger.ServerLink{Address: "peer-1", ConnectedAt: time.Now()}
	outcome := r.HandleCentralConnected(context.Background(), link, ledger.NoHint)

	if outcome != Accepted {
		t.Fatalf("expected Accepted, got %v", outcome)
	}
	if !l.HasServer("peer-1") {
		t.Fatal("accepted inbound must be installed")
	}
	if l.HasDeferredTeardown("peer-1") {
		t.Fatal("accepted inbound must not carry a deferred teardown")
	}
}

func TestOnViabilityObservedCommitsDeferredTeardown(t *testing.T) {
	l := ledger.New(nil)
	drv := fake.New(244, 244)
	r := newTestResolver(l, drv, nil)
	l.AddServer(&ledger.ServerLink{Address: "peer-1", ConnectedAt: time.Now()})
	l.ScheduleDeferredTeardown("peer-1", time.Now().Add(time.Second))

	if !r.OnViabilityObserved("peer-1") {
		t.Fatal("expected viability observation to commit the deferred teardown")
	}
	if l.HasDeferredTeardown("peer-1") {
		t.Fatal("committed teardown must no longer be pending")
	}
}

func TestOnDuplicateSubscriptionTearsDownInboundWhenClientReady(t *testing.T) {
	l := ledger.New(nil)
	drv := fake.New(244, 244)
	r := newTestResolver(l, drv, func(ledger.PeerAddress) bool { return true })
	l.AddClient(&ledger.ClientLink{Address: "peer-1", ConnectedAt: time.Now()})
	l.AddServer(&ledger.ServerLink{Address: "peer-1", ConnectedAt: time.Now()})

	if !r.OnDuplicateSubscription(context.Background(), "peer-1") {
		t.Fatal("expected duplicate subscription to be handled")
	}
	if l.HasServer("peer-1") {
		t.Fatal("duplicate server link must be torn down")
	}
	if !l.IsResponderHandshakeBlocked("peer-1") {
		t.Fatal("expected responder handshake to be blocked")
	}
}

func TestOnDuplicateSubscriptionIgnoresWhenNoReadyClient(t *testing.T) {
	l := ledger.New(nil)
	drv := fake.New(244, 244)
	r := newTestResolver(l, drv, func(ledger.PeerAddress) bool { return false })
	l.AddServer(&ledger.ServerLink{Address: "peer-1", ConnectedAt: time.Now()})

	if r.OnDuplicateSubscription(context.Background(), "peer-1") {
		t.Fatal("expected no-op when the peer has no ready client link")
	}
	if !l.HasServer("peer-1") {
		t.Fatal("server link must survive when the guard does not fire")
	}
}

func TestExpireDeferredTeardownsRemovesExpiredEntries(t *testing.T) {
	l := ledger.New(nil)
	drv := fake.New(244, 244)
	r := newTestResolver(l, drv, nil)
	l.AddServer(&ledger.ServerLink{Address: "peer-1", ConnectedAt: time.Now()})
	l.ScheduleDeferredTeardown("peer-1", time.Now().Add(-time.Millisecond))

	expired := r.ExpireDeferredTeardowns(time.Now())

	if len(expired) != 1 || expired[0] != "peer-1" {
		t.Fatalf("expected peer-1 to expire, got %v", expired)
	}
	if l.HasServer("peer-1") {
		t.Fatal("expired server link must be removed")
	}
}

func TestTokenPrefersInboundIsLexicographicAndSymmetric(t *testing.T) {
	cases := []struct {
		local, remote string
		want          bool
	}{
		{"b", "a", true},
		{"a", "b", false},
		{"same", "same", false},
	}
	for _, c := range cases {
		got := TokenPrefersInbound(c.local, c.remote)
		if got != c.want {
			t.Errorf("TokenPrefersInbound(%q, %q) = %v, want %v", c.local, c.remote, got, c.want)
		}
		if inverse := TokenPrefersInbound(c.remote, c.local); c.local != c.remote && inverse == got {
			t.Errorf("TokenPrefersInbound must be antisymmetric for distinct tokens %q/%q", c.local, c.remote)
		}
	}
}

func TestShouldYieldToInboundKeepsClientOnPendingDial(t *testing.T) {
	l := ledger.New(nil)
	drv := fake.New(244, 244)
	r := newTestResolver(l, drv, nil)
	l.MarkPendingDial("peer-1")

	if r.ShouldYieldToInbound(context.Background(), "peer-1", ledger.NoHint) {
		t.Fatal("must not yield while a pending dial or deferred teardown is active")
	}
}

func TestShouldYieldToInboundYieldsWhenInboundBecomesViable(t *testing.T) {
	l := ledger.New(nil)
	drv := fake.New(244, 244)
	// local token "z" beats the remote token derived from NoHint (the
	// address itself, "peer-1") lexicographically, so the token tie-break
	// agrees with yielding here.
	r := newTestResolverWithHint(l, drv, ledger.PeerHint("z"))
	mtu := 244
	l.AddServer(&ledger.ServerLink{Address: "peer-1", ConnectedAt: time.Now(), MTU: &mtu, SubscribedCharacteristic: "char-uuid"})

	if !r.ShouldYieldToInbound(context.Background(), "peer-1", ledger.NoHint) {
		t.Fatal("expected to yield once the inbound link is viable and the token prefers inbound")
	}
}

func TestShouldYieldToInboundKeepsClientWhenTokenPrefersOutboundDespiteViability(t *testing.T) {
	l := ledger.New(nil)
	drv := fake.New(244, 244)
	// local token "a" loses to the remote hint "z" lexicographically, so
	// even though the inbound link is viable the token tie-break keeps
	// the client.
	r := newTestResolverWithHint(l, drv, ledger.PeerHint("a"))
	mtu := 244
	l.AddServer(&ledger.ServerLink{Address: "peer-1", ConnectedAt: time.Now(), MTU: &mtu, SubscribedCharacteristic: "char-uuid"})

	if r.ShouldYieldToInbound(context.Background(), "peer-1", ledger.PeerHint("z")) {
		t.Fatal("expected to keep the client when the token prefers outbound even though the inbound is viable")
	}
}

func TestShouldYieldToInboundSimultaneousViabilityResolvedByTokenExactlyOneYields(t *testing.T) {
	mtu := 244
	newViableServerLedger := func() *ledger.Ledger {
		l := ledger.New(nil)
		l.AddServer(&ledger.ServerLink{Address: "peer-1", ConnectedAt: time.Now(), MTU: &mtu, SubscribedCharacteristic: "char-uuid"})
		return l
	}

	// Two nodes race symmetrically: each sees the other's inbound link
	// become viable in the same window. Node A's token is "b", node B's
	// token is "a" — each resolver is handed the other's token as the
	// remote hint, mirroring the broadcast hint exchange of spec.md §4.5.
	a := newTestResolverWithHint(newViableServerLedger(), fake.New(244, 244), ledger.PeerHint("b"))
	b := newTestResolverWithHint(newViableServerLedger(), fake.New(244, 244), ledger.PeerHint("a"))

	aYields := a.ShouldYieldToInbound(context.Background(), "peer-1", ledger.PeerHint("a"))
	bYields := b.ShouldYieldToInbound(context.Background(), "peer-1", ledger.PeerHint("b"))

	if aYields == bYields {
		t.Fatalf("expected exactly one side to yield when both inbound links go viable concurrently, got a=%v b=%v", aYields, bYields)
	}
	if !aYields {
		t.Fatal("expected the side with the lexicographically greater token (A, \"b\" > \"a\") to yield")
	}
}

func TestShouldYieldToInboundKeepsClientAfterTimeoutRegardlessOfToken(t *testing.T) {
	l := ledger.New(nil)
	drv := fake.New(244, 244)
	r := newTestResolver(l, drv, nil)

	if r.ShouldYieldToInbound(context.Background(), "peer-1", ledger.PeerHint("zzz-always-wins-token")) {
		t.Fatal("symmetry preservation: an unviable inbound must never win even if its token would prefer it")
	}
}
