package ledger

import (
	"testing"
	"time"
)

func TestAddClientThenRemoveIsEmpty(t *testing.T) {
	l := New(nil)
	addr := PeerAddress("aa:bb:cc")

	result := l.AddClient(&ClientLink{Address: addr, ConnectedAt: time.Unix(0, 0)})
	if result != Fresh {
		t.Fatalf("expected Fresh, got %v", result)
	}
	if !l.HasClient(addr) {
		t.Fatalf("expected HasClient true after AddClient")
	}

	l.RemoveClient(addr)
	if l.HasClient(addr) {
		t.Errorf("expected HasClient false after RemoveClient")
	}
	if l.CountTotal() != 0 {
		t.Errorf("expected empty ledger, got total=%d", l.CountTotal())
	}
}

func TestAddClientIsIdempotentReplace(t *testing.T) {
	l := New(nil)
	addr := PeerAddress("aa:bb:cc")

	if res := l.AddClient(&ClientLink{Address: addr}); res != Fresh {
		t.Fatalf("expected Fresh on first add, got %v", res)
	}
	if res := l.AddClient(&ClientLink{Address: addr}); res != Replaced {
		t.Fatalf("expected Replaced on second add, got %v", res)
	}
	if l.CountClients() != 1 {
		t.Errorf("expected exactly one client link for addr, got %d", l.CountClients())
	}
}

func TestRemoveNonexistentIsNoop(t *testing.T) {
	l := New(nil)
	l.RemoveClient("ghost")
	l.RemoveServer("ghost")
	if l.CountTotal() != 0 {
		t.Errorf("expected no-op removal to leave ledger empty")
	}
}

// TestInvariantAtMostOneLinkPerAddress verifies spec invariant 1: never two
// ClientLinks or two ServerLinks for one address, across add sequences.
func TestInvariantAtMostOneLinkPerAddress(t *testing.T) {
	l := New(nil)
	addr := PeerAddress("peer-1")

	for i := 0; i < 5; i++ {
		l.AddClient(&ClientLink{Address: addr, ConnectedAt: time.Unix(int64(i), 0)})
		l.AddServer(&ServerLink{Address: addr, ConnectedAt: time.Unix(int64(i), 0)})
	}

	if l.CountClients() != 1 {
		t.Errorf("expected at most one client link, got %d", l.CountClients())
	}
	if l.CountServers() != 1 {
		t.Errorf("expected at most one server link, got %d", l.CountServers())
	}
}

// TestInvariantDeferredTeardownRequiresServerLink verifies spec invariant 2.
func TestInvariantDeferredTeardownRequiresServerLink(t *testing.T) {
	l := New(nil)
	addr := PeerAddress("peer-2")

	l.AddServer(&ServerLink{Address: addr, ConnectedAt: time.Unix(0, 0)})
	l.ScheduleDeferredTeardown(addr, time.Unix(0, 0).Add(time.Second))

	if !l.HasDeferredTeardown(addr) || !l.HasServer(addr) {
		t.Fatalf("expected both deferred teardown and server link present")
	}

	l.RemoveServer(addr)
	if l.HasDeferredTeardown(addr) {
		t.Errorf("expected deferred teardown dropped consistently with server link removal")
	}
}

func TestPendingDialExcludesClientLink(t *testing.T) {
	l := New(nil)
	addr := PeerAddress("peer-3")

	l.MarkPendingDial(addr)
	if !l.HasPendingDial(addr) {
		t.Fatalf("expected pending dial marked")
	}

	l.AddClient(&ClientLink{Address: addr})
	l.ClearPendingDial(addr)
	if l.HasPendingDial(addr) {
		t.Errorf("expected pending dial cleared")
	}
}

func TestEstablishedIsUnionOfClientsAndServers(t *testing.T) {
	l := New(nil)
	l.AddClient(&ClientLink{Address: "a"})
	l.AddServer(&ServerLink{Address: "b"})
	l.AddClient(&ClientLink{Address: "c"})
	l.AddServer(&ServerLink{Address: "c"})

	established := l.Established()
	if len(established) != 3 {
		t.Fatalf("expected 3 distinct established addresses, got %d: %v", len(established), established)
	}
}

func TestCanAcceptClientAndServer(t *testing.T) {
	l := New(nil)
	l.AddClient(&ClientLink{Address: "a"})
	l.AddClient(&ClientLink{Address: "b"})

	if l.CanAcceptClient(2, 10) {
		t.Errorf("expected CanAcceptClient false at max_client boundary")
	}
	if !l.CanAcceptClient(3, 10) {
		t.Errorf("expected CanAcceptClient true under max_client")
	}
	if !l.CanAcceptServer(1, 10) {
		t.Errorf("expected CanAcceptServer true with no server links yet")
	}
}

func TestPeerHintIndexRebuildsOnWrite(t *testing.T) {
	l := New(nil)
	l.CachePeerHint("a", "HINT1")
	l.CachePeerHint("b", "HINT1")
	l.CachePeerHint("c", "HINT2")

	addrs := l.AddressesForHint("HINT1")
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addresses for HINT1, got %d", len(addrs))
	}

	hint, ok := l.PeerHintFor("c")
	if !ok || hint != "HINT2" {
		t.Errorf("expected PeerHintFor(c) == HINT2, got %q ok=%v", hint, ok)
	}
}

func TestClearPeerHintIfUnusedOnlyWhenNoReferences(t *testing.T) {
	l := New(nil)
	l.AddClient(&ClientLink{Address: "a"})
	l.CachePeerHint("a", "H")

	l.ClearPeerHintIfUnused("a")
	if _, ok := l.PeerHintFor("a"); !ok {
		t.Fatalf("expected hint retained while client link exists")
	}

	l.RemoveClient("a")
	if _, ok := l.PeerHintFor("a"); ok {
		t.Errorf("expected hint cleared once no link or pending dial references addr")
	}
}

func TestServerLinkViability(t *testing.T) {
	l := New(nil)
	addr := PeerAddress("peer-v")
	l.AddServer(&ServerLink{Address: addr})

	if l.IsViableServer(addr) {
		t.Fatalf("expected fresh server link to be non-viable")
	}

	l.SetSubscription(addr, "char-1")
	if !l.IsViableServer(addr) {
		t.Errorf("expected server link viable after subscription observed")
	}
}

func TestServerLinkViableViaMTU(t *testing.T) {
	l := New(nil)
	addr := PeerAddress("peer-mtu")
	l.AddServer(&ServerLink{Address: addr})
	l.SetServerMTU(addr, 185)

	if !l.IsViableServer(addr) {
		t.Errorf("expected server link viable after MTU update observed")
	}
}

func TestDebounceWindow(t *testing.T) {
	l := New(nil)
	now := time.Unix(100, 0)
	l.SetNoHintInboundDebounceUntil(now.Add(300 * time.Millisecond))

	if !l.IsDebounceActive(now) {
		t.Errorf("expected debounce active immediately after being set forward")
	}
	if l.IsDebounceActive(now.Add(400 * time.Millisecond)) {
		t.Errorf("expected debounce inactive after window elapses")
	}
}

func TestLoopAvoidanceIngressTracking(t *testing.T) {
	l := New(nil)
	l.RecordIngress("node-xyz", "addr-1")

	addr, ok := l.ResolveIngress("node-xyz")
	if !ok || addr != "addr-1" {
		t.Fatalf("expected ingress resolved to addr-1, got %q ok=%v", addr, ok)
	}

	if _, ok := l.ResolveIngress("unknown"); ok {
		t.Errorf("expected unknown node-id to resolve to nothing")
	}
}

func TestLastConnectedPeerSurvivesLinkLoss(t *testing.T) {
	l := New(nil)
	l.AddClient(&ClientLink{Address: "b"})
	l.SetLastConnectedPeer("b")

	l.RemoveClient("b")
	addr, ok := l.LastConnectedPeer()
	if !ok || addr != "b" {
		t.Fatalf("expected last_connected_peer retained across link loss, got %q ok=%v", addr, ok)
	}

	l.ClearLastConnectedPeer()
	if _, ok := l.LastConnectedPeer(); ok {
		t.Errorf("expected last_connected_peer cleared after explicit clear")
	}
}

func TestExpiredDeferredTeardowns(t *testing.T) {
	l := New(nil)
	addr := PeerAddress("peer-expire")
	l.AddServer(&ServerLink{Address: addr})

	base := time.Unix(0, 0)
	l.ScheduleDeferredTeardown(addr, base.Add(1500*time.Millisecond))

	if expired := l.ExpiredDeferredTeardowns(base.Add(1000 * time.Millisecond)); len(expired) != 0 {
		t.Fatalf("expected no expired teardowns before deadline, got %v", expired)
	}

	expired := l.ExpiredDeferredTeardowns(base.Add(1500 * time.Millisecond))
	if len(expired) != 1 || expired[0] != addr {
		t.Fatalf("expected %v expired at deadline, got %v", addr, expired)
	}
}

func TestCommitDeferredTeardownCancelsExpiry(t *testing.T) {
	l := New(nil)
	addr := PeerAddress("peer-commit")
	l.AddServer(&ServerLink{Address: addr})
	l.ScheduleDeferredTeardown(addr, time.Unix(0, 0).Add(time.Second))

	if !l.CommitDeferredTeardown(addr) {
		t.Fatalf("expected commit to succeed for scheduled teardown")
	}
	if l.HasDeferredTeardown(addr) {
		t.Errorf("expected no deferred teardown remaining after commit")
	}
	if !l.HasServer(addr) {
		t.Errorf("expected server link preserved after committing (cancelling) teardown")
	}
}
