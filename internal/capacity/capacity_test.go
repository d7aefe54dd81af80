package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/permissionlesstech/meshcore/internal/driver/fake"
	"github.com/permissionlesstech/meshcore/internal/ledger"
)

func TestRSSIFloorPerMode(t *testing.T) {
	cases := []struct {
		mode  PowerMode
		floor int
	}{
		{Performance, -95},
		{Balanced, -85},
		{PowerSaver, -75},
		{UltraLowPower, -65},
	}
	for _, c := range cases {
		if got := ForMode(c.mode).RSSIFloorDBM; got != c.floor {
			t.Errorf("mode %v: expected floor %d, got %d", c.mode, c.floor, got)
		}
	}
}

func TestCanAcceptClientRespectsMaxTotal(t *testing.T) {
	l := ledger.New(nil)
	l.AddServer(&ledger.ServerLink{Address: "s1"})
	l.AddServer(&ledger.ServerLink{Address: "s2"})
	l.AddServer(&ledger.ServerLink{Address: "s3"})

	drv := fake.New(244, 244)
	e := New(l, drv, UltraLowPower, nil)

	if e.CanAcceptClient() {
		t.Errorf("expected CanAcceptClient false once max_total reached under UltraLowPower")
	}
}

// TestCapacityDropTrimsOldestFirst implements scenario S6: Performance
// (max_client=4) holds four client links by age ascending {L1..L4}; a mode
// change to UltraLowPower (max_client=1) must trim the three oldest and
// keep the newest.
func TestCapacityDropTrimsOldestFirst(t *testing.T) {
	l := ledger.New(nil)
	base := time.Unix(0, 0)
	l.AddClient(&ledger.ClientLink{Address: "L1", ConnectedAt: base})
	l.AddClient(&ledger.ClientLink{Address: "L2", ConnectedAt: base.Add(time.Second)})
	l.AddClient(&ledger.ClientLink{Address: "L3", ConnectedAt: base.Add(2 * time.Second)})
	l.AddClient(&ledger.ClientLink{Address: "L4", ConnectedAt: base.Add(3 * time.Second)})

	drv := fake.New(244, 244)
	e := New(l, drv, Performance, nil)

	e.SetMode(context.Background(), UltraLowPower)

	if l.CountClients() != 1 {
		t.Fatalf("expected exactly 1 client link remaining, got %d", l.CountClients())
	}
	if !l.HasClient("L4") {
		t.Errorf("expected L4 (newest) to survive the trim")
	}
	for _, trimmed := range []ledger.PeerAddress{"L1", "L2", "L3"} {
		if l.HasClient(trimmed) {
			t.Errorf("expected %s to be trimmed, but it survived", trimmed)
		}
	}
}

func TestSetModeNoopWhenWithinCapacity(t *testing.T) {
	l := ledger.New(nil)
	l.AddClient(&ledger.ClientLink{Address: "a", ConnectedAt: time.Unix(0, 0)})

	drv := fake.New(244, 244)
	e := New(l, drv, Performance, nil)
	e.SetMode(context.Background(), Balanced)

	if l.CountClients() != 1 {
		t.Errorf("expected no trim when within new capacity, got %d clients", l.CountClients())
	}
}

func TestServerTrimDropsLedgerEntryEvenIfDisconnectUnsupported(t *testing.T) {
	l := ledger.New(nil)
	base := time.Unix(0, 0)
	l.AddServer(&ledger.ServerLink{Address: "s1", ConnectedAt: base})
	l.AddServer(&ledger.ServerLink{Address: "s2", ConnectedAt: base.Add(time.Second)})

	drv := fake.New(244, 244)
	e := New(l, drv, Performance, nil)
	e.SetMode(context.Background(), UltraLowPower)

	if l.CountServers() != 1 {
		t.Fatalf("expected 1 server remaining, got %d", l.CountServers())
	}
	if !l.HasServer("s2") {
		t.Errorf("expected s2 (newest) to survive the trim")
	}
}
