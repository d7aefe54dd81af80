package gatt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/permissionlesstech/meshcore/internal/driver"
	"github.com/permissionlesstech/meshcore/internal/driver/fake"
)

func noSleep(time.Duration) {}

func newTestController(drv driver.Driver) *Controller {
	c := New(drv, DefaultConfig("svc-uuid", "char-uuid"), nil, nil)
	c.sleep = noSleep
	return c
}

func TestConnectWithRetrySucceedsFirstAttempt(t *testing.T) {
	drv := fake.New(244, 244)
	c := newTestController(drv)

	if err := c.ConnectWithRetry(context.Background(), "peer-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConnectWithRetryFailsAfterRetryingTransientError(t *testing.T) {
	drv := fake.New(244, 244)
	drv.SetConnectError("peer-1", driver.ErrTimeout)
	c := newTestController(drv)

	err := c.ConnectWithRetry(context.Background(), "peer-1")
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed because the fake always returns the configured error, got %v", err)
	}
}

func TestConnectWithRetryFailsFastOnNonTransientError(t *testing.T) {
	drv := fake.New(244, 244)
	permanent := errors.New("bd_addr invalid")
	drv.SetConnectError("peer-1", permanent)
	c := newTestController(drv)

	err := c.ConnectWithRetry(context.Background(), "peer-1")
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
}

func TestDetectOptimalMTUClampsToFallbackRange(t *testing.T) {
	drv := fake.New(300, 512)
	c := newTestController(drv)
	ctx := context.Background()

	if err := drv.Connect(ctx, "peer-1"); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	mtu := c.DetectOptimalMTU(ctx, "peer-1")
	// negotiated(517 requested, fake floors to 300) - 3 = 297, max write 512 -> clamp(512, 20, 297) = 297
	if mtu != 297 {
		t.Errorf("expected MTU 297, got %d", mtu)
	}
}

func TestDetectOptimalMTUFallsBackOnError(t *testing.T) {
	drv := fake.New(244, 244)
	c := newTestController(drv)

	mtu := c.DetectOptimalMTU(context.Background(), "never-connected")
	if mtu != c.cfg.MTUFallback {
		t.Errorf("expected fallback MTU %d, got %d", c.cfg.MTUFallback, mtu)
	}
}

func TestDiscoverMessageCharacteristicFindsMatch(t *testing.T) {
	drv := fake.New(244, 244)
	ctx := context.Background()
	drv.Connect(ctx, "peer-1")
	drv.SetServices("peer-1", []driver.Service{
		{UUID: "svc-uuid", Characteristics: []driver.Characteristic{
			{UUID: "other-uuid"},
			{UUID: "char-uuid", Notify: true},
		}},
	})

	c := newTestController(drv)
	ch, err := c.DiscoverMessageCharacteristic(ctx, "peer-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.UUID != "char-uuid" || !ch.Notify {
		t.Errorf("unexpected characteristic: %+v", ch)
	}
}

func TestDiscoverMessageCharacteristicMissingRetriesThenFailsOnExhaustion(t *testing.T) {
	drv := fake.New(244, 244)
	ctx := context.Background()
	drv.Connect(ctx, "peer-1")
	drv.SetServices("peer-1", []driver.Service{
		{UUID: "svc-uuid", Characteristics: []driver.Characteristic{{UUID: "other-uuid"}}},
	})

	c := newTestController(drv)
	_, err := c.DiscoverMessageCharacteristic(ctx, "peer-1")
	if !errors.Is(err, ErrCharacteristicMissing) {
		t.Fatalf("expected ErrCharacteristicMissing, got %v", err)
	}
	cfg := DefaultConfig("svc-uuid", "char-uuid")
	if got := drv.DiscoverCallCount("peer-1"); got != cfg.DiscoveryAttempts {
		t.Fatalf("expected characteristic-missing to retry all %d attempts before failing, got %d calls", cfg.DiscoveryAttempts, got)
	}
}

func TestDiscoverMessageCharacteristicExhaustsRetries(t *testing.T) {
	drv := fake.New(244, 244)
	drv.SetDiscoverError("peer-1", errors.New("gatt busy"))

	c := newTestController(drv)
	_, err := c.DiscoverMessageCharacteristic(context.Background(), "peer-1")
	if !errors.Is(err, ErrDiscoveryFailed) {
		t.Fatalf("expected ErrDiscoveryFailed, got %v", err)
	}
}

func TestEnableNotificationsNoopWithoutNotifyProperty(t *testing.T) {
	drv := fake.New(244, 244)
	c := newTestController(drv)
	ctx := context.Background()
	drv.Connect(ctx, "peer-1")

	if err := c.EnableNotifications(ctx, "peer-1", driver.Characteristic{UUID: "char-uuid", Notify: false}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnableNotificationsEnablesWhenAdvertised(t *testing.T) {
	drv := fake.New(244, 244)
	c := newTestController(drv)
	ctx := context.Background()
	drv.Connect(ctx, "peer-1")

	if err := c.EnableNotifications(ctx, "peer-1", driver.Characteristic{UUID: "char-uuid", Notify: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
