package conduit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestDeviceRegistry(t *testing.T) *DeviceRegistry {
	path := filepath.Join(t.TempDir(), "devices.json")
	r := NewDeviceRegistry(path, NewBroadcaster())
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

func TestDeviceRegistryCreateAndConnect(t *testing.T) {
	ctx := context.Background()
	r := newTestDeviceRegistry(t)

	d, token, err := r.Create(ctx, "laptop", "macos", []string{"gpu"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.State != DevicePending {
		t.Errorf("expected pending state, got %v", d.State)
	}
	if token == "" {
		t.Fatal("expected non-empty plaintext token")
	}

	connected, err := r.Connect(ctx, token, map[string]string{"os": "macos"}, "host1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if connected.State != DeviceOnline {
		t.Errorf("expected online after connect, got %v", connected.State)
	}
	if connected.Hostname != "host1" {
		t.Errorf("expected hostname recorded, got %q", connected.Hostname)
	}
}

// TestDeviceRegistryTokenSingleUse: a second redemption of the same
// one-time onboarding token must never promote a device.
func TestDeviceRegistryTokenSingleUse(t *testing.T) {
	ctx := context.Background()
	r := newTestDeviceRegistry(t)

	_, token, err := r.Create(ctx, "laptop", "macos", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := r.Connect(ctx, token, nil, "host1"); err != nil {
		t.Fatalf("first Connect: %v", err)
	}

	if _, err := r.Connect(ctx, token, nil, "host2"); err == nil {
		t.Fatal("expected second redemption of the same token to fail")
	} else if ClassOf(err) != ClassUnauthorized {
		t.Errorf("expected ClassUnauthorized, got %v", ClassOf(err))
	}
}

func TestDeviceRegistryConnectUnknownToken(t *testing.T) {
	r := newTestDeviceRegistry(t)
	if _, err := r.Connect(context.Background(), "bogus", nil, "host"); err == nil {
		t.Fatal("expected error for unknown token")
	}
}

func TestDeviceRegistryHeartbeatFlipsOfflineToOnline(t *testing.T) {
	ctx := context.Background()
	r := newTestDeviceRegistry(t)

	d, token, _ := r.Create(ctx, "laptop", "macos", nil)
	if _, err := r.Connect(ctx, token, nil, "host1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Force offline directly via sweep-equivalent state mutation, then
	// confirm the next heartbeat flips it back and emits device:online.
	r.mu.Lock()
	dev := r.devices[d.ID]
	dev.State = DeviceOffline
	r.devices[d.ID] = dev
	r.mu.Unlock()

	events := make(chan Event, 4)
	r.bus.Subscribe("watcher", func(ev Event) { events <- ev })

	got, err := r.Heartbeat(ctx, d.ID, map[string]string{"load": "0.5"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if got.State != DeviceOnline {
		t.Errorf("expected online after heartbeat, got %v", got.State)
	}
	if got.Capabilities["load"] != "0.5" {
		t.Errorf("expected capability merged, got %v", got.Capabilities)
	}

	select {
	case ev := <-events:
		if ev.Kind != EventDeviceOnline {
			t.Errorf("expected device:online event, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Error("expected a device:online event to be emitted on offline->online transition")
	}
}

func TestDeviceRegistryHeartbeatUnknownDevice(t *testing.T) {
	r := newTestDeviceRegistry(t)
	if _, err := r.Heartbeat(context.Background(), "nonexistent", nil); err == nil {
		t.Fatal("expected not-found error")
	} else if ClassOf(err) != ClassNotFound {
		t.Errorf("expected ClassNotFound, got %v", ClassOf(err))
	}
}

func TestDeviceRegistrySweepFlipsStaleDeviceOffline(t *testing.T) {
	ctx := context.Background()
	r := newTestDeviceRegistry(t)

	d, token, _ := r.Create(ctx, "laptop", "macos", nil)
	if _, err := r.Connect(ctx, token, nil, "host1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r.mu.Lock()
	dev := r.devices[d.ID]
	dev.LastSeen = NowUnix() - int64(deviceOfflineTimeout.Seconds()) - 10
	r.devices[d.ID] = dev
	r.mu.Unlock()

	r.sweep()

	got, err := r.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != DeviceOffline {
		t.Errorf("expected offline after sweep, got %v", got.State)
	}
}

func TestDeviceRegistryDeletePurgesTokens(t *testing.T) {
	ctx := context.Background()
	r := newTestDeviceRegistry(t)

	d, _, _ := r.Create(ctx, "laptop", "macos", nil)
	if err := r.Delete(ctx, d.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get(ctx, d.ID); err == nil {
		t.Fatal("expected device to be gone after delete")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tok := range r.tokens {
		if tok.DeviceID == d.ID {
			t.Fatal("expected device's tokens to be purged on delete")
		}
	}
}
