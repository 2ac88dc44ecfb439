package presence

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type fakeChannel struct {
	mu     sync.Mutex
	got    chan models.Event
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{got: make(chan models.Event, 64)}
}

func (c *fakeChannel) Send(ev models.Event) error {
	c.got <- ev
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) waitFor(t *testing.T) models.Event {
	t.Helper()
	select {
	case ev := <-c.got:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.Event{}
	}
}

func testEvent(rideID string) models.Event {
	return models.Event{Type: models.EventRideOffer, RideID: rideID, At: time.Now()}
}

func TestNotifyDeliversInOrder(t *testing.T) {
	reg := NewRegistry(logging.NewLogger("error"))
	ch := newFakeChannel()
	reg.Connect("u1", models.RoleCustomer, ch)

	if err := reg.Notify("u1", testEvent("r1")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Notify("u1", testEvent("r2")); err != nil {
		t.Fatal(err)
	}
	if ev := ch.waitFor(t); ev.RideID != "r1" {
		t.Fatalf("expected r1 first, got %s", ev.RideID)
	}
	if ev := ch.waitFor(t); ev.RideID != "r2" {
		t.Fatalf("expected r2 second, got %s", ev.RideID)
	}
}

func TestNotifyWithoutSessionDrops(t *testing.T) {
	reg := NewRegistry(logging.NewLogger("error"))
	if err := reg.Notify("ghost", testEvent("r1")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestReconnectReplacesChannel(t *testing.T) {
	reg := NewRegistry(logging.NewLogger("error"))
	first := newFakeChannel()
	second := newFakeChannel()
	reg.Connect("u1", models.RoleDriver, first)
	reg.Connect("u1", models.RoleDriver, second)

	// Old channel is closed eventually; the new one gets traffic.
	deadline := time.After(2 * time.Second)
	for !first.isClosed() {
		select {
		case <-deadline:
			t.Fatal("previous channel never closed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := reg.Notify("u1", testEvent("r1")); err != nil {
		t.Fatal(err)
	}
	if ev := second.waitFor(t); ev.RideID != "r1" {
		t.Fatalf("expected delivery on new channel, got %s", ev.RideID)
	}
}

func TestStaleReaderCannotDropReplacement(t *testing.T) {
	reg := NewRegistry(logging.NewLogger("error"))
	first := newFakeChannel()
	second := newFakeChannel()
	reg.Connect("u1", models.RoleDriver, first)
	reg.Connect("u1", models.RoleDriver, second)

	// The replaced connection's reader observes its close and reports
	// the death of its own channel. The replacement must survive.
	reg.DisconnectChannel("u1", first)
	if err := reg.Notify("u1", testEvent("r1")); err != nil {
		t.Fatalf("replacement session was torn down: %v", err)
	}
	if ev := second.waitFor(t); ev.RideID != "r1" {
		t.Fatalf("expected delivery on the replacement, got %s", ev.RideID)
	}

	// The live channel's reader still disconnects normally.
	reg.DisconnectChannel("u1", second)
	if err := reg.Notify("u1", testEvent("r2")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after real disconnect, got %v", err)
	}
}

func TestSessionsGaugeStableAcrossReconnects(t *testing.T) {
	reg := NewRegistry(logging.NewLogger("error"))
	base := testutil.ToFloat64(observability.SessionsConnected)

	reg.Connect("u1", models.RoleCustomer, newFakeChannel())
	reg.Connect("u1", models.RoleCustomer, newFakeChannel())
	if got := testutil.ToFloat64(observability.SessionsConnected); got != base+1 {
		t.Fatalf("gauge after reconnect = %v, want %v", got, base+1)
	}
	reg.Disconnect("u1")
	if got := testutil.ToFloat64(observability.SessionsConnected); got != base {
		t.Fatalf("gauge after disconnect = %v, want %v", got, base)
	}
}

func TestOnDutyLifecycle(t *testing.T) {
	reg := NewRegistry(logging.NewLogger("error"))
	if err := reg.SetOnDuty("d1", models.VehicleSedan, true); err != nil {
		t.Fatal(err)
	}
	reg.Assign("d1", "ride-1")
	if err := reg.SetOnDuty("d1", models.VehicleSedan, false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("mid-ride off-duty: expected ErrInvalidState, got %v", err)
	}
	reg.Release("d1")
	if err := reg.SetOnDuty("d1", models.VehicleSedan, false); err != nil {
		t.Fatalf("off-duty after release: %v", err)
	}
}

func TestDisconnectKeepsAssignedDriverOnDuty(t *testing.T) {
	reg := NewRegistry(logging.NewLogger("error"))
	reg.Connect("d1", models.RoleDriver, newFakeChannel())
	if err := reg.SetOnDuty("d1", models.VehicleSedan, true); err != nil {
		t.Fatal(err)
	}
	reg.Assign("d1", "ride-1")
	reg.Disconnect("d1")

	// Presence drops the channel but not the duty record: a reconnect
	// within the grace window resumes the ride. The reconciler decides
	// abandonment, not the registry.
	if err := reg.SetOnDuty("d1", models.VehicleSedan, false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("duty record should survive disconnect, got %v", err)
	}
}

func TestBroadcastFiltersPool(t *testing.T) {
	reg := NewRegistry(logging.NewLogger("error"))

	sedan := newFakeChannel()
	suv := newFakeChannel()
	busy := newFakeChannel()
	offline := newFakeChannel()

	reg.Connect("sedan-driver", models.RoleDriver, sedan)
	reg.Connect("suv-driver", models.RoleDriver, suv)
	reg.Connect("busy-driver", models.RoleDriver, busy)
	reg.Connect("off-duty-driver", models.RoleDriver, offline)

	_ = reg.SetOnDuty("sedan-driver", models.VehicleSedan, true)
	_ = reg.SetOnDuty("suv-driver", models.VehicleSUV, true)
	_ = reg.SetOnDuty("busy-driver", models.VehicleSedan, true)
	reg.Assign("busy-driver", "other-ride")

	n := reg.BroadcastToOnDuty(models.VehicleSedan, testEvent("r1"), nil)
	if n != 1 {
		t.Fatalf("expected exactly the idle sedan driver, got %d", n)
	}
	if ev := sedan.waitFor(t); ev.RideID != "r1" {
		t.Fatalf("sedan driver missed the offer: %v", ev)
	}
	select {
	case ev := <-suv.got:
		t.Fatalf("suv driver should not receive sedan offers: %v", ev)
	case ev := <-busy.got:
		t.Fatalf("assigned driver should not receive offers: %v", ev)
	case ev := <-offline.got:
		t.Fatalf("off-duty driver should not receive offers: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcastExcluding(t *testing.T) {
	reg := NewRegistry(logging.NewLogger("error"))
	a := newFakeChannel()
	b := newFakeChannel()
	reg.Connect("a", models.RoleDriver, a)
	reg.Connect("b", models.RoleDriver, b)
	_ = reg.SetOnDuty("a", models.VehicleSedan, true)
	_ = reg.SetOnDuty("b", models.VehicleSedan, true)

	n := reg.BroadcastToOnDuty(models.VehicleSedan, testEvent("r1"), map[string]bool{"a": true})
	if n != 1 {
		t.Fatalf("expected one target, got %d", n)
	}
	if ev := b.waitFor(t); ev.RideID != "r1" {
		t.Fatalf("b missed the offer: %v", ev)
	}
}
