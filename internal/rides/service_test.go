package rides

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeNotifier struct {
	mu       sync.Mutex
	events   map[string][]models.Event
	assigned map[string]string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(map[string][]models.Event), assigned: make(map[string]string)}
}

func (f *fakeNotifier) Notify(userID string, ev models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[userID] = append(f.events[userID], ev)
	return nil
}

func (f *fakeNotifier) Assign(driverID, rideID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned[driverID] = rideID
}

func (f *fakeNotifier) Release(driverID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.assigned, driverID)
}

func (f *fakeNotifier) eventsFor(userID string) []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Event(nil), f.events[userID]...)
}

type fakeOffers struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeOffers) Announce(ctx context.Context, r *models.Ride) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 1
}

func (f *fakeOffers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestService(t *testing.T) (*Service, *fakeNotifier, *fakeOffers) {
	t.Helper()
	notifier := newFakeNotifier()
	offers := &fakeOffers{}
	svc := NewService(storage.NewMemoryStore(), notifier, offers, fare.NewEngine(nil), logging.NewLogger("error"))
	return svc, notifier, offers
}

var (
	alice = models.Actor{ID: "alice", Role: models.RoleCustomer}
	dave  = models.Actor{ID: "dave", Role: models.RoleDriver}
)

func validRequest() models.RideRequest {
	return models.RideRequest{
		Pickup:      models.Location{Address: "1 Main St", Coord: models.Coord{Lat: 12.97, Lon: 77.59}},
		Drop:        models.Location{Address: "9 Park Ave", Coord: models.Coord{Lat: 12.93, Lon: 77.62}},
		VehicleType: models.VehicleSedan,
		Capacity:    4,
	}
}

func TestCreateRideValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*models.RideRequest)
		actor  models.Actor
	}{
		{"missing pickup", func(r *models.RideRequest) { r.Pickup = models.Location{} }, alice},
		{"missing drop", func(r *models.RideRequest) { r.Drop = models.Location{} }, alice},
		{"zero capacity", func(r *models.RideRequest) { r.Capacity = 0 }, alice},
		{"negative capacity", func(r *models.RideRequest) { r.Capacity = -2 }, alice},
		{"bad vehicle type", func(r *models.RideRequest) { r.VehicleType = "hovercraft" }, alice},
		{"driver cannot create", func(r *models.RideRequest) {}, dave},
	}
	for _, tc := range cases {
		req := validRequest()
		tc.mutate(&req)
		if _, err := svc.CreateRide(ctx, tc.actor, req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: expected ErrInvalidRequest, got %v", tc.name, err)
		}
	}
}

func TestCreateRideOwnerIsApprovedPassenger(t *testing.T) {
	svc, _, offers := newTestService(t)
	r, err := svc.CreateRide(context.Background(), alice, validRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != models.StatusSearching {
		t.Fatalf("expected searching, got %s", r.Status)
	}
	if len(r.Passengers) != 1 || r.Passengers[0].CustomerID != "alice" || r.Passengers[0].Status != models.PassengerApproved {
		t.Fatalf("owner should be the sole approved passenger, got %+v", r.Passengers)
	}
	if offers.count() != 1 {
		t.Fatalf("expected one offer broadcast, got %d", offers.count())
	}
}

func TestRideRoundTrip(t *testing.T) {
	svc, notifier, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.CreateRide(ctx, alice, validRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.AcceptRide(ctx, dave, r.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.UpdateRideStatus(ctx, dave, r.ID, models.StatusInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := svc.UpdateRideStatus(ctx, dave, r.ID, models.StatusCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Fare == nil || *done.Fare <= 0 {
		t.Fatalf("expected frozen fare, got %v", done.Fare)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completion timestamp")
	}

	// Terminal: every further operation fails fast.
	if _, err := svc.UpdateRideStatus(ctx, dave, r.ID, models.StatusInProgress); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after completion, got %v", err)
	}
	if _, err := svc.CancelRide(ctx, alice, r.ID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling completed ride, got %v", err)
	}
	if _, err := svc.AcceptRide(ctx, models.Actor{ID: "other", Role: models.RoleDriver}, r.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState accepting completed ride, got %v", err)
	}

	if evs := notifier.eventsFor("alice"); len(evs) < 3 {
		t.Fatalf("owner should have been notified per transition, got %d events", len(evs))
	}
}

func TestInvalidTransitions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	r, _ := svc.CreateRide(ctx, alice, validRequest())
	if _, err := svc.UpdateRideStatus(ctx, dave, r.ID, models.StatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("searching->completed: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.UpdateRideStatus(ctx, dave, r.ID, models.StatusAccepted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("searching->accepted bypassing accept: expected ErrInvalidTransition, got %v", err)
	}

	if _, err := svc.AcceptRide(ctx, dave, r.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.UpdateRideStatus(ctx, dave, r.ID, models.StatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("accepted->completed: expected ErrInvalidTransition, got %v", err)
	}
}

func TestOnlyAssignedRiderAdvances(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	r, _ := svc.CreateRide(ctx, alice, validRequest())
	if _, err := svc.AcceptRide(ctx, dave, r.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	other := models.Actor{ID: "mallory", Role: models.RoleDriver}
	if _, err := svc.UpdateRideStatus(ctx, other, r.ID, models.StatusInProgress); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("other driver: expected ErrInvalidState, got %v", err)
	}
	if _, err := svc.UpdateRideStatus(ctx, alice, r.ID, models.StatusInProgress); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("customer: expected ErrInvalidState, got %v", err)
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	r, _ := svc.CreateRide(ctx, alice, validRequest())

	const drivers = 8
	var wg sync.WaitGroup
	results := make(chan error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			actor := models.Actor{ID: string(rune('a' + n)), Role: models.RoleDriver}
			_, err := svc.AcceptRide(ctx, actor, r.ID)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins, taken := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyTaken):
			taken++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if taken != drivers-1 {
		t.Fatalf("expected %d ErrAlreadyTaken, got %d", drivers-1, taken)
	}

	got, _ := svc.GetRide(ctx, r.ID)
	if got.Status != models.StatusAccepted || got.DriverID == "" {
		t.Fatalf("ride should be accepted with a rider, got %s/%q", got.Status, got.DriverID)
	}
}

func TestCancelPermissions(t *testing.T) {
	svc, notifier, _ := newTestService(t)
	ctx := context.Background()

	// Owner cancels while searching.
	r, _ := svc.CreateRide(ctx, alice, validRequest())
	got, err := svc.CancelRide(ctx, alice, r.ID, "")
	if err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if got.CancelReason != models.CancelByCustomer || got.CancelledBy != "alice" {
		t.Fatalf("cancel attribution wrong: %+v", got)
	}

	// Stranger cannot cancel.
	r2, _ := svc.CreateRide(ctx, alice, validRequest())
	if _, err := svc.CancelRide(ctx, models.Actor{ID: "eve", Role: models.RoleCustomer}, r2.ID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("stranger cancel: expected ErrInvalidState, got %v", err)
	}

	// Customer cannot cancel in progress; operator can.
	if _, err := svc.AcceptRide(ctx, dave, r2.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateRideStatus(ctx, dave, r2.ID, models.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CancelRide(ctx, alice, r2.ID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("customer cancel in progress: expected ErrInvalidState, got %v", err)
	}
	op := models.Actor{ID: "ops-1", Role: models.RoleOperator}
	got2, err := svc.CancelRide(ctx, op, r2.ID, "")
	if err != nil {
		t.Fatalf("operator cancel: %v", err)
	}
	if got2.CancelReason != models.CancelByOperator {
		t.Fatalf("expected operator reason, got %s", got2.CancelReason)
	}
	// Assigned driver got released and notified.
	if _, ok := notifier.assigned["dave"]; ok {
		t.Fatal("driver should be released after cancel")
	}
}

func TestNoDriverFoundCancelRequiresUnassignedRide(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	system := models.Actor{ID: "reconciler", Role: models.RoleSystem}

	r, _ := svc.CreateRide(ctx, alice, validRequest())
	if _, err := svc.AcceptRide(ctx, dave, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CancelRide(ctx, system, r.ID, models.CancelNoDriverFound); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for no_driver_found on accepted ride, got %v", err)
	}
	got, _ := svc.GetRide(ctx, r.ID)
	if got.Status != models.StatusAccepted || got.DriverID != "dave" {
		t.Fatalf("accepted ride must survive, got %s/%q", got.Status, got.DriverID)
	}

	// Forced cancellation with any other reason still works from any
	// non-terminal state.
	if _, err := svc.CancelRide(ctx, system, r.ID, models.CancelByOperator); err != nil {
		t.Fatalf("system cancel: %v", err)
	}
}

func TestDriverCancelBeforeStart(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	r, _ := svc.CreateRide(ctx, alice, validRequest())
	if _, err := svc.AcceptRide(ctx, dave, r.ID); err != nil {
		t.Fatal(err)
	}
	got, err := svc.CancelRide(ctx, dave, r.ID, "")
	if err != nil {
		t.Fatalf("driver cancel: %v", err)
	}
	if got.CancelReason != models.CancelByDriver {
		t.Fatalf("expected driver reason, got %s", got.CancelReason)
	}
}

func TestRebroadcastOnlyWhileSearching(t *testing.T) {
	svc, _, offers := newTestService(t)
	ctx := context.Background()

	r, _ := svc.CreateRide(ctx, alice, validRequest())
	if err := svc.Rebroadcast(ctx, r.ID); err != nil {
		t.Fatalf("rebroadcast: %v", err)
	}
	if offers.count() != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", offers.count())
	}
	got, _ := svc.GetRide(ctx, r.ID)
	if got.RebroadcastAt == nil {
		t.Fatal("rebroadcast timestamp not recorded")
	}

	if _, err := svc.AcceptRide(ctx, dave, r.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Rebroadcast(ctx, r.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after accept, got %v", err)
	}
}

func TestStaleWriteSurfacedOnStatusRace(t *testing.T) {
	// Drive the race by hand: read, then move the ride behind the
	// caller's back, then write with the stale version.
	store := storage.NewMemoryStore()
	svc := NewService(store, newFakeNotifier(), &fakeOffers{}, fare.NewEngine(nil), logging.NewLogger("error"))
	ctx := context.Background()

	r, _ := svc.CreateRide(ctx, alice, validRequest())
	if _, err := svc.AcceptRide(ctx, dave, r.ID); err != nil {
		t.Fatal(err)
	}

	stale, _ := store.Get(ctx, r.ID)
	fresh, _ := store.Get(ctx, r.ID)
	fresh.AcceptingPassengers = true
	if err := store.UpdateIfVersion(ctx, fresh, fresh.Version); err != nil {
		t.Fatal(err)
	}
	stale.Status = models.StatusInProgress
	if err := store.UpdateIfVersion(ctx, stale, stale.Version); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
}

func TestFareQuoteSharedRideCostsMore(t *testing.T) {
	e := fare.NewEngine(nil)
	at := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	from := models.Coord{Lat: 12.97, Lon: 77.59}
	to := models.Coord{Lat: 12.93, Lon: 77.62}
	solo := e.Quote(models.VehicleSedan, from, to, 1, at)
	shared := e.Quote(models.VehicleSedan, from, to, 3, at)
	if shared <= solo {
		t.Fatalf("shared ride should price above solo: solo=%v shared=%v", solo, shared)
	}
}
