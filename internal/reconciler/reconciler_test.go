package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

type countingOffers struct{ calls int }

func (c *countingOffers) Announce(ctx context.Context, r *models.Ride) int {
	c.calls++
	return 0
}

func testConfig() Config {
	return Config{
		RideSweepInterval:        time.Second,
		NegotiationSweepInterval: time.Second,
		SearchRebroadcastAfter:   2 * time.Minute,
		SearchCancelAfter:        15 * time.Minute,
		JoinPendingAfter:         3 * time.Minute,
		EarlyStopPendingAfter:    90 * time.Second,
	}
}

func newFixture(t *testing.T) (*Reconciler, *storage.MemoryStore, *rides.Service, *countingOffers) {
	t.Helper()
	store := storage.NewMemoryStore()
	offers := &countingOffers{}
	svc := rides.NewService(store, nil, offers, fare.NewEngine(nil), logging.NewLogger("error"))
	rec := New(store, svc, testConfig(), logging.NewLogger("error"))
	return rec, store, svc, offers
}

// seedRide plants a ride directly with a back-dated creation time.
func seedRide(t *testing.T, store *storage.MemoryStore, id string, age time.Duration) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:          id,
		CustomerID:  "alice",
		VehicleType: models.VehicleSedan,
		Status:      models.StatusSearching,
		Pickup:      models.Location{Address: "a"},
		Drop:        models.Location{Address: "b"},
		Capacity:    4,
		Passengers: []models.Passenger{
			{CustomerID: "alice", Status: models.PassengerApproved, JoinedAt: time.Now().Add(-age)},
		},
		CreatedAt: time.Now().Add(-age),
	}
	if err := store.Create(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSweepRebroadcastsBeforeCancelling(t *testing.T) {
	rec, store, _, offers := newFixture(t)
	ctx := context.Background()
	seedRide(t, store, "r1", 5*time.Minute)

	rec.SweepRides(ctx, time.Now())
	if offers.calls != 1 {
		t.Fatalf("expected one rebroadcast, got %d", offers.calls)
	}
	got, _ := store.Get(ctx, "r1")
	if got.Status != models.StatusSearching || got.RebroadcastAt == nil {
		t.Fatalf("ride should still be searching with a rebroadcast mark: %s", got.Status)
	}

	// Second sweep inside the cancel threshold does nothing more.
	rec.SweepRides(ctx, time.Now())
	if offers.calls != 1 {
		t.Fatalf("rebroadcast should happen once, got %d", offers.calls)
	}
}

func TestSweepCancelsUnmatchedRideExactlyOnce(t *testing.T) {
	rec, store, _, _ := newFixture(t)
	ctx := context.Background()
	seedRide(t, store, "r1", 20*time.Minute)

	rec.SweepRides(ctx, time.Now())
	got, _ := store.Get(ctx, "r1")
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.CancelReason != models.CancelNoDriverFound {
		t.Fatalf("expected no_driver_found, got %s", got.CancelReason)
	}
	version := got.Version

	// A later sweep must not touch the terminal ride.
	rec.SweepRides(ctx, time.Now())
	again, _ := store.Get(ctx, "r1")
	if again.Version != version {
		t.Fatal("terminal ride mutated by a second sweep")
	}
}

// acceptingStore lets a driver win the ride right after the sweep's
// scan returns it, before the cancel is attempted.
type acceptingStore struct {
	*storage.MemoryStore
	svc    *rides.Service
	driver models.Actor
	once   sync.Once
}

func (s *acceptingStore) ListSearchingBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	out, err := s.MemoryStore.ListSearchingBefore(ctx, cutoff)
	if err == nil && len(out) > 0 {
		s.once.Do(func() {
			if _, aerr := s.svc.AcceptRide(ctx, s.driver, out[0].ID); aerr != nil {
				panic(aerr)
			}
		})
	}
	return out, nil
}

func TestSweepSkipsRideAcceptedAfterScan(t *testing.T) {
	mem := storage.NewMemoryStore()
	offers := &countingOffers{}
	svc := rides.NewService(mem, nil, offers, fare.NewEngine(nil), logging.NewLogger("error"))
	store := &acceptingStore{MemoryStore: mem, svc: svc, driver: models.Actor{ID: "dave", Role: models.RoleDriver}}
	rec := New(store, svc, testConfig(), logging.NewLogger("error"))
	ctx := context.Background()

	seedRide(t, mem, "r1", 20*time.Minute)

	rec.SweepRides(ctx, time.Now())
	got, _ := mem.Get(ctx, "r1")
	if got.Status != models.StatusAccepted || got.DriverID != "dave" {
		t.Fatalf("accepted ride cancelled by sweep: %s/%q reason=%s", got.Status, got.DriverID, got.CancelReason)
	}
}

func TestSweepIgnoresFreshAndAcceptedRides(t *testing.T) {
	rec, store, svc, offers := newFixture(t)
	ctx := context.Background()

	seedRide(t, store, "fresh", 30*time.Second)
	stale := seedRide(t, store, "taken", 20*time.Minute)
	if _, err := svc.AcceptRide(ctx, models.Actor{ID: "dave", Role: models.RoleDriver}, stale.ID); err != nil {
		t.Fatal(err)
	}

	rec.SweepRides(ctx, time.Now())
	if offers.calls != 0 {
		t.Fatalf("nothing to rebroadcast, got %d", offers.calls)
	}
	taken, _ := store.Get(ctx, "taken")
	if taken.Status != models.StatusAccepted {
		t.Fatalf("accepted ride must not be swept, got %s", taken.Status)
	}
}

func TestSweepDeclinesStaleJoins(t *testing.T) {
	rec, store, _, _ := newFixture(t)
	ctx := context.Background()

	r := seedRide(t, store, "r1", time.Minute)
	r.AcceptingPassengers = true
	r.Passengers = append(r.Passengers,
		models.Passenger{CustomerID: "slow", Status: models.PassengerPending, JoinedAt: time.Now().Add(-10 * time.Minute)},
		models.Passenger{CustomerID: "quick", Status: models.PassengerPending, JoinedAt: time.Now()},
	)
	if err := store.UpdateIfVersion(ctx, r, r.Version); err != nil {
		t.Fatal(err)
	}

	rec.SweepNegotiations(ctx, time.Now())
	got, _ := store.Get(ctx, "r1")
	if p := got.PassengerByID("slow"); p.Status != models.PassengerDeclined {
		t.Fatalf("stale join should be declined, got %s", p.Status)
	}
	if p := got.PassengerByID("quick"); p.Status != models.PassengerPending {
		t.Fatalf("fresh join must be untouched, got %s", p.Status)
	}
}

func TestSweepExpiresStaleEarlyStop(t *testing.T) {
	rec, store, _, _ := newFixture(t)
	ctx := context.Background()

	r := seedRide(t, store, "r1", time.Minute)
	r.Status = models.StatusInProgress
	r.DriverID = "dave"
	originalDrop := r.Drop
	r.EarlyStop = &models.EarlyStop{
		ProposerID:   "alice",
		ProposedDrop: models.Location{Address: "closer"},
		Status:       models.EarlyStopPending,
		ProposedAt:   time.Now().Add(-5 * time.Minute),
	}
	if err := store.UpdateIfVersion(ctx, r, r.Version); err != nil {
		t.Fatal(err)
	}

	rec.SweepNegotiations(ctx, time.Now())
	got, _ := store.Get(ctx, "r1")
	if got.EarlyStop.Status != models.EarlyStopExpired {
		t.Fatalf("expected expired, got %s", got.EarlyStop.Status)
	}
	if got.Drop != originalDrop {
		t.Fatalf("drop must be unchanged after expiry: %+v", got.Drop)
	}
}
