package rides

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Notifier is the slice of the presence registry the service needs.
type Notifier interface {
	Notify(userID string, ev models.Event) error
	Assign(driverID, rideID string)
	Release(driverID string)
}

// OfferDispatcher fans a searching ride out to eligible drivers.
type OfferDispatcher interface {
	Announce(ctx context.Context, r *models.Ride) int
}

// FareQuoter is the external fare engine. Invoked exactly once, at
// completion, plus once at accept for the payment hold estimate.
type FareQuoter interface {
	Quote(v models.VehicleType, from, to models.Coord, passengers int, bookingAt time.Time) float64
}

// PaymentGateway holds funds at accept, captures at completion and
// releases on cancellation.
type PaymentGateway interface {
	Hold(ctx context.Context, amountCents int64, rideID string) (ref string, err error)
	Capture(ctx context.Context, ref string) error
	Release(ctx context.Context, ref string) error
}

// EventSink receives a copy of every lifecycle event, e.g. a Kafka topic.
type EventSink interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Service owns the ride lifecycle: the state machine, the passenger
// coordinator and the early-stop negotiator. All mutations go through
// the store's version guard; the service holds no authoritative state.
type Service struct {
	Store    storage.RideStore
	Presence Notifier
	Offers   OfferDispatcher
	Fare     FareQuoter
	Payments PaymentGateway
	Events   EventSink
	// MaxCapacity caps the requested seat count; zero means no cap.
	MaxCapacity int
	Log         *slog.Logger
}

func NewService(store storage.RideStore, pres Notifier, offers OfferDispatcher, fare FareQuoter, log *slog.Logger) *Service {
	return &Service{Store: store, Presence: pres, Offers: offers, Fare: fare, Log: log}
}

// CreateRide validates the request, persists the ride in searching state
// with the owner as its first approved passenger, and announces it.
func (s *Service) CreateRide(ctx context.Context, actor models.Actor, req models.RideRequest) (*models.Ride, error) {
	if actor.Role != models.RoleCustomer {
		return nil, ErrInvalidRequest
	}
	if req.Pickup.Address == "" || req.Drop.Address == "" {
		return nil, ErrInvalidRequest
	}
	if req.Capacity <= 0 || (s.MaxCapacity > 0 && req.Capacity > s.MaxCapacity) {
		return nil, ErrInvalidRequest
	}
	if !req.VehicleType.Valid() {
		return nil, ErrInvalidRequest
	}
	now := time.Now().UTC()
	r := &models.Ride{
		ID:                  uuid.NewString(),
		CustomerID:          actor.ID,
		VehicleType:         req.VehicleType,
		Status:              models.StatusSearching,
		Pickup:              req.Pickup,
		Drop:                req.Drop,
		Capacity:            req.Capacity,
		AcceptingPassengers: req.AcceptingPassengers,
		Passengers: []models.Passenger{
			{CustomerID: actor.ID, Status: models.PassengerApproved, JoinedAt: now},
		},
		CreatedAt: now,
	}
	if err := s.Store.Create(ctx, r); err != nil {
		return nil, err
	}
	observability.RidesCreated.Inc()
	s.Log.Info("ride created", "ride_id", r.ID, "customer_id", actor.ID, "vehicle_type", r.VehicleType)
	if s.Offers != nil {
		s.Offers.Announce(ctx, r)
	}
	s.publish(ctx, models.Event{Type: models.EventRideOffer, RideID: r.ID, At: now, Payload: map[string]any{
		"status": r.Status, "vehicle_type": r.VehicleType,
	}})
	return r, nil
}

// AcceptRide assigns the calling driver to a searching ride. The store's
// compare-and-swap resolves racing accepts: exactly one driver wins, the
// rest get ErrAlreadyTaken.
func (s *Service) AcceptRide(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	if actor.Role != models.RoleDriver {
		return nil, ErrInvalidRequest
	}
	r, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, ErrInvalidState
	}
	if r.Status != models.StatusSearching || r.DriverID != "" {
		if r.DriverID != "" && r.DriverID != actor.ID {
			return nil, ErrAlreadyTaken
		}
		return nil, ErrInvalidState
	}
	expected := r.Version
	now := time.Now().UTC()
	r.DriverID = actor.ID
	r.Status = models.StatusAccepted
	r.AcceptedAt = &now
	if err := s.Store.UpdateIfVersion(ctx, r, expected); err != nil {
		if errors.Is(err, ErrStaleWrite) {
			return nil, s.acceptConflict(ctx, rideID, actor.ID)
		}
		return nil, err
	}
	observability.RidesMatched.Inc()
	observability.Transitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	if s.Presence != nil {
		s.Presence.Assign(actor.ID, r.ID)
	}
	s.holdPayment(ctx, r)
	ev := models.Event{Type: models.EventRideAccepted, RideID: r.ID, At: now, Payload: map[string]any{
		"driver_id": actor.ID,
	}}
	s.notifyPassengers(r, ev, "")
	s.publish(ctx, ev)
	s.Log.Info("ride accepted", "ride_id", r.ID, "driver_id", actor.ID)
	return r, nil
}

// acceptConflict classifies a lost accept race: if the reload shows a
// rider already assigned the caller lost to another driver, otherwise
// something else moved the ride and the caller should re-read.
func (s *Service) acceptConflict(ctx context.Context, rideID, driverID string) error {
	observability.Conflicts.WithLabelValues("accept").Inc()
	cur, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return ErrStaleWrite
	}
	if cur.DriverID != "" && cur.DriverID != driverID {
		return ErrAlreadyTaken
	}
	return ErrStaleWrite
}

// UpdateRideStatus advances an accepted ride along
// accepted → in_progress → completed. Only the assigned rider drives
// this path. Completion computes and freezes the fare.
func (s *Service) UpdateRideStatus(ctx context.Context, actor models.Actor, rideID string, next models.RideStatus) (*models.Ride, error) {
	r, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, ErrInvalidState
	}
	if !adjacent(r.Status, next) {
		return nil, ErrInvalidTransition
	}
	if actor.Role != models.RoleSystem && (actor.Role != models.RoleDriver || actor.ID != r.DriverID) {
		return nil, ErrInvalidState
	}
	expected := r.Version
	now := time.Now().UTC()
	r.Status = next
	if next == models.StatusCompleted {
		r.CompletedAt = &now
		if r.EarlyStop != nil && r.EarlyStop.Status == models.EarlyStopPending {
			r.EarlyStop.Status = models.EarlyStopExpired
		}
		fare := s.Fare.Quote(r.VehicleType, r.Pickup.Coord, r.Drop.Coord, r.ApprovedCount(), r.CreatedAt)
		r.Fare = &fare
	}
	if err := s.Store.UpdateIfVersion(ctx, r, expected); err != nil {
		if errors.Is(err, ErrStaleWrite) {
			observability.Conflicts.WithLabelValues("status").Inc()
		}
		return nil, err
	}
	observability.Transitions.WithLabelValues(string(next)).Inc()
	if next == models.StatusCompleted {
		if s.Presence != nil {
			s.Presence.Release(r.DriverID)
		}
		s.capturePayment(ctx, r)
	}
	ev := models.Event{Type: models.EventRideStatusChanged, RideID: r.ID, At: now, Payload: map[string]any{
		"status": next,
	}}
	s.notifyPassengers(r, ev, "")
	s.publish(ctx, ev)
	s.Log.Info("ride status changed", "ride_id", r.ID, "status", next)
	return r, nil
}

// CancelRide ends a ride before completion. The owning customer and the
// assigned rider may cancel while searching or accepted; operators and
// the reconciler may cancel any non-terminal ride.
func (s *Service) CancelRide(ctx context.Context, actor models.Actor, rideID string, reason models.CancelReason) (*models.Ride, error) {
	r, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, ErrInvalidState
	}
	switch actor.Role {
	case models.RoleOperator, models.RoleSystem:
		// no_driver_found only applies to a ride nobody accepted. The
		// sweep's scan snapshot may be stale, so re-check here.
		if reason == models.CancelNoDriverFound && (r.Status != models.StatusSearching || r.DriverID != "") {
			return nil, ErrInvalidState
		}
	case models.RoleCustomer:
		if actor.ID != r.CustomerID || r.Status == models.StatusInProgress {
			return nil, ErrInvalidState
		}
		reason = models.CancelByCustomer
	case models.RoleDriver:
		if actor.ID != r.DriverID || r.Status == models.StatusInProgress {
			return nil, ErrInvalidState
		}
		reason = models.CancelByDriver
	default:
		return nil, ErrInvalidRequest
	}
	if reason == "" {
		reason = models.CancelByOperator
	}
	expected := r.Version
	now := time.Now().UTC()
	driverID := r.DriverID
	r.Status = models.StatusCancelled
	r.CancelReason = reason
	r.CancelledBy = actor.ID
	if err := s.Store.UpdateIfVersion(ctx, r, expected); err != nil {
		if errors.Is(err, ErrStaleWrite) {
			observability.Conflicts.WithLabelValues("cancel").Inc()
		}
		return nil, err
	}
	observability.Transitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	if driverID != "" && s.Presence != nil {
		s.Presence.Release(driverID)
	}
	s.releasePayment(ctx, r)
	ev := models.Event{Type: models.EventRideCancelled, RideID: r.ID, At: now, Payload: map[string]any{
		"reason": reason,
	}}
	s.notifyPassengers(r, ev, "")
	if driverID != "" && s.Presence != nil {
		_ = s.Presence.Notify(driverID, ev)
	}
	s.publish(ctx, ev)
	s.Log.Info("ride cancelled", "ride_id", r.ID, "reason", reason, "by", actor.ID)
	return r, nil
}

// Rebroadcast re-announces a still-searching ride to on-duty drivers.
// Called by the reconciler when the first fan-out got no accept.
func (s *Service) Rebroadcast(ctx context.Context, rideID string) error {
	r, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status != models.StatusSearching {
		return ErrInvalidState
	}
	expected := r.Version
	now := time.Now().UTC()
	r.RebroadcastAt = &now
	if err := s.Store.UpdateIfVersion(ctx, r, expected); err != nil {
		return err
	}
	if s.Offers != nil {
		s.Offers.Announce(ctx, r)
	}
	return nil
}

// GetRide returns the current ride snapshot, passengers included.
func (s *Service) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Store.Get(ctx, rideID)
}

// adjacent is the lifecycle adjacency table. searching → accepted is
// deliberately absent: that edge exists only through AcceptRide, which
// also assigns the rider.
func adjacent(from, to models.RideStatus) bool {
	switch from {
	case models.StatusAccepted:
		return to == models.StatusInProgress
	case models.StatusInProgress:
		return to == models.StatusCompleted
	}
	return false
}

// notifyPassengers pushes ev to the owner and every approved passenger,
// plus the assigned driver, skipping skipID. Best effort.
func (s *Service) notifyPassengers(r *models.Ride, ev models.Event, skipID string) {
	if s.Presence == nil {
		return
	}
	seen := map[string]bool{skipID: true}
	for _, p := range r.Passengers {
		if p.Status != models.PassengerApproved || seen[p.CustomerID] {
			continue
		}
		seen[p.CustomerID] = true
		_ = s.Presence.Notify(p.CustomerID, ev)
	}
	if r.DriverID != "" && !seen[r.DriverID] {
		_ = s.Presence.Notify(r.DriverID, ev)
	}
}

func (s *Service) publish(ctx context.Context, ev models.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.Log.Warn("event publish failed", "ride_id", ev.RideID, "event", ev.Type, "error", err)
	}
}

func (s *Service) holdPayment(ctx context.Context, r *models.Ride) {
	if s.Payments == nil || s.Fare == nil {
		return
	}
	estimate := s.Fare.Quote(r.VehicleType, r.Pickup.Coord, r.Drop.Coord, r.ApprovedCount(), r.CreatedAt)
	ref, err := s.Payments.Hold(ctx, int64(estimate*100), r.ID)
	if err != nil {
		s.Log.Warn("payment hold failed", "ride_id", r.ID, "error", err)
		return
	}
	expected := r.Version
	r.PaymentRef = ref
	if err := s.Store.UpdateIfVersion(ctx, r, expected); err != nil {
		s.Log.Warn("payment ref not recorded", "ride_id", r.ID, "error", err)
	}
}

func (s *Service) capturePayment(ctx context.Context, r *models.Ride) {
	if s.Payments == nil || r.PaymentRef == "" {
		return
	}
	if err := s.Payments.Capture(ctx, r.PaymentRef); err != nil {
		s.Log.Warn("payment capture failed", "ride_id", r.ID, "error", err)
	}
}

func (s *Service) releasePayment(ctx context.Context, r *models.Ride) {
	if s.Payments == nil || r.PaymentRef == "" {
		return
	}
	if err := s.Payments.Release(ctx, r.PaymentRef); err != nil {
		s.Log.Warn("payment release failed", "ride_id", r.ID, "error", err)
	}
}
