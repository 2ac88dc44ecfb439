package rides

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// JoinRide files a pending join request for the calling customer on a
// ride that is still accepting passengers and has a free approved seat.
func (s *Service) JoinRide(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	if actor.Role != models.RoleCustomer {
		return nil, ErrInvalidRequest
	}
	r, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, ErrInvalidState
	}
	if !r.AcceptingPassengers || r.ApprovedCount() >= r.Capacity {
		return nil, ErrNotJoinable
	}
	if r.PassengerByID(actor.ID) != nil {
		// One entry per customer per ride; declined and removed entries
		// never come back.
		return nil, ErrNotJoinable
	}
	expected := r.Version
	now := time.Now().UTC()
	r.Passengers = append(r.Passengers, models.Passenger{
		CustomerID: actor.ID,
		Status:     models.PassengerPending,
		JoinedAt:   now,
	})
	if err := s.Store.UpdateIfVersion(ctx, r, expected); err != nil {
		return nil, err
	}
	ev := models.Event{Type: models.EventJoinRequested, RideID: r.ID, At: now, Payload: map[string]any{
		"customer_id": actor.ID,
	}}
	if s.Presence != nil {
		_ = s.Presence.Notify(r.CustomerID, ev)
		if r.DriverID != "" {
			_ = s.Presence.Notify(r.DriverID, ev)
		}
	}
	s.publish(ctx, ev)
	s.Log.Info("join requested", "ride_id", r.ID, "customer_id", actor.ID)
	return r, nil
}

// ApproveJoinRequest promotes a pending passenger. Owner-only. Capacity
// is re-checked at write time: racing approvals for the last seat are
// serialized by the version guard and the loser gets CapacityExceeded on
// its retry against fresh state.
func (s *Service) ApproveJoinRequest(ctx context.Context, actor models.Actor, rideID, customerID string) (*models.Ride, error) {
	return s.resolveJoin(ctx, actor, rideID, customerID, true, "")
}

// DeclineJoinRequest rejects a pending passenger. Owner-only, or the
// reconciler when the request timed out.
func (s *Service) DeclineJoinRequest(ctx context.Context, actor models.Actor, rideID, customerID string, note string) (*models.Ride, error) {
	return s.resolveJoin(ctx, actor, rideID, customerID, false, note)
}

func (s *Service) resolveJoin(ctx context.Context, actor models.Actor, rideID, customerID string, approve bool, note string) (*models.Ride, error) {
	r, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, ErrInvalidState
	}
	if actor.Role != models.RoleSystem && actor.ID != r.CustomerID {
		return nil, ErrInvalidState
	}
	p := r.PassengerByID(customerID)
	if p == nil {
		return nil, ErrNotFound
	}
	if p.Status != models.PassengerPending {
		return nil, ErrInvalidState
	}
	if approve && r.ApprovedCount() >= r.Capacity {
		observability.Conflicts.WithLabelValues("capacity").Inc()
		return nil, ErrCapacityExceeded
	}
	expected := r.Version
	now := time.Now().UTC()
	if approve {
		p.Status = models.PassengerApproved
	} else {
		p.Status = models.PassengerDeclined
	}
	if err := s.Store.UpdateIfVersion(ctx, r, expected); err != nil {
		if errors.Is(err, ErrStaleWrite) {
			observability.Conflicts.WithLabelValues("join").Inc()
		}
		return nil, err
	}
	payload := map[string]any{"customer_id": customerID, "approved": approve}
	if note != "" {
		payload["note"] = note
	}
	ev := models.Event{Type: models.EventJoinResolved, RideID: r.ID, At: now, Payload: payload}
	if s.Presence != nil {
		_ = s.Presence.Notify(customerID, ev)
	}
	s.publish(ctx, ev)
	s.Log.Info("join resolved", "ride_id", r.ID, "customer_id", customerID, "approved", approve)
	return r, nil
}

// RemovePassenger drops an approved or pending passenger mid-ride. The
// owner, the assigned driver, or an operator may remove; the owner's own
// entry is not removable. Freeing a seat on an accepting ride makes it
// joinable again.
func (s *Service) RemovePassenger(ctx context.Context, actor models.Actor, rideID, customerID string) (*models.Ride, error) {
	r, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, ErrInvalidState
	}
	allowed := actor.Role == models.RoleOperator ||
		(actor.Role == models.RoleCustomer && actor.ID == r.CustomerID) ||
		(actor.Role == models.RoleDriver && actor.ID == r.DriverID)
	if !allowed {
		return nil, ErrInvalidState
	}
	if customerID == r.CustomerID {
		return nil, ErrInvalidRequest
	}
	p := r.PassengerByID(customerID)
	if p == nil {
		return nil, ErrNotFound
	}
	if p.Status != models.PassengerApproved && p.Status != models.PassengerPending {
		return nil, ErrInvalidState
	}
	expected := r.Version
	now := time.Now().UTC()
	p.Status = models.PassengerRemoved
	if err := s.Store.UpdateIfVersion(ctx, r, expected); err != nil {
		return nil, err
	}
	ev := models.Event{Type: models.EventPassengerRemoved, RideID: r.ID, At: now, Payload: map[string]any{
		"customer_id": customerID,
	}}
	if s.Presence != nil {
		_ = s.Presence.Notify(customerID, ev)
		_ = s.Presence.Notify(r.CustomerID, ev)
	}
	// A freed seat changes the offer's seat count for rides still searching.
	if r.Status == models.StatusSearching && s.Offers != nil {
		s.Offers.Announce(ctx, r)
	}
	s.publish(ctx, ev)
	s.Log.Info("passenger removed", "ride_id", r.ID, "customer_id", customerID, "by", actor.ID)
	return r, nil
}

// ToggleAcceptingPassengers flips the joinability flag. Owner-only; no
// effect on passengers already approved.
func (s *Service) ToggleAcceptingPassengers(ctx context.Context, actor models.Actor, rideID string, accepting bool) (*models.Ride, error) {
	r, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, ErrInvalidState
	}
	if actor.Role != models.RoleCustomer || actor.ID != r.CustomerID {
		return nil, ErrInvalidState
	}
	if r.AcceptingPassengers == accepting {
		return r, nil
	}
	expected := r.Version
	r.AcceptingPassengers = accepting
	if err := s.Store.UpdateIfVersion(ctx, r, expected); err != nil {
		return nil, err
	}
	s.Log.Info("accepting passengers toggled", "ride_id", r.ID, "accepting", accepting)
	return r, nil
}
