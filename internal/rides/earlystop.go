package rides

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RequestEarlyStop proposes a shorter drop while the ride is in
// progress. Either side of the trip may propose; at most one proposal is
// pending at a time.
func (s *Service) RequestEarlyStop(ctx context.Context, actor models.Actor, rideID string, proposedDrop models.Location) (*models.Ride, error) {
	if proposedDrop.Address == "" {
		return nil, ErrInvalidRequest
	}
	r, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusInProgress {
		return nil, ErrInvalidState
	}
	if !isParty(r, actor) {
		return nil, ErrInvalidState
	}
	if r.EarlyStop != nil && r.EarlyStop.Status == models.EarlyStopPending {
		return nil, ErrInvalidState
	}
	expected := r.Version
	now := time.Now().UTC()
	r.EarlyStop = &models.EarlyStop{
		ProposerID:   actor.ID,
		ProposedDrop: proposedDrop,
		Status:       models.EarlyStopPending,
		ProposedAt:   now,
	}
	if err := s.Store.UpdateIfVersion(ctx, r, expected); err != nil {
		return nil, err
	}
	ev := models.Event{Type: models.EventEarlyStopProposed, RideID: r.ID, At: now, Payload: map[string]any{
		"proposer_id":   actor.ID,
		"proposed_drop": proposedDrop.Address,
	}}
	s.notifyPassengers(r, ev, actor.ID)
	s.publish(ctx, ev)
	s.Log.Info("early stop proposed", "ride_id", r.ID, "proposer_id", actor.ID)
	return r, nil
}

// RespondToEarlyStop resolves the pending proposal. Only the
// counterparty may respond: the driver answers a customer proposal and
// the owning customer answers a driver proposal. Acceptance rewrites the
// effective drop; rejection leaves the ride unchanged. Either way the
// proposal instance is finished.
func (s *Service) RespondToEarlyStop(ctx context.Context, actor models.Actor, rideID string, accept bool) (*models.Ride, error) {
	r, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusInProgress {
		return nil, ErrInvalidState
	}
	es := r.EarlyStop
	if es == nil || es.Status != models.EarlyStopPending {
		return nil, ErrInvalidState
	}
	if actor.ID == es.ProposerID || !isCounterparty(r, es.ProposerID, actor) {
		return nil, ErrInvalidState
	}
	expected := r.Version
	now := time.Now().UTC()
	if accept {
		es.Status = models.EarlyStopAccepted
		r.Drop = es.ProposedDrop
	} else {
		es.Status = models.EarlyStopRejected
	}
	if err := s.Store.UpdateIfVersion(ctx, r, expected); err != nil {
		return nil, err
	}
	ev := models.Event{Type: models.EventEarlyStopResolved, RideID: r.ID, At: now, Payload: map[string]any{
		"accepted": accept,
	}}
	s.notifyPassengers(r, ev, "")
	s.publish(ctx, ev)
	s.Log.Info("early stop resolved", "ride_id", r.ID, "accepted", accept, "by", actor.ID)
	return r, nil
}

// ExpireEarlyStop marks a pending proposal expired, semantically an
// implicit rejection. Reconciler-only.
func (s *Service) ExpireEarlyStop(ctx context.Context, actor models.Actor, rideID string) error {
	if actor.Role != models.RoleSystem {
		return ErrInvalidState
	}
	r, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if r.EarlyStop == nil || r.EarlyStop.Status != models.EarlyStopPending {
		return ErrInvalidState
	}
	expected := r.Version
	now := time.Now().UTC()
	r.EarlyStop.Status = models.EarlyStopExpired
	if err := s.Store.UpdateIfVersion(ctx, r, expected); err != nil {
		return err
	}
	ev := models.Event{Type: models.EventEarlyStopResolved, RideID: r.ID, At: now, Payload: map[string]any{
		"accepted": false,
		"expired":  true,
	}}
	s.notifyPassengers(r, ev, "")
	s.publish(ctx, ev)
	return nil
}

// isParty reports whether the actor is on the ride at all: the assigned
// driver, the owner, or an approved passenger.
func isParty(r *models.Ride, actor models.Actor) bool {
	if actor.Role == models.RoleDriver {
		return actor.ID == r.DriverID
	}
	if actor.Role != models.RoleCustomer {
		return false
	}
	p := r.PassengerByID(actor.ID)
	return p != nil && p.Status == models.PassengerApproved
}

// isCounterparty: proposals from the driver side are answered by the
// owning customer; proposals from any customer are answered by the
// driver.
func isCounterparty(r *models.Ride, proposerID string, actor models.Actor) bool {
	if proposerID == r.DriverID {
		return actor.Role == models.RoleCustomer && actor.ID == r.CustomerID
	}
	return actor.Role == models.RoleDriver && actor.ID == r.DriverID
}
