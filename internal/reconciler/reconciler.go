package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

// Lifecycle is the slice of the rides service the reconciler drives. It
// is a scheduled actor, not a parallel code path: every forced outcome
// goes through the same entry points client traffic uses, so the version
// guards and invariants apply unchanged.
type Lifecycle interface {
	Rebroadcast(ctx context.Context, rideID string) error
	CancelRide(ctx context.Context, actor models.Actor, rideID string, reason models.CancelReason) (*models.Ride, error)
	DeclineJoinRequest(ctx context.Context, actor models.Actor, rideID, customerID, note string) (*models.Ride, error)
	ExpireEarlyStop(ctx context.Context, actor models.Actor, rideID string) error
}

// Config carries the staleness thresholds and the two sweep periods.
type Config struct {
	// RideSweepInterval drives the searching-ride sweep.
	RideSweepInterval time.Duration
	// NegotiationSweepInterval drives the join/early-stop sweep.
	NegotiationSweepInterval time.Duration
	// SearchRebroadcastAfter is how long a searching ride waits before a
	// second fan-out.
	SearchRebroadcastAfter time.Duration
	// SearchCancelAfter is how long a searching ride may live before it
	// is cancelled with reason no_driver_found.
	SearchCancelAfter time.Duration
	// JoinPendingAfter is the max age of an unanswered join request.
	JoinPendingAfter time.Duration
	// EarlyStopPendingAfter is the max age of an unanswered proposal.
	EarlyStopPendingAfter time.Duration
}

var systemActor = models.Actor{ID: "reconciler", Role: models.RoleSystem}

type Reconciler struct {
	Store  storage.RideStore
	Rides  Lifecycle
	Config Config
	Log    *slog.Logger
}

func New(store storage.RideStore, lifecycle Lifecycle, cfg Config, log *slog.Logger) *Reconciler {
	return &Reconciler{Store: store, Rides: lifecycle, Config: cfg, Log: log}
}

// Run blocks, sweeping on both intervals until ctx is done. Failures are
// logged and retried on the next scheduled sweep; nothing is raised to a
// caller and nothing retries in a tight loop.
func (r *Reconciler) Run(ctx context.Context) {
	rideTick := time.NewTicker(r.Config.RideSweepInterval)
	negTick := time.NewTicker(r.Config.NegotiationSweepInterval)
	defer rideTick.Stop()
	defer negTick.Stop()
	r.Log.Info("reconciler started",
		"ride_sweep", r.Config.RideSweepInterval,
		"negotiation_sweep", r.Config.NegotiationSweepInterval)
	for {
		select {
		case <-ctx.Done():
			r.Log.Info("reconciler stopped")
			return
		case <-rideTick.C:
			r.SweepRides(ctx, time.Now().UTC())
		case <-negTick.C:
			r.SweepNegotiations(ctx, time.Now().UTC())
		}
	}
}

// SweepRides re-broadcasts searching rides past the rebroadcast
// threshold and cancels those past the cancel threshold.
func (r *Reconciler) SweepRides(ctx context.Context, now time.Time) {
	stale, err := r.Store.ListSearchingBefore(ctx, now.Add(-r.Config.SearchRebroadcastAfter))
	if err != nil {
		observability.SweepErrors.Inc()
		r.Log.Error("ride sweep scan failed", "error", err)
		return
	}
	for _, ride := range stale {
		if now.Sub(ride.CreatedAt) >= r.Config.SearchCancelAfter {
			if _, err := r.Rides.CancelRide(ctx, systemActor, ride.ID, models.CancelNoDriverFound); err != nil {
				if errors.Is(err, rides.ErrInvalidState) || errors.Is(err, rides.ErrStaleWrite) {
					// A driver accepted after the scan; the ride is no
					// longer ours to cancel.
					continue
				}
				observability.SweepErrors.Inc()
				r.Log.Warn("stale ride cancel failed", "ride_id", ride.ID, "error", err)
				continue
			}
			observability.SweepActions.WithLabelValues("cancel_unmatched").Inc()
			r.Log.Info("stale ride cancelled", "ride_id", ride.ID, "age", now.Sub(ride.CreatedAt))
			continue
		}
		if ride.RebroadcastAt != nil {
			continue
		}
		if err := r.Rides.Rebroadcast(ctx, ride.ID); err != nil {
			observability.SweepErrors.Inc()
			r.Log.Warn("rebroadcast failed", "ride_id", ride.ID, "error", err)
			continue
		}
		observability.SweepActions.WithLabelValues("rebroadcast").Inc()
	}
}

// SweepNegotiations declines join requests and expires early-stop
// proposals that nobody answered in time.
func (r *Reconciler) SweepNegotiations(ctx context.Context, now time.Time) {
	joinCutoff := now.Add(-r.Config.JoinPendingAfter)
	withJoins, err := r.Store.ListPendingJoinsBefore(ctx, joinCutoff)
	if err != nil {
		observability.SweepErrors.Inc()
		r.Log.Error("join sweep scan failed", "error", err)
	} else {
		for _, ride := range withJoins {
			for _, p := range ride.Passengers {
				if p.Status != models.PassengerPending || !p.JoinedAt.Before(joinCutoff) {
					continue
				}
				if _, err := r.Rides.DeclineJoinRequest(ctx, systemActor, ride.ID, p.CustomerID, "timed_out"); err != nil {
					observability.SweepErrors.Inc()
					r.Log.Warn("stale join decline failed", "ride_id", ride.ID, "customer_id", p.CustomerID, "error", err)
					continue
				}
				observability.SweepActions.WithLabelValues("decline_join").Inc()
			}
		}
	}

	esCutoff := now.Add(-r.Config.EarlyStopPendingAfter)
	withStops, err := r.Store.ListPendingEarlyStopsBefore(ctx, esCutoff)
	if err != nil {
		observability.SweepErrors.Inc()
		r.Log.Error("early stop sweep scan failed", "error", err)
		return
	}
	for _, ride := range withStops {
		if err := r.Rides.ExpireEarlyStop(ctx, systemActor, ride.ID); err != nil {
			observability.SweepErrors.Inc()
			r.Log.Warn("early stop expire failed", "ride_id", ride.ID, "error", err)
			continue
		}
		observability.SweepActions.WithLabelValues("expire_early_stop").Inc()
	}
}
