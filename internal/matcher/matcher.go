package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Broadcaster is the slice of the presence registry the matcher needs.
type Broadcaster interface {
	BroadcastToOnDuty(vehicleType models.VehicleType, ev models.Event, excluding map[string]bool) int
}

// Service fans ride offers out to the on-duty pool. There is no ranking:
// every unassigned on-duty driver of the right vehicle type gets the
// offer at once and the first successful accept wins through the store's
// compare-and-swap.
type Service struct {
	Presence Broadcaster
	Log      *slog.Logger
}

func New(presence Broadcaster, log *slog.Logger) *Service {
	return &Service{Presence: presence, Log: log}
}

// Announce pushes the offer for a searching ride. Returns the number of
// drivers addressed; zero is not an error, the reconciler will
// re-broadcast or cancel later.
func (s *Service) Announce(ctx context.Context, r *models.Ride) int {
	ev := models.Event{
		Type:   models.EventRideOffer,
		RideID: r.ID,
		At:     time.Now().UTC(),
		Payload: map[string]any{
			"pickup":       r.Pickup,
			"drop":         r.Drop,
			"vehicle_type": r.VehicleType,
			"passengers":   r.ApprovedCount(),
		},
	}
	n := s.Presence.BroadcastToOnDuty(r.VehicleType, ev, nil)
	observability.OffersBroadcast.Inc()
	s.Log.Info("offer broadcast", "ride_id", r.ID, "vehicle_type", r.VehicleType, "drivers", n)
	return n
}
