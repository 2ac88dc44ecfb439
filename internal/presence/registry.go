package presence

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	// ErrNoSession means the user has no active channel right now.
	ErrNoSession = errors.New("no active session")
	// ErrInvalidState means the duty change is not allowed, e.g. a driver
	// trying to go off duty while assigned to a ride.
	ErrInvalidState = errors.New("invalid presence state")
)

// Channel is one party's real-time pipe. WSChannel is the production
// implementation; tests substitute in-memory channels.
type Channel interface {
	Send(ev models.Event) error
	Close() error
}

// sendQueueSize bounds the per-session backlog. When a consumer falls
// further behind than this, events are dropped, never queued elsewhere.
const sendQueueSize = 16

type session struct {
	userID string
	role   models.Role
	ch     Channel
	queue  chan models.Event
	done   chan struct{}
	log    *slog.Logger
}

func newSession(userID string, role models.Role, ch Channel, log *slog.Logger) *session {
	s := &session{
		userID: userID,
		role:   role,
		ch:     ch,
		queue:  make(chan models.Event, sendQueueSize),
		done:   make(chan struct{}),
		log:    log,
	}
	go s.writeLoop()
	return s
}

// writeLoop drains the queue onto the channel so that a slow socket
// never blocks the request that produced the event.
func (s *session) writeLoop() {
	for {
		select {
		case ev := <-s.queue:
			if err := s.ch.Send(ev); err != nil {
				s.log.Warn("presence send failed", "user_id", s.userID, "event", ev.Type, "error", err)
			}
		case <-s.done:
			_ = s.ch.Close()
			return
		}
	}
}

func (s *session) enqueue(ev models.Event) {
	select {
	case s.queue <- ev:
	default:
		observability.EventsDropped.Inc()
		s.log.Warn("presence queue full, dropping event", "user_id", s.userID, "event", ev.Type)
	}
}

func (s *session) stop() { close(s.done) }

type dutyState struct {
	vehicleType models.VehicleType
	rideID      string
}

// Registry owns all transient presence state: one session per connected
// identity plus the on-duty driver pool. It is the only shared mutable
// in-memory structure in the system and is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	onDuty   map[string]*dutyState
	log      *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		onDuty:   make(map[string]*dutyState),
		log:      log,
	}
}

// Connect registers the channel for userID. A reconnect replaces the
// previous channel; the old one is closed. The gauge counts identities,
// not connections, so a replacement does not bump it.
func (r *Registry) Connect(userID string, role models.Role, ch Channel) {
	r.mu.Lock()
	prev := r.sessions[userID]
	r.sessions[userID] = newSession(userID, role, ch, r.log)
	r.mu.Unlock()
	if prev != nil {
		prev.stop()
	} else {
		observability.SessionsConnected.Inc()
	}
	r.log.Info("presence connect", "user_id", userID, "role", role)
}

// Disconnect drops whatever channel userID currently has. An unassigned
// on-duty driver also leaves the pool; a mid-ride driver keeps duty
// state so a reconnect resumes it (the reconciler, not the registry,
// decides when a ride is abandoned).
func (r *Registry) Disconnect(userID string) {
	r.remove(userID, nil)
}

// DisconnectChannel drops the session only while ch is still its
// channel. The reader of a replaced connection reports its own death
// after the replacement is registered and must not tear that down.
func (r *Registry) DisconnectChannel(userID string, ch Channel) {
	r.remove(userID, ch)
}

func (r *Registry) remove(userID string, ch Channel) {
	r.mu.Lock()
	s := r.sessions[userID]
	if s == nil || (ch != nil && s.ch != ch) {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, userID)
	if d, ok := r.onDuty[userID]; ok && d.rideID == "" {
		delete(r.onDuty, userID)
	}
	r.mu.Unlock()
	s.stop()
	observability.SessionsConnected.Dec()
	r.log.Info("presence disconnect", "user_id", userID)
}

// SetOnDuty adds or removes a driver from the offer pool. Going off duty
// while assigned to a ride is rejected.
func (r *Registry) SetOnDuty(driverID string, vehicleType models.VehicleType, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, exists := r.onDuty[driverID]
	if !on {
		if exists && d.rideID != "" {
			return ErrInvalidState
		}
		delete(r.onDuty, driverID)
		observability.DriversOnDuty.Set(float64(len(r.onDuty)))
		return nil
	}
	if exists {
		d.vehicleType = vehicleType
		return nil
	}
	r.onDuty[driverID] = &dutyState{vehicleType: vehicleType}
	observability.DriversOnDuty.Set(float64(len(r.onDuty)))
	return nil
}

// Assign records that the driver is serving rideID; Release clears it.
// Both are no-ops for drivers not in the pool.
func (r *Registry) Assign(driverID, rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.onDuty[driverID]; ok {
		d.rideID = rideID
	}
}

func (r *Registry) Release(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.onDuty[driverID]; ok {
		d.rideID = ""
	}
}

// Notify pushes an event to one user, best effort. With no active
// channel the event is dropped; the recipient reconciles on reconnect.
func (r *Registry) Notify(userID string, ev models.Event) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		observability.EventsDropped.Inc()
		return ErrNoSession
	}
	s.enqueue(ev)
	return nil
}

// BroadcastToOnDuty fans an event out to every unassigned on-duty driver
// of the given vehicle type, minus the excluded set. Returns how many
// drivers were addressed.
func (r *Registry) BroadcastToOnDuty(vehicleType models.VehicleType, ev models.Event, excluding map[string]bool) int {
	r.mu.RLock()
	targets := make([]*session, 0, len(r.onDuty))
	for id, d := range r.onDuty {
		if d.vehicleType != vehicleType || d.rideID != "" || excluding[id] {
			continue
		}
		if s, ok := r.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()
	for _, s := range targets {
		s.enqueue(ev)
	}
	return len(targets)
}
