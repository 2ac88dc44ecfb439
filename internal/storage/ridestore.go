package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrNotFound means no ride exists under the given id.
	ErrNotFound = errors.New("ride not found")
	// ErrStaleWrite means the ride changed since the caller read it; the
	// caller must re-read and re-validate before trying again.
	ErrStaleWrite = errors.New("stale write: version mismatch")
	// ErrExists means Create collided with an existing id.
	ErrExists = errors.New("ride already exists")
)

// RideStore persists ride aggregates with an optimistic version guard.
// UpdateIfVersion applies the given ride only when the stored version
// equals expected, and bumps the version by one. It is the single
// serialization point for concurrent mutations of the same ride.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	UpdateIfVersion(ctx context.Context, r *models.Ride, expected int64) error

	// Reconciler scans. Cutoffs are absolute times; rides at or after the
	// cutoff are not stale yet.
	ListSearchingBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error)
	ListPendingJoinsBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error)
	ListPendingEarlyStopsBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error)
}

// MemoryStore keeps rides in a map. Used in tests and for local runs
// without postgres.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrExists
	}
	cp := r.Clone()
	cp.Version = 0
	m.rides[r.ID] = cp
	r.Version = 0
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateIfVersion(ctx context.Context, r *models.Ride, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expected {
		return ErrStaleWrite
	}
	cp := r.Clone()
	cp.Version = expected + 1
	m.rides[r.ID] = cp
	r.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListSearchingBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == models.StatusSearching && r.CreatedAt.Before(cutoff) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPendingJoinsBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status.Terminal() {
			continue
		}
		for _, p := range r.Passengers {
			if p.Status == models.PassengerPending && p.JoinedAt.Before(cutoff) {
				out = append(out, r.Clone())
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPendingEarlyStopsBefore(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.EarlyStop != nil && r.EarlyStop.Status == models.EarlyStopPending && r.EarlyStop.ProposedAt.Before(cutoff) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}
