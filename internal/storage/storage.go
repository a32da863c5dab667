package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jetci/EMS-sub006/internal/models"
)

// ErrNotFound is returned by both stores for unknown ids.
var ErrNotFound = errors.New("storage: not found")

// RideStore is the only write path for ride rows. Status moves go
// through UpdateRideIf so every committed transition is version-checked.
type RideStore interface {
	GetRide(ctx context.Context, id string) (models.Ride, error)
	CreateRide(ctx context.Context, r models.Ride) error
	// UpdateRideIf writes r only when the stored version still equals
	// expectedVersion. On success the stored version is incremented and
	// the updated row is returned. ok=false means a concurrent writer won.
	UpdateRideIf(ctx context.Context, expectedVersion int64, r models.Ride) (models.Ride, bool, error)
}

// DriverRegistry is the only write path for driver availability.
type DriverRegistry interface {
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	PutDriver(ctx context.Context, d models.Driver) error
	UpdateDriverIf(ctx context.Context, expectedVersion int64, d models.Driver) (models.Driver, bool, error)
}

// MemoryStore keeps rides and drivers in maps guarded by a RWMutex.
// It backs tests and local runs without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]models.Ride
	drivers map[string]models.Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]models.Ride),
		drivers: make(map[string]models.Driver),
	}
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) CreateRide(ctx context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Version = 1
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) UpdateRideIf(ctx context.Context, expectedVersion int64, r models.Ride) (models.Ride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return models.Ride{}, false, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return models.Ride{}, false, nil
	}
	r.Version = expectedVersion + 1
	r.UpdatedAt = time.Now()
	m.rides[r.ID] = r
	return r, true, nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) PutDriver(ctx context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Version == 0 {
		d.Version = 1
	}
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryStore) UpdateDriverIf(ctx context.Context, expectedVersion int64, d models.Driver) (models.Driver, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.drivers[d.ID]
	if !ok {
		return models.Driver{}, false, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return models.Driver{}, false, nil
	}
	d.Version = expectedVersion + 1
	d.UpdatedAt = time.Now()
	m.drivers[d.ID] = d
	return d, true, nil
}
