package storage

import (
	"sync"

	"github.com/example/campus-dispatch/internal/models"
)

// RequestStore defines persistence for ride requests and posted rides.
// The dispatcher only reads records and flips request status at specific
// transition points (entering broadcast, expiry, match, cancel).
type RequestStore interface {
	SaveRequest(r *models.RideRequest) error
	GetRequest(id string) (*models.RideRequest, error)
	UpdateRequestStatus(id string, status models.RequestStatus) error
	SaveRide(r *models.Ride) error
	GetRide(id string) (*models.Ride, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.RideRequest
	rides    map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.RideRequest),
		rides:    make(map[string]*models.Ride),
	}
}

func (m *MemoryStore) SaveRequest(r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRequestStatus(id string, status models.RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.requests[id]; ok {
		r.Status = status
	}
	return nil
}

func (m *MemoryStore) SaveRide(r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}
