package gate

import (
	"sync"
	"time"

	"perun.network/x402-stellar/wire"
)

// PendingRequest tracks one issued payment requirement awaiting proof.
// Exactly one exists per request ID; IDs are never reused.
type PendingRequest struct {
	RequestID   string
	Requirement wire.PaymentRequirement
	CreatedAt   time.Time
}

// PendingStore holds outstanding requests. Take must be atomic so a request
// can be consumed at most once even under concurrent verification.
// Implementations must be safe for concurrent use.
type PendingStore interface {
	Put(req PendingRequest)
	// Get returns the request without removing it.
	Get(requestID string) (PendingRequest, bool)
	// Take removes and returns the request in a single atomic step.
	Take(requestID string) (PendingRequest, bool)
	// DropExpired removes all requests whose requirement expired before
	// now and returns how many were dropped.
	DropExpired(now time.Time) int
}

// MemoryStore is the in-memory PendingStore.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]PendingRequest
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string]PendingRequest)}
}

// Put implements PendingStore.
func (s *MemoryStore) Put(req PendingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[req.RequestID] = req
}

// Get implements PendingStore.
func (s *MemoryStore) Get(requestID string) (PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[requestID]
	return req, ok
}

// Take implements PendingStore.
func (s *MemoryStore) Take(requestID string) (PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	return req, ok
}

// DropExpired implements PendingStore.
func (s *MemoryStore) DropExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, req := range s.pending {
		if req.Requirement.Expired(now) {
			delete(s.pending, id)
			n++
		}
	}
	return n
}
