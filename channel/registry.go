package channel

import "sync"

// Registry stores the channels a coordinator owns. Implementations must be
// safe for concurrent use; the memory implementation below is the default,
// persistent ones can be swapped in without touching protocol logic.
type Registry interface {
	Put(ch *Channel)
	Get(id string) (*Channel, bool)
	// ByCounterparty returns any channel with the given counterparty.
	ByCounterparty(addr string) (*Channel, bool)
	Delete(id string)
	All() []*Channel
}

// MemoryRegistry is the in-memory Registry with a secondary counterparty
// index for channel reuse.
type MemoryRegistry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	byParty  map[string]string // counterparty -> channelID
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		channels: make(map[string]*Channel),
		byParty:  make(map[string]string),
	}
}

// Put implements Registry.
func (r *MemoryRegistry) Put(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID()] = ch
	r.byParty[ch.Counterparty()] = ch.ID()
}

// Get implements Registry.
func (r *MemoryRegistry) Get(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// ByCounterparty implements Registry.
func (r *MemoryRegistry) ByCounterparty(addr string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byParty[addr]
	if !ok {
		return nil, false
	}
	ch, ok := r.channels[id]
	return ch, ok
}

// Delete implements Registry.
func (r *MemoryRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	if !ok {
		return
	}
	delete(r.channels, id)
	if r.byParty[ch.Counterparty()] == id {
		delete(r.byParty, ch.Counterparty())
	}
}

// All implements Registry.
func (r *MemoryRegistry) All() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}
