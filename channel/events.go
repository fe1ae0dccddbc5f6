package channel

import (
	"time"

	"github.com/cskr/pubsub"
)

// EventType classifies channel lifecycle events.
type EventType int

const (
	EventTypeOpened EventType = iota
	EventTypePaid
	EventTypeClosed
	EventTypeDisputed
)

func (t EventType) String() string {
	switch t {
	case EventTypeOpened:
		return "opened"
	case EventTypePaid:
		return "paid"
	case EventTypeClosed:
		return "closed"
	case EventTypeDisputed:
		return "disputed"
	}
	return "unknown"
}

// Event describes one channel lifecycle transition for external observers.
type Event struct {
	Type         EventType
	ChannelID    string
	Counterparty string
	// Amount is the payment amount for paid events, in minor units.
	Amount    int64
	Nonce     uint64
	Timestamp time.Time
}

const DefaultEventBuffer = 16

// eventBus wraps pubsub for best-effort publication: a slow subscriber can
// never stall the state transition being reported.
type eventBus struct {
	ps *pubsub.PubSub
}

func newEventBus(buffer int) *eventBus {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &eventBus{ps: pubsub.New(buffer)}
}

func (b *eventBus) publish(ev Event) {
	b.ps.TryPub(ev, ev.Type.String())
}

func (b *eventBus) subscribe(types ...EventType) chan interface{} {
	if len(types) == 0 {
		types = []EventType{EventTypeOpened, EventTypePaid, EventTypeClosed, EventTypeDisputed}
	}
	topics := make([]string, len(types))
	for i, t := range types {
		topics[i] = t.String()
	}
	return b.ps.Sub(topics...)
}

func (b *eventBus) unsubscribe(ch chan interface{}) {
	b.ps.Unsub(ch)
}

func (b *eventBus) shutdown() {
	b.ps.Shutdown()
}
