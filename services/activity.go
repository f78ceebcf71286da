package services

import (
	"sync"
	"time"
)

// Activity event types pushed to the live feed
const (
	EventMessageSent     = "message_sent"
	EventMessageBlocked  = "message_blocked"
	EventMessageFailed   = "message_failed"
	EventMessageReceived = "message_received"
	EventSequenceChanged = "sequence_changed"
	EventLeadCreated     = "lead_created"
	EventBookingCreated  = "booking_created"
	EventCycleCompleted  = "cycle_completed"
)

type ActivityEvent struct {
	Type   string                 `json:"type"`
	LeadID uint                   `json:"lead_id,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
	At     time.Time              `json:"at"`
}

// EventPublisher receives activity events. Publish must not block.
type EventPublisher interface {
	Publish(event ActivityEvent)
}

// ActivityHub fans events out to websocket subscribers
type ActivityHub struct {
	mu     sync.RWMutex
	subs   map[chan ActivityEvent]struct{}
	buffer int
}

func NewActivityHub(buffer int) *ActivityHub {
	if buffer <= 0 {
		buffer = 32
	}
	return &ActivityHub{
		subs:   make(map[chan ActivityEvent]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a listener. Call the returned func to stop receiving.
func (h *ActivityHub) Subscribe() (<-chan ActivityEvent, func()) {
	ch := make(chan ActivityEvent, h.buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers to every subscriber with room in its buffer; slow ones miss the event
func (h *ActivityHub) Publish(event ActivityEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers returns the number of live listeners
func (h *ActivityHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

type noopPublisher struct{}

func (noopPublisher) Publish(ActivityEvent) {}

func publisherOrNoop(p EventPublisher) EventPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}
