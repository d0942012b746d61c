// Package events provides an in-process publish/subscribe hub for feature
// lifecycle events. The HTTP layer publishes after successful mutations and
// the WebSocket endpoint streams to connected clients.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the API layer.
const (
	TypeFeatureCreated  = "feature.created"
	TypeFeatureUpdated  = "feature.updated"
	TypeFeatureDeleted  = "feature.deleted"
	TypeFeatureClaimed  = "feature.claimed"
	TypeFeatureReleased = "feature.released"
	TypeFeatureSkipped  = "feature.skipped"
)

// Event is one feature lifecycle notification.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Project   string    `json:"project"`
	FeatureID int64     `json:"feature_id"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts losing events rather than blocking publishers.
const subscriberBuffer = 64

// Hub fans events out to subscribers. Safe for concurrent use; the zero
// value is not usable, create with NewHub.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish sends an event to every subscriber. Publishing never blocks: slow
// subscribers drop events once their buffer fills.
func (h *Hub) Publish(eventType, project string, featureID int64) {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Project:   project,
		FeatureID: featureID,
		Timestamp: time.Now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber channel.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Count returns the number of active subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
