package identity

import (
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/sentinel/internal/auth"
)

const defaultSubscriberBuffer = 32

// Hub fans session change events out to subscribers. Slow subscribers lose events rather
// than stalling publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan auth.SessionChanged
	nextID int
	buffer int
	log    *zap.Logger
}

// NewHub builds a Hub whose subscriber channels hold buffer events.
func NewHub(buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{subs: make(map[int]chan auth.SessionChanged), buffer: buffer, log: log}
}

// Subscribe registers a new listener. The returned function unsubscribes and closes the channel.
func (h *Hub) Subscribe() (<-chan auth.SessionChanged, func()) {
	ch := make(chan auth.SessionChanged, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
		})
	}
}

// Publish delivers ev to every subscriber.
func (h *Hub) Publish(ev auth.SessionChanged) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Warn("session event dropped for slow subscriber",
				zap.String("event", string(ev.Event)),
				zap.String("session_id", ev.SessionID))
		}
	}
}

// Close unsubscribes every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
