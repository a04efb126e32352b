package server

import (
	gosync "sync"

	"github.com/wesm/offlinesales/internal/sync"
)

// subscriberBuffer is how many events a slow subscriber may lag
// before events are dropped for it.
const subscriberBuffer = 32

// ProgressHub fans engine progress events out to any number of
// subscribers. Pass Publish to sync.WithProgress.
type ProgressHub struct {
	mu   gosync.Mutex
	subs map[chan sync.Progress]struct{}
}

// NewProgressHub creates an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[chan sync.Progress]struct{})}
}

// Publish delivers p to every subscriber without blocking.
// Subscribers with a full buffer miss the event.
func (h *ProgressHub) Publish(p sync.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a func that
// ends the subscription and closes the channel.
func (h *ProgressHub) Subscribe() (<-chan sync.Progress, func()) {
	ch := make(chan sync.Progress, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (h *ProgressHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
