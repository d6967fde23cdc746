package graphrelay

import (
	"encoding/json"
	"sync"
)

// EventHub fans accepted event groups out to connected agent sessions,
// keyed by account name. Sends never block: a subscriber that cannot keep up
// misses events rather than stalling webhook handling.
type EventHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: map[string]map[chan []byte]struct{}{}}
}

// Subscribe registers a listener for one account and returns the channel plus
// an unsubscribe func that must be called exactly once.
func (h *EventHub) Subscribe(account string) (chan []byte, func()) {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	if _, ok := h.subs[account]; !ok {
		h.subs[account] = map[chan []byte]struct{}{}
	}
	h.subs[account][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if subscribers, ok := h.subs[account]; ok {
			delete(subscribers, ch)
			if len(subscribers) == 0 {
				delete(h.subs, account)
			}
		}
		h.mu.Unlock()
		close(ch)
	}
}

// Broadcast delivers each accepted group to that account's subscribers.
func (h *EventHub) Broadcast(groups []EventGroup) {
	for _, group := range groups {
		payload, err := json.Marshal(group)
		if err != nil {
			continue
		}
		h.mu.RLock()
		for ch := range h.subs[group.AccountName] {
			select {
			case ch <- payload:
			default:
			}
		}
		h.mu.RUnlock()
	}
}
