// Package sse fans newly archived messages out to streaming API clients.
// Subscriptions are keyed by list id; the wildcard key receives every
// public event.
package sse

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Wildcard subscribes to activity on all lists.
const Wildcard = "*"

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a channel for one list (or Wildcard). The returned
// cancel func must be called exactly once.
func (h *Hub) Subscribe(listRaw string) (chan []byte, func()) {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	if _, ok := h.subs[listRaw]; !ok {
		h.subs[listRaw] = make(map[chan []byte]struct{})
	}
	h.subs[listRaw][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if subscribers, ok := h.subs[listRaw]; ok {
			delete(subscribers, ch)
			if len(subscribers) == 0 {
				delete(h.subs, listRaw)
			}
		}
		h.mu.Unlock()
		close(ch)
	}
}

// Event is what streaming clients receive when a message is archived.
type Event struct {
	MID     string `json:"mid"`
	ListRaw string `json:"list_raw"`
	Subject string `json:"subject"`
	Epoch   int64  `json:"epoch"`
}

// Announce notifies subscribers of the message's list. Private messages
// are withheld from wildcard subscribers, who are not list-vetted. Slow
// consumers are skipped rather than blocking the archiver.
func (h *Hub) Announce(event Event, private bool) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	framed := []byte(fmt.Sprintf("event: message\ndata: %s\n\n", payload))

	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := h.subs[event.ListRaw]
	for ch := range targets {
		select {
		case ch <- framed:
		default:
		}
	}
	if private {
		return
	}
	for ch := range h.subs[Wildcard] {
		if _, direct := targets[ch]; direct {
			continue
		}
		select {
		case ch <- framed:
		default:
		}
	}
}
