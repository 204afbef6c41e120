// Package sse streams committed session snapshots to connected UIs as
// Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// clientBuffer is how many pending events a slow client may queue before
// further events are dropped for it. Every event carries a full session
// snapshot, so dropping intermediate events loses no state.
const clientBuffer = 16

// Broadcaster fans committed events out to all connected SSE clients.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]chan []byte
	nextID  int
}

// NewBroadcaster creates a broadcaster with no clients.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]chan []byte)}
}

// Subscribe registers a client and returns its id and event channel.
func (b *Broadcaster) Subscribe() (string, <-chan []byte) {
	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	ch := make(chan []byte, clientBuffer)
	b.clients[id] = ch
	total := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", id).Int("totalClients", total).Msg("SSE client connected")
	return id, ch
}

// Unsubscribe removes a client. Safe to call twice.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(ch)
	}
	total := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", id).Int("totalClients", total).Msg("SSE client disconnected")
}

// Broadcast sends an event to every connected client. Clients that cannot
// keep up have the event dropped rather than blocking the orchestrator.
func (b *Broadcaster) Broadcast(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE event")
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.clients {
		select {
		case ch <- data:
		default:
			log.Debug().Str("clientId", id).Msg("SSE client lagging, event dropped")
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE serves one SSE connection until the client goes away.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	id, events := b.Subscribe()
	defer b.Unsubscribe(id)

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"clientId\":%q}\n\n", id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-events:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
