package devserver

import (
	"encoding/json"
	"sync"
)

// Message is one live-reload notification.
type Message struct {
	Type     string   `json:"type"`
	Files    []string `json:"files,omitempty"`
	Task     string   `json:"task,omitempty"`
	Error    string   `json:"error,omitempty"`
	Instance string   `json:"instance,omitempty"`
}

const (
	MsgReload = "reload"
	MsgCSS    = "css"
	MsgError  = "error"
	MsgHello  = "hello"
)

func (m Message) encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// Hub fans messages out to connected browsers. Slow clients drop messages
// instead of blocking the broadcaster.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Message]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan Message]struct{})}
}

// Subscribe registers a client. The channel is closed when the hub closes.
func (h *Hub) Subscribe() (chan Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan Message, 16)
	h.clients[ch] = struct{}{}
	return ch, true
}

func (h *Hub) Unsubscribe(ch chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// Broadcast sends m to every client and returns how many received it.
func (h *Hub) Broadcast(m Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for ch := range h.clients {
		select {
		case ch <- m:
			n++
		default:
		}
	}
	return n
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}
