package ws

import (
	"sync"

	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// Hub tracks live relay connections so they can be closed together.
type Hub struct {
	mu      sync.Mutex
	conns   map[*Conn]struct{}
	stopped bool
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*Conn]struct{})}
}

// Register adds c. It reports false once the hub is stopped; the caller
// should then close c.
func (h *Hub) Register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.conns[c] = struct{}{}
	log.Info().Str("participant_id", c.ID().String()).Int("connections", len(h.conns)).Msg("Client registered")
	return true
}

func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		log.Info().Str("participant_id", c.ID().String()).Msg("Client unregistered")
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Stop closes every connection with a normal closure and refuses new
// ones.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopped = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(domain.CodeNormalClosure, "server shutting down")
	}
	log.Info().Int("connections", len(conns)).Msg("Hub stopped")
}
