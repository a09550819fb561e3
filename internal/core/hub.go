package core

import (
	"log"
	"sync"
)

// Hub tracks the live controller of each session.
type Hub struct {
	mu          sync.Mutex
	controllers map[string]*Controller
}

func NewHub() *Hub {
	return &Hub{controllers: make(map[string]*Controller)}
}

func (h *Hub) Get(sessionID string) (*Controller, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.controllers[sessionID]
	return c, ok
}

// Attach registers c for its session.  A controller already registered for
// the session is closed; the newest page mount wins.
func (h *Hub) Attach(c *Controller) {
	h.mu.Lock()
	old := h.controllers[c.SessionID()]
	h.controllers[c.SessionID()] = c
	h.mu.Unlock()
	if old != nil && old != c {
		if err := old.Close(); err != nil {
			log.Println("failed to close replaced controller:", err)
		}
	}
}

// Detach closes c and forgets it, unless another controller has replaced it
// in the meantime.
func (h *Hub) Detach(c *Controller) {
	h.mu.Lock()
	if h.controllers[c.SessionID()] == c {
		delete(h.controllers, c.SessionID())
	}
	h.mu.Unlock()
	if err := c.Close(); err != nil {
		log.Println("failed to close controller:", err)
	}
}

// Release forgets c and closes it in the background, so it may be called
// from c's own hooks.
func (h *Hub) Release(c *Controller) {
	h.mu.Lock()
	if h.controllers[c.SessionID()] == c {
		delete(h.controllers, c.SessionID())
	}
	h.mu.Unlock()
	go func() {
		if err := c.Close(); err != nil {
			log.Println("failed to close controller:", err)
		}
	}()
}

// CloseAll closes every controller, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := h.controllers
	h.controllers = make(map[string]*Controller)
	h.mu.Unlock()
	for _, c := range all {
		if err := c.Close(); err != nil {
			log.Println("failed to close controller:", err)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.controllers)
}
