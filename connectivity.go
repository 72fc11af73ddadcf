package chatsync

import (
	"sync"
)

// ConnectivityHandler observes network transitions.
type ConnectivityHandler func(online bool)

// Connectivity holds the host's view of the network. Platforms feed it with
// SetOnline; SessionManager probes it before refreshing and the Engine runs a
// foreground pass when it comes back online.
type Connectivity struct {
	mu        sync.RWMutex
	online    bool
	listeners []ConnectivityHandler
}

// NewConnectivity starts online.
func NewConnectivity() *Connectivity {
	return &Connectivity{online: true}
}

// Online returns the current network state.
func (c *Connectivity) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// SetOnline updates the state and notifies listeners on a change.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	handlers := append([]ConnectivityHandler(nil), c.listeners...)
	c.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(online)
		}()
	}
}

// OnChange registers h for every transition.
func (c *Connectivity) OnChange(h ConnectivityHandler) {
	c.mu.Lock()
	c.listeners = append(c.listeners, h)
	c.mu.Unlock()
}
