// Package capability defines the plug-in surface for optional session
// side-cars (tunnels, speech-to-text). The core never imports concrete
// capabilities; it only runs their cleanup hooks on session teardown.
package capability

import (
	"context"
	"sync"
)

// Capability is any registered plug-in. Concrete capabilities expose
// their own narrow methods; the facade type-asserts for them.
type Capability interface {
	Name() string
}

// Cleaner is implemented by capabilities holding per-session resources.
// Cleanup must be idempotent and must not call back into the session
// manager.
type Cleaner interface {
	Cleanup(ctx context.Context, channelID string)
}

// Set is the capability registry handed to the command facade.
type Set struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewSet() *Set {
	return &Set{caps: make(map[string]Capability)}
}

// Register adds a capability, replacing any previous one with the name.
func (s *Set) Register(c Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[c.Name()] = c
}

// Get returns a capability by name.
func (s *Set) Get(name string) (Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caps[name]
	return c, ok
}

// Cleanup runs every cleaner for the channel.
func (s *Set) Cleanup(ctx context.Context, channelID string) {
	s.mu.RLock()
	cleaners := make([]Cleaner, 0, len(s.caps))
	for _, c := range s.caps {
		if cl, ok := c.(Cleaner); ok {
			cleaners = append(cleaners, cl)
		}
	}
	s.mu.RUnlock()
	for _, cl := range cleaners {
		cl.Cleanup(ctx, channelID)
	}
}
