// Package session supplies the bearer credential the engine connects with and
// tells subscribers when it changes.
package session

import (
	"strings"
	"sync"

	"github.com/bcrosbie/gridlink/internal/domain"
)

// Credential is the current login. An empty Token means anonymous.
type Credential struct {
	Token   string          `json:"token"`
	Profile *domain.Profile `json:"profile,omitempty"`
}

func (c Credential) Authenticated() bool {
	return strings.TrimSpace(c.Token) != ""
}

type Source interface {
	Current() Credential
	// Subscribe registers fn for token changes and returns a function that
	// removes the registration.
	Subscribe(fn func(Credential)) func()
}

type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Credential)
}

func (h *hub) subscribe(fn func(Credential)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = map[int]func(Credential){}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(cred Credential) {
	h.mu.Lock()
	fns := make([]func(Credential), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(cred)
	}
}

// Static is an in-memory Source, used when the token comes from the
// environment and in tests.
type Static struct {
	mu   sync.RWMutex
	cred Credential
	hub  hub
}

func NewStatic(cred Credential) *Static {
	return &Static{cred: cred}
}

func (s *Static) Current() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

func (s *Static) Subscribe(fn func(Credential)) func() {
	return s.hub.subscribe(fn)
}

// Set replaces the credential. Subscribers hear about it only when the token
// differs from the previous one.
func (s *Static) Set(cred Credential) {
	s.mu.Lock()
	changed := s.cred.Token != cred.Token
	s.cred = cred
	s.mu.Unlock()
	if changed {
		s.hub.publish(cred)
	}
}
