package session

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/raidwatch/backend/internal/metrics"
)

// Registry owns the active sessions, keyed by server address. Operations
// on the same key are atomic with respect to each other.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	opts     []Option
}

// NewRegistry returns an empty registry. opts are applied to every session
// it creates, before any per-call options.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
	}
}

// Create builds a session for cfg and registers it. An existing session
// for the same address is disconnected first and replaced. The new session
// is not connected.
func (r *Registry) Create(cfg Config, opts ...Option) (*Session, error) {
	all := make([]Option, 0, len(r.opts)+len(opts))
	all = append(all, r.opts...)
	all = append(all, opts...)
	s, err := New(cfg, all...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	old, replaced := r.sessions[s.addr]
	r.sessions[s.addr] = s
	r.mu.Unlock()

	// Disconnect notifies observers, which may call back into the registry.
	if replaced {
		log.WithField("server", s.addr).Info("replacing existing session")
		old.Disconnect()
	}
	return s, nil
}

func (r *Registry) Get(addr string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[addr]
	return s, ok
}

// List returns the registered sessions ordered by address.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// Remove disconnects and unregisters the session for addr. It reports
// whether one was registered.
func (r *Registry) Remove(addr string) bool {
	r.mu.Lock()
	s, ok := r.sessions[addr]
	if ok {
		delete(r.sessions, addr)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.Disconnect()
	metrics.ForgetSession(addr)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
