// Package registry tracks live call sessions so the HTTP and gateway
// layers can find them by session id or by minted client secret.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/bridge"
)

var ErrDuplicateSession = errors.New("session already registered")

// Controls are the operations the gateway may invoke on a live call.
// Implemented by the SIP invite runtime.
type Controls interface {
	// PushAudio feeds browser-originated PCM16 at 24 kHz into the model.
	PushAudio(pcm []byte) error

	// CommitAudio closes out the model's input buffer.
	CommitAudio() error

	// Interrupt cancels the model's current response.
	Interrupt() error

	// Finalize ends the model session, clears persisted wait state and
	// returns the collected transcripts. Idempotent: a second call
	// returns the same transcripts.
	Finalize() ([]bridge.Transcript, error)

	// Hangup tears the call down. Idempotent.
	Hangup()
}

// Handle is one live session's registry entry.
type Handle struct {
	ID           string
	ClientSecret string
	ThreadID     string
	CallID       string
	Caller       string
	Called       string
	WorkflowSlug string
	OwnerUserID  int64
	StartedAt    time.Time

	Controls Controls
}

// Registry is a dual-index map of live sessions. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Handle
	bySecret map[string]*Handle
}

func New() *Registry {
	return &Registry{
		byID:     map[string]*Handle{},
		bySecret: map[string]*Handle{},
	}
}

// Add registers a handle under both its id and, when present, its client
// secret.
func (r *Registry) Add(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[h.ID]; exists {
		return ErrDuplicateSession
	}
	r.byID[h.ID] = h
	if h.ClientSecret != "" {
		r.bySecret[h.ClientSecret] = h
	}
	return nil
}

// Get returns the handle for a session id, or nil.
func (r *Registry) Get(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// BySecret returns the handle minted with the given client secret, or nil.
func (r *Registry) BySecret(secret string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bySecret[secret]
}

// Remove unregisters by session id or client secret and returns the
// removed handle, or nil when nothing matched. Both indexes are cleaned.
func (r *Registry) Remove(idOrSecret string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.byID[idOrSecret]
	if h == nil {
		h = r.bySecret[idOrSecret]
	}
	if h == nil {
		return nil
	}
	delete(r.byID, h.ID)
	if h.ClientSecret != "" {
		delete(r.bySecret, h.ClientSecret)
	}
	return h
}

// List snapshots all live handles, ordered arbitrarily.
func (r *Registry) List() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.byID))
	for _, h := range r.byID {
		out = append(out, h)
	}
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
