package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castled-io/castled/internal/obslog"
	"github.com/castled-io/castled/pkg/coorddto"
)

// Registry owns all live sessions keyed by id. Finished sessions are retained
// for a window so late reconnections can read final state, then purged.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	retention time.Duration
	idleTTL   time.Duration
	now       func() time.Time
}

func NewRegistry(retention, idleTTL time.Duration) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		retention: retention,
		idleTTL:   idleTTL,
		now:       time.Now,
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, coorddto.ErrSessionNotFound
	}
	return s, nil
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep purges finished sessions past the retention window, plus sessions
// that have been idle long enough that their players are never coming back.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.sessions {
		if fin := s.FinishedFor(now); fin > 0 && fin >= r.retention {
			delete(r.sessions, id)
			removed++
			continue
		}
		if r.idleTTL > 0 && s.IdleFor(now) >= r.idleTTL {
			delete(r.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		obslog.L().Info("session_sweep", zap.Int("removed", removed), zap.Int("live", len(r.sessions)))
	}
	return removed
}
