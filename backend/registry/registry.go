package registry

import (
	"sync"

	"github.com/avoran/chathub/backend/model"
	"github.com/rs/zerolog"
)

// Registry is the single source of truth for "is this user online and
// where". It keeps a forward map identity -> session and a reverse index
// session ID -> identity so disconnect lookups are O(1).
type Registry struct {
	logger   zerolog.Logger
	mx       *sync.RWMutex
	sessions map[int64]*model.Session
	owners   map[string]int64
}

func New(logger *zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger.With().Str("component", "registry").Logger(),
		mx:       &sync.RWMutex{},
		sessions: make(map[int64]*model.Session),
		owners:   make(map[string]int64),
	}
}

// Register binds the session to its user, unconditionally superseding any
// prior session for the same user. The superseded session is not closed
// here; it simply stops being routable.
func (r *Registry) Register(sess *model.Session) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if prev, ok := r.sessions[sess.UserID]; ok {
		delete(r.owners, prev.ID)
		r.logger.Debug().
			Int64("userID", sess.UserID).
			Str("sessionID", prev.ID).
			Msg("session superseded")
	}
	r.sessions[sess.UserID] = sess
	r.owners[sess.ID] = sess.UserID
}

// Unregister removes the mapping owned by sessionID. If the session was
// already superseded by a newer Register it is left alone, so a late
// disconnect of an old connection cannot knock the current one offline.
func (r *Registry) Unregister(sessionID string) (int64, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	userID, ok := r.owners[sessionID]
	if !ok {
		return 0, false
	}
	delete(r.owners, sessionID)
	delete(r.sessions, userID)
	return userID, true
}

// Resolve returns the current session for a user. A miss means the user
// is offline, which callers treat as a routing outcome, not an error.
func (r *Registry) Resolve(userID int64) (*model.Session, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	sess, ok := r.sessions[userID]
	return sess, ok
}

// Sessions returns a snapshot of every live session, for global broadcast.
func (r *Registry) Sessions() []*model.Session {
	r.mx.RLock()
	defer r.mx.RUnlock()

	out := make([]*model.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// OnlineUsers returns the identities currently holding a session.
func (r *Registry) OnlineUsers() []int64 {
	r.mx.RLock()
	defer r.mx.RUnlock()

	out := make([]int64, 0, len(r.sessions))
	for userID := range r.sessions {
		out = append(out, userID)
	}
	return out
}

func (r *Registry) Count() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.sessions)
}
