package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/avoran/chathub/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultSendTimeout = time.Second
)

// ChatRoomKey canonicalizes the unordered pair of chat participants so
// both users derive the same room regardless of argument order.
func ChatRoomKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("chat_room_%d_%d", a, b)
}

// CallRoomKey derives the multicast group for one call instance.
func CallRoomKey(callUUID string) string {
	return "call_room_" + callUUID
}

// Router manages multicast groups of live sessions: pairwise chat rooms
// and per-call rooms. Rooms exist implicitly whenever referenced; an
// empty room is indistinguishable from an absent one.
type Router struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	rooms  map[string]map[string]*model.Session
}

func New(logger *zerolog.Logger) *Router {
	return &Router{
		logger: logger.With().Str("component", "router").Logger(),
		mx:     &sync.RWMutex{},
		rooms:  make(map[string]map[string]*model.Session),
	}
}

// Join adds a session to a room. Joining twice is a no-op.
func (rt *Router) Join(roomKey string, sess *model.Session) {
	rt.mx.Lock()
	defer rt.mx.Unlock()

	room, ok := rt.rooms[roomKey]
	if !ok {
		room = make(map[string]*model.Session)
		rt.rooms[roomKey] = room
	}
	room[sess.ID] = sess
}

// Leave removes a session from a room. Leaving a room the session never
// joined is a no-op. Empty rooms are discarded.
func (rt *Router) Leave(roomKey string, sess *model.Session) {
	rt.mx.Lock()
	defer rt.mx.Unlock()

	room, ok := rt.rooms[roomKey]
	if !ok {
		return
	}
	delete(room, sess.ID)
	if len(room) == 0 {
		delete(rt.rooms, roomKey)
	}
}

// DropSession removes a session from every room it is a member of.
// Called on disconnect so stale handles never linger in membership sets.
func (rt *Router) DropSession(sessionID string) {
	rt.mx.Lock()
	defer rt.mx.Unlock()

	for key, room := range rt.rooms {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(rt.rooms, key)
		}
	}
}

// DropRoom discards a room and its whole membership set.
func (rt *Router) DropRoom(roomKey string) {
	rt.mx.Lock()
	defer rt.mx.Unlock()
	delete(rt.rooms, roomKey)
}

// Multicast delivers the event to every current member except the
// excluded session IDs. Delivery to a dead member is a logged drop,
// never a failure for the caller.
func (rt *Router) Multicast(roomKey string, ev model.Event, exclude ...string) {
	rt.mx.RLock()
	members := make([]*model.Session, 0, len(rt.rooms[roomKey]))
	for _, sess := range rt.rooms[roomKey] {
		members = append(members, sess)
	}
	rt.mx.RUnlock()

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var sent bool
	for _, sess := range members {
		if _, ok := skip[sess.ID]; ok {
			continue
		}
		if rt.Unicast(sess, ev) {
			sent = true
		}
	}
	if !sent {
		rt.logger.Debug().
			Str("room", roomKey).
			Str("type", ev.Name).
			Msg("multicast did not reach anyone")
	}
}

// Unicast delivers the event to exactly one session. A session whose
// sender pump is gone will not drain its TX channel; the bounded wait
// turns that into a drop instead of blocking the caller forever.
func (rt *Router) Unicast(sess *model.Session, ev model.Event) bool {
	if sess == nil {
		return false
	}
	t := time.NewTimer(defaultSendTimeout)
	defer t.Stop()
	select {
	case sess.TX <- ev:
		return true
	case <-t.C:
		rt.logger.Error().
			Str("sessionID", sess.ID).
			Int64("userID", sess.UserID).
			Str("type", ev.Name).
			Msg("dead endpoint, event dropped")
		return false
	}
}
