package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a live call. Values are stable because
// they are persisted and visible through the read-back API.
type State string

const (
	StateRinging  State = "ringing"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
	StateEnded    State = "ended"
)

// Terminal reports whether no further transition is legal from s.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateEnded
}

// Kind is the negotiated media flavor. The hub never touches media; the
// kind only rides along in signaling envelopes.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Call is one in-flight audio/video negotiation between two users.
// All mutation happens inside Table under its lock.
type Call struct {
	UUID      string
	CallerID  int64
	CalleeID  int64
	Kind      Kind
	State     State
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	members map[int64]struct{}
	ready   bool
}

// Participants returns caller and callee in request order.
func (c *Call) Participants() []int64 {
	return []int64{c.CallerID, c.CalleeID}
}

// Table owns every live call. Ring, accept, reject, explicit end and
// disconnect all funnel through here, so cleanup can never be partial.
type Table struct {
	logger zerolog.Logger
	mx     *sync.Mutex
	calls  map[string]*Call
}

func NewTable(logger *zerolog.Logger) *Table {
	return &Table{
		logger: logger.With().Str("component", "call-table").Logger(),
		mx:     &sync.Mutex{},
		calls:  make(map[string]*Call),
	}
}

// Create starts tracking a new ringing call.
func (t *Table) Create(caller, callee int64, kind Kind) *Call {
	c := &Call{
		UUID:      uuid.NewString(),
		CallerID:  caller,
		CalleeID:  callee,
		Kind:      kind,
		State:     StateRinging,
		CreatedAt: time.Now().UTC(),
		members:   make(map[int64]struct{}),
	}

	t.mx.Lock()
	t.calls[c.UUID] = c
	t.mx.Unlock()

	t.logger.Debug().
		Str("callUUID", c.UUID).
		Int64("caller", caller).
		Int64("callee", callee).
		Str("kind", string(kind)).
		Msg("call created")
	return c
}

// Get returns a snapshot of the live call, or false if it is not tracked.
func (t *Table) Get(callUUID string) (Call, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()

	c, ok := t.calls[callUUID]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

// Respond applies the callee's decision to a ringing call. A response
// referencing an unknown or already-settled call is reported as stale and
// ignored; the call may simply have ended first. A rejected call is
// discarded immediately.
func (t *Table) Respond(callUUID string, accept bool) (Call, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()

	c, ok := t.calls[callUUID]
	if !ok || c.State != StateRinging {
		return Call{}, false
	}
	if accept {
		c.State = StateAccepted
		c.StartedAt = time.Now().UTC()
		return *c, true
	}
	c.State = StateRejected
	delete(t.calls, callUUID)
	return *c, true
}

// Join records that an identity entered the call's rendezvous room.
// Only the two participants count toward readiness; anyone else is
// refused. ready is true exactly once per call: the join that completes
// the {caller, callee} pair fires it, duplicates never re-fire.
func (t *Table) Join(callUUID string, userID int64) (c Call, ok, ready bool) {
	t.mx.Lock()
	defer t.mx.Unlock()

	live, found := t.calls[callUUID]
	if !found || live.State.Terminal() {
		return Call{}, false, false
	}
	if userID != live.CallerID && userID != live.CalleeID {
		t.logger.Warn().
			Str("callUUID", callUUID).
			Int64("userID", userID).
			Msg("join refused, not a participant")
		return Call{}, false, false
	}

	live.members[userID] = struct{}{}

	_, caller := live.members[live.CallerID]
	_, callee := live.members[live.CalleeID]
	if caller && callee && !live.ready {
		live.ready = true
		ready = true
	}
	return *live, true, ready
}

// Leave removes an identity from the rendezvous room. Readiness is never
// re-armed; a late re-join will not fire a second ready signal.
func (t *Table) Leave(callUUID string, userID int64) {
	t.mx.Lock()
	defer t.mx.Unlock()

	if c, ok := t.calls[callUUID]; ok {
		delete(c.members, userID)
	}
}

// End force-transitions any non-terminal call to ended, stamps the end
// time and discards the call with its membership set. Ending an unknown
// call is a stale reference and reports false.
func (t *Table) End(callUUID string) (Call, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.endLocked(callUUID)
}

// EndOwnedBy ends the live call (if any) that userID participates in.
// This is the disconnect sweep: the registry entry is already gone by the
// time it runs, so no later event can observe the call as live.
func (t *Table) EndOwnedBy(userID int64) (Call, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()

	for id, c := range t.calls {
		if c.CallerID == userID || c.CalleeID == userID {
			return t.endLocked(id)
		}
	}
	return Call{}, false
}

func (t *Table) endLocked(callUUID string) (Call, bool) {
	c, ok := t.calls[callUUID]
	if !ok {
		return Call{}, false
	}
	c.State = StateEnded
	c.EndedAt = time.Now().UTC()
	delete(t.calls, callUUID)

	t.logger.Debug().
		Str("callUUID", callUUID).
		Msg("call ended")
	return *c, true
}

func (t *Table) Count() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return len(t.calls)
}
