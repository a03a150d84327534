package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/avoran/chathub/backend/call"
	"github.com/avoran/chathub/backend/model"
	"github.com/avoran/chathub/backend/registry"
	"github.com/avoran/chathub/backend/router"
	"github.com/rs/zerolog"
)

const (
	defaultPersistTimeout = 2 * time.Second
)

type (
	// Store is the durable mirror. Failures here are logged and never
	// block the live routing path.
	Store interface {
		SaveMessage(ctx context.Context, msg *model.Message) error
		SaveCall(ctx context.Context, rec *model.CallRecord) error
		UpdateCallStatus(ctx context.Context, callUUID, status string, startedAt, endedAt *time.Time) error
	}

	// Dispatcher routes inbound events to the presence registry, room
	// router and call table. It owns no state of its own.
	Dispatcher struct {
		registry *registry.Registry
		router   *router.Router
		calls    *call.Table
		store    Store
		logger   zerolog.Logger
	}

	Config struct {
		Registry *registry.Registry
		Router   *router.Router
		Calls    *call.Table
		Store    Store
		Logger   *zerolog.Logger
	}
)

func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		registry: cfg.Registry,
		router:   cfg.Router,
		calls:    cfg.Calls,
		store:    cfg.Store,
		logger:   cfg.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Connect registers the session as its user's current connection and
// acknowledges it. Any previous connection for the same user is
// silently superseded.
func (d *Dispatcher) Connect(sess *model.Session) {
	d.registry.Register(sess)
	d.logger.Info().
		Int64("userID", sess.UserID).
		Str("sessionID", sess.ID).
		Msg("user connected")

	d.router.Unicast(sess, model.NewEvent(model.EventConnected, connectedPayload{
		Message: "Connected to chat server",
		UserID:  sess.UserID,
	}))
}

// Disconnect tears the session down: the registry entry goes first, so
// no later event can observe the user as online, then any live call the
// user participates in is force-ended and the peer notified.
func (d *Dispatcher) Disconnect(sess *model.Session) {
	userID, owned := d.registry.Unregister(sess.ID)
	d.router.DropSession(sess.ID)
	if !owned {
		// Superseded by a newer connection; the user is still online.
		d.logger.Debug().
			Str("sessionID", sess.ID).
			Msg("stale session disconnected")
		return
	}

	if c, ok := d.calls.EndOwnedBy(userID); ok {
		d.persistCallStatus(c.UUID, string(call.StateEnded), nil, &c.EndedAt)
		d.router.DropRoom(router.CallRoomKey(c.UUID))
		peer := c.CalleeID
		if peer == userID {
			peer = c.CallerID
		}
		if peerSess, online := d.registry.Resolve(peer); online {
			d.router.Unicast(peerSess, model.NewEvent(model.EventCallEnded, callEndedPayload{
				CallUUID: c.UUID,
				From:     userID,
				Reason:   "peer_disconnected",
			}))
		}
	}

	d.logger.Info().
		Int64("userID", userID).
		Str("sessionID", sess.ID).
		Msg("user disconnected")
	d.broadcast(model.NewEvent(model.EventUserDisconnected, userRefPayload{UserID: userID}))
}

// Dispatch routes one inbound event. Malformed input is answered with an
// error envelope on the originating session and never propagates.
func (d *Dispatcher) Dispatch(sess *model.Session, ev model.Event) {
	switch ev.Name {
	case model.EventJoin:
		d.handleJoin(sess, ev)
	case model.EventSendMessage:
		d.handleSendMessage(sess, ev)
	case model.EventTyping:
		d.handleTyping(sess, ev)
	case model.EventCallRequest:
		d.handleCallRequest(sess, ev)
	case model.EventCallResponse:
		d.handleCallResponse(sess, ev)
	case model.EventWebRTCOffer, model.EventWebRTCAnswer, model.EventWebRTCCandidate:
		d.relay(ev)
	case model.EventJoinCallRoom:
		d.handleJoinCallRoom(sess, ev)
	case model.EventLeaveCallRoom:
		d.handleLeaveCallRoom(sess, ev)
	case model.EventEndCall:
		d.handleEndCall(sess, ev)
	case model.EventUpdateStatus:
		d.handleUpdateStatus(sess, ev)
	case model.EventMarkRead:
		d.handleMarkRead(sess, ev)
	default:
		d.logger.Warn().
			Str("type", ev.Name).
			Int64("userID", sess.UserID).
			Msg("unknown event")
		d.fail(sess, "Unknown event: "+ev.Name)
	}
}

func (d *Dispatcher) handleJoin(sess *model.Session, ev model.Event) {
	var req joinRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil || req.SenderID == 0 || req.ReceiverID == 0 {
		d.fail(sess, "Failed to join room")
		return
	}
	username := req.SenderUsername
	if username == "" {
		username = "Unknown"
	}

	room := router.ChatRoomKey(req.SenderID, req.ReceiverID)
	d.router.Join(room, sess)

	d.router.Multicast(room, model.NewEvent(model.EventSystem, systemPayload{
		Message:   username + " joined the chat",
		Timestamp: time.Now().UTC(),
	}))
	d.router.Unicast(sess, model.NewEvent(model.EventJoinedRoom, joinedRoomPayload{
		Room:    room,
		Message: "You joined chat with user " + strconv.FormatInt(req.ReceiverID, 10),
	}))
}

func (d *Dispatcher) handleSendMessage(sess *model.Session, ev model.Event) {
	var req sendMessageRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil || req.SenderID == 0 || req.ReceiverID == 0 {
		d.fail(sess, "Failed to send message")
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		d.fail(sess, "Message cannot be empty")
		return
	}

	msg := model.Message{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Message:    text,
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistTimeout)
	defer cancel()
	if err := d.store.SaveMessage(ctx, &msg); err != nil {
		// The mirror is down; keep routing with a locally stamped message.
		d.logger.Error().Err(err).Msg("failed to persist message")
		msg.Timestamp = time.Now().UTC()
	}

	room := router.ChatRoomKey(req.SenderID, req.ReceiverID)
	d.router.Multicast(room, model.NewEvent(model.EventReceiveMessage, receiveMessagePayload{
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Message:    msg.Message,
		MessageID:  msg.ID,
		Timestamp:  msg.Timestamp,
	}))
	d.router.Unicast(sess, model.NewEvent(model.EventMessageSent, messageSentPayload{
		MessageID: msg.ID,
		Timestamp: msg.Timestamp,
	}))
}

func (d *Dispatcher) handleTyping(sess *model.Session, ev model.Event) {
	var req typingRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil || req.SenderID == 0 || req.ReceiverID == 0 {
		d.fail(sess, "Failed to send typing indicator")
		return
	}
	room := router.ChatRoomKey(req.SenderID, req.ReceiverID)
	d.router.Multicast(room, model.NewEvent(model.EventTyping, req), sess.ID)
}

func (d *Dispatcher) handleCallRequest(sess *model.Session, ev model.Event) {
	var req callRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil || req.From == 0 || req.To == 0 {
		d.fail(sess, "Failed to request call")
		return
	}
	kind := call.Kind(req.Type)
	if kind != call.KindAudio {
		kind = call.KindVideo
	}

	calleeSess, online := d.registry.Resolve(req.To)
	if !online {
		// The call is recorded for audit but never tracked as live.
		c := d.calls.Create(req.From, req.To, kind)
		finished, _ := d.calls.End(c.UUID)
		d.persistCall(&finished, "failed")
		d.router.Unicast(sess, model.NewEvent(model.EventCallFailed, callFailedPayload{
			Message:  "User is offline",
			CallUUID: c.UUID,
		}))
		d.logger.Debug().
			Int64("callee", req.To).
			Msg("call request to offline user")
		return
	}

	c := d.calls.Create(req.From, req.To, kind)
	d.persistCall(c, string(call.StateRinging))

	d.router.Unicast(calleeSess, model.NewEvent(model.EventIncomingCall, incomingCallPayload{
		CallUUID:  c.UUID,
		From:      req.From,
		To:        req.To,
		Type:      string(kind),
		Timestamp: c.CreatedAt,
	}))
}

func (d *Dispatcher) handleCallResponse(sess *model.Session, ev model.Event) {
	var req callResponseRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil || req.From == 0 || req.To == 0 || req.CallUUID == "" {
		d.fail(sess, "Failed to respond to call")
		return
	}
	accept := req.Action == "accept"

	c, ok := d.calls.Respond(req.CallUUID, accept)
	if !ok {
		// Stale or duplicate response; the call may have already ended.
		d.logger.Debug().
			Str("callUUID", req.CallUUID).
			Msg("response to unknown call ignored")
		return
	}

	if accept {
		d.persistCallStatus(c.UUID, string(call.StateAccepted), &c.StartedAt, nil)
	} else {
		d.persistCallStatus(c.UUID, string(call.StateRejected), nil, nil)
	}

	if callerSess, online := d.registry.Resolve(c.CallerID); online {
		d.router.Unicast(callerSess, model.NewEvent(model.EventCallResponse, callResponsePayload{
			CallUUID:  c.UUID,
			From:      req.From,
			Action:    req.Action,
			Type:      string(c.Kind),
			Timestamp: time.Now().UTC(),
		}))
	}
}

// relay forwards an opaque negotiation envelope to its addressee. The
// payload is not inspected beyond the addressing field and a miss is a
// silent drop; the sender gets no delivery feedback for these.
func (d *Dispatcher) relay(ev model.Event) {
	var addr relayAddress
	if err := json.Unmarshal(ev.Data, &addr); err != nil || addr.To == 0 {
		return
	}
	target, online := d.registry.Resolve(addr.To)
	if !online {
		d.logger.Debug().
			Str("type", ev.Name).
			Int64("to", addr.To).
			Msg("relay target offline, dropped")
		return
	}
	d.router.Unicast(target, ev)
}

func (d *Dispatcher) handleJoinCallRoom(sess *model.Session, ev model.Event) {
	var req callRoomRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil || req.CallUUID == "" || req.UserID == 0 {
		d.fail(sess, "Failed to join call room")
		return
	}

	c, ok := d.calls.Get(req.CallUUID)
	if !ok || (req.UserID != c.CallerID && req.UserID != c.CalleeID) {
		// Not a live call, or not a participant.
		return
	}

	// The handle enters the room before readiness is computed. The join
	// that completes the pair therefore always finds both handles in the
	// room, whichever order concurrent joins land in.
	room := router.CallRoomKey(req.CallUUID)
	d.router.Join(room, sess)

	c, ok, ready := d.calls.Join(req.CallUUID, req.UserID)
	if !ok {
		// The call ended between the check and the join.
		d.router.Leave(room, sess)
		return
	}

	d.router.Multicast(room, model.NewEvent(model.EventUserJoinedCall, userJoinedCallPayload{
		UserID:   req.UserID,
		CallUUID: req.CallUUID,
	}), sess.ID)

	if ready {
		d.router.Multicast(room, model.NewEvent(model.EventCallRoomReady, callRoomReadyPayload{
			CallUUID:     c.UUID,
			CallRoom:     room,
			Participants: c.Participants(),
			CallType:     string(c.Kind),
		}))
	}
}

func (d *Dispatcher) handleLeaveCallRoom(sess *model.Session, ev model.Event) {
	var req callRoomRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil || req.CallUUID == "" || req.UserID == 0 {
		d.fail(sess, "Failed to leave call room")
		return
	}
	d.calls.Leave(req.CallUUID, req.UserID)
	d.router.Leave(router.CallRoomKey(req.CallUUID), sess)
}

func (d *Dispatcher) handleEndCall(sess *model.Session, ev model.Event) {
	var req endCallRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil || req.CallUUID == "" || req.From == 0 {
		d.fail(sess, "Failed to end call")
		return
	}

	c, ok := d.calls.End(req.CallUUID)
	if !ok {
		// Already ended; a duplicate end must not re-notify anyone.
		return
	}
	d.persistCallStatus(c.UUID, string(call.StateEnded), nil, &c.EndedAt)
	d.router.DropRoom(router.CallRoomKey(c.UUID))

	ended := model.NewEvent(model.EventCallEnded, callEndedPayload{
		CallUUID: c.UUID,
		From:     req.From,
	})
	for _, userID := range c.Participants() {
		if target, online := d.registry.Resolve(userID); online {
			d.router.Unicast(target, ended)
		}
	}
}

func (d *Dispatcher) handleUpdateStatus(sess *model.Session, ev model.Event) {
	var req statusRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil || req.UserID == 0 {
		d.fail(sess, "Failed to update status")
		return
	}
	if req.Status == "" {
		req.Status = "online"
	}
	d.broadcast(model.NewEvent(model.EventUserStatusUpdate, req))
}

func (d *Dispatcher) handleMarkRead(sess *model.Session, ev model.Event) {
	var req markReadRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil || req.MessageID == 0 || req.ReceiverID == 0 {
		d.fail(sess, "Failed to mark message read")
		return
	}
	d.broadcast(model.NewEvent(model.EventMessageRead, messageReadPayload{
		MessageID: req.MessageID,
		ReadBy:    req.ReceiverID,
	}))
}

func (d *Dispatcher) broadcast(ev model.Event) {
	for _, sess := range d.registry.Sessions() {
		d.router.Unicast(sess, ev)
	}
}

func (d *Dispatcher) fail(sess *model.Session, msg string) {
	d.router.Unicast(sess, model.NewEvent(model.EventError, errorPayload{Message: msg}))
}

func (d *Dispatcher) persistCall(c *call.Call, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistTimeout)
	defer cancel()

	rec := model.CallRecord{
		CallerID: c.CallerID,
		CalleeID: c.CalleeID,
		UUID:     c.UUID,
		Status:   status,
	}
	if !c.CreatedAt.IsZero() {
		rec.StartedAt = &c.CreatedAt
	}
	if err := d.store.SaveCall(ctx, &rec); err != nil {
		d.logger.Error().Err(err).Str("callUUID", c.UUID).Msg("failed to persist call")
	}
}

func (d *Dispatcher) persistCallStatus(callUUID, status string, startedAt, endedAt *time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistTimeout)
	defer cancel()

	if err := d.store.UpdateCallStatus(ctx, callUUID, status, startedAt, endedAt); err != nil {
		d.logger.Error().Err(err).Str("callUUID", callUUID).Msg("failed to update call record")
	}
}
