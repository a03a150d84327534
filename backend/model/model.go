package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the framed message exchanged with clients: a name plus an
// opaque JSON payload. Inbound payloads are decoded by the dispatcher,
// outbound ones are pre-marshaled with NewEvent.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound event names.
const (
	EventJoin            = "join"
	EventSendMessage     = "send_message"
	EventTyping          = "typing"
	EventCallRequest     = "call_request"
	EventCallResponse    = "call_response"
	EventWebRTCOffer     = "webrtc_offer"
	EventWebRTCAnswer    = "webrtc_answer"
	EventWebRTCCandidate = "webrtc_ice_candidate"
	EventJoinCallRoom    = "join_call_room"
	EventLeaveCallRoom   = "leave_call_room"
	EventEndCall         = "end_call"
	EventUpdateStatus    = "update_user_status"
	EventMarkRead        = "mark_message_read"
)

// Outbound event names.
const (
	EventConnected        = "connected"
	EventJoinedRoom       = "joined_room"
	EventSystem           = "system"
	EventReceiveMessage   = "receive_message"
	EventMessageSent      = "message_sent"
	EventIncomingCall     = "incoming_call"
	EventCallFailed       = "call_failed"
	EventCallEnded        = "call_ended"
	EventCallRoomReady    = "call_room_ready"
	EventUserJoinedCall   = "user_joined_call"
	EventUserDisconnected = "user_disconnected"
	EventUserStatusUpdate = "user_status_update"
	EventMessageRead      = "message_read"
	EventError            = "error"
)

// NewEvent wraps a payload into an outbound Event. A payload that cannot
// be marshaled yields an event with no data.
func NewEvent(name string, payload any) Event {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{Name: name}
	}
	return Event{Name: name, Data: b}
}

// Wire is the per-connection channel pair. RX carries events read from the
// client, TX carries events to be written out.
type Wire struct {
	RX chan Event
	TX chan Event
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Event),
		TX: make(chan Event),
	}
}

// Session is the connection handle: one live transport session owned by a
// user. The ID is never reused; a reconnecting user gets a fresh Session
// and the old one becomes unroutable.
type Session struct {
	ID     string
	UserID int64
	Wire
}

func NewSession(userID int64) *Session {
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Wire:   NewWire(),
	}
}

// Message is a persisted chat message row.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// CallRecord is a persisted call row, mirrored for audit. Live routing
// is driven by the in-memory call table, never by these rows.
type CallRecord struct {
	ID        int64      `json:"id"`
	CallerID  int64      `json:"caller_id"`
	CalleeID  int64      `json:"receiver_id"`
	UUID      string     `json:"call_uuid"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}
