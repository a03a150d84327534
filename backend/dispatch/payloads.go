package dispatch

import "time"

// Inbound payloads. Field names follow the client protocol.
type (
	joinRequest struct {
		SenderID       int64  `json:"sender_id"`
		ReceiverID     int64  `json:"receiver_id"`
		SenderUsername string `json:"sender_username"`
	}

	sendMessageRequest struct {
		SenderID   int64  `json:"sender_id"`
		ReceiverID int64  `json:"receiver_id"`
		Message    string `json:"message"`
	}

	typingRequest struct {
		SenderID   int64 `json:"sender_id"`
		ReceiverID int64 `json:"receiver_id"`
		Typing     bool  `json:"typing"`
	}

	callRequest struct {
		From int64  `json:"from"`
		To   int64  `json:"to"`
		Type string `json:"type"`
	}

	callResponseRequest struct {
		From     int64  `json:"from"`
		To       int64  `json:"to"`
		CallUUID string `json:"call_uuid"`
		Action   string `json:"action"`
	}

	// relayAddress is the only part of a negotiation envelope the hub
	// looks at.
	relayAddress struct {
		To int64 `json:"to"`
	}

	callRoomRequest struct {
		CallUUID string `json:"call_uuid"`
		UserID   int64  `json:"user_id"`
	}

	endCallRequest struct {
		CallUUID string `json:"call_uuid"`
		From     int64  `json:"from"`
	}

	statusRequest struct {
		UserID int64  `json:"user_id"`
		Status string `json:"status"`
	}

	markReadRequest struct {
		MessageID  int64 `json:"message_id"`
		ReceiverID int64 `json:"receiver_id"`
	}
)

// Outbound payloads.
type (
	connectedPayload struct {
		Message string `json:"message"`
		UserID  int64  `json:"user_id"`
	}

	joinedRoomPayload struct {
		Room    string `json:"room"`
		Message string `json:"message"`
	}

	systemPayload struct {
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	}

	receiveMessagePayload struct {
		SenderID   int64     `json:"sender_id"`
		ReceiverID int64     `json:"receiver_id"`
		Message    string    `json:"message"`
		MessageID  int64     `json:"message_id"`
		Timestamp  time.Time `json:"timestamp"`
	}

	messageSentPayload struct {
		MessageID int64     `json:"message_id"`
		Timestamp time.Time `json:"timestamp"`
	}

	incomingCallPayload struct {
		CallUUID  string    `json:"call_uuid"`
		From      int64     `json:"from"`
		To        int64     `json:"to"`
		Type      string    `json:"type"`
		Timestamp time.Time `json:"timestamp"`
	}

	callResponsePayload struct {
		CallUUID  string    `json:"call_uuid"`
		From      int64     `json:"from"`
		Action    string    `json:"action"`
		Type      string    `json:"type"`
		Timestamp time.Time `json:"timestamp"`
	}

	callFailedPayload struct {
		Message  string `json:"message"`
		CallUUID string `json:"call_uuid"`
	}

	callEndedPayload struct {
		CallUUID string `json:"call_uuid"`
		From     int64  `json:"from"`
		Reason   string `json:"reason,omitempty"`
	}

	userJoinedCallPayload struct {
		UserID   int64  `json:"user_id"`
		CallUUID string `json:"call_uuid"`
	}

	callRoomReadyPayload struct {
		CallUUID     string  `json:"call_uuid"`
		CallRoom     string  `json:"call_room"`
		Participants []int64 `json:"participants"`
		CallType     string  `json:"call_type"`
	}

	userRefPayload struct {
		UserID int64 `json:"user_id"`
	}

	messageReadPayload struct {
		MessageID int64 `json:"message_id"`
		ReadBy    int64 `json:"read_by"`
	}

	errorPayload struct {
		Message string `json:"message"`
	}
)
