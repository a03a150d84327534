package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/avoran/chathub/backend/call"
	"github.com/avoran/chathub/backend/model"
	"github.com/avoran/chathub/backend/registry"
	"github.com/avoran/chathub/backend/router"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeStore records persistence calls in memory and can be switched into
// failure mode to exercise the mirror-down path.
type fakeStore struct {
	mu       sync.Mutex
	messages []model.Message
	calls    map[string]string
	fail     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{calls: make(map[string]string)}
}

func (f *fakeStore) SaveMessage(_ context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store unavailable")
	}
	msg.ID = int64(len(f.messages) + 1)
	msg.Timestamp = time.Now().UTC()
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeStore) SaveCall(_ context.Context, rec *model.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store unavailable")
	}
	rec.ID = int64(len(f.calls) + 1)
	f.calls[rec.UUID] = rec.Status
	return nil
}

func (f *fakeStore) UpdateCallStatus(_ context.Context, callUUID, status string, _, _ *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store unavailable")
	}
	if _, ok := f.calls[callUUID]; !ok {
		return errors.New("call record not found")
	}
	f.calls[callUUID] = status
	return nil
}

func (f *fakeStore) callStatus(callUUID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[callUUID]
}

func newDispatcher(store Store) *Dispatcher {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return New(Config{
		Registry: registry.New(&logger),
		Router:   router.New(&logger),
		Calls:    call.NewTable(&logger),
		Store:    store,
		Logger:   &logger,
	})
}

// connect builds a session with buffered channels (no pumps needed in
// tests), registers it and swallows the connected ack.
func connect(t *testing.T, d *Dispatcher, userID int64) *model.Session {
	t.Helper()
	sess := &model.Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Wire: model.Wire{
			RX: make(chan model.Event, 32),
			TX: make(chan model.Event, 32),
		},
	}
	d.Connect(sess)
	recv(t, sess, model.EventConnected)
	return sess
}

// recv pops the next outbound event, asserts its name and decodes its
// payload into a generic map.
func recv(t *testing.T, sess *model.Session, want string) map[string]any {
	t.Helper()
	select {
	case ev := <-sess.TX:
		if ev.Name != want {
			t.Fatalf("user %d: expected %q, got %q (payload %s)", sess.UserID, want, ev.Name, ev.Data)
		}
		out := map[string]any{}
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &out); err != nil {
				t.Fatalf("bad payload for %q: %v", ev.Name, err)
			}
		}
		return out
	default:
		t.Fatalf("user %d: expected %q, got nothing", sess.UserID, want)
		return nil
	}
}

// expectSilence asserts no outbound event is pending on the session.
func expectSilence(t *testing.T, sess *model.Session) {
	t.Helper()
	var pending []model.Event
	for {
		select {
		case ev := <-sess.TX:
			pending = append(pending, ev)
		default:
			if len(pending) > 0 {
				t.Fatalf("user %d: expected silence, pending events:\n%s", sess.UserID, spew.Sdump(pending))
			}
			return
		}
	}
}

func send(d *Dispatcher, sess *model.Session, name string, payload any) {
	d.Dispatch(sess, model.NewEvent(name, payload))
}

func joinChat(t *testing.T, d *Dispatcher, sess *model.Session, peer int64, username string) {
	t.Helper()
	send(d, sess, model.EventJoin, map[string]any{
		"sender_id":       sess.UserID,
		"receiver_id":     peer,
		"sender_username": username,
	})
}

func TestCallScenario(t *testing.T) {
	for name, calleeJoinsFirst := range map[string]bool{
		"caller joins room first": false,
		"callee joins room first": true,
	} {
		t.Run(name, func(t *testing.T) {
			store := newFakeStore()
			d := newDispatcher(store)
			alice := connect(t, d, 1)
			bob := connect(t, d, 2)

			send(d, alice, model.EventCallRequest, map[string]any{"from": 1, "to": 2, "type": "video"})

			incoming := recv(t, bob, model.EventIncomingCall)
			callUUID, _ := incoming["call_uuid"].(string)
			if callUUID == "" {
				t.Fatal("incoming_call must carry the call uuid")
			}
			if incoming["from"].(float64) != 1 || incoming["type"] != "video" {
				t.Fatalf("wrong incoming_call payload: %s", spew.Sdump(incoming))
			}
			if store.callStatus(callUUID) != "ringing" {
				t.Fatalf("call should be mirrored as ringing, got %q", store.callStatus(callUUID))
			}

			send(d, bob, model.EventCallResponse, map[string]any{
				"from": 2, "to": 1, "call_uuid": callUUID, "action": "accept",
			})
			resp := recv(t, alice, model.EventCallResponse)
			if resp["action"] != "accept" || resp["type"] != "video" || resp["call_uuid"] != callUUID {
				t.Fatalf("wrong call_response payload: %s", spew.Sdump(resp))
			}
			if store.callStatus(callUUID) != "accepted" {
				t.Fatalf("call should be mirrored as accepted, got %q", store.callStatus(callUUID))
			}

			first, second := alice, bob
			if calleeJoinsFirst {
				first, second = bob, alice
			}
			send(d, first, model.EventJoinCallRoom, map[string]any{"call_uuid": callUUID, "user_id": first.UserID})
			expectSilence(t, first)

			send(d, second, model.EventJoinCallRoom, map[string]any{"call_uuid": callUUID, "user_id": second.UserID})
			recv(t, first, model.EventUserJoinedCall)

			for _, sess := range []*model.Session{alice, bob} {
				ready := recv(t, sess, model.EventCallRoomReady)
				if ready["call_uuid"] != callUUID {
					t.Fatalf("wrong ready payload: %s", spew.Sdump(ready))
				}
				parts, _ := ready["participants"].([]any)
				if len(parts) != 2 {
					t.Fatalf("ready must list both participants: %s", spew.Sdump(ready))
				}
				expectSilence(t, sess)
			}

			t.Run("duplicate room join does not re-signal", func(t *testing.T) {
				send(d, first, model.EventJoinCallRoom, map[string]any{"call_uuid": callUUID, "user_id": first.UserID})
				recv(t, second, model.EventUserJoinedCall)
				expectSilence(t, first)
				expectSilence(t, second)
			})

			t.Run("relay forwards envelopes unchanged", func(t *testing.T) {
				send(d, alice, model.EventWebRTCOffer, map[string]any{"from": 1, "to": 2, "sdp": "opaque-blob"})
				offer := recv(t, bob, model.EventWebRTCOffer)
				if offer["sdp"] != "opaque-blob" {
					t.Fatalf("relay must not alter the payload: %s", spew.Sdump(offer))
				}
				send(d, bob, model.EventWebRTCAnswer, map[string]any{"from": 2, "to": 1, "sdp": "answer-blob"})
				recv(t, alice, model.EventWebRTCAnswer)
				send(d, alice, model.EventWebRTCCandidate, map[string]any{"from": 1, "to": 2, "candidate": "c"})
				recv(t, bob, model.EventWebRTCCandidate)
			})

			send(d, alice, model.EventEndCall, map[string]any{"call_uuid": callUUID, "from": 1, "to": 2})
			for _, sess := range []*model.Session{alice, bob} {
				endedEv := recv(t, sess, model.EventCallEnded)
				if endedEv["from"].(float64) != 1 {
					t.Fatalf("call_ended must name the initiator: %s", spew.Sdump(endedEv))
				}
			}
			if store.callStatus(callUUID) != "ended" {
				t.Fatalf("call should be mirrored as ended, got %q", store.callStatus(callUUID))
			}

			t.Run("stale references after end are no-ops", func(t *testing.T) {
				send(d, alice, model.EventEndCall, map[string]any{"call_uuid": callUUID, "from": 1, "to": 2})
				send(d, bob, model.EventCallResponse, map[string]any{
					"from": 2, "to": 1, "call_uuid": callUUID, "action": "accept",
				})
				send(d, alice, model.EventJoinCallRoom, map[string]any{"call_uuid": callUUID, "user_id": 1})
				expectSilence(t, alice)
				expectSilence(t, bob)
			})
		})
	}
}

// Both participants must see exactly one call_room_ready however their
// join_call_room events interleave across connections.
func TestBarrierDeliveredToBothUnderConcurrentJoins(t *testing.T) {
	for i := 0; i < 300; i++ {
		d := newDispatcher(newFakeStore())
		alice := connect(t, d, 1)
		bob := connect(t, d, 2)

		send(d, alice, model.EventCallRequest, map[string]any{"from": 1, "to": 2, "type": "video"})
		incoming := recv(t, bob, model.EventIncomingCall)
		callUUID := incoming["call_uuid"].(string)
		send(d, bob, model.EventCallResponse, map[string]any{
			"from": 2, "to": 1, "call_uuid": callUUID, "action": "accept",
		})
		recv(t, alice, model.EventCallResponse)

		var wg sync.WaitGroup
		wg.Add(2)
		for _, sess := range []*model.Session{alice, bob} {
			go func(sess *model.Session) {
				defer wg.Done()
				send(d, sess, model.EventJoinCallRoom, map[string]any{
					"call_uuid": callUUID, "user_id": sess.UserID,
				})
			}(sess)
		}
		wg.Wait()

		for _, sess := range []*model.Session{alice, bob} {
			var ready int
		drain:
			for {
				select {
				case ev := <-sess.TX:
					if ev.Name == model.EventCallRoomReady {
						ready++
					}
				default:
					break drain
				}
			}
			if ready != 1 {
				t.Fatalf("iteration %d: user %d received %d call_room_ready events, want exactly 1",
					i, sess.UserID, ready)
			}
		}
	}
}

func TestCallRequestOfflineCallee(t *testing.T) {
	store := newFakeStore()
	d := newDispatcher(store)
	alice := connect(t, d, 1)

	send(d, alice, model.EventCallRequest, map[string]any{"from": 1, "to": 2, "type": "audio"})

	failed := recv(t, alice, model.EventCallFailed)
	callUUID, _ := failed["call_uuid"].(string)
	if failed["message"] != "User is offline" || callUUID == "" {
		t.Fatalf("wrong call_failed payload: %s", spew.Sdump(failed))
	}
	if store.callStatus(callUUID) != "failed" {
		t.Fatalf("offline call should be mirrored as failed, got %q", store.callStatus(callUUID))
	}

	// The failed call is not live: a later accept has nothing to act on.
	bob := connect(t, d, 2)
	send(d, bob, model.EventCallResponse, map[string]any{
		"from": 2, "to": 1, "call_uuid": callUUID, "action": "accept",
	})
	expectSilence(t, alice)
	expectSilence(t, bob)
}

func TestDisconnectMidCall(t *testing.T) {
	store := newFakeStore()
	d := newDispatcher(store)
	alice := connect(t, d, 1)
	bob := connect(t, d, 2)

	send(d, alice, model.EventCallRequest, map[string]any{"from": 1, "to": 2, "type": "video"})
	incoming := recv(t, bob, model.EventIncomingCall)
	callUUID := incoming["call_uuid"].(string)
	send(d, bob, model.EventCallResponse, map[string]any{
		"from": 2, "to": 1, "call_uuid": callUUID, "action": "accept",
	})
	recv(t, alice, model.EventCallResponse)

	d.Disconnect(bob)

	ended := recv(t, alice, model.EventCallEnded)
	if ended["call_uuid"] != callUUID || ended["reason"] != "peer_disconnected" {
		t.Fatalf("wrong call_ended payload: %s", spew.Sdump(ended))
	}
	recv(t, alice, model.EventUserDisconnected)
	if store.callStatus(callUUID) != "ended" {
		t.Fatalf("call should be mirrored as ended, got %q", store.callStatus(callUUID))
	}

	// Exactly one call_ended: a later explicit end is stale.
	send(d, alice, model.EventEndCall, map[string]any{"call_uuid": callUUID, "from": 1, "to": 2})
	expectSilence(t, alice)
}

func TestSupersededSessionDisconnect(t *testing.T) {
	d := newDispatcher(newFakeStore())
	old := connect(t, d, 1)
	current := connect(t, d, 1)
	other := connect(t, d, 2)

	d.Disconnect(old)

	// The user never went offline, so nobody is told otherwise.
	expectSilence(t, current)
	expectSilence(t, other)

	send(d, other, model.EventCallRequest, map[string]any{"from": 2, "to": 1, "type": "video"})
	recv(t, current, model.EventIncomingCall)
}

func TestChatFlow(t *testing.T) {
	store := newFakeStore()
	d := newDispatcher(store)
	alice := connect(t, d, 1)
	bob := connect(t, d, 2)

	joinChat(t, d, alice, 2, "alice")
	sys := recv(t, alice, model.EventSystem)
	if sys["message"] != "alice joined the chat" {
		t.Fatalf("wrong system payload: %s", spew.Sdump(sys))
	}
	joined := recv(t, alice, model.EventJoinedRoom)
	if joined["message"] != "You joined chat with user 2" {
		t.Fatalf("wrong joined_room payload: %s", spew.Sdump(joined))
	}

	joinChat(t, d, bob, 1, "bob")
	recv(t, alice, model.EventSystem)
	recv(t, bob, model.EventSystem)
	recv(t, bob, model.EventJoinedRoom)

	send(d, alice, model.EventSendMessage, map[string]any{
		"sender_id": 1, "receiver_id": 2, "message": "  hi  ",
	})

	msg := recv(t, bob, model.EventReceiveMessage)
	if msg["message"] != "hi" {
		t.Fatalf("message must be trimmed, got %q", msg["message"])
	}
	recv(t, alice, model.EventReceiveMessage)
	ack := recv(t, alice, model.EventMessageSent)
	if ack["message_id"].(float64) != 1 {
		t.Fatalf("ack must carry the persisted id: %s", spew.Sdump(ack))
	}
	if len(store.messages) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(store.messages))
	}

	t.Run("typing excludes the sender", func(t *testing.T) {
		send(d, alice, model.EventTyping, map[string]any{
			"sender_id": 1, "receiver_id": 2, "typing": true,
		})
		recv(t, bob, model.EventTyping)
		expectSilence(t, alice)
	})

	t.Run("empty message is refused", func(t *testing.T) {
		send(d, alice, model.EventSendMessage, map[string]any{
			"sender_id": 1, "receiver_id": 2, "message": "   ",
		})
		errEv := recv(t, alice, model.EventError)
		if errEv["message"] != "Message cannot be empty" {
			t.Fatalf("wrong error payload: %s", spew.Sdump(errEv))
		}
		expectSilence(t, bob)
	})
}

func TestMessageToEmptyRoomStillPersistedAndAcked(t *testing.T) {
	store := newFakeStore()
	d := newDispatcher(store)
	alice := connect(t, d, 1)

	send(d, alice, model.EventSendMessage, map[string]any{
		"sender_id": 1, "receiver_id": 2, "message": "hi",
	})

	recv(t, alice, model.EventMessageSent)
	if len(store.messages) != 1 {
		t.Fatal("message must be persisted even when the room is empty")
	}
}

func TestPersistenceFailureDoesNotBlockRouting(t *testing.T) {
	store := newFakeStore()
	store.fail = true
	d := newDispatcher(store)
	alice := connect(t, d, 1)
	bob := connect(t, d, 2)

	joinChat(t, d, alice, 2, "alice")
	recv(t, alice, model.EventSystem)
	recv(t, alice, model.EventJoinedRoom)
	joinChat(t, d, bob, 1, "bob")
	recv(t, alice, model.EventSystem)
	recv(t, bob, model.EventSystem)
	recv(t, bob, model.EventJoinedRoom)

	send(d, alice, model.EventSendMessage, map[string]any{
		"sender_id": 1, "receiver_id": 2, "message": "hi",
	})
	recv(t, bob, model.EventReceiveMessage)
	recv(t, alice, model.EventReceiveMessage)
	recv(t, alice, model.EventMessageSent)

	// Calls stay routable with the mirror down too.
	send(d, alice, model.EventCallRequest, map[string]any{"from": 1, "to": 2, "type": "video"})
	recv(t, bob, model.EventIncomingCall)
}

func TestGlobalBroadcasts(t *testing.T) {
	d := newDispatcher(newFakeStore())
	alice := connect(t, d, 1)
	bob := connect(t, d, 2)

	send(d, alice, model.EventUpdateStatus, map[string]any{"user_id": 1, "status": "away"})
	for _, sess := range []*model.Session{alice, bob} {
		st := recv(t, sess, model.EventUserStatusUpdate)
		if st["status"] != "away" {
			t.Fatalf("wrong status payload: %s", spew.Sdump(st))
		}
	}

	send(d, bob, model.EventMarkRead, map[string]any{"message_id": 7, "receiver_id": 2})
	for _, sess := range []*model.Session{alice, bob} {
		read := recv(t, sess, model.EventMessageRead)
		if read["message_id"].(float64) != 7 || read["read_by"].(float64) != 2 {
			t.Fatalf("wrong read payload: %s", spew.Sdump(read))
		}
	}
}

func TestMalformedInput(t *testing.T) {
	d := newDispatcher(newFakeStore())
	alice := connect(t, d, 1)

	t.Run("missing fields", func(t *testing.T) {
		send(d, alice, model.EventSendMessage, map[string]any{"message": "hi"})
		recv(t, alice, model.EventError)
	})

	t.Run("wrong type", func(t *testing.T) {
		d.Dispatch(alice, model.Event{
			Name: model.EventCallRequest,
			Data: json.RawMessage(`{"from":"not-a-number","to":2}`),
		})
		recv(t, alice, model.EventError)
	})

	t.Run("end_call without initiator", func(t *testing.T) {
		send(d, alice, model.EventEndCall, map[string]any{"call_uuid": "c-1"})
		recv(t, alice, model.EventError)
	})

	t.Run("unknown event", func(t *testing.T) {
		send(d, alice, "no_such_event", nil)
		recv(t, alice, model.EventError)
	})

	t.Run("malformed relay is dropped silently", func(t *testing.T) {
		d.Dispatch(alice, model.Event{
			Name: model.EventWebRTCOffer,
			Data: json.RawMessage(`{"to":"garbage"}`),
		})
		expectSilence(t, alice)
	})
}
