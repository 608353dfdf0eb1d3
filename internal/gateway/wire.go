package gateway

import "atrium-realtime/internal/model"

// WebSocket message types exchanged with the relay server
const (
	MsgSync   = "sync"
	MsgJoin   = "join"
	MsgLeave  = "leave"
	MsgTrack  = "track"
	MsgChange = "change"
	MsgPing   = "ping"
	MsgPong   = "pong"
	MsgError  = "error"
)

// WireMessage envelope for both relay sockets
type WireMessage struct {
	Type    string                         `json:"type"`
	Key     string                         `json:"key,omitempty"`
	Payload *model.PresenceState           `json:"payload,omitempty"`
	State   map[string]model.PresenceState `json:"state,omitempty"`
	Event   *model.ChangeEvent             `json:"event,omitempty"`
	Message string                         `json:"message,omitempty"`
}

// PresenceEventToWire converts a presence event into its wire form.
func PresenceEventToWire(ev model.PresenceEvent) WireMessage {
	switch ev.Kind {
	case model.PresenceSync:
		state := ev.Snapshot
		if state == nil {
			state = map[string]model.PresenceState{}
		}
		return WireMessage{Type: MsgSync, State: state}
	case model.PresenceJoin:
		payload := ev.State
		return WireMessage{Type: MsgJoin, Key: ev.Key, Payload: &payload}
	default:
		return WireMessage{Type: MsgLeave, Key: ev.Key}
	}
}

// WireToPresenceEvent is the inverse of PresenceEventToWire. ok is false for
// messages that are not presence events.
func WireToPresenceEvent(msg WireMessage) (model.PresenceEvent, bool) {
	switch msg.Type {
	case MsgSync:
		return model.PresenceEvent{Kind: model.PresenceSync, Snapshot: msg.State}, true
	case MsgJoin:
		if msg.Payload == nil {
			return model.PresenceEvent{}, false
		}
		return model.PresenceEvent{Kind: model.PresenceJoin, Key: msg.Key, State: *msg.Payload}, true
	case MsgLeave:
		return model.PresenceEvent{Kind: model.PresenceLeave, Key: msg.Key}, true
	default:
		return model.PresenceEvent{}, false
	}
}
