package model

import (
	"strings"
	"time"
)

// PresenceChannelName 로비 presence 채널 이름
func PresenceChannelName(lobbyID string) string {
	return "lobby-" + lobbyID + "-presence"
}

// TracesChannelName 로비 트레이스 change-feed 채널 이름
func TracesChannelName(lobbyID string) string {
	return "lobby-" + lobbyID + "-traces"
}

// LobbyFromChannel extracts the lobby id from a presence or traces channel
// name. ok is false for any other name.
func LobbyFromChannel(name string) (lobbyID string, ok bool) {
	rest, found := strings.CutPrefix(name, "lobby-")
	if !found {
		return "", false
	}
	for _, suffix := range []string{"-presence", "-traces"} {
		if id, found := strings.CutSuffix(rest, suffix); found && id != "" {
			return id, true
		}
	}
	return "", false
}

// PresenceState payload published with track() and received in sync/join
type PresenceState struct {
	Username    string  `json:"username"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	PlayerColor string  `json:"playerColor"`
	OnlineAt    string  `json:"online_at"` // ISO8601
}

// PresenceEventKind presence 이벤트 종류
type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceEvent one event read from a presence channel. Sync carries the
// whole membership in Snapshot; join/leave carry Key (and State on join).
type PresenceEvent struct {
	Kind     PresenceEventKind
	Key      string
	State    PresenceState
	Snapshot map[string]PresenceState
}

// ChangeType change-feed 이벤트 타입
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// TraceKey identifies a deleted row in the change feed
type TraceKey struct {
	ID      string `json:"id"`
	LobbyID string `json:"lobby_id,omitempty"`
}

// ChangeEvent one committed mutation of the traces table
type ChangeEvent struct {
	Type            ChangeType `json:"eventType"`
	Table           string     `json:"table"`
	CommitTimestamp time.Time  `json:"commit_timestamp"`
	New             *TraceRow  `json:"new,omitempty"`
	Old             *TraceKey  `json:"old,omitempty"`
}

// TraceID returns the id of the row the event refers to.
func (e ChangeEvent) TraceID() string {
	if e.New != nil {
		return e.New.ID
	}
	if e.Old != nil {
		return e.Old.ID
	}
	return ""
}

// LobbyID returns the lobby of the row the event refers to, if known.
func (e ChangeEvent) LobbyID() string {
	if e.New != nil {
		return e.New.LobbyID
	}
	if e.Old != nil {
		return e.Old.LobbyID
	}
	return ""
}

// Filter column equality predicate applied server-side to a change feed
type Filter struct {
	Column string
	Value  string
}

// LobbyFilter filter for rows belonging to a lobby
func LobbyFilter(lobbyID string) Filter {
	return Filter{Column: "lobby_id", Value: lobbyID}
}

// String renders the filter as column=eq.value.
func (f Filter) String() string {
	return f.Column + "=eq." + f.Value
}

// ParseFilter parses the column=eq.value form. ok is false on any other shape.
func ParseFilter(s string) (Filter, bool) {
	column, value, found := strings.Cut(s, "=eq.")
	if !found || column == "" {
		return Filter{}, false
	}
	return Filter{Column: column, Value: value}, true
}

// Matches reports whether the event passes the filter. An empty filter
// matches everything.
func (f Filter) Matches(e ChangeEvent) bool {
	switch f.Column {
	case "":
		return true
	case "lobby_id":
		return e.LobbyID() == f.Value
	case "id":
		return e.TraceID() == f.Value
	case "user_id":
		return e.New != nil && e.New.UserID == f.Value
	default:
		return false
	}
}
