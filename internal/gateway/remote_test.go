package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"atrium-realtime/internal/model"
)

// fakeRelay is a minimal stand-in for the relay server routes.
func fakeRelay(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/lobbies/room-1/presence", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		key := r.URL.Query().Get("key")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(WireMessage{Type: MsgSync, State: map[string]model.PresenceState{"other": {Username: "bob"}}})
		for {
			var msg WireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == MsgTrack {
				_ = conn.WriteJSON(WireMessage{Type: MsgJoin, Key: key, Payload: msg.Payload})
			}
		}
	})
	mux.HandleFunc("/ws/lobbies/room-1/traces", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter") != "lobby_id=eq.room-1" {
			http.Error(w, "bad filter", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(WireMessage{Type: MsgChange, Event: &model.ChangeEvent{Type: model.ChangeInsert, New: &model.TraceRow{ID: "x", LobbyID: "room-2"}}})
		_ = conn.WriteJSON(WireMessage{Type: MsgChange, Event: &model.ChangeEvent{Type: model.ChangeInsert, New: &model.TraceRow{ID: "t3", LobbyID: "room-1"}}})
		var discard WireMessage
		_ = conn.ReadJSON(&discard)
	})
	mux.HandleFunc("/api/lobbies/room-1/traces", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("limit") != "100" {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(traceEnvelope{Traces: []model.TraceRow{{ID: "t1"}, {ID: "t2"}}})
		case http.MethodPost:
			var row model.TraceRow
			_ = json.NewDecoder(r.Body).Decode(&row)
			row.ID = "new-id"
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(traceEnvelope{Trace: &row})
		}
	})
	mux.HandleFunc("/api/lobbies/room-1/traces/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"trace not found"}`))
	})
	mux.HandleFunc("/api/lobbies/room-1/traces/locked", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusLocked)
		_, _ = w.Write([]byte(`{"error":"trace is locked"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRemoteRejectsBadURL(t *testing.T) {
	if _, err := NewRemote("", "tok"); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if _, err := NewRemote("ftp://example", "tok"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestRemotePresence(t *testing.T) {
	srv := fakeRelay(t)
	r, err := NewRemote(srv.URL, "tok")
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc, err := r.JoinPresence(ctx, model.PresenceChannelName("room-1"), "me")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer pc.Close()

	ev := <-pc.Events()
	if ev.Kind != model.PresenceSync || ev.Snapshot["other"].Username != "bob" {
		t.Fatalf("unexpected sync %+v", ev)
	}

	if err := pc.Track(ctx, model.PresenceState{Username: "me", X: 4}); err != nil {
		t.Fatalf("track: %v", err)
	}
	ev = <-pc.Events()
	if ev.Kind != model.PresenceJoin || ev.Key != "me" || ev.State.X != 4 {
		t.Fatalf("unexpected join %+v", ev)
	}

	_ = pc.Close()
	if _, ok := <-pc.Events(); ok {
		t.Fatalf("events should be closed after Close")
	}
	if err := pc.Track(ctx, model.PresenceState{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRemotePresenceUnauthorized(t *testing.T) {
	srv := fakeRelay(t)
	r, _ := NewRemote(srv.URL, "wrong")
	if _, err := r.JoinPresence(context.Background(), model.PresenceChannelName("room-1"), "me"); err == nil {
		t.Fatalf("expected dial error")
	}
	if _, err := r.JoinPresence(context.Background(), "general", "me"); err == nil || !strings.Contains(err.Error(), "not a lobby channel") {
		t.Fatalf("expected channel name error, got %v", err)
	}
}

func TestRemoteChangeFeedFilters(t *testing.T) {
	srv := fakeRelay(t)
	r, _ := NewRemote(srv.URL, "tok")

	feed, err := r.SubscribeChanges(context.Background(), model.TracesChannelName("room-1"), model.LobbyFilter("room-1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer feed.Close()

	select {
	case ev := <-feed.Events():
		if ev.TraceID() != "t3" {
			t.Fatalf("expected only the room-1 event, got %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change")
	}
}

func TestRemoteHTTP(t *testing.T) {
	srv := fakeRelay(t)
	r, _ := NewRemote(srv.URL, "tok")
	ctx := context.Background()

	rows, err := r.QueryTraces(ctx, TraceQuery{LobbyID: "room-1"})
	if err != nil || len(rows) != 2 {
		t.Fatalf("query: %v %v", rows, err)
	}

	created, err := r.InsertTrace(ctx, model.TraceRow{LobbyID: "room-1"})
	if err != nil || created.ID != "new-id" {
		t.Fatalf("insert: %+v %v", created, err)
	}

	if err := r.DeleteTrace(ctx, "room-1", "missing"); !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("expected ErrTraceNotFound, got %v", err)
	}
	if _, err := r.UpdateTrace(ctx, "room-1", "locked", map[string]any{"content": "x"}); !errors.Is(err, model.ErrTraceLocked) {
		t.Fatalf("expected ErrTraceLocked, got %v", err)
	}
}
