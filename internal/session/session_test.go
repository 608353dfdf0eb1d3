package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"atrium-realtime/internal/config"
	"atrium-realtime/internal/gateway"
	"atrium-realtime/internal/model"
	"atrium-realtime/internal/store"
)

const (
	aliceID = "6f1c7d0e-2b5a-4c8e-9a11-0c2f4b7e8d01"
	bobID   = "b3e2a9f4-71d6-4e0b-8c5a-5d9e0f1a2b3c"
)

func newSession(t *testing.T, mem *gateway.Memory, userID string) *Session {
	t.Helper()
	opts := Options{
		Player:   store.LocalPlayer{UserID: userID, Username: "player", Color: "#ff0000"},
		Presence: config.DefaultPresence(),
		Traces:   config.DefaultTraces(),
		Clock:    clock.NewMock(),
	}
	if mem != nil {
		opts.Gateway = mem
	}
	s := New(store.New(), opts)
	t.Cleanup(s.Close)
	return s
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func content(s string) *string { return &s }

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateJoined, "joined"},
		{StateClosed, "closed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	mem := gateway.NewMemory(clock.NewMock())
	s := newSession(t, mem, aliceID)

	if s.State() != StateIdle {
		t.Fatalf("new session state = %s", s.State())
	}
	if err := s.JoinLobby(""); err == nil {
		t.Fatalf("empty lobby id accepted")
	}
	if err := s.JoinLobby("room-1"); err != nil {
		t.Fatalf("JoinLobby: %v", err)
	}
	if s.State() != StateJoined || s.LobbyID() != "room-1" {
		t.Fatalf("state = %s lobby = %q", s.State(), s.LobbyID())
	}
	if _, ok := mem.PresenceMembers(model.PresenceChannelName("room-1"))[aliceID]; !ok {
		t.Fatalf("alice not tracked on the presence channel")
	}

	s.LeaveLobby()
	if s.State() != StateIdle || s.LobbyID() != "" {
		t.Fatalf("after leave: state = %s lobby = %q", s.State(), s.LobbyID())
	}
	if len(mem.PresenceMembers(model.PresenceChannelName("room-1"))) != 0 {
		t.Fatalf("presence registration survived LeaveLobby")
	}

	s.Close()
	if !s.IsClosed() {
		t.Fatalf("session not closed")
	}
	if err := s.JoinLobby("room-1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("JoinLobby after close = %v, want ErrClosed", err)
	}
}

func TestSessionSeesOtherParticipants(t *testing.T) {
	mem := gateway.NewMemory(clock.NewMock())
	alice := newSession(t, mem, aliceID)
	bob := newSession(t, mem, bobID)

	if err := alice.JoinLobby("room-1"); err != nil {
		t.Fatal(err)
	}
	if err := bob.JoinLobby("room-1"); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool {
		_, ok := alice.Store().Participant(bobID)
		return ok
	}, "alice never saw bob")
	if _, ok := bob.Store().Participant(aliceID); !ok {
		t.Fatalf("bob did not get alice from the sync snapshot")
	}
	if _, ok := alice.Store().Participant(aliceID); ok {
		t.Fatalf("local user listed in its own directory")
	}

	bob.Close()
	eventually(t, func() bool {
		_, ok := alice.Store().Participant(bobID)
		return !ok
	}, "bob not removed after leaving")
}

func TestSessionRoomSwitch(t *testing.T) {
	mem := gateway.NewMemory(clock.NewMock())
	mem.Seed(
		model.TraceRow{ID: "a1", LobbyID: "room-a"},
		model.TraceRow{ID: "b1", LobbyID: "room-b"},
	)
	s := newSession(t, mem, aliceID)

	if err := s.JoinLobby("room-a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Store().Trace("a1"); !ok {
		t.Fatalf("room-a traces not loaded")
	}

	if err := s.JoinLobby("room-b"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Store().Trace("a1"); ok {
		t.Fatalf("room-a trace leaked into room-b")
	}
	if _, ok := s.Store().Trace("b1"); !ok {
		t.Fatalf("room-b traces not loaded")
	}
	if len(mem.PresenceMembers(model.PresenceChannelName("room-a"))) != 0 {
		t.Fatalf("still registered in room-a")
	}
}

func TestSessionEditProtectsLocalCopy(t *testing.T) {
	mem := gateway.NewMemory(clock.NewMock())
	mem.Seed(model.TraceRow{ID: "t2", LobbyID: "room-1", Content: content("original")})
	s := newSession(t, mem, aliceID)
	if err := s.JoinLobby("room-1"); err != nil {
		t.Fatal(err)
	}

	err := s.BeginEdit("t2", func(tr *model.Trace) { tr.Content = "typing" })
	if err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}

	// a stale echo followed by a marker insert; once the marker is in the
	// store the echo has been processed
	channel := model.TracesChannelName("room-1")
	mem.Publish(channel, model.ChangeEvent{
		Type: model.ChangeUpdate,
		New:  &model.TraceRow{ID: "t2", LobbyID: "room-1", Content: content("stale")},
	})
	mem.Publish(channel, model.ChangeEvent{
		Type: model.ChangeInsert,
		New:  &model.TraceRow{ID: "marker", LobbyID: "room-1"},
	})
	eventually(t, func() bool {
		_, ok := s.Store().Trace("marker")
		return ok
	}, "marker insert never applied")

	if tr, _ := s.Store().Trace("t2"); tr.Content != "typing" {
		t.Fatalf("local edit overwritten by echo: %q", tr.Content)
	}

	committed, err := s.CommitEdit(context.Background(), "t2", map[string]any{"content": "final"})
	if err != nil {
		t.Fatalf("CommitEdit: %v", err)
	}
	if committed.Content != "final" {
		t.Fatalf("canonical content = %q", committed.Content)
	}
	if tr, _ := s.Store().Trace("t2"); tr.Content != "final" {
		t.Fatalf("store content = %q", tr.Content)
	}
}

func TestSessionCommitRejectedColumnUnmarks(t *testing.T) {
	mem := gateway.NewMemory(clock.NewMock())
	mem.Seed(model.TraceRow{ID: "t1", LobbyID: "room-1", Content: content("x")})
	s := newSession(t, mem, aliceID)
	if err := s.JoinLobby("room-1"); err != nil {
		t.Fatal(err)
	}

	if err := s.BeginEdit("t1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CommitEdit(context.Background(), "t1", map[string]any{"user_id": "someone"}); err == nil {
		t.Fatalf("non-updatable column accepted")
	}

	// after the failed commit the trace follows remote updates again
	if _, err := mem.UpdateTrace(context.Background(), "room-1", "t1", map[string]any{"content": "remote"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		tr, _ := s.Store().Trace("t1")
		return tr.Content == "remote"
	}, "remote update not applied after failed commit")
}

func TestSessionPlaceAndRemoveTrace(t *testing.T) {
	mem := gateway.NewMemory(clock.NewMock())
	s := newSession(t, mem, aliceID)
	if err := s.JoinLobby("room-1"); err != nil {
		t.Fatal(err)
	}

	placed, err := s.PlaceTrace(context.Background(), model.Trace{Type: model.TraceTypeText, Content: "hello", X: 10, Y: 20})
	if err != nil {
		t.Fatalf("PlaceTrace: %v", err)
	}
	if placed.ID == "" || placed.UserID != aliceID || placed.LobbyID != "room-1" {
		t.Fatalf("placed trace = %+v", placed)
	}
	if _, ok := s.Store().Trace(placed.ID); !ok {
		t.Fatalf("placed trace not in store")
	}

	if err := s.RemoveTrace(context.Background(), placed.ID); err != nil {
		t.Fatalf("RemoveTrace: %v", err)
	}
	// the insert echo may still be in flight; the delete that follows it wins
	eventually(t, func() bool {
		_, ok := s.Store().Trace(placed.ID)
		return !ok
	}, "removed trace still in store")
	if err := s.RemoveTrace(context.Background(), placed.ID); !errors.Is(err, model.ErrTraceNotFound) {
		t.Fatalf("second remove = %v, want ErrTraceNotFound", err)
	}
}

func TestSessionEditsRequireLobby(t *testing.T) {
	s := newSession(t, nil, aliceID)

	if err := s.BeginEdit("t1", nil); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("BeginEdit before join = %v", err)
	}
	if err := s.JoinLobby("room-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PlaceTrace(context.Background(), model.Trace{}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("PlaceTrace without gateway = %v, want ErrReadOnly", err)
	}
	if len(s.Store().Participants()) != 0 || s.Store().TraceCount() != 0 {
		t.Fatalf("session without gateway must keep an empty store")
	}
}

// gatedWriter holds trace writes until release is closed
type gatedWriter struct {
	*gateway.Memory
	entered chan struct{}
	release chan struct{}
}

func newGatedWriter(mem *gateway.Memory) *gatedWriter {
	return &gatedWriter{Memory: mem, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedWriter) wait() {
	g.entered <- struct{}{}
	<-g.release
}

func (g *gatedWriter) InsertTrace(ctx context.Context, row model.TraceRow) (model.TraceRow, error) {
	g.wait()
	return g.Memory.InsertTrace(ctx, row)
}

func (g *gatedWriter) UpdateTrace(ctx context.Context, lobbyID, traceID string, fields map[string]any) (model.TraceRow, error) {
	g.wait()
	return g.Memory.UpdateTrace(ctx, lobbyID, traceID, fields)
}

func TestWriteFinishingAfterRoomSwitchIsNotStored(t *testing.T) {
	tests := []struct {
		name  string
		write func(s *Session) (model.Trace, error)
	}{
		{"commit edit", func(s *Session) (model.Trace, error) {
			if err := s.BeginEdit("a1", nil); err != nil {
				return model.Trace{}, err
			}
			return s.CommitEdit(context.Background(), "a1", map[string]any{"content": "late"})
		}},
		{"place trace", func(s *Session) (model.Trace, error) {
			return s.PlaceTrace(context.Background(), model.Trace{Type: model.TraceTypeText, Content: "late"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := gateway.NewMemory(clock.NewMock())
			mem.Seed(
				model.TraceRow{ID: "a1", LobbyID: "room-a", UserID: aliceID},
				model.TraceRow{ID: "b1", LobbyID: "room-b", UserID: bobID},
			)
			gw := newGatedWriter(mem)

			s := New(store.New(), Options{
				Gateway:  gw,
				Player:   store.LocalPlayer{UserID: aliceID, Username: "alice"},
				Presence: config.DefaultPresence(),
				Traces:   config.DefaultTraces(),
				Clock:    clock.NewMock(),
			})
			t.Cleanup(s.Close)

			if err := s.JoinLobby("room-a"); err != nil {
				t.Fatal(err)
			}

			type result struct {
				trace model.Trace
				err   error
			}
			done := make(chan result, 1)
			go func() {
				tr, err := tt.write(s)
				done <- result{tr, err}
			}()

			select {
			case <-gw.entered:
			case <-time.After(2 * time.Second):
				t.Fatal("write never reached the gateway")
			}
			if err := s.JoinLobby("room-b"); err != nil {
				t.Fatal(err)
			}
			close(gw.release)

			var res result
			select {
			case res = <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("write never returned")
			}
			if res.err != nil {
				t.Fatalf("write: %v", res.err)
			}
			if res.trace.LobbyID != "room-a" {
				t.Fatalf("write returned %+v", res.trace)
			}

			traces := s.Store().Traces()
			if len(traces) != 1 || traces[0].ID != "b1" {
				ids := make([]string, 0, len(traces))
				for _, tr := range traces {
					ids = append(ids, tr.ID+"@"+tr.LobbyID)
				}
				t.Fatalf("room-b collection = %v, want [b1]", ids)
			}
		})
	}
}
