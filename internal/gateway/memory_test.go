package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"atrium-realtime/internal/model"
)

const chanName = "lobby-room-1-presence"

func recvPresence(t *testing.T, pc PresenceChannel) model.PresenceEvent {
	t.Helper()
	select {
	case ev, ok := <-pc.Events():
		if !ok {
			t.Fatalf("presence events closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for presence event")
	}
	return model.PresenceEvent{}
}

func TestMemoryPresenceLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clock.NewMock())

	a, err := m.JoinPresence(ctx, chanName, "a")
	if err != nil {
		t.Fatalf("join a: %v", err)
	}
	if ev := recvPresence(t, a); ev.Kind != model.PresenceSync || len(ev.Snapshot) != 0 {
		t.Fatalf("expected empty sync, got %+v", ev)
	}

	if err := a.Track(ctx, model.PresenceState{Username: "alice", X: 1}); err != nil {
		t.Fatalf("track a: %v", err)
	}
	if ev := recvPresence(t, a); ev.Kind != model.PresenceJoin || ev.Key != "a" {
		t.Fatalf("expected self join, got %+v", ev)
	}

	b, _ := m.JoinPresence(ctx, chanName, "b")
	ev := recvPresence(t, b)
	if ev.Kind != model.PresenceSync || ev.Snapshot["a"].Username != "alice" {
		t.Fatalf("expected sync containing a, got %+v", ev)
	}

	_ = b.Track(ctx, model.PresenceState{Username: "bob"})
	if ev := recvPresence(t, a); ev.Kind != model.PresenceJoin || ev.Key != "b" {
		t.Fatalf("expected join of b on a, got %+v", ev)
	}
	recvPresence(t, b) // own join

	_ = b.Close()
	if ev := recvPresence(t, a); ev.Kind != model.PresenceLeave || ev.Key != "b" {
		t.Fatalf("expected leave of b, got %+v", ev)
	}
	if _, ok := <-b.Events(); ok {
		t.Fatalf("expected b events to be closed")
	}
	if err := b.Track(ctx, model.PresenceState{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestMemoryPresenceOneRegistrationPerKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	first, _ := m.JoinPresence(ctx, chanName, "a")
	recvPresence(t, first)
	_ = first.Track(ctx, model.PresenceState{Username: "first"})
	recvPresence(t, first)

	second, _ := m.JoinPresence(ctx, chanName, "a")
	recvPresence(t, second)

	if _, ok := <-first.Events(); ok {
		t.Fatalf("first registration should have been closed")
	}
	// closing the replaced registration must not unregister the new one
	_ = first.Close()
	_ = second.Track(ctx, model.PresenceState{Username: "second"})
	if got := m.PresenceMembers(chanName); len(got) != 1 || got["a"].Username != "second" {
		t.Fatalf("unexpected members %+v", got)
	}
}

func TestMemoryChangeFeedFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clock.NewMock())
	channel := model.TracesChannelName("room-1")

	feed, _ := m.SubscribeChanges(ctx, channel, model.LobbyFilter("room-1"))
	defer feed.Close()

	m.Publish(channel, model.ChangeEvent{Type: model.ChangeInsert, New: &model.TraceRow{ID: "x", LobbyID: "room-2"}})
	if _, err := m.InsertTrace(ctx, model.TraceRow{ID: "t1", LobbyID: "room-1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case ev := <-feed.Events():
		if ev.Type != model.ChangeInsert || ev.TraceID() != "t1" || ev.Table != model.TracesTable {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
	select {
	case ev := <-feed.Events():
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}

	_ = feed.Close()
	if m.Subscribers(channel) != 0 {
		t.Fatalf("feed still registered after close")
	}
}

func TestMemoryQueryNewestFirstWithLimit(t *testing.T) {
	m := NewMemory(nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		m.Seed(model.TraceRow{ID: fmt.Sprintf("t%03d", i), LobbyID: "room-1", CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	m.Seed(model.TraceRow{ID: "other", LobbyID: "room-2", CreatedAt: base.Add(time.Hour)})

	rows, err := m.QueryTraces(context.Background(), TraceQuery{LobbyID: "room-1", Limit: 500})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != model.BulkReadLimit {
		t.Fatalf("expected %d rows, got %d", model.BulkReadLimit, len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].CreatedAt.After(rows[i-1].CreatedAt) {
			t.Fatalf("rows not newest first at %d", i)
		}
		if rows[i].LobbyID != "room-1" {
			t.Fatalf("row from another lobby leaked")
		}
	}
}

func TestMemoryUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	m.Seed(model.TraceRow{ID: "t1", LobbyID: "room-1"})

	row, err := m.UpdateTrace(ctx, "room-1", "t1", map[string]any{"content": "hi"})
	if err != nil || row.Content == nil || *row.Content != "hi" {
		t.Fatalf("update: %+v %v", row, err)
	}
	if _, err := m.UpdateTrace(ctx, "room-1", "nope", nil); !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("expected ErrTraceNotFound, got %v", err)
	}
	if _, err := m.UpdateTrace(ctx, "room-1", "t1", map[string]any{"id": "x"}); err == nil {
		t.Fatalf("expected immutable column to be rejected")
	}
	if err := m.DeleteTrace(ctx, "room-1", "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.DeleteTrace(ctx, "room-1", "t1"); !errors.Is(err, ErrTraceNotFound) {
		t.Fatalf("expected ErrTraceNotFound on second delete, got %v", err)
	}
}

func TestWirePresenceRoundTrip(t *testing.T) {
	evs := []model.PresenceEvent{
		{Kind: model.PresenceSync, Snapshot: map[string]model.PresenceState{"a": {Username: "alice"}}},
		{Kind: model.PresenceJoin, Key: "a", State: model.PresenceState{Username: "alice", X: 3}},
		{Kind: model.PresenceLeave, Key: "a"},
	}
	for _, ev := range evs {
		got, ok := WireToPresenceEvent(PresenceEventToWire(ev))
		if !ok || got.Kind != ev.Kind || got.Key != ev.Key || got.State != ev.State || len(got.Snapshot) != len(ev.Snapshot) {
			t.Fatalf("round trip of %+v gave %+v", ev, got)
		}
	}
	if _, ok := WireToPresenceEvent(WireMessage{Type: MsgPong}); ok {
		t.Fatalf("pong is not a presence event")
	}
}
