package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"atrium-realtime/internal/model"
)

func TestEventConversion(t *testing.T) {
	join, err := DecodeEvent(`{"kind":"join","key":"a","state":{"username":"alice","x":1,"y":2,"playerColor":"red","online_at":"2026-01-01T00:00:00Z"}}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := join.ToPresenceEvent()
	if ev.Kind != model.PresenceJoin || ev.Key != "a" || ev.State.Username != "alice" || ev.State.Y != 2 {
		t.Fatalf("unexpected join event %+v", ev)
	}

	leave, _ := DecodeEvent(`{"kind":"leave","key":"a"}`)
	if ev := leave.ToPresenceEvent(); ev.Kind != model.PresenceLeave || ev.Key != "a" {
		t.Fatalf("unexpected leave event %+v", ev)
	}

	if _, err := DecodeEvent("not json"); err == nil {
		t.Fatalf("expected decode error")
	}
}

// newTestManager connects to ATRIUM_TEST_REDIS_ADDR or skips.
func newTestManager(t *testing.T, ttl time.Duration) (*Manager, string) {
	t.Helper()
	addr := os.Getenv("ATRIUM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ATRIUM_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	channel := "lobby-" + uuid.NewString() + "-presence"
	m := NewManager(client, ttl, "test")
	t.Cleanup(func() { client.Del(context.Background(), m.membersKey(channel)) })
	return m, channel
}

func TestManagerMembershipRedis(t *testing.T) {
	ctx := context.Background()
	m, channel := newTestManager(t, time.Minute)

	sub, err := m.Subscribe(ctx, channel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := m.SetMember(ctx, channel, "a", model.PresenceState{Username: "alice"}); err != nil {
		t.Fatalf("set member: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	ev, _ := DecodeEvent(msg.Payload)
	if ev.Kind != EventJoin || ev.Key != "a" {
		t.Fatalf("unexpected event %+v", ev)
	}

	members, err := m.Members(ctx, channel)
	if err != nil || members["a"].Username != "alice" {
		t.Fatalf("members = %+v, %v", members, err)
	}

	if err := m.Heartbeat(ctx, channel, "a"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := m.RemoveMember(ctx, channel, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	msg, _ = sub.ReceiveMessage(ctx)
	if ev, _ := DecodeEvent(msg.Payload); ev.Kind != EventLeave {
		t.Fatalf("expected leave, got %+v", ev)
	}
	if err := m.Heartbeat(ctx, channel, "a"); err == nil {
		t.Fatalf("expected heartbeat of removed member to fail")
	}
}

func TestManagerPrunesStaleMembersRedis(t *testing.T) {
	ctx := context.Background()
	m, channel := newTestManager(t, time.Minute)

	past := time.Now().Add(-2 * time.Minute)
	m.now = func() time.Time { return past }
	_ = m.SetMember(ctx, channel, "ghost", model.PresenceState{Username: "ghost"})

	m.now = time.Now
	_ = m.SetMember(ctx, channel, "live", model.PresenceState{Username: "live"})

	members, err := m.Members(ctx, channel)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if _, ok := members["ghost"]; ok {
		t.Fatalf("stale member was not pruned")
	}
	if _, ok := members["live"]; !ok {
		t.Fatalf("live member missing")
	}
	if data, _ := m.GetMember(ctx, channel, "ghost"); data != nil {
		t.Fatalf("stale member still stored")
	}
}
