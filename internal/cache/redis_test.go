package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"atrium-realtime/internal/model"
)

func TestDecodeChange(t *testing.T) {
	ev, err := DecodeChange(`{"eventType":"DELETE","table":"traces","commit_timestamp":"2026-01-01T00:00:00Z","old":{"id":"t1","lobby_id":"room-1"}}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != model.ChangeDelete || ev.TraceID() != "t1" || ev.LobbyID() != "room-1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, err := DecodeChange("{"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func newTestClient(t *testing.T) *RedisClient {
	t.Helper()
	addr := os.Getenv("ATRIUM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ATRIUM_TEST_REDIS_ADDR not set")
	}
	r, err := NewRedisClient(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecentTracesCacheRedis(t *testing.T) {
	ctx := context.Background()
	r := newTestClient(t)
	lobby := uuid.NewString()

	if _, ok, err := r.GetRecentTraces(ctx, lobby); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	rows := []model.TraceRow{{ID: "t1", LobbyID: lobby}, {ID: "t2", LobbyID: lobby}}
	version, err := r.CacheVersion(ctx, lobby)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if stored, err := r.SetRecentTraces(ctx, lobby, version, rows); err != nil || !stored {
		t.Fatalf("set: stored=%v err=%v", stored, err)
	}
	got, ok, err := r.GetRecentTraces(ctx, lobby)
	if err != nil || !ok || len(got) != 2 || got[0].ID != "t1" {
		t.Fatalf("unexpected cache hit %+v ok=%v err=%v", got, ok, err)
	}

	_ = r.InvalidateLobby(ctx, lobby)
	if _, ok, _ := r.GetRecentTraces(ctx, lobby); ok {
		t.Fatalf("expected miss after invalidate")
	}
}

func TestStaleRefillIsDroppedRedis(t *testing.T) {
	ctx := context.Background()
	r := newTestClient(t)
	lobby := uuid.NewString()

	// reader takes the version, then a mutation lands before its refill
	version, err := r.CacheVersion(ctx, lobby)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if err := r.InvalidateLobby(ctx, lobby); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	stale := []model.TraceRow{{ID: "deleted", LobbyID: lobby}}
	stored, err := r.SetRecentTraces(ctx, lobby, version, stale)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if stored {
		t.Fatalf("refill with an old version must be dropped")
	}
	if _, ok, _ := r.GetRecentTraces(ctx, lobby); ok {
		t.Fatalf("stale rows reached the cache")
	}

	current, _ := r.CacheVersion(ctx, lobby)
	if current != version+1 {
		t.Fatalf("version = %d, want %d", current, version+1)
	}
	if stored, _ := r.SetRecentTraces(ctx, lobby, current, stale); !stored {
		t.Fatalf("refill at the current version must be stored")
	}
}

func TestChangeFeedRedis(t *testing.T) {
	ctx := context.Background()
	r := newTestClient(t)
	channel := model.TracesChannelName(uuid.NewString())

	sub, err := r.SubscribeChanges(ctx, channel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	sent := model.ChangeEvent{Type: model.ChangeInsert, Table: model.TracesTable, New: &model.TraceRow{ID: "t1"}}
	if err := r.PublishChange(ctx, channel, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	got, _ := DecodeChange(msg.Payload)
	if got.Type != model.ChangeInsert || got.TraceID() != "t1" {
		t.Fatalf("unexpected event %+v", got)
	}
}
