package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"atrium-realtime/internal/model"
)

// EventKind pub/sub 이벤트 종류
type EventKind string

const (
	EventJoin  EventKind = "join"
	EventLeave EventKind = "leave"
)

// MemberData Redis 해시에 저장될 멤버 데이터
type MemberData struct {
	Key           string              `json:"key"`
	State         model.PresenceState `json:"state"`
	LastHeartbeat int64               `json:"last_heartbeat"` // unix millis
	ServerID      string              `json:"server_id"`      // 멀티 서버 확장 대비
}

// Event join/leave 알림 (pub/sub 메시지)
type Event struct {
	Kind     EventKind           `json:"kind"`
	Key      string              `json:"key"`
	State    model.PresenceState `json:"state,omitempty"`
	ServerID string              `json:"server_id"`
}

// Manager 로비 presence 관리자.
// Membership of a channel is a Redis hash (member key -> MemberData);
// join/leave notifications travel on a pub/sub channel of the same name.
type Manager struct {
	client    *redis.Client
	memberTTL time.Duration
	serverID  string
	now       func() time.Time
}

// NewManager 생성자
func NewManager(client *redis.Client, memberTTL time.Duration, serverID string) *Manager {
	return &Manager{
		client:    client,
		memberTTL: memberTTL,
		serverID:  serverID,
		now:       time.Now,
	}
}

// Key 생성 유틸
func (m *Manager) membersKey(channel string) string {
	return "presence:members:" + channel
}

func (m *Manager) eventsKey(channel string) string {
	return "presence:events:" + channel
}

// SetMember 상태 업데이트 (track) 후 join 이벤트 발행
func (m *Manager) SetMember(ctx context.Context, channel, key string, state model.PresenceState) error {
	data := MemberData{
		Key:           key,
		State:         state,
		LastHeartbeat: m.now().UnixMilli(),
		ServerID:      m.serverID,
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.membersKey(channel), key, jsonData)
	// 채널 해시 자체도 비활성 시 만료
	pipe.Expire(ctx, m.membersKey(channel), 2*m.memberTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set member %s on %s: %w", key, channel, err)
	}

	return m.publish(ctx, channel, Event{Kind: EventJoin, Key: key, State: state, ServerID: m.serverID})
}

// Heartbeat 생존 신고 (last_heartbeat 갱신)
func (m *Manager) Heartbeat(ctx context.Context, channel, key string) error {
	data, err := m.GetMember(ctx, channel, key)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("member %s not found on %s (offline)", key, channel)
	}

	data.LastHeartbeat = m.now().UnixMilli()
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.membersKey(channel), key, jsonData)
	pipe.Expire(ctx, m.membersKey(channel), 2*m.memberTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveMember 멤버 삭제 후 leave 이벤트 발행 (Disconnect)
func (m *Manager) RemoveMember(ctx context.Context, channel, key string) error {
	removed, err := m.client.HDel(ctx, m.membersKey(channel), key).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}
	return m.publish(ctx, channel, Event{Kind: EventLeave, Key: key, ServerID: m.serverID})
}

// GetMember 단일 멤버 조회
func (m *Manager) GetMember(ctx context.Context, channel, key string) (*MemberData, error) {
	val, err := m.client.HGet(ctx, m.membersKey(channel), key).Result()
	if err == redis.Nil {
		return nil, nil // Offline
	}
	if err != nil {
		return nil, err
	}

	var data MemberData
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Members 채널의 전체 멤버 조회 (sync 스냅샷용).
// Members whose heartbeat is older than the member TTL are pruned and a
// leave is published for each.
func (m *Manager) Members(ctx context.Context, channel string) (map[string]model.PresenceState, error) {
	results, err := m.client.HGetAll(ctx, m.membersKey(channel)).Result()
	if err != nil {
		return nil, err
	}

	cutoff := m.now().Add(-m.memberTTL).UnixMilli()
	members := make(map[string]model.PresenceState, len(results))
	var stale []string

	for key, val := range results {
		var data MemberData
		if err := json.Unmarshal([]byte(val), &data); err != nil {
			stale = append(stale, key)
			continue
		}
		if data.LastHeartbeat < cutoff {
			stale = append(stale, key)
			continue
		}
		members[key] = data.State
	}

	for _, key := range stale {
		if err := m.RemoveMember(ctx, channel, key); err != nil {
			log.Printf("[Presence %s] failed to prune stale member %s: %v", channel, key, err)
		}
	}

	return members, nil
}

// publish 상태 변경 이벤트 발행
func (m *Manager) publish(ctx context.Context, channel string, ev Event) error {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, m.eventsKey(channel), jsonData).Err()
}

// Subscribe 상태 변경 이벤트 구독.
// The subscription is confirmed before returning so no event published
// after Subscribe returns is missed.
func (m *Manager) Subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	sub := m.client.Subscribe(ctx, m.eventsKey(channel))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe presence %s: %w", channel, err)
	}
	return sub, nil
}

// DecodeEvent pub/sub 메시지 디코딩
func DecodeEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ToPresenceEvent converts a pub/sub event into the gateway event shape.
func (e Event) ToPresenceEvent() model.PresenceEvent {
	if e.Kind == EventLeave {
		return model.PresenceEvent{Kind: model.PresenceLeave, Key: e.Key}
	}
	return model.PresenceEvent{Kind: model.PresenceJoin, Key: e.Key, State: e.State}
}
