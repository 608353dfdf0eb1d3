// Package store holds the process-wide shared state: the local player,
// the other participants of the current lobby and the trace collection.
//
// Writers are disciplined by convention: the participant directory is
// written only by the presence synchronizer, bulk trace replacement and
// remote-sourced upserts only by the trace replicator, and local editing
// code may upsert traces directly. Each collection has its own lock.
package store

import (
	"sort"
	"sync"
	"time"

	"atrium-realtime/internal/model"
)

// Position world-space coordinates
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Origin default position of the local player
var Origin = Position{X: 0, Y: 0}

// LocalPlayer 로컬 사용자 정보
type LocalPlayer struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// Participant another user's last known presence in the lobby
type Participant struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Color    string    `json:"color"`
	LastSeen time.Time `json:"lastSeen"`
}

// Store is safe for concurrent use.
type Store struct {
	playerMu sync.RWMutex
	player   LocalPlayer
	position Position

	participantsMu sync.RWMutex
	participants   map[string]Participant

	tracesMu sync.RWMutex
	traces   map[string]model.Trace

	watchMu  sync.Mutex
	watchers []chan struct{}
}

// New 기본값으로 초기화된 Store 생성
func New() *Store {
	return &Store{
		position:     Origin,
		participants: make(map[string]Participant),
		traces:       make(map[string]model.Trace),
	}
}

// ---- local player ----

// Position returns the local player's position.
func (s *Store) Position() Position {
	s.playerMu.RLock()
	defer s.playerMu.RUnlock()
	return s.position
}

// SetPosition replaces the local position. No range checks.
func (s *Store) SetPosition(p Position) {
	s.playerMu.Lock()
	s.position = p
	s.playerMu.Unlock()
	s.notify()
}

// LocalPlayer returns the local identity and color.
func (s *Store) LocalPlayer() LocalPlayer {
	s.playerMu.RLock()
	defer s.playerMu.RUnlock()
	return s.player
}

// SetLocalPlayer replaces the local identity and color.
func (s *Store) SetLocalPlayer(p LocalPlayer) {
	s.playerMu.Lock()
	s.player = p
	s.playerMu.Unlock()
	s.notify()
}

// SetColor changes only the local color tag.
func (s *Store) SetColor(color string) {
	s.playerMu.Lock()
	s.player.Color = color
	s.playerMu.Unlock()
	s.notify()
}

// ---- participant directory ----

// UpsertParticipant inserts or replaces by id.
func (s *Store) UpsertParticipant(p Participant) {
	s.participantsMu.Lock()
	s.participants[p.ID] = p
	s.participantsMu.Unlock()
	s.notify()
}

// RemoveParticipant is a no-op for unknown ids.
func (s *Store) RemoveParticipant(id string) {
	s.participantsMu.Lock()
	_, ok := s.participants[id]
	delete(s.participants, id)
	s.participantsMu.Unlock()
	if ok {
		s.notify()
	}
}

// ClearParticipants empties the directory.
func (s *Store) ClearParticipants() {
	s.participantsMu.Lock()
	n := len(s.participants)
	s.participants = make(map[string]Participant)
	s.participantsMu.Unlock()
	if n > 0 {
		s.notify()
	}
}

// Participant looks up one participant.
func (s *Store) Participant(id string) (Participant, bool) {
	s.participantsMu.RLock()
	defer s.participantsMu.RUnlock()
	p, ok := s.participants[id]
	return p, ok
}

// Participants returns a copy of the directory.
func (s *Store) Participants() map[string]Participant {
	s.participantsMu.RLock()
	defer s.participantsMu.RUnlock()

	out := make(map[string]Participant, len(s.participants))
	for id, p := range s.participants {
		out[id] = p
	}
	return out
}

// ---- traces ----

// SetTraces replaces the whole trace collection.
func (s *Store) SetTraces(traces []model.Trace) {
	next := make(map[string]model.Trace, len(traces))
	for _, t := range traces {
		next[t.ID] = t
	}

	s.tracesMu.Lock()
	s.traces = next
	s.tracesMu.Unlock()
	s.notify()
}

// UpsertTrace inserts or replaces by id.
func (s *Store) UpsertTrace(t model.Trace) {
	s.tracesMu.Lock()
	s.traces[t.ID] = t
	s.tracesMu.Unlock()
	s.notify()
}

// RemoveTrace is a no-op for unknown ids.
func (s *Store) RemoveTrace(id string) {
	s.tracesMu.Lock()
	_, ok := s.traces[id]
	delete(s.traces, id)
	s.tracesMu.Unlock()
	if ok {
		s.notify()
	}
}

// Trace looks up one trace.
func (s *Store) Trace(id string) (model.Trace, bool) {
	s.tracesMu.RLock()
	defer s.tracesMu.RUnlock()
	t, ok := s.traces[id]
	return t, ok
}

// Traces returns the collection in draw order: zIndex ascending, then
// oldest first, then id.
func (s *Store) Traces() []model.Trace {
	s.tracesMu.RLock()
	out := make([]model.Trace, 0, len(s.traces))
	for _, t := range s.traces {
		out = append(out, t)
	}
	s.tracesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ZIndex != out[j].ZIndex {
			return out[i].ZIndex < out[j].ZIndex
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TraceCount 트레이스 개수
func (s *Store) TraceCount() int {
	s.tracesMu.RLock()
	defer s.tracesMu.RUnlock()
	return len(s.traces)
}

// ---- change notification ----

// Watch returns a channel that receives a value after any mutation.
// Notifications coalesce: a slow reader sees one pending signal, not one
// per mutation. The returned func unregisters the watcher.
func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.watchMu.Lock()
	s.watchers = append(s.watchers, ch)
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
