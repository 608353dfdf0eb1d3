package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"atrium-realtime/internal/config"
	"atrium-realtime/internal/gateway"
	"atrium-realtime/internal/model"
	"atrium-realtime/internal/realtime"
	"atrium-realtime/internal/store"
)

var (
	// ErrClosed 종료된 세션
	ErrClosed = errors.New("session closed")
	// ErrNotJoined 로비에 참가하지 않은 상태
	ErrNotJoined = errors.New("session has not joined a lobby")
	// ErrReadOnly no trace writer configured
	ErrReadOnly = errors.New("session is read-only")
)

// State 세션 상태
type State int

const (
	StateIdle   State = iota // 로비 미참가
	StateJoined              // 로비 참가 중
	StateClosed              // 세션 종료
)

// String 상태를 문자열로 반환
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options 세션 구성
type Options struct {
	// Gateway may be nil; the session then keeps only local state.
	Gateway  gateway.Client
	Player   store.LocalPlayer
	Presence config.PresenceConfig
	Traces   config.TracesConfig
	Clock    clock.Clock
}

// Session one client's view of the canvas: the shared store plus the
// presence synchronizer and trace replicator that keep it current.
type Session struct {
	ID          string
	ConnectedAt time.Time

	store    *store.Store
	writer   gateway.TraceWriter
	presence *realtime.PresenceSynchronizer
	traces   *realtime.TraceReplicator

	mu      sync.RWMutex
	state   State
	lobbyID string
}

// New 새 세션 생성
func New(st *store.Store, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Player.UserID != "" {
		st.SetLocalPlayer(opts.Player)
	}

	var gw gateway.Gateway
	var writer gateway.TraceWriter
	if opts.Gateway != nil {
		gw = opts.Gateway
		writer = opts.Gateway
	}

	pending := realtime.NewPendingSet(opts.Traces.PendingTTL, opts.Clock)
	return &Session{
		ID:          uuid.New().String(),
		ConnectedAt: opts.Clock.Now(),
		store:       st,
		writer:      writer,
		presence:    realtime.NewPresenceSynchronizer(gw, st, opts.Presence, opts.Clock),
		traces:      realtime.NewTraceReplicator(gw, st, pending, opts.Traces.BulkLimit),
		state:       StateIdle,
	}
}

// Store 공유 상태 반환
func (s *Session) Store() *store.Store {
	return s.store
}

// State 현재 상태 조회
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LobbyID 현재 로비 ID
func (s *Session) LobbyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lobbyID
}

// JoinLobby switches the session to lobbyID. Both synchronizers are torn
// down and re-activated, so nothing from the previous lobby survives in
// the directory or the trace collection.
func (s *Session) JoinLobby(lobbyID string) error {
	if lobbyID == "" {
		return fmt.Errorf("join lobby: empty lobby id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrClosed
	}
	if s.state == StateJoined {
		s.leaveLocked()
	}

	s.presence.Activate(lobbyID)
	s.traces.Activate(lobbyID)

	s.lobbyID = lobbyID
	s.state = StateJoined
	log.Printf("[Session %s] joined lobby %s", s.ID, lobbyID)
	return nil
}

// LeaveLobby deactivates both synchronizers. Traces stay in the store
// until another lobby is joined.
func (s *Session) LeaveLobby() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateJoined {
		return
	}
	s.leaveLocked()
	s.state = StateIdle
}

func (s *Session) leaveLocked() {
	s.presence.Deactivate()
	s.traces.Deactivate()
	s.traces.Pending().Clear()
	log.Printf("[Session %s] left lobby %s", s.ID, s.lobbyID)
	s.lobbyID = ""
}

// Close 세션 정리
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	if s.state == StateJoined {
		s.leaveLocked()
	}
	s.state = StateClosed
}

// IsClosed 세션 종료 여부 확인
func (s *Session) IsClosed() bool {
	return s.State() == StateClosed
}

// Duration 연결 유지 시간
func (s *Session) Duration() time.Duration {
	return time.Since(s.ConnectedAt)
}

// MoveTo 로컬 아바타 이동 (로컬 throttle 적용)
func (s *Session) MoveTo(x, y float64) {
	s.presence.MoveTo(x, y)
}

// SetColor 아바타 색상 변경 (즉시 브로드캐스트)
func (s *Session) SetColor(color string) {
	s.presence.SetColor(color)
}

// BeginEdit marks traceID as locally edited and applies edit to the
// store copy. Update echoes for the trace are ignored until the edit is
// committed, cancelled or the pending entry expires.
func (s *Session) BeginEdit(traceID string, edit func(*model.Trace)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.lobbyLocked(); err != nil {
		return err
	}

	t, ok := s.store.Trace(traceID)
	if !ok {
		return model.ErrTraceNotFound
	}
	s.traces.Pending().Mark(traceID)
	if edit != nil {
		edit(&t)
		s.store.UpsertTrace(t)
	}
	return nil
}

// CommitEdit writes fields through the gateway, stores the canonical row
// it returns and ends the edit. The pending mark is removed even when the
// write fails.
func (s *Session) CommitEdit(ctx context.Context, traceID string, fields map[string]any) (model.Trace, error) {
	lobbyID, err := s.joinedLobby()
	if err != nil {
		return model.Trace{}, err
	}
	if s.writer == nil {
		return model.Trace{}, ErrReadOnly
	}
	defer s.traces.Pending().Unmark(traceID)

	row, err := s.writer.UpdateTrace(ctx, lobbyID, traceID, fields)
	if err != nil {
		return model.Trace{}, fmt.Errorf("commit edit %s: %w", traceID, err)
	}
	t := model.MapTrace(row)
	s.applyIn(lobbyID, func() { s.store.UpsertTrace(t) })
	return t, nil
}

// CancelEdit ends an edit without writing. The local copy is kept until
// the next remote update replaces it.
func (s *Session) CancelEdit(traceID string) {
	s.traces.Pending().Unmark(traceID)
}

// PlaceTrace inserts a new trace in the current lobby as the local user.
func (s *Session) PlaceTrace(ctx context.Context, t model.Trace) (model.Trace, error) {
	lobbyID, err := s.joinedLobby()
	if err != nil {
		return model.Trace{}, err
	}
	if s.writer == nil {
		return model.Trace{}, ErrReadOnly
	}

	self := s.store.LocalPlayer()
	t.LobbyID = lobbyID
	t.UserID = self.UserID
	t.Username = self.Username
	if t.Type == "" {
		t.Type = model.DefaultTraceType
	}

	row, err := s.writer.InsertTrace(ctx, t.ToRow())
	if err != nil {
		return model.Trace{}, fmt.Errorf("place trace: %w", err)
	}
	placed := model.MapTrace(row)
	s.applyIn(lobbyID, func() { s.store.UpsertTrace(placed) })
	return placed, nil
}

// RemoveTrace deletes a trace from the current lobby.
func (s *Session) RemoveTrace(ctx context.Context, traceID string) error {
	lobbyID, err := s.joinedLobby()
	if err != nil {
		return err
	}
	if s.writer == nil {
		return ErrReadOnly
	}

	if err := s.writer.DeleteTrace(ctx, lobbyID, traceID); err != nil {
		return fmt.Errorf("remove trace %s: %w", traceID, err)
	}
	s.applyIn(lobbyID, func() {
		s.store.RemoveTrace(traceID)
		s.traces.Pending().Unmark(traceID)
	})
	return nil
}

// applyIn runs fn only if the session is still joined to lobbyID. The
// read lock keeps JoinLobby/LeaveLobby from tearing down while fn runs.
func (s *Session) applyIn(lobbyID string, fn func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StateJoined || s.lobbyID != lobbyID {
		log.Printf("[Session %s] lobby %s left during write, result not stored", s.ID, lobbyID)
		return false
	}
	fn()
	return true
}

func (s *Session) joinedLobby() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lobbyLocked()
}

func (s *Session) lobbyLocked() (string, error) {
	switch s.state {
	case StateClosed:
		return "", ErrClosed
	case StateJoined:
		return s.lobbyID, nil
	default:
		return "", ErrNotJoined
	}
}
