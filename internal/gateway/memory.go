package gateway

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"atrium-realtime/internal/model"
	"atrium-realtime/internal/service"
)

// eventBuffer per-subscription channel capacity. Events beyond it are
// dropped for that subscriber.
const eventBuffer = 256

// Memory in-process gateway: presence hub, change feed and trace table
type Memory struct {
	clock clock.Clock

	mu       sync.Mutex
	presence map[string]map[string]*memPresence // channel -> key -> registration
	feeds    map[string]map[*memFeed]struct{}   // channel -> subscriptions
	rows     map[string]map[string]model.TraceRow

	// QueryErr, when set, is returned by QueryTraces.
	QueryErr error
}

// NewMemory 빈 메모리 게이트웨이 생성
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clock:    clk,
		presence: make(map[string]map[string]*memPresence),
		feeds:    make(map[string]map[*memFeed]struct{}),
		rows:     make(map[string]map[string]model.TraceRow),
	}
}

var _ Client = (*Memory)(nil)

// =============================================================================
// Presence
// =============================================================================

type memPresence struct {
	hub     *Memory
	channel string
	key     string
	events  chan model.PresenceEvent
	state   *model.PresenceState
	closed  bool
}

// JoinPresence registers key and delivers a sync snapshot of every member
// that has tracked state.
func (m *Memory) JoinPresence(ctx context.Context, channel, key string) (PresenceChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.presence[channel]
	if !ok {
		members = make(map[string]*memPresence)
		m.presence[channel] = members
	}

	// at most one registration per key: the previous one is closed
	if old, exists := members[key]; exists {
		old.closeLocked()
	}

	p := &memPresence{
		hub:     m,
		channel: channel,
		key:     key,
		events:  make(chan model.PresenceEvent, eventBuffer),
	}
	members[key] = p

	p.sendLocked(model.PresenceEvent{Kind: model.PresenceSync, Snapshot: snapshotLocked(members)})
	return p, nil
}

// PresenceMembers returns the tracked state of every member on channel.
func (m *Memory) PresenceMembers(channel string) map[string]model.PresenceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotLocked(m.presence[channel])
}

func snapshotLocked(members map[string]*memPresence) map[string]model.PresenceState {
	out := make(map[string]model.PresenceState, len(members))
	for key, p := range members {
		if p.state != nil {
			out[key] = *p.state
		}
	}
	return out
}

func (p *memPresence) Key() string { return p.key }

func (p *memPresence) Events() <-chan model.PresenceEvent { return p.events }

// Track stores state and broadcasts a join to every member, self included.
func (p *memPresence) Track(ctx context.Context, state model.PresenceState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := p.hub
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.state = &state
	for _, member := range m.presence[p.channel] {
		member.sendLocked(model.PresenceEvent{Kind: model.PresenceJoin, Key: p.key, State: state})
	}
	return nil
}

// Close unregisters and broadcasts a leave to the remaining members.
func (p *memPresence) Close() error {
	m := p.hub
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.closed {
		return nil
	}
	members := m.presence[p.channel]
	if members[p.key] == p {
		delete(members, p.key)
		if len(members) == 0 {
			delete(m.presence, p.channel)
		}
		if p.state != nil {
			for _, member := range members {
				member.sendLocked(model.PresenceEvent{Kind: model.PresenceLeave, Key: p.key})
			}
		}
	}
	p.closeLocked()
	return nil
}

func (p *memPresence) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.events)
}

func (p *memPresence) sendLocked(ev model.PresenceEvent) {
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		log.Printf("[MemoryGateway %s] presence buffer full, dropping %s for %s", p.channel, ev.Kind, p.key)
	}
}

// =============================================================================
// Change feed
// =============================================================================

type memFeed struct {
	hub     *Memory
	channel string
	filter  model.Filter
	events  chan model.ChangeEvent
	closed  bool
}

// SubscribeChanges opens a feed on channel.
func (m *Memory) SubscribeChanges(ctx context.Context, channel string, filter model.Filter) (ChangeFeed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f := &memFeed{
		hub:     m,
		channel: channel,
		filter:  filter,
		events:  make(chan model.ChangeEvent, eventBuffer),
	}
	subs, ok := m.feeds[channel]
	if !ok {
		subs = make(map[*memFeed]struct{})
		m.feeds[channel] = subs
	}
	subs[f] = struct{}{}
	return f, nil
}

// Publish delivers ev to every matching feed on channel.
func (m *Memory) Publish(channel string, ev model.ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(channel, ev)
}

func (m *Memory) publishLocked(channel string, ev model.ChangeEvent) {
	if ev.Table == "" {
		ev.Table = model.TracesTable
	}
	if ev.CommitTimestamp.IsZero() {
		ev.CommitTimestamp = m.clock.Now().UTC()
	}
	for f := range m.feeds[channel] {
		if !f.filter.Matches(ev) {
			continue
		}
		select {
		case f.events <- ev:
		default:
			log.Printf("[MemoryGateway %s] change buffer full, dropping %s %s", channel, ev.Type, ev.TraceID())
		}
	}
}

// Subscribers number of open feeds on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.feeds[channel])
}

func (f *memFeed) Events() <-chan model.ChangeEvent { return f.events }

func (f *memFeed) Close() error {
	m := f.hub
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	if subs := m.feeds[f.channel]; subs != nil {
		delete(subs, f)
		if len(subs) == 0 {
			delete(m.feeds, f.channel)
		}
	}
	close(f.events)
	return nil
}

// =============================================================================
// Trace table
// =============================================================================

// Seed stores rows without publishing change events.
func (m *Memory) Seed(rows ...model.TraceRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.putLocked(row)
	}
}

func (m *Memory) putLocked(row model.TraceRow) {
	lobby, ok := m.rows[row.LobbyID]
	if !ok {
		lobby = make(map[string]model.TraceRow)
		m.rows[row.LobbyID] = lobby
	}
	lobby[row.ID] = row
}

// QueryTraces returns rows newest first.
func (m *Memory) QueryTraces(ctx context.Context, q TraceQuery) ([]model.TraceRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q = q.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryErr != nil {
		return nil, m.QueryErr
	}

	rows := make([]model.TraceRow, 0, len(m.rows[q.LobbyID]))
	for _, row := range m.rows[q.LobbyID] {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	if len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

// InsertTrace assigns id and created_at when missing, stores the row and
// publishes INSERT.
func (m *Memory) InsertTrace(ctx context.Context, row model.TraceRow) (model.TraceRow, error) {
	if err := ctx.Err(); err != nil {
		return model.TraceRow{}, err
	}
	if row.LobbyID == "" {
		return model.TraceRow{}, fmt.Errorf("insert trace: %w: lobby_id is required", model.ErrInvalidTrace)
	}
	if row.Type != nil && !model.TraceType(*row.Type).Valid() {
		return model.TraceRow{}, fmt.Errorf("insert trace: %w: type %q", model.ErrInvalidTrace, *row.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = m.clock.Now().UTC()
	}
	m.putLocked(row)

	inserted := row
	m.publishLocked(model.TracesChannelName(row.LobbyID), model.ChangeEvent{Type: model.ChangeInsert, New: &inserted})
	return row, nil
}

// UpdateTrace applies fields and publishes UPDATE with the new row.
func (m *Memory) UpdateTrace(ctx context.Context, lobbyID, traceID string, fields map[string]any) (model.TraceRow, error) {
	if err := ctx.Err(); err != nil {
		return model.TraceRow{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[lobbyID][traceID]
	if !ok {
		return model.TraceRow{}, ErrTraceNotFound
	}
	if err := service.CheckLock(row, fields); err != nil {
		return model.TraceRow{}, err
	}
	updated, err := model.ApplyFields(row, fields)
	if err != nil {
		return model.TraceRow{}, fmt.Errorf("update trace %s: %w", traceID, err)
	}
	m.putLocked(updated)

	published := updated
	m.publishLocked(model.TracesChannelName(lobbyID), model.ChangeEvent{Type: model.ChangeUpdate, New: &published})
	return updated, nil
}

// DeleteTrace removes the row and publishes DELETE with the old key.
func (m *Memory) DeleteTrace(ctx context.Context, lobbyID, traceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[lobbyID][traceID]; !ok {
		return ErrTraceNotFound
	}
	delete(m.rows[lobbyID], traceID)

	m.publishLocked(model.TracesChannelName(lobbyID), model.ChangeEvent{
		Type: model.ChangeDelete,
		Old:  &model.TraceKey{ID: traceID, LobbyID: lobbyID},
	})
	return nil
}
