package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"atrium-realtime/internal/cache"
	"atrium-realtime/internal/model"
	"atrium-realtime/internal/presence"
	"atrium-realtime/internal/service"
)

// Backend gateway backed by Redis (presence, change feed) and Postgres
// (trace table via TraceService). The relay server uses it.
type Backend struct {
	presence  *presence.Manager
	redis     *cache.RedisClient
	traces    *service.TraceService
	clock     clock.Clock
	heartbeat time.Duration

	mu      sync.Mutex
	members map[string]*backendPresence // channel + "/" + key
}

// NewBackend Backend 게이트웨이 생성
func NewBackend(pm *presence.Manager, rc *cache.RedisClient, traces *service.TraceService, heartbeat time.Duration, clk clock.Clock) *Backend {
	if clk == nil {
		clk = clock.New()
	}
	return &Backend{
		presence:  pm,
		redis:     rc,
		traces:    traces,
		clock:     clk,
		heartbeat: heartbeat,
		members:   make(map[string]*backendPresence),
	}
}

var _ Client = (*Backend)(nil)

// =============================================================================
// Presence
// =============================================================================

type backendPresence struct {
	gw      *Backend
	channel string
	key     string
	sub     *redis.PubSub
	events  chan model.PresenceEvent
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	tracked  bool
	replaced bool
	closed   bool
}

// JoinPresence subscribes to the channel's events, then reads the current
// membership for the initial sync.
func (b *Backend) JoinPresence(ctx context.Context, channel, key string) (PresenceChannel, error) {
	sub, err := b.presence.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	snapshot, err := b.presence.Members(ctx, channel)
	if err != nil {
		sub.Close()
		return nil, err
	}

	p := &backendPresence{
		gw:      b,
		channel: channel,
		key:     key,
		sub:     sub,
		events:  make(chan model.PresenceEvent, eventBuffer),
		done:    make(chan struct{}),
	}

	// at most one registration per key on this server
	regKey := channel + "/" + key
	b.mu.Lock()
	old := b.members[regKey]
	b.members[regKey] = p
	b.mu.Unlock()
	if old != nil {
		old.mu.Lock()
		old.replaced = true
		old.mu.Unlock()
		old.Close()
	}

	p.wg.Add(2)
	go p.readLoop(model.PresenceEvent{Kind: model.PresenceSync, Snapshot: snapshot})
	go p.heartbeatLoop()
	return p, nil
}

func (p *backendPresence) Key() string { return p.key }

func (p *backendPresence) Events() <-chan model.PresenceEvent { return p.events }

func (p *backendPresence) Track(ctx context.Context, state model.PresenceState) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.tracked = true
	p.mu.Unlock()

	return p.gw.presence.SetMember(ctx, p.channel, p.key, state)
}

func (p *backendPresence) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	tracked, replaced := p.tracked, p.replaced
	p.mu.Unlock()

	close(p.done)
	err := p.sub.Close()
	p.wg.Wait()

	b := p.gw
	regKey := p.channel + "/" + p.key
	b.mu.Lock()
	if b.members[regKey] == p {
		delete(b.members, regKey)
	}
	b.mu.Unlock()

	// a replaced registration leaves the member record to its successor
	if tracked && !replaced {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if rmErr := b.presence.RemoveMember(ctx, p.channel, p.key); rmErr != nil {
			log.Printf("[Presence %s] failed to remove %s: %v", p.channel, p.key, rmErr)
		}
	}
	return err
}

func (p *backendPresence) readLoop(initial model.PresenceEvent) {
	defer p.wg.Done()
	defer close(p.events)

	if !p.emit(initial) {
		return
	}

	msgs := p.sub.Channel()
	for {
		select {
		case <-p.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := presence.DecodeEvent(msg.Payload)
			if err != nil {
				log.Printf("[Presence %s] dropping malformed event: %v", p.channel, err)
				continue
			}
			if !p.emit(ev.ToPresenceEvent()) {
				return
			}
		}
	}
}

func (p *backendPresence) emit(ev model.PresenceEvent) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

func (p *backendPresence) heartbeatLoop() {
	defer p.wg.Done()
	if p.gw.heartbeat <= 0 {
		return
	}

	ticker := p.gw.clock.Ticker(p.gw.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			tracked := p.tracked
			p.mu.Unlock()
			if !tracked {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := p.gw.presence.Heartbeat(ctx, p.channel, p.key); err != nil {
				log.Printf("[Presence %s] heartbeat failed for %s: %v", p.channel, p.key, err)
			}
			cancel()
		}
	}
}

// =============================================================================
// Change feed
// =============================================================================

type backendFeed struct {
	channel string
	filter  model.Filter
	sub     *redis.PubSub
	events  chan model.ChangeEvent
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// SubscribeChanges subscribes to the Redis change channel. Filtering is
// applied here, before events reach the subscriber.
func (b *Backend) SubscribeChanges(ctx context.Context, channel string, filter model.Filter) (ChangeFeed, error) {
	sub, err := b.redis.SubscribeChanges(ctx, channel)
	if err != nil {
		return nil, err
	}

	f := &backendFeed{
		channel: channel,
		filter:  filter,
		sub:     sub,
		events:  make(chan model.ChangeEvent, eventBuffer),
		done:    make(chan struct{}),
	}
	f.wg.Add(1)
	go f.readLoop()
	return f, nil
}

func (f *backendFeed) Events() <-chan model.ChangeEvent { return f.events }

func (f *backendFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.sub.Close()
		f.wg.Wait()
	})
	return err
}

func (f *backendFeed) readLoop() {
	defer f.wg.Done()
	defer close(f.events)

	msgs := f.sub.Channel()
	for {
		select {
		case <-f.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := cache.DecodeChange(msg.Payload)
			if err != nil {
				log.Printf("[Traces %s] dropping malformed change: %v", f.channel, err)
				continue
			}
			if !f.filter.Matches(ev) {
				continue
			}
			select {
			case f.events <- ev:
			case <-f.done:
				return
			}
		}
	}
}

// =============================================================================
// Trace table
// =============================================================================

func (b *Backend) QueryTraces(ctx context.Context, q TraceQuery) ([]model.TraceRow, error) {
	q = q.Normalize()
	return b.traces.ListRecent(ctx, q.LobbyID, q.Limit)
}

func (b *Backend) InsertTrace(ctx context.Context, row model.TraceRow) (model.TraceRow, error) {
	created, err := b.traces.Create(ctx, row)
	if err != nil {
		return model.TraceRow{}, err
	}
	return *created, nil
}

func (b *Backend) UpdateTrace(ctx context.Context, lobbyID, traceID string, fields map[string]any) (model.TraceRow, error) {
	updated, err := b.traces.Update(ctx, lobbyID, traceID, fields)
	if err != nil {
		return model.TraceRow{}, err
	}
	return *updated, nil
}

func (b *Backend) DeleteTrace(ctx context.Context, lobbyID, traceID string) error {
	return b.traces.Delete(ctx, lobbyID, traceID)
}
