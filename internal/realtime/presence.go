// Package realtime keeps the shared store in sync with a lobby: the
// presence synchronizer publishes the local player and tracks the other
// participants, the trace replicator mirrors the lobby's traces.
//
// Neither component returns errors from its entry points. Gateway
// failures are logged and leave the store as it was.
package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"atrium-realtime/internal/config"
	"atrium-realtime/internal/gateway"
	"atrium-realtime/internal/model"
	"atrium-realtime/internal/store"
	"atrium-realtime/internal/throttle"
)

// activateTimeout bounds channel registration and the bulk read
const activateTimeout = 10 * time.Second

// IsStableID reports whether key is a canonical 36-character UUID.
// Legacy or malformed presence keys fail this check.
func IsStableID(key string) bool {
	if len(key) != 36 {
		return false
	}
	_, err := uuid.Parse(key)
	return err == nil
}

// PresenceSynchronizer publishes the local player on a lobby presence
// channel and maintains the participant directory in the store.
type PresenceSynchronizer struct {
	gw    gateway.Gateway
	store *store.Store
	cfg   config.PresenceConfig
	clock clock.Clock

	publishGate *throttle.Gate // time AND distance
	localGate   *throttle.Gate // time OR distance

	lifecycle sync.Mutex // serializes Activate/Deactivate
	lobbyID   string
	selfKey   string
	channel   gateway.PresenceChannel
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	colorMu sync.Mutex
	colorCh chan struct{} // nil while inactive

	// onTick is called after every poll tick; tests use it as a barrier.
	onTick func()
}

// NewPresenceSynchronizer gw may be nil, which makes activation a no-op.
func NewPresenceSynchronizer(gw gateway.Gateway, st *store.Store, cfg config.PresenceConfig, clk clock.Clock) *PresenceSynchronizer {
	if clk == nil {
		clk = clock.New()
	}
	return &PresenceSynchronizer{
		gw:          gw,
		store:       st,
		cfg:         cfg,
		clock:       clk,
		publishGate: throttle.New(cfg.PublishInterval, cfg.PublishDistance, throttle.RequireAll),
		localGate:   throttle.New(cfg.LocalInterval, cfg.LocalDistance, throttle.RequireAny),
	}
}

// LobbyID returns the active lobby, or "" when inactive.
func (s *PresenceSynchronizer) LobbyID() string {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.lobbyID
}

// Activate joins the lobby's presence channel, publishes the initial
// state and starts polling. An empty lobbyID only deactivates.
func (s *PresenceSynchronizer) Activate(lobbyID string) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.deactivateLocked()

	if lobbyID == "" {
		return
	}
	if s.gw == nil {
		log.Printf("[Presence lobby-%s] gateway unavailable, presence disabled", lobbyID)
		return
	}

	self := s.store.LocalPlayer()
	if self.UserID == "" {
		log.Printf("[Presence lobby-%s] no local user id, presence disabled", lobbyID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	joinCtx, joinCancel := context.WithTimeout(ctx, activateTimeout)
	defer joinCancel()

	channelName := model.PresenceChannelName(lobbyID)
	ch, err := s.gw.JoinPresence(joinCtx, channelName, self.UserID)
	if err != nil {
		cancel()
		log.Printf("[Presence %s] join failed: %v", channelName, err)
		return
	}

	s.lobbyID = lobbyID
	s.selfKey = self.UserID
	s.channel = ch
	s.cancel = cancel
	colorCh := make(chan struct{}, 1)

	// ticker exists before the first publish so an advanced clock is seen
	ticker := s.clock.Ticker(s.cfg.PollInterval)

	s.publishGate.Reset()
	s.publish(joinCtx, self.Color)

	s.wg.Add(1)
	go s.run(ctx, ch, ticker, colorCh, self.Color)

	s.colorMu.Lock()
	s.colorCh = colorCh
	s.colorMu.Unlock()

	log.Printf("[Presence %s] joined as %s", channelName, self.UserID)
}

// Deactivate stops polling, unregisters from the channel and clears the
// directory. No store mutation happens after it returns.
func (s *PresenceSynchronizer) Deactivate() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.deactivateLocked()
}

func (s *PresenceSynchronizer) deactivateLocked() {
	if s.channel == nil {
		return
	}

	s.colorMu.Lock()
	s.colorCh = nil
	s.colorMu.Unlock()

	s.cancel()
	if err := s.channel.Close(); err != nil {
		log.Printf("[Presence %s] close failed: %v", model.PresenceChannelName(s.lobbyID), err)
	}
	s.wg.Wait()

	s.store.ClearParticipants()
	log.Printf("[Presence %s] left", model.PresenceChannelName(s.lobbyID))

	s.channel = nil
	s.cancel = nil
	s.lobbyID = ""
	s.selfKey = ""
}

// MoveTo applies a raw pointer position to the store, dropping candidates
// that moved less than the local distance within the local interval.
func (s *PresenceSynchronizer) MoveTo(x, y float64) {
	if s.localGate.Allow(s.clock.Now(), throttle.Point{X: x, Y: y}) {
		s.store.SetPosition(store.Position{X: x, Y: y})
	}
}

// SetColor changes the local color and, when active, publishes at once.
func (s *PresenceSynchronizer) SetColor(color string) {
	s.store.SetColor(color)

	s.colorMu.Lock()
	ch := s.colorCh
	s.colorMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *PresenceSynchronizer) run(ctx context.Context, ch gateway.PresenceChannel, ticker *clock.Ticker, colorCh <-chan struct{}, lastColor string) {
	defer s.wg.Done()
	defer ticker.Stop()

	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			// Deactivate cancels before closing the channel
			if ctx.Err() != nil {
				return
			}
			if !ok {
				log.Printf("[Presence %s] channel closed by gateway", model.PresenceChannelName(s.lobbyID))
				return
			}
			s.ingest(ev)

		case <-colorCh:
			color := s.store.LocalPlayer().Color
			if color != lastColor {
				s.publish(ctx, color)
				lastColor = color
			}

		case <-ticker.C:
			// color changes that raced the signal are caught here too
			color := s.store.LocalPlayer().Color
			if color != lastColor {
				s.publish(ctx, color)
				lastColor = color
			} else if s.publishGate.Check(s.clock.Now(), s.currentPoint()) {
				s.publish(ctx, color)
			}
			if s.onTick != nil {
				s.onTick()
			}
		}
	}
}

func (s *PresenceSynchronizer) currentPoint() throttle.Point {
	pos := s.store.Position()
	return throttle.Point{X: pos.X, Y: pos.Y}
}

// publish tracks the current state and records it as the gate reference.
func (s *PresenceSynchronizer) publish(ctx context.Context, color string) {
	self := s.store.LocalPlayer()
	pos := s.store.Position()
	now := s.clock.Now()

	state := model.PresenceState{
		Username:    self.Username,
		X:           pos.X,
		Y:           pos.Y,
		PlayerColor: color,
		OnlineAt:    now.UTC().Format(time.RFC3339Nano),
	}
	if err := s.channel.Track(ctx, state); err != nil {
		log.Printf("[Presence %s] track failed: %v", model.PresenceChannelName(s.lobbyID), err)
		return
	}
	s.publishGate.Record(now, throttle.Point{X: pos.X, Y: pos.Y})
}

func (s *PresenceSynchronizer) ingest(ev model.PresenceEvent) {
	switch ev.Kind {
	case model.PresenceSync:
		for key, state := range ev.Snapshot {
			s.upsert(key, state)
		}
	case model.PresenceJoin:
		s.upsert(ev.Key, ev.State)
	case model.PresenceLeave:
		s.store.RemoveParticipant(ev.Key)
	}
}

func (s *PresenceSynchronizer) upsert(key string, state model.PresenceState) {
	if key == s.selfKey || !IsStableID(key) {
		return
	}

	lastSeen, err := time.Parse(time.RFC3339Nano, state.OnlineAt)
	if err != nil {
		lastSeen = s.clock.Now().UTC()
	}

	username := state.Username
	if username == "" {
		username = model.DefaultUsername
	}

	s.store.UpsertParticipant(store.Participant{
		ID:       key,
		Username: username,
		X:        state.X,
		Y:        state.Y,
		Color:    state.PlayerColor,
		LastSeen: lastSeen,
	})
}
