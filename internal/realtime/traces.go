package realtime

import (
	"context"
	"log"
	"sync"

	"atrium-realtime/internal/gateway"
	"atrium-realtime/internal/model"
	"atrium-realtime/internal/store"
)

// TraceReplicator mirrors a lobby's traces into the store: one bulk read
// on activation, then insert/update/delete events from the change feed.
// Updates for ids in the pending set are discarded; deletes always apply.
type TraceReplicator struct {
	gw      gateway.Gateway
	store   *store.Store
	pending *PendingSet
	limit   int

	lifecycle sync.Mutex
	lobbyID   string
	loaded    string // lobby whose traces the store holds
	feed      gateway.ChangeFeed
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// onApply is called after every change event; tests use it as a barrier.
	onApply func(model.ChangeEvent)
}

// NewTraceReplicator gw may be nil, which makes activation a no-op.
func NewTraceReplicator(gw gateway.Gateway, st *store.Store, pending *PendingSet, limit int) *TraceReplicator {
	if pending == nil {
		pending = NewPendingSet(0, nil)
	}
	return &TraceReplicator{
		gw:      gw,
		store:   st,
		pending: pending,
		limit:   limit,
	}
}

// Pending returns the set guarding local edits.
func (r *TraceReplicator) Pending() *PendingSet {
	return r.pending
}

// LobbyID returns the active lobby, or "" when inactive.
func (r *TraceReplicator) LobbyID() string {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.lobbyID
}

// Activate replaces any previous subscription, clears traces of the
// previous lobby, subscribes to the lobby's change feed and loads the
// newest traces. Events received during the bulk read are applied after
// it, so nothing committed in between is lost.
func (r *TraceReplicator) Activate(lobbyID string) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.deactivateLocked()

	if lobbyID == "" {
		return
	}
	if r.gw == nil {
		log.Printf("[Traces lobby-%s] gateway unavailable, replication disabled", lobbyID)
		return
	}
	if r.loaded != "" && r.loaded != lobbyID {
		r.store.SetTraces(nil)
	}
	r.loaded = lobbyID

	ctx, cancel := context.WithCancel(context.Background())
	loadCtx, loadCancel := context.WithTimeout(ctx, activateTimeout)
	defer loadCancel()

	channelName := model.TracesChannelName(lobbyID)
	feed, err := r.gw.SubscribeChanges(loadCtx, channelName, model.LobbyFilter(lobbyID))
	if err != nil {
		log.Printf("[Traces %s] subscribe failed: %v", channelName, err)
	}

	rows, err := r.gw.QueryTraces(loadCtx, gateway.TraceQuery{LobbyID: lobbyID, Limit: r.limit})
	if err != nil {
		log.Printf("[Traces %s] bulk read failed: %v", channelName, err)
	} else {
		r.store.SetTraces(model.MapTraces(rows))
		log.Printf("[Traces %s] loaded %d traces", channelName, len(rows))
	}

	r.lobbyID = lobbyID
	if feed == nil {
		cancel()
		return
	}

	r.feed = feed
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(ctx, feed)
}

// Deactivate closes the subscription and waits for the consumer to stop.
// Traces stay in the store until another lobby is activated.
func (r *TraceReplicator) Deactivate() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.deactivateLocked()
}

func (r *TraceReplicator) deactivateLocked() {
	if r.feed != nil {
		r.cancel()
		if err := r.feed.Close(); err != nil {
			log.Printf("[Traces %s] close failed: %v", model.TracesChannelName(r.lobbyID), err)
		}
		r.wg.Wait()
		r.feed = nil
		r.cancel = nil
	}
	r.lobbyID = ""
}

func (r *TraceReplicator) run(ctx context.Context, feed gateway.ChangeFeed) {
	defer r.wg.Done()

	events := feed.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			// Deactivate cancels before closing the feed
			if ctx.Err() != nil {
				return
			}
			if !ok {
				log.Printf("[Traces %s] change feed closed by gateway", model.TracesChannelName(r.lobbyID))
				return
			}
			r.apply(ev)
			if r.onApply != nil {
				r.onApply(ev)
			}
		}
	}
}

// apply merges one change event into the store.
func (r *TraceReplicator) apply(ev model.ChangeEvent) {
	switch ev.Type {
	case model.ChangeInsert:
		if ev.New == nil {
			return
		}
		r.store.UpsertTrace(model.MapTrace(*ev.New))

	case model.ChangeUpdate:
		if ev.New == nil {
			return
		}
		if r.pending.Contains(ev.New.ID) {
			// local edit in flight wins over the echo
			return
		}
		r.store.UpsertTrace(model.MapTrace(*ev.New))

	case model.ChangeDelete:
		if id := ev.TraceID(); id != "" {
			r.store.RemoveTrace(id)
			r.pending.Unmark(id)
		}
	}
}
