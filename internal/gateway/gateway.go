// Package gateway is the client side of the backend the realtime core
// talks to: ephemeral presence channels, a filtered change feed of the
// traces table, and bulk trace queries.
//
// Three implementations exist. Memory is an in-process hub used by tests
// and single-process runs. Backend talks to Redis and Postgres directly
// and is what the relay server uses. Remote speaks to the relay server
// over WebSocket and HTTP and is what headless clients use.
package gateway

import (
	"context"
	"errors"

	"atrium-realtime/internal/model"
)

var (
	// ErrGatewayUnavailable no credentials or configuration
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrClosed operation on a closed channel or feed
	ErrClosed = errors.New("gateway: closed")
	// ErrTraceNotFound 트레이스 없음
	ErrTraceNotFound = model.ErrTraceNotFound
)

// TraceQuery bulk read parameters. Results are always newest first.
type TraceQuery struct {
	LobbyID string
	Limit   int
}

// Normalize clamps Limit to (0, model.BulkReadLimit].
func (q TraceQuery) Normalize() TraceQuery {
	if q.Limit <= 0 || q.Limit > model.BulkReadLimit {
		q.Limit = model.BulkReadLimit
	}
	return q
}

// PresenceChannel one registration on an ephemeral presence channel.
// Events is closed after Close returns.
type PresenceChannel interface {
	Key() string
	Events() <-chan model.PresenceEvent
	Track(ctx context.Context, state model.PresenceState) error
	Close() error
}

// ChangeFeed one change-feed subscription. Events is closed after Close
// returns.
type ChangeFeed interface {
	Events() <-chan model.ChangeEvent
	Close() error
}

// Gateway is what the synchronizers consume.
type Gateway interface {
	// JoinPresence registers key on channel. A second registration of the
	// same key replaces the first.
	JoinPresence(ctx context.Context, channel, key string) (PresenceChannel, error)
	// SubscribeChanges opens a change feed on channel filtered server-side.
	SubscribeChanges(ctx context.Context, channel string, filter model.Filter) (ChangeFeed, error)
	// QueryTraces returns up to q.Limit rows of q.LobbyID, newest first.
	QueryTraces(ctx context.Context, q TraceQuery) ([]model.TraceRow, error)
}

// TraceWriter direct mutation calls issued by editing code. Each call
// returns the canonical row and causes a change event to be published.
type TraceWriter interface {
	InsertTrace(ctx context.Context, row model.TraceRow) (model.TraceRow, error)
	UpdateTrace(ctx context.Context, lobbyID, traceID string, fields map[string]any) (model.TraceRow, error)
	DeleteTrace(ctx context.Context, lobbyID, traceID string) error
}

// Client both halves together
type Client interface {
	Gateway
	TraceWriter
}
