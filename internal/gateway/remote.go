package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"atrium-realtime/internal/model"
)

// Remote gateway speaking to the relay server: presence and change feed
// over WebSocket, trace queries and mutations over HTTP.
type Remote struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
}

// NewRemote parses baseURL (http or https) and returns a client that
// authenticates every request with token.
func NewRemote(baseURL, token string) (*Remote, error) {
	if baseURL == "" {
		return nil, ErrGatewayUnavailable
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url must be http or https, got %q", u.Scheme)
	}
	return &Remote{
		baseURL: u,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

var _ Client = (*Remote)(nil)

func (r *Remote) authHeader() http.Header {
	h := http.Header{}
	if r.token != "" {
		h.Set("Authorization", "Bearer "+r.token)
	}
	return h
}

func (r *Remote) wsURL(path string, query url.Values) string {
	u := r.baseURL.JoinPath(path)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func (r *Remote) dial(ctx context.Context, path string, query url.Values) (*websocket.Conn, error) {
	conn, resp, err := r.dialer.DialContext(ctx, r.wsURL(path, query), r.authHeader())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", path, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return conn, nil
}

// =============================================================================
// Presence
// =============================================================================

type remotePresence struct {
	channel string
	key     string
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan model.PresenceEvent
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// JoinPresence opens the lobby presence socket. The relay registers the
// token's user id, so key must match it.
func (r *Remote) JoinPresence(ctx context.Context, channel, key string) (PresenceChannel, error) {
	lobbyID, ok := model.LobbyFromChannel(channel)
	if !ok {
		return nil, fmt.Errorf("not a lobby channel: %q", channel)
	}

	conn, err := r.dial(ctx, "/ws/lobbies/"+url.PathEscape(lobbyID)+"/presence", url.Values{"key": {key}})
	if err != nil {
		return nil, err
	}

	p := &remotePresence{
		channel: channel,
		key:     key,
		conn:    conn,
		events:  make(chan model.PresenceEvent, eventBuffer),
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.readLoop()
	return p, nil
}

func (p *remotePresence) Key() string { return p.key }

func (p *remotePresence) Events() <-chan model.PresenceEvent { return p.events }

func (p *remotePresence) Track(ctx context.Context, state model.PresenceState) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	return p.write(ctx, WireMessage{Type: MsgTrack, Payload: &state})
}

func (p *remotePresence) write(ctx context.Context, msg WireMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetWriteDeadline(deadline)
	return p.conn.WriteJSON(msg)
}

func (p *remotePresence) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		err = p.conn.Close()
		p.wg.Wait()
	})
	return err
}

func (p *remotePresence) readLoop() {
	defer p.wg.Done()
	defer close(p.events)

	for {
		var msg WireMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			select {
			case <-p.done:
			default:
				log.Printf("[Presence %s] read failed: %v", p.channel, err)
			}
			return
		}

		switch msg.Type {
		case MsgError:
			log.Printf("[Presence %s] relay error: %s", p.channel, msg.Message)
			continue
		case MsgPing:
			_ = p.write(context.Background(), WireMessage{Type: MsgPong})
			continue
		}

		ev, ok := WireToPresenceEvent(msg)
		if !ok {
			continue
		}
		select {
		case p.events <- ev:
		case <-p.done:
			return
		}
	}
}

// =============================================================================
// Change feed
// =============================================================================

type remoteFeed struct {
	channel string
	filter  model.Filter
	conn    *websocket.Conn
	events  chan model.ChangeEvent
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// SubscribeChanges opens the lobby traces socket. The filter is sent to
// the relay and applied again locally.
func (r *Remote) SubscribeChanges(ctx context.Context, channel string, filter model.Filter) (ChangeFeed, error) {
	lobbyID, ok := model.LobbyFromChannel(channel)
	if !ok {
		return nil, fmt.Errorf("not a lobby channel: %q", channel)
	}

	query := url.Values{}
	if filter.Column != "" {
		query.Set("filter", filter.String())
	}
	conn, err := r.dial(ctx, "/ws/lobbies/"+url.PathEscape(lobbyID)+"/traces", query)
	if err != nil {
		return nil, err
	}

	f := &remoteFeed{
		channel: channel,
		filter:  filter,
		conn:    conn,
		events:  make(chan model.ChangeEvent, eventBuffer),
		done:    make(chan struct{}),
	}
	f.wg.Add(1)
	go f.readLoop()
	return f, nil
}

func (f *remoteFeed) Events() <-chan model.ChangeEvent { return f.events }

func (f *remoteFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.conn.Close()
		f.wg.Wait()
	})
	return err
}

func (f *remoteFeed) readLoop() {
	defer f.wg.Done()
	defer close(f.events)

	for {
		var msg WireMessage
		if err := f.conn.ReadJSON(&msg); err != nil {
			select {
			case <-f.done:
			default:
				log.Printf("[Traces %s] read failed: %v", f.channel, err)
			}
			return
		}
		if msg.Type != MsgChange || msg.Event == nil || !f.filter.Matches(*msg.Event) {
			continue
		}
		select {
		case f.events <- *msg.Event:
		case <-f.done:
			return
		}
	}
}

// =============================================================================
// HTTP
// =============================================================================

type traceEnvelope struct {
	Trace  *model.TraceRow  `json:"trace,omitempty"`
	Traces []model.TraceRow `json:"traces,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (r *Remote) do(ctx context.Context, method, path string, query url.Values, body any, out *traceEnvelope) error {
	u := r.baseURL.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header = r.authHeader()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env traceEnvelope
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrTraceNotFound
	case resp.StatusCode == http.StatusLocked:
		return model.ErrTraceLocked
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", model.ErrInvalidTrace, strings.TrimSpace(env.Error))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(env.Error))
	}

	if out != nil {
		*out = env
	}
	return nil
}

func tracesPath(lobbyID string) string {
	return "/api/lobbies/" + url.PathEscape(lobbyID) + "/traces"
}

func (r *Remote) QueryTraces(ctx context.Context, q TraceQuery) ([]model.TraceRow, error) {
	q = q.Normalize()
	var env traceEnvelope
	query := url.Values{"limit": {strconv.Itoa(q.Limit)}}
	if err := r.do(ctx, http.MethodGet, tracesPath(q.LobbyID), query, nil, &env); err != nil {
		return nil, err
	}
	return env.Traces, nil
}

func (r *Remote) InsertTrace(ctx context.Context, row model.TraceRow) (model.TraceRow, error) {
	var env traceEnvelope
	if err := r.do(ctx, http.MethodPost, tracesPath(row.LobbyID), nil, row, &env); err != nil {
		return model.TraceRow{}, err
	}
	if env.Trace == nil {
		return model.TraceRow{}, fmt.Errorf("insert trace: empty response")
	}
	return *env.Trace, nil
}

func (r *Remote) UpdateTrace(ctx context.Context, lobbyID, traceID string, fields map[string]any) (model.TraceRow, error) {
	var env traceEnvelope
	path := tracesPath(lobbyID) + "/" + url.PathEscape(traceID)
	if err := r.do(ctx, http.MethodPatch, path, nil, fields, &env); err != nil {
		return model.TraceRow{}, err
	}
	if env.Trace == nil {
		return model.TraceRow{}, fmt.Errorf("update trace: empty response")
	}
	return *env.Trace, nil
}

func (r *Remote) DeleteTrace(ctx context.Context, lobbyID, traceID string) error {
	path := tracesPath(lobbyID) + "/" + url.PathEscape(traceID)
	return r.do(ctx, http.MethodDelete, path, nil, nil, nil)
}
