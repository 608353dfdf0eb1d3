package handler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"golang.org/x/time/rate"

	"atrium-realtime/internal/auth"
	"atrium-realtime/internal/config"
	"atrium-realtime/internal/gateway"
	"atrium-realtime/internal/model"
)

// LobbyWSHandler relays lobby presence and trace changes between
// WebSocket clients and the gateway.
type LobbyWSHandler struct {
	gw       gateway.Gateway
	presence config.PresenceConfig
	ws       config.WebSocketConfig
}

// NewLobbyWSHandler LobbyWSHandler 생성
func NewLobbyWSHandler(gw gateway.Gateway, presence config.PresenceConfig, ws config.WebSocketConfig) *LobbyWSHandler {
	return &LobbyWSHandler{gw: gw, presence: presence, ws: ws}
}

// wsConn serializes writes on one socket
type wsConn struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (w *wsConn) send(msg gateway.WireMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteJSON(msg)
}

func (w *wsConn) sendError(message string) {
	if err := w.send(gateway.WireMessage{Type: gateway.MsgError, Message: message}); err != nil {
		log.Printf("[LobbyWS] failed to send error: %v", err)
	}
}

// pingLoop 주기적 ping 전송 (프록시 idle timeout 방지)
func (w *wsConn) pingLoop(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := w.send(gateway.WireMessage{Type: gateway.MsgPing}); err != nil {
				return
			}
		}
	}
}

// HandlePresence registers the token's user on the lobby presence channel
// and forwards sync/join/leave. Incoming track messages are rate-limited
// per connection.
func (h *LobbyWSHandler) HandlePresence(c *websocket.Conn) {
	lobbyID := c.Params("lobbyId")
	userID, _ := c.Locals(auth.LocalUserID).(string)
	out := &wsConn{conn: c, timeout: h.ws.WriteTimeout}
	defer c.Close()

	if userID == "" {
		out.sendError("invalid session")
		return
	}
	if key := c.Query("key"); key != "" && key != userID {
		out.sendError("presence key must match the authenticated user")
		return
	}

	channelName := model.PresenceChannelName(lobbyID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	joinCtx, joinCancel := context.WithTimeout(ctx, h.ws.HandshakeTimeout)
	ch, err := h.gw.JoinPresence(joinCtx, channelName, userID)
	joinCancel()
	if err != nil {
		log.Printf("[LobbyWS %s] join failed for %s: %v", channelName, userID, err)
		out.sendError("presence unavailable")
		return
	}
	log.Printf("[LobbyWS %s] %s connected", channelName, userID)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for ev := range ch.Events() {
			if err := out.send(gateway.PresenceEventToWire(ev)); err != nil {
				log.Printf("[LobbyWS %s] write to %s failed: %v", channelName, userID, err)
				_ = c.Close()
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		out.pingLoop(done, h.ws.PingInterval)
	}()

	limiter := rate.NewLimiter(rate.Limit(h.presence.TrackRate), h.presence.TrackBurst)
	for {
		var msg gateway.WireMessage
		if err := c.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Type {
		case gateway.MsgTrack:
			if msg.Payload == nil {
				out.sendError("track requires a payload")
				continue
			}
			if !limiter.Allow() {
				continue
			}
			if err := ch.Track(ctx, *msg.Payload); err != nil {
				log.Printf("[LobbyWS %s] track for %s failed: %v", channelName, userID, err)
			}
		case gateway.MsgPing:
			_ = out.send(gateway.WireMessage{Type: gateway.MsgPong})
		case gateway.MsgPong:
		default:
			out.sendError("unknown message type")
		}
	}

	close(done)
	if err := ch.Close(); err != nil {
		log.Printf("[LobbyWS %s] close for %s failed: %v", channelName, userID, err)
	}
	wg.Wait()
	log.Printf("[LobbyWS %s] %s disconnected", channelName, userID)
}

// HandleChanges forwards the lobby's trace change feed. The feed is always
// scoped to the lobby in the path; a filter naming another lobby is
// rejected.
func (h *LobbyWSHandler) HandleChanges(c *websocket.Conn) {
	lobbyID := c.Params("lobbyId")
	out := &wsConn{conn: c, timeout: h.ws.WriteTimeout}
	defer c.Close()

	filter := model.LobbyFilter(lobbyID)
	if raw := c.Query("filter"); raw != "" {
		requested, ok := model.ParseFilter(raw)
		if !ok || requested != filter {
			out.sendError("filter must be " + filter.String())
			return
		}
	}

	channelName := model.TracesChannelName(lobbyID)
	ctx, cancel := context.WithTimeout(context.Background(), h.ws.HandshakeTimeout)
	feed, err := h.gw.SubscribeChanges(ctx, channelName, filter)
	cancel()
	if err != nil {
		log.Printf("[LobbyWS %s] subscribe failed: %v", channelName, err)
		out.sendError("change feed unavailable")
		return
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for ev := range feed.Events() {
			event := ev
			if err := out.send(gateway.WireMessage{Type: gateway.MsgChange, Event: &event}); err != nil {
				_ = c.Close()
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		out.pingLoop(done, h.ws.PingInterval)
	}()

	// reads only detect disconnects and answer pings
	for {
		var msg gateway.WireMessage
		if err := c.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type == gateway.MsgPing {
			_ = out.send(gateway.WireMessage{Type: gateway.MsgPong})
		}
	}

	close(done)
	if err := feed.Close(); err != nil {
		log.Printf("[LobbyWS %s] close failed: %v", channelName, err)
	}
	wg.Wait()
}
