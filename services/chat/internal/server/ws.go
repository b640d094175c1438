package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"pairchat/internal/util"
	"pairchat/pkg/domain"
	"pairchat/services/chat/internal/app"
)

const (
	defaultSendBuffer   = 64
	defaultEventTimeout = 30 * time.Second
	writeTimeout        = 10 * time.Second
	pingInterval        = 25 * time.Second
	pingTimeout         = 5 * time.Second
	// Room for the JSON envelope around a base64 attachment.
	frameOverhead = 64 << 10
)

// wsConn is one websocket client. Events are queued on send and written by
// writeLoop; the channel is never closed so Send is safe from any goroutine.
type wsConn struct {
	id     string
	user   domain.ID
	conn   *websocket.Conn
	send   chan domain.Event
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *wsConn) ID() string { return c.id }

// Send queues ev without blocking. Events for a full or closed connection are dropped.
func (c *wsConn) Send(ev domain.Event) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- ev:
		return true
	default:
		c.log.Warn("ws_event_dropped", "event", ev.Type, "reason", "send buffer full")
		return false
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.conn, ev)
			cancel()
			if err != nil {
				c.log.Debug("ws write failed", "err", err)
				c.cancel()
				return
			}
		}
	}
}

func (c *wsConn) keepAliveLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, pingTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

// handleWS authenticates, upgrades and then serves one client until it disconnects.
// Browsers cannot set headers on websocket requests, so ?token= is accepted too.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	user, err := s.tokenVerifier.VerifyUser(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.originHosts,
		InsecureSkipVerify: s.skipVerify,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(s.app.MaxFileBytes()*4/3 + frameOverhead)

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		id:     uuid.NewString(),
		user:   user,
		conn:   conn,
		send:   make(chan domain.Event, s.sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	c.log = util.LoggerFromContext(r.Context()).With("conn_id", c.id, "user_id", user)
	c.log.Info("ws_connected")

	go c.writeLoop()
	go c.keepAliveLoop()
	defer func() {
		s.app.Leave(c.id)
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		c.log.Info("ws_disconnected")
	}()

	peer := app.Peer{Conn: c, User: user}
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			c.Send(domain.ErrorEvent("frames must be JSON text"))
			continue
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.Send(domain.ErrorEvent("malformed frame"))
			continue
		}
		s.handleEvent(ctx, c, peer, env)
	}
}

// handleEvent runs one event to completion. Failures, including panics, are
// reported to this connection only.
func (s *Server) handleEvent(ctx context.Context, c *wsConn, peer app.Peer, env domain.Envelope) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("ws_event_panic", "event", env.Type, "panic", fmt.Sprint(rec))
			c.Send(domain.ErrorEvent("internal error"))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.eventTimeout)
	defer cancel()
	if err := s.app.Dispatch(ctx, peer, env); err != nil {
		c.log.Warn("ws_event_failed", "event", env.Type, "err", err, "duration_ms", time.Since(start).Milliseconds())
		c.Send(domain.ErrorEvent(app.PublicReason(err)))
		return
	}
	c.log.Debug("ws_event", "event", env.Type, "duration_ms", time.Since(start).Milliseconds())
}

// originPatterns converts allowed origins into host patterns for the
// websocket origin check. A "*" entry disables the check.
func originPatterns(origins []string, skip bool) ([]string, bool) {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			return nil, true
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, origin)
	}
	return hosts, skip
}
