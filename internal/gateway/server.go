package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"switchboard/internal/call"
	"switchboard/internal/lifecycle"
	"switchboard/internal/notify"
	"switchboard/internal/util"
)

const (
	EventConnected    = "connected"
	EventConnectError = "connect_error"
	EventAck          = "ack"

	defaultHandshakeTimeout = 10 * time.Second
	maxCloseReason          = 123
)

// Pinger is a dependency checked by /api/ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Options struct {
	Controller       *lifecycle.Controller
	Calls            *call.Manager
	Hub              *Hub
	HandshakeTimeout time.Duration
	Checks           map[string]Pinger
	OriginPatterns   []string
	Logger           *slog.Logger
}

// Server is the websocket edge of the presence service.
type Server struct {
	controller       *lifecycle.Controller
	calls            *call.Manager
	hub              *Hub
	handshakeTimeout time.Duration
	checks           map[string]Pinger
	originPatterns   []string
	logger           *slog.Logger

	// base is cancelled by Shutdown and ends every websocket handler.
	base     context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closing  bool
	handlers sync.WaitGroup
}

func NewServer(opts Options) (*Server, error) {
	if opts.Controller == nil || opts.Calls == nil || opts.Hub == nil {
		return nil, errors.New("gateway: controller, calls and hub are required")
	}
	s := &Server{
		controller:       opts.Controller,
		calls:            opts.Calls,
		hub:              opts.Hub,
		handshakeTimeout: opts.HandshakeTimeout,
		checks:           opts.Checks,
		originPatterns:   opts.OriginPatterns,
		logger:           opts.Logger,
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = defaultHandshakeTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.base, s.stop = context.WithCancel(context.Background())
	return s, nil
}

// Shutdown ends every open websocket and waits until their disconnect
// hooks have run. http.Server.Shutdown does not track hijacked
// connections, so callers run this after it. New upgrades are refused.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for websocket handlers: %w", ctx.Err())
	}
}

// track registers a websocket handler unless the server is shutting down.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.handlers.Add(1)
	return true
}

func (s *Server) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.route))
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/health" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.URL.Path == "/api/ready" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		s.handleReady(w, r)
	case r.URL.Path == "/ws" && r.Method == http.MethodGet:
		s.handleWebsocket(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":          status == "ready",
		"status":      status,
		"checks":      checks,
		"connections": s.hub.Len(),
	})
}

// hello is the first frame a client sends.
type hello struct {
	Auth lifecycle.Handshake `json:"auth"`
}

// request is a client to server message after admission.
type request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type ack struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	OK        bool   `json:"ok"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down", nil)
		return
	}
	defer s.handlers.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Warn("Websocket accept failed", "error", err)
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(s.base, cancel)()

	hs, err := s.readHello(ctx, ws)
	if err != nil {
		s.logger.Debug("Handshake failed", "error", err)
		ws.Close(websocket.StatusPolicyViolation, "handshake required")
		return
	}

	c := newClient(util.NewID("conn"), hs, s.hub)
	s.hub.add(c)
	defer func() {
		s.hub.remove(c)
		c.disconnect(context.WithoutCancel(ctx))
	}()

	adm, err := s.controller.Admit(ctx, c)
	var rej *lifecycle.Rejection
	if errors.As(err, &rej) {
		_ = wsjson.Write(ctx, ws, frame{Event: EventConnectError, Payload: map[string]string{"message": rej.Reason}})
		ws.Close(websocket.StatusPolicyViolation, truncate(rej.Reason, maxCloseReason))
		return
	}
	if err != nil {
		s.logger.Warn("Connection admitted without presence", "connection_id", c.id, "error", err)
	}
	if adm == nil {
		ws.Close(websocket.StatusInternalError, "admission failed")
		return
	}

	if err := wsjson.Write(ctx, ws, frame{Event: EventConnected, Payload: map[string]any{
		"connection_id": c.id,
		"user_id":       adm.Profile.ID,
		"registered":    adm.Registered,
		"was_offline":   adm.WasOffline,
	}}); err != nil {
		return
	}

	go s.writeLoop(ctx, cancel, ws, c)

	for {
		var req request
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Debug("Websocket read failed", "connection_id", c.id, "error", err)
			}
			return
		}
		res := s.dispatch(ctx, c, adm, req)
		data, err := json.Marshal(frame{Event: EventAck, Payload: res})
		if err != nil {
			continue
		}
		if !s.hub.send(c, data) {
			s.logger.Warn("Send buffer full, dropping ack", "connection_id", c.id, "type", req.Type)
		}
	}
}

func (s *Server) readHello(ctx context.Context, ws *websocket.Conn) (lifecycle.Handshake, error) {
	ctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()
	var h hello
	if err := wsjson.Read(ctx, ws, &h); err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if h.Auth == nil {
		h.Auth = lifecycle.Handshake{}
	}
	return h.Auth, nil
}

// writeLoop drains the client's queue until it is closed or ctx ends.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, c *client) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, adm *lifecycle.Admission, req request) ack {
	out := ack{Type: req.Type, RequestID: req.RequestID}
	fail := func(err error) ack {
		out.Error = err.Error()
		return out
	}
	var body struct {
		UserID string `json:"user_id"`
		RoomID string `json:"room_id"`
	}
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return fail(fmt.Errorf("decode data: %w", err))
		}
	}

	switch req.Type {
	case "presence:subscribe":
		if body.UserID == "" {
			return fail(errors.New("user_id is required"))
		}
		c.Join(notify.UserPresenceGroup(body.UserID))
	case "call:join":
		res, err := s.calls.Join(ctx, body.RoomID, adm.Profile.ID, c.id)
		if err != nil {
			return fail(err)
		}
		out.Result = map[string]bool{"joined": res != nil && res.Joined}
	case "call:leave":
		res, err := s.controller.LeaveCall(ctx, body.RoomID, c.id)
		if err != nil {
			return fail(err)
		}
		out.Result = map[string]bool{"left": res != nil, "call_ended": res != nil && res.CallEnded}
	default:
		return fail(fmt.Errorf("unknown message type %q", req.Type))
	}
	out.OK = true
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
