package wsserver

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"companiond/internal/config"
)

// writeDeadline is the maximum time allowed for a single WebSocket write to
// complete before the connection is considered dead.
const writeDeadline = 5 * time.Second

// readDeadline is the maximum time the server waits for read activity
// (including pong responses) before considering the connection dead.
const readDeadline = 90 * time.Second

// pingInterval is the interval between server-initiated WebSocket pings.
const pingInterval = 30 * time.Second

// maxReadMessageSize limits incoming WebSocket message size.
const maxReadMessageSize = 64 * 1024

// unauthenticatedTimeout closes a connection that never completes the
// authenticate handshake (§5 Cancellation & timeouts).
const unauthenticatedTimeout = 30 * time.Second

// clientSendBacklog bounds each client's outbound queue. Once full, the
// oldest unsent frame is dropped in favor of the new one (§4.5: "a slow
// client's outbound queue may drop the oldest unsent frame once it exceeds
// a fixed high-water mark").
const clientSendBacklog = 128

var wsUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandlerFunc is registered by a component (watcher, work-group manager,
// tmux controller, notification store, ...) to answer one inbound message
// type. Handlers decode payload into their own closed type and return
// ErrInvalidPayload-style errors on a shape mismatch rather than panicking.
type HandlerFunc func(ctx context.Context, c *Client, payload json.RawMessage) (any, error)

// ActiveSessionAccessor exposes the watcher's process-wide "active
// conversation" concession for subscribe frames that omit a sessionId.
type ActiveSessionAccessor interface {
	ActiveSession() string
}

// Hub owns every listener, every connected client, and the table of
// registered message handlers. It never imports the watcher, work-group
// manager, or any other component by concrete type — callers wire those in
// via Handle and an ActiveSessionAccessor, breaking the cycle described in
// §9 design notes.
type Hub struct {
	cfgPath string

	mu        sync.RWMutex
	cfg       config.Config
	listeners map[int]*listenerState
	handlers  map[string]HandlerFunc
	active    ActiveSessionAccessor
}

type listenerState struct {
	port  int
	mu    sync.RWMutex
	token string
	tls   *config.TLSConfig

	ln      net.Listener
	server  *http.Server
	clients sync.Map // clientID -> *Client
}

// Client is one authenticated (or authenticating) WebSocket connection.
type Client struct {
	ID           string
	listenerPort int
	conn         *websocket.Conn

	authenticated atomic.Bool

	subMu      sync.RWMutex
	subscribed bool
	noFilter   bool
	sessionID  string

	send      chan OutboundFrame
	closeOnce sync.Once
	closed    chan struct{}
}

// NewHub constructs a Hub from the daemon's configuration. cfgPath is the
// file rotate_token rewrites atomically; active may be nil (subscribe
// frames that omit sessionId then filter on nothing).
func NewHub(cfg config.Config, cfgPath string, active ActiveSessionAccessor) *Hub {
	h := &Hub{
		cfgPath:   cfgPath,
		cfg:       cfg,
		listeners: make(map[int]*listenerState),
		handlers:  make(map[string]HandlerFunc),
		active:    active,
	}
	for _, l := range cfg.Listeners {
		h.listeners[l.Port] = &listenerState{port: l.Port, token: l.Token, tls: l.TLS}
	}
	return h
}

// Handle registers fn to answer every inbound frame of the given type.
// Handlers are normally registered before Start; the handler table is
// guarded by h.mu, so registering while connections are running is also safe.
func (h *Hub) Handle(msgType string, fn HandlerFunc) {
	h.mu.Lock()
	h.handlers[msgType] = fn
	h.mu.Unlock()
}

// Start opens every configured listener and begins serving WebSocket
// connections. Each listener runs its own http.Server; ctx cancellation
// propagates to in-flight request handlers via BaseContext.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.RLock()
	listeners := make([]*listenerState, 0, len(h.listeners))
	for _, ls := range h.listeners {
		listeners = append(listeners, ls)
	}
	h.mu.RUnlock()

	for _, ls := range listeners {
		if err := h.startListener(ctx, ls); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) startListener(ctx context.Context, ls *listenerState) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", ls.port))
	if err != nil {
		return fmt.Errorf("wsserver: listen on port %d: %w", ls.port, err)
	}
	ls.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		h.handleWS(ctx, ls, w, r)
	})

	server := &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	ls.server = server

	if ls.tls != nil && ls.tls.Enabled {
		cert, loadErr := tls.LoadX509KeyPair(ls.tls.CertPath, ls.tls.KeyPath)
		if loadErr != nil {
			return fmt.Errorf("wsserver: load TLS cert for port %d: %w", ls.port, loadErr)
		}
		server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		go func() {
			if serveErr := server.ServeTLS(ln, "", ""); serveErr != nil && serveErr != http.ErrServerClosed {
				slog.Error("[DEBUG-WS] listener error", "port", ls.port, "error", serveErr)
			}
		}()
	} else {
		go func() {
			if serveErr := server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
				slog.Error("[DEBUG-WS] listener error", "port", ls.port, "error", serveErr)
			}
		}()
	}

	slog.Info("[DEBUG-WS] listener started", "port", ls.port)
	return nil
}

// ListenerAddr returns the bound network address for the listener
// configured with the given port ("0" resolves to the OS-assigned port
// once Start has run), and whether that listener exists and has started.
func (h *Hub) ListenerAddr(configuredPort int) (string, bool) {
	h.mu.RLock()
	ls, ok := h.listeners[configuredPort]
	h.mu.RUnlock()
	if !ok || ls.ln == nil {
		return "", false
	}
	return ls.ln.Addr().String(), true
}

// Stop closes every listener and every active client connection.
func (h *Hub) Stop() error {
	h.mu.RLock()
	listeners := make([]*listenerState, 0, len(h.listeners))
	for _, ls := range h.listeners {
		listeners = append(listeners, ls)
	}
	h.mu.RUnlock()

	var firstErr error
	for _, ls := range listeners {
		ls.clients.Range(func(_, v any) bool {
			v.(*Client).close("hub shutdown")
			return true
		})
		if ls.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := ls.server.Shutdown(shutdownCtx); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("wsserver: shutdown port %d: %w", ls.port, err)
			}
			cancel()
		}
	}
	return firstErr
}

func (h *Hub) handleWS(ctx context.Context, ls *listenerState, w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[DEBUG-WS] upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxReadMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		_ = conn.Close()
		return
	}

	client := &Client{
		ID:           uuid.NewString(),
		listenerPort: ls.port,
		conn:         conn,
		send:         make(chan OutboundFrame, clientSendBacklog),
		closed:       make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	ls.clients.Store(client.ID, client)
	slog.Info("[DEBUG-WS] client connected", "clientId", client.ID, "port", ls.port)

	client.enqueue(OutboundFrame{Type: typeConnected, Success: boolPtr(true), Payload: map[string]string{"clientId": client.ID}})

	go client.writePump()

	authTimer := time.AfterFunc(unauthenticatedTimeout, func() {
		if !client.authenticated.Load() {
			slog.Info("[DEBUG-WS] closing unauthenticated connection", "clientId", client.ID)
			client.close("authenticate timeout")
		}
	})
	defer authTimer.Stop()

	h.readPump(ctx, ls, client)

	ls.clients.Delete(client.ID)
	client.close("read pump exit")
	slog.Info("[DEBUG-WS] client disconnected", "clientId", client.ID)
}

func (h *Hub) readPump(ctx context.Context, ls *listenerState, client *Client) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[DEBUG-PANIC] wsserver readPump recovered", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	for {
		msgType, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("[DEBUG-WS] read error", "clientId", client.ID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			client.enqueue(OutboundFrame{Type: typeError, Error: "Invalid JSON message"})
			continue
		}
		h.dispatch(ctx, ls, client, frame)
	}
}

func (h *Hub) dispatch(ctx context.Context, ls *listenerState, client *Client, frame InboundFrame) {
	if !client.authenticated.Load() && frame.Type != typeAuthenticate {
		if frame.RequestID != "" {
			client.enqueue(errResponse(frame.RequestID, ErrNotAuthenticated))
		} else {
			client.enqueue(OutboundFrame{Type: typeError, Error: ErrNotAuthenticated})
		}
		return
	}

	switch frame.Type {
	case typeAuthenticate:
		h.handleAuthenticate(ls, client, frame)
	case typeSubscribe:
		h.handleSubscribe(client, frame)
	case typeUnsubscribe:
		h.handleUnsubscribe(client, frame)
	case typeRotateToken:
		h.handleRotateToken(ls, client, frame)
	default:
		h.mu.RLock()
		fn, ok := h.handlers[frame.Type]
		h.mu.RUnlock()
		if !ok {
			client.enqueue(errResponse(frame.RequestID, fmt.Sprintf("Unknown message type: %s", frame.Type)))
			return
		}
		result, err := fn(ctx, client, frame.Payload)
		if err != nil {
			client.enqueue(errResponse(frame.RequestID, err.Error()))
			return
		}
		client.enqueue(okResponse(frame.RequestID, result))
	}
}

type authenticatePayload struct {
	DeviceID string `json:"deviceId"`
}

func (h *Hub) handleAuthenticate(ls *listenerState, client *Client, frame InboundFrame) {
	ls.mu.RLock()
	expected := ls.token
	ls.mu.RUnlock()

	ok := expected == "" || frame.Token == expected
	if !ok {
		client.enqueue(OutboundFrame{Type: typeAuthenticated, RequestID: frame.RequestID, Success: boolPtr(false), Error: ErrInvalidToken})
		return
	}
	client.authenticated.Store(true)
	client.enqueue(OutboundFrame{Type: typeAuthenticated, RequestID: frame.RequestID, Success: boolPtr(true)})
}

type subscribePayload struct {
	SessionID string `json:"sessionId"`
}

func (h *Hub) handleSubscribe(client *Client, frame InboundFrame) {
	var payload subscribePayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			client.enqueue(errResponse(frame.RequestID, ErrInvalidPayload))
			return
		}
	}

	client.subMu.Lock()
	client.subscribed = true
	if payload.SessionID != "" {
		client.noFilter = false
		client.sessionID = payload.SessionID
	} else {
		client.noFilter = true
		if h.active != nil {
			client.sessionID = h.active.ActiveSession()
		}
	}
	client.subMu.Unlock()

	client.enqueue(OutboundFrame{Type: typeSubscribed, RequestID: frame.RequestID, Success: boolPtr(true)})
}

func (h *Hub) handleUnsubscribe(client *Client, frame InboundFrame) {
	client.subMu.Lock()
	client.subscribed = false
	client.subMu.Unlock()
	client.enqueue(OutboundFrame{Type: typeSubscribed, RequestID: frame.RequestID, Success: boolPtr(false)})
}

func (h *Hub) handleRotateToken(ls *listenerState, client *Client, frame InboundFrame) {
	newToken, err := generateToken()
	if err != nil {
		client.enqueue(errResponse(frame.RequestID, "failed to generate token"))
		return
	}

	ls.mu.Lock()
	ls.token = newToken
	ls.mu.Unlock()

	h.mu.Lock()
	for i := range h.cfg.Listeners {
		if h.cfg.Listeners[i].Port == ls.port {
			h.cfg.Listeners[i].Token = newToken
		}
	}
	cfgCopy := config.Clone(h.cfg)
	h.mu.Unlock()

	if _, saveErr := config.Save(h.cfgPath, cfgCopy); saveErr != nil {
		slog.Warn("[WARN-WS] failed to persist rotated token", "port", ls.port, "error", saveErr)
	}

	ls.clients.Range(func(_, v any) bool {
		other := v.(*Client)
		if other.ID == client.ID {
			return true
		}
		other.authenticated.Store(false)
		other.enqueue(OutboundFrame{Type: typeInvalidated})
		return true
	})

	client.enqueue(OutboundFrame{Type: typeTokenRotated, RequestID: frame.RequestID, Success: boolPtr(true), Payload: map[string]string{"token": newToken}})
}

func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Broadcast fans a frame out to every subscribed client across every
// listener whose subscription filter matches sessionID. Non-blocking per
// client: a full outbound queue drops its oldest frame.
func (h *Hub) Broadcast(msgType, sessionID string, payload any) {
	frame := broadcastFrame(msgType, sessionID, payload)

	h.mu.RLock()
	listeners := make([]*listenerState, 0, len(h.listeners))
	for _, ls := range h.listeners {
		listeners = append(listeners, ls)
	}
	h.mu.RUnlock()

	for _, ls := range listeners {
		ls.clients.Range(func(_, v any) bool {
			c := v.(*Client)
			if c.authenticated.Load() && c.wantsSession(sessionID) {
				c.enqueue(frame)
			}
			return true
		})
	}
}

func (c *Client) wantsSession(sessionID string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if !c.subscribed {
		return false
	}
	return c.noFilter || c.sessionID == sessionID
}

func (c *Client) enqueue(f OutboundFrame) {
	select {
	case c.send <- f:
		return
	default:
	}
	// Backlog full: drop the oldest queued frame, then retry once.
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- f:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[DEBUG-PANIC] wsserver writePump recovered", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	for {
		select {
		case <-c.closed:
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.writeJSON(frame); err != nil {
				slog.Debug("[DEBUG-WS] write failed, closing connection", "clientId", c.ID, "error", err)
				c.close("write failure")
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				slog.Debug("[DEBUG-WS] ping failed, connection likely dead", "clientId", c.ID, "error", err)
				c.close("ping failure")
				return
			}
		}
	}
}

func (c *Client) writeJSON(frame OutboundFrame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

func (c *Client) writePing() error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// close is idempotent: safe to call from the read pump, the write pump, an
// auth timeout, or Stop, in any order.
func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.conn.Close(); err != nil {
			slog.Debug("[DEBUG-WS] connection close", "clientId", c.ID, "reason", reason, "error", err)
		}
	})
}
