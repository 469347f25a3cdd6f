// Package wsgateway implements the WebSocket control protocol: upgrade
// authentication, typed message parsing, and routing into the session
// registry. Binary frames (server -> client only) carry terminal output;
// every other message is JSON.
package wsgateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/claude-code-web/agentmux/auth"
	"github.com/claude-code-web/agentmux/pty"
	"github.com/claude-code-web/agentmux/session"
)

// MaxPayloadBytes is the WebSocket upgrade's maxPayload setting (§6).
const MaxPayloadBytes = 8 * 1024 * 1024

// activityThrottle bounds session_activity delivery to non-joined
// connections to at most once per second per session.
const activityThrottle = time.Second

type clientState struct {
	conn *wsConn

	mu              sync.Mutex
	joinedSessionID string
}

// Gateway owns every live WebSocket connection and dispatches control
// messages into the registry.
type Gateway struct {
	reg      *session.Registry
	authMgr  *auth.Manager
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*clientState

	activityMu sync.Mutex
	lastActivitySent map[string]time.Time
}

// SetRegistry wires the registry this gateway dispatches into. Must be
// called once, before ServeHTTP is reachable.
func (g *Gateway) SetRegistry(reg *session.Registry) {
	g.reg = reg
}

// New returns a Gateway authenticating upgrades with authMgr. The registry
// is wired in separately via SetRegistry, since the registry's own
// constructor takes the Gateway as its Broadcaster: the two must be
// constructed in sequence to break that cycle.
func New(authMgr *auth.Manager) *Gateway {
	return &Gateway{
		authMgr: authMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients:          make(map[string]*clientState),
		lastActivitySent: make(map[string]time.Time),
	}
}

// envelope is the JSON control-message shape; unused fields are zero for
// message types that don't carry them.
type envelope struct {
	Type       string          `json:"type"`
	Name       string          `json:"name,omitempty"`
	WorkingDir string          `json:"workingDir,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Data       string          `json:"data,omitempty"`
	Cols       uint16          `json:"cols,omitempty"`
	Rows       uint16          `json:"rows,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
	Sessions   []prioritySpec  `json:"sessions,omitempty"`
	Action     string          `json:"action,omitempty"`
}

type prioritySpec struct {
	SessionID string `json:"sessionId"`
	Priority  string `json:"priority"`
}

type startOptions struct {
	DangerouslySkipPermissions bool `json:"dangerouslySkipPermissions"`
}

// ServeHTTP upgrades the connection after authenticating, then runs the
// read loop until the socket closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.authMgr.ValidateRequest(r); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(MaxPayloadBytes)
	defer ws.Close()

	id := uuid.New().String()
	cs := &clientState{conn: newWSConn(id, ws)}

	g.mu.Lock()
	g.clients[id] = cs
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.clients, id)
		g.mu.Unlock()
		cs.mu.Lock()
		joined := cs.joinedSessionID
		cs.mu.Unlock()
		if joined != "" {
			g.reg.Leave(joined, id)
		}
		cs.conn.Close()
	}()

	cs.conn.WriteJSON(map[string]any{"type": "connected", "connectionId": id})

	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		g.joinSession(cs, sid)
	}

	g.readLoop(cs)
}

func (g *Gateway) readLoop(cs *clientState) {
	for {
		msgType, data, err := cs.conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.sendError(cs, "malformed message")
			continue
		}
		g.dispatch(cs, env)
	}
}

func (g *Gateway) sendError(cs *clientState, msg string) {
	cs.conn.WriteJSON(map[string]any{"type": "error", "message": msg})
}

func (g *Gateway) dispatch(cs *clientState, env envelope) {
	switch {
	case env.Type == "create_session":
		g.handleCreate(cs, env)
	case env.Type == "join_session":
		g.handleJoin(cs, env)
	case env.Type == "leave_session":
		g.handleLeave(cs)
	case strings.HasPrefix(env.Type, "start_"):
		g.handleStart(cs, env)
	case env.Type == "input":
		g.handleInput(cs, env)
	case env.Type == "resize":
		g.handleResize(cs, env)
	case env.Type == "stop":
		g.handleStop(cs)
	case env.Type == "set_priority":
		g.handleSetPriority(cs, env)
	case env.Type == "flow_control":
		g.handleFlowControl(cs, env)
	case env.Type == "ping":
		cs.conn.WriteJSON(map[string]any{"type": "pong"})
	default:
		// Unknown types are ignored in non-debug mode.
	}
}

func (g *Gateway) currentSession(cs *clientState) string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.joinedSessionID
}

func (g *Gateway) handleCreate(cs *clientState, env envelope) {
	s, err := g.reg.Create(env.Name, env.WorkingDir)
	if err != nil {
		g.sendError(cs, err.Error())
		return
	}
	g.joinSession(cs, s.ID)
	snap := s.Snapshot()
	cs.conn.WriteJSON(map[string]any{
		"type":       "session_created",
		"sessionId":  snap.ID,
		"name":       snap.Name,
		"workingDir": snap.WorkingDir,
	})
}

func (g *Gateway) joinSession(cs *clientState, sessionID string) {
	cs.mu.Lock()
	prior := cs.joinedSessionID
	cs.mu.Unlock()
	if prior != "" {
		g.reg.Leave(prior, cs.conn.ID())
	}

	replay, err := g.reg.Join(sessionID, cs.conn)
	if err != nil {
		g.sendError(cs, err.Error())
		return
	}
	cs.mu.Lock()
	cs.joinedSessionID = sessionID
	cs.mu.Unlock()

	cs.conn.WriteJSON(map[string]any{
		"type":      "session_joined",
		"sessionId": sessionID,
		"output":    replay,
	})
}

func (g *Gateway) handleJoin(cs *clientState, env envelope) {
	if env.SessionID == "" {
		g.sendError(cs, "missing sessionId")
		return
	}
	g.joinSession(cs, env.SessionID)
}

func (g *Gateway) handleLeave(cs *clientState) {
	prior := g.currentSession(cs)
	if prior == "" {
		g.sendError(cs, "not joined to any session")
		return
	}
	g.reg.Leave(prior, cs.conn.ID())
	cs.mu.Lock()
	cs.joinedSessionID = ""
	cs.mu.Unlock()
	cs.conn.WriteJSON(map[string]any{"type": "session_left", "sessionId": prior})
}

func (g *Gateway) handleStart(cs *clientState, env envelope) {
	sessionID := g.currentSession(cs)
	if sessionID == "" {
		g.sendError(cs, "not joined to any session")
		return
	}
	kind := pty.AgentKind(strings.TrimPrefix(env.Type, "start_"))

	var opts startOptions
	if len(env.Options) > 0 {
		json.Unmarshal(env.Options, &opts)
	}
	spawnOpts := pty.SpawnOptions{Cols: env.Cols, Rows: env.Rows}
	if spawnOpts.Cols == 0 {
		spawnOpts.Cols = 80
	}
	if spawnOpts.Rows == 0 {
		spawnOpts.Rows = 24
	}

	if err := g.reg.Start(sessionID, kind, spawnOpts, opts.DangerouslySkipPermissions); err != nil {
		g.sendError(cs, err.Error())
		return
	}
	g.BroadcastToSession(sessionID, map[string]any{
		"type":      string(kind) + "_started",
		"sessionId": sessionID,
	})
}

func (g *Gateway) handleInput(cs *clientState, env envelope) {
	sessionID := g.currentSession(cs)
	if sessionID == "" {
		return
	}
	if err := g.reg.Input(sessionID, []byte(env.Data)); err != nil {
		g.sendError(cs, err.Error())
	}
}

func (g *Gateway) handleResize(cs *clientState, env envelope) {
	sessionID := g.currentSession(cs)
	if sessionID == "" {
		return
	}
	g.reg.Resize(sessionID, env.Cols, env.Rows)
}

func (g *Gateway) handleStop(cs *clientState) {
	sessionID := g.currentSession(cs)
	if sessionID == "" {
		return
	}
	s, err := g.reg.Get(sessionID)
	agent := "terminal"
	if err == nil {
		if snap := s.Snapshot(); snap.Agent != "" {
			agent = snap.Agent
		}
	}
	if err := g.reg.StopPTY(sessionID); err != nil {
		g.sendError(cs, err.Error())
		return
	}
	g.BroadcastToSession(sessionID, map[string]any{
		"type":      agent + "_stopped",
		"sessionId": sessionID,
	})
}

func (g *Gateway) handleSetPriority(cs *clientState, env envelope) {
	for _, spec := range env.Sessions {
		if err := g.reg.SetPriority(spec.SessionID, session.Priority(spec.Priority)); err != nil {
			g.sendError(cs, err.Error())
		}
	}
}

func (g *Gateway) handleFlowControl(cs *clientState, env envelope) {
	sessionID := g.currentSession(cs)
	if sessionID == "" {
		return
	}
	pause := env.Action == "pause"
	if !pause && env.Action != "resume" {
		g.sendError(cs, "unknown flow_control action")
		return
	}
	g.reg.SetFlowControl(sessionID, cs.conn.ID(), pause)
}

// BroadcastToSession implements session.Broadcaster: send v to every
// connection currently joined to sessionID.
func (g *Gateway) BroadcastToSession(sessionID string, v any) {
	g.mu.Lock()
	targets := make([]*clientState, 0)
	for _, cs := range g.clients {
		cs.mu.Lock()
		joined := cs.joinedSessionID == sessionID
		cs.mu.Unlock()
		if joined {
			targets = append(targets, cs)
		}
	}
	g.mu.Unlock()

	for _, cs := range targets {
		cs.conn.WriteJSON(v)
	}
}

// NotifySessionActivity implements session.Broadcaster: pushes a
// throttled session_activity event to every connection NOT joined to
// sessionID, so UIs can show background-session indicators.
func (g *Gateway) NotifySessionActivity(sessionID string) {
	g.activityMu.Lock()
	last, ok := g.lastActivitySent[sessionID]
	if ok && time.Since(last) < activityThrottle {
		g.activityMu.Unlock()
		return
	}
	g.lastActivitySent[sessionID] = time.Now()
	g.activityMu.Unlock()

	g.mu.Lock()
	targets := make([]*clientState, 0)
	for _, cs := range g.clients {
		cs.mu.Lock()
		joined := cs.joinedSessionID == sessionID
		cs.mu.Unlock()
		if !joined {
			targets = append(targets, cs)
		}
	}
	g.mu.Unlock()

	msg := map[string]any{"type": "session_activity", "sessionId": sessionID}
	for _, cs := range targets {
		cs.conn.WriteJSON(msg)
	}
}

// BroadcastAll implements restart.Notifier: send v to every connected
// client regardless of session membership.
func (g *Gateway) BroadcastAll(v any) {
	g.mu.Lock()
	targets := make([]*clientState, 0, len(g.clients))
	for _, cs := range g.clients {
		targets = append(targets, cs)
	}
	g.mu.Unlock()

	for _, cs := range targets {
		cs.conn.WriteJSON(v)
	}
}

// ErrUnauthorized is returned by helpers that need to distinguish an auth
// failure from other errors.
var ErrUnauthorized = errors.New("unauthorized")
