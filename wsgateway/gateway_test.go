package wsgateway

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/claude-code-web/agentmux/auth"
	"github.com/claude-code-web/agentmux/pathguard"
	"github.com/claude-code-web/agentmux/pty"
	"github.com/claude-code-web/agentmux/session"
)

func newTestServer(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	root := t.TempDir()
	guard, err := pathguard.New(root)
	if err != nil {
		t.Fatalf("pathguard.New() error: %v", err)
	}
	store := session.NewStore(filepath.Join(root, "sessions.json"))
	bridge := pty.NewBridge()
	tools := pty.NewRegistry(nil)
	authMgr := auth.NewManager("tok", nil, nil, "", false)

	gw := New(authMgr)
	reg := session.NewRegistry(store, guard, bridge, tools, session.DefaultRegistryConfig(), gw)
	gw.SetRegistry(reg)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return gw, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=tok"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSONMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error: %v", err)
	}
	return msg
}

func TestGateway_ServeHTTP_RejectsMissingToken(t *testing.T) {
	_, srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() succeeded, want rejection for a missing token")
	}
	if resp == nil || resp.StatusCode != 401 {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		t.Fatalf("status = %d, want 401", code)
	}
}

func TestGateway_ConnectSendsConnectedEnvelope(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, srv)

	msg := readJSONMessage(t, conn)
	if msg["type"] != "connected" {
		t.Fatalf("first message type = %v, want connected", msg["type"])
	}
	if msg["connectionId"] == "" || msg["connectionId"] == nil {
		t.Fatal("connected envelope missing connectionId")
	}
}

func TestGateway_CreateSessionThenJoinReceivesReplay(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, srv)
	readJSONMessage(t, conn) // connected

	if err := conn.WriteJSON(map[string]any{"type": "create_session", "name": "demo"}); err != nil {
		t.Fatalf("WriteJSON(create_session) error: %v", err)
	}

	joined := readJSONMessage(t, conn)
	if joined["type"] != "session_joined" {
		t.Fatalf("message type = %v, want session_joined (auto-join on create)", joined["type"])
	}
	if _, ok := joined["output"]; !ok {
		t.Fatalf("session_joined = %v, missing the replay output field", joined)
	}

	created := readJSONMessage(t, conn)
	if created["type"] != "session_created" {
		t.Fatalf("message type = %v, want session_created", created["type"])
	}
	if created["name"] != "demo" {
		t.Fatalf("name = %v, want demo", created["name"])
	}
}

func TestGateway_PingReturnsPong(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, srv)
	readJSONMessage(t, conn) // connected

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON(ping) error: %v", err)
	}
	msg := readJSONMessage(t, conn)
	if msg["type"] != "pong" {
		t.Fatalf("message type = %v, want pong", msg["type"])
	}
}

func TestGateway_LeaveSessionWithoutJoinSendsError(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, srv)
	readJSONMessage(t, conn) // connected

	if err := conn.WriteJSON(map[string]any{"type": "leave_session"}); err != nil {
		t.Fatalf("WriteJSON(leave_session) error: %v", err)
	}
	msg := readJSONMessage(t, conn)
	if msg["type"] != "error" {
		t.Fatalf("message type = %v, want error", msg["type"])
	}
}

func TestGateway_StartTerminalAndInputProducesBinaryOutput(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, srv)
	readJSONMessage(t, conn) // connected

	if err := conn.WriteJSON(map[string]any{"type": "create_session"}); err != nil {
		t.Fatalf("WriteJSON(create_session) error: %v", err)
	}
	readJSONMessage(t, conn) // session_joined
	readJSONMessage(t, conn) // session_created

	if err := conn.WriteJSON(map[string]any{"type": "start_terminal", "cols": 80, "rows": 24}); err != nil {
		t.Fatalf("WriteJSON(start_terminal) error: %v", err)
	}
	started := readJSONMessage(t, conn)
	if started["type"] != "terminal_started" {
		t.Fatalf("message type = %v, want terminal_started", started["type"])
	}

	if err := conn.WriteJSON(map[string]any{"type": "input", "data": "echo gateway-integration-check\n"}); err != nil {
		t.Fatalf("WriteJSON(input) error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var found bool
	for i := 0; i < 50 && !found; i++ {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error: %v", err)
		}
		if msgType == websocket.BinaryMessage && strings.Contains(string(data), "gateway-integration-check") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected terminal echo output over a binary frame")
	}
}

func TestGateway_NotifySessionActivity_ThrottlesWithinOneSecond(t *testing.T) {
	gw, _ := newTestServer(t)
	gw.NotifySessionActivity("sess-x")
	first := gw.lastActivitySent["sess-x"]
	gw.NotifySessionActivity("sess-x")
	second := gw.lastActivitySent["sess-x"]
	if !first.Equal(second) {
		t.Fatal("a second NotifySessionActivity within the throttle window should not update the timestamp")
	}
}
