package session

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/claude-code-web/agentmux/pathguard"
	"github.com/claude-code-web/agentmux/pty"
)

type fakeBroadcaster struct {
	mu        sync.Mutex
	toSession []toSessionCall
	activity  []string
}

type toSessionCall struct {
	sessionID string
	v         any
}

func (f *fakeBroadcaster) BroadcastToSession(sessionID string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toSession = append(f.toSession, toSessionCall{sessionID: sessionID, v: v})
}

func (f *fakeBroadcaster) NotifySessionActivity(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, sessionID)
}

func (f *fakeBroadcaster) toSessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.toSession)
}

type fakeConn struct {
	id       string
	mu       sync.Mutex
	binary   [][]byte
	jsonMsgs []any
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.binary = append(c.binary, cp)
	return nil
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jsonMsgs = append(c.jsonMsgs, v)
	return nil
}

func (c *fakeConn) BufferedAmount() int { return 0 }

func (c *fakeConn) binaryJoined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for _, b := range c.binary {
		sb.Write(b)
	}
	return sb.String()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeBroadcaster) {
	t.Helper()
	root := t.TempDir()
	guard, err := pathguard.New(root)
	if err != nil {
		t.Fatalf("pathguard.New() error: %v", err)
	}
	store := NewStore(filepath.Join(root, "sessions.json"))
	bridge := pty.NewBridge()
	tools := pty.NewRegistry(nil)
	bcast := &fakeBroadcaster{}

	cfg := DefaultRegistryConfig()
	cfg.Scheduler.ForegroundCoalesce = 5 * time.Millisecond
	cfg.Scheduler.ForegroundImmediateFlushBytes = 1 << 20

	reg := NewRegistry(store, guard, bridge, tools, cfg, bcast)
	return reg, bcast
}

func TestRegistry_CreateDefaultsEmptyWorkingDirToRoot(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, err := reg.Create("", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if s.Name != "Session" {
		t.Fatalf("Name = %q, want default %q", s.Name, "Session")
	}
	if s.WorkingDir == "" {
		t.Fatal("WorkingDir should default to the guard root, not be empty")
	}
	if s.WorkingDir != reg.guard.Root() {
		t.Fatalf("WorkingDir = %q, want guard root %q", s.WorkingDir, reg.guard.Root())
	}
}

func TestRegistry_CreateRejectsPathOutsideRoot(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Create("escape", "/definitely/outside/the/root")
	if err == nil {
		t.Fatal("Create() error = nil, want error for a working dir outside the guard root")
	}
}

func TestRegistry_GetReturnsErrNotFoundForUnknownID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Get("nope"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_ListReflectsCreatedSessions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s1, _ := reg.Create("one", "")
	s2, _ := reg.Create("two", "")

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}
	ids := map[string]bool{}
	for _, snap := range list {
		ids[snap.ID] = true
	}
	if !ids[s1.ID] || !ids[s2.ID] {
		t.Fatalf("List() missing expected session ids: %v", list)
	}
}

func TestRegistry_JoinReturnsReplayAndLeaveRemovesConnection(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, err := reg.Create("", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	conn := &fakeConn{id: "conn-1"}
	replay, err := reg.Join(s.ID, conn)
	if err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if len(replay) != 0 {
		t.Fatalf("replay = %v, want empty for a freshly created session", replay)
	}

	snap := s.Snapshot()
	if snap.Connections != 1 {
		t.Fatalf("Connections = %d, want 1 after Join", snap.Connections)
	}

	reg.Leave(s.ID, "conn-1")
	snap = s.Snapshot()
	if snap.Connections != 0 {
		t.Fatalf("Connections = %d, want 0 after Leave", snap.Connections)
	}
}

func TestRegistry_RenameUpdatesName(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, _ := reg.Create("old-name", "")

	if err := reg.Rename(s.ID, "new-name"); err != nil {
		t.Fatalf("Rename() error: %v", err)
	}
	if snap := s.Snapshot(); snap.Name != "new-name" {
		t.Fatalf("Name = %q, want %q", snap.Name, "new-name")
	}
}

func TestRegistry_SetPriorityUpdatesSnapshot(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, _ := reg.Create("", "")

	if err := reg.SetPriority(s.ID, PriorityBackground); err != nil {
		t.Fatalf("SetPriority() error: %v", err)
	}
	if snap := s.Snapshot(); snap.Priority != PriorityBackground {
		t.Fatalf("Priority = %q, want %q", snap.Priority, PriorityBackground)
	}
}

func TestRegistry_SetFlowControlPausesConnection(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, _ := reg.Create("", "")
	conn := &fakeConn{id: "conn-1"}
	if _, err := reg.Join(s.ID, conn); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	if err := reg.SetFlowControl(s.ID, "conn-1", true); err != nil {
		t.Fatalf("SetFlowControl(pause) error: %v", err)
	}

	s.mu.Lock()
	paused := s.connections["conn-1"].paused
	s.mu.Unlock()
	if !paused {
		t.Fatal("connection should be paused")
	}

	if err := reg.SetFlowControl(s.ID, "conn-1", false); err != nil {
		t.Fatalf("SetFlowControl(resume) error: %v", err)
	}
	s.mu.Lock()
	paused = s.connections["conn-1"].paused
	s.mu.Unlock()
	if paused {
		t.Fatal("connection should be resumed")
	}
}

func TestRegistry_InputFailsWithoutActivePTY(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, _ := reg.Create("", "")

	if err := reg.Input(s.ID, []byte("hi")); err == nil {
		t.Fatal("Input() error = nil, want ErrConflict for a session with no active PTY")
	}
}

func TestRegistry_DeleteRemovesSessionAndBroadcasts(t *testing.T) {
	reg, bcast := newTestRegistry(t)
	s, _ := reg.Create("", "")

	if err := reg.Delete(s.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := reg.Get(s.ID); err != ErrNotFound {
		t.Fatalf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	if bcast.toSessionCount() != 1 {
		t.Fatalf("broadcast count = %d, want 1 (session_deleted)", bcast.toSessionCount())
	}
}

func TestRegistry_RecordImageUploadEnforcesRateLimit(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, _ := reg.Create("", "")

	cfg := DefaultRegistryConfig()
	for i := 0; i < cfg.ImageUploadsPerMin; i++ {
		if err := reg.RecordImageUpload(s.ID, TempImage{Path: "img.png", Size: 10, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("RecordImageUpload() upload %d error: %v", i, err)
		}
	}
	if err := reg.RecordImageUpload(s.ID, TempImage{Path: "over.png", CreatedAt: time.Now()}); err != ErrRateLimited {
		t.Fatalf("RecordImageUpload() over limit error = %v, want ErrRateLimited", err)
	}
}

func TestRegistry_RecordVoiceUploadEnforcesRateLimit(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, _ := reg.Create("", "")

	cfg := DefaultRegistryConfig()
	for i := 0; i < cfg.VoiceUploadsPerMin; i++ {
		if err := reg.RecordVoiceUpload(s.ID); err != nil {
			t.Fatalf("RecordVoiceUpload() upload %d error: %v", i, err)
		}
	}
	if err := reg.RecordVoiceUpload(s.ID); err != ErrRateLimited {
		t.Fatalf("RecordVoiceUpload() over limit error = %v, want ErrRateLimited", err)
	}
}

func TestRegistry_StartInputAndStopDriveARealShellPTY(t *testing.T) {
	reg, bcast := newTestRegistry(t)
	s, err := reg.Create("", "")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	conn := &fakeConn{id: "conn-1"}
	if _, err := reg.Join(s.ID, conn); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	err = reg.Start(s.ID, pty.AgentTerminal, pty.SpawnOptions{Cols: 80, Rows: 24}, false)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if snap := s.Snapshot(); !snap.Active {
		t.Fatal("session should be active after Start()")
	}

	if err := reg.Input(s.ID, []byte("echo hello-from-pty\n")); err != nil {
		t.Fatalf("Input() error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(conn.binaryJoined(), "hello-from-pty") {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if !strings.Contains(conn.binaryJoined(), "hello-from-pty") {
		t.Fatalf("expected PTY echo output to reach the joined connection, got %q", conn.binaryJoined())
	}

	if err := reg.Input(s.ID, []byte("exit\n")); err != nil {
		t.Fatalf("Input(exit) error: %v", err)
	}

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !s.Snapshot().Active {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if s.Snapshot().Active {
		t.Fatal("session should become inactive after the shell process exits")
	}
	if bcast.toSessionCount() == 0 {
		t.Fatal("expected an exit broadcast to the session")
	}
}

func TestRegistry_StartFailsWhenAlreadyActive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, _ := reg.Create("", "")

	if err := reg.Start(s.ID, pty.AgentTerminal, pty.SpawnOptions{}, false); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	defer reg.StopPTY(s.ID)

	if err := reg.Start(s.ID, pty.AgentTerminal, pty.SpawnOptions{}, false); err == nil {
		t.Fatal("second Start() error = nil, want ErrConflict for an already-active session")
	}
}
