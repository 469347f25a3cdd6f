// Package session implements the session and stream multiplexer: the
// circular output buffer (C1), the session store (C3), the session
// registry (C4), and the output scheduler (C6).
package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claude-code-web/agentmux/pathguard"
	"github.com/claude-code-web/agentmux/pty"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when an operation requires a precondition
	// (e.g. no active PTY) that does not hold.
	ErrConflict = errors.New("conflicting session state")
	// ErrRateLimited is returned when an upload exceeds its per-minute cap.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Conn is the registry's view of a WebSocket connection: a sink for
// broadcast frames, plus enough state to implement backpressure and
// flow-control. The gateway (C5) owns the authoritative socket handle;
// the registry only ever references connections by id.
type Conn interface {
	ID() string
	WriteBinary(data []byte) error
	WriteJSON(v any) error
	BufferedAmount() int
}

// connState is the registry-owned bookkeeping for one attached connection.
type connState struct {
	conn   Conn
	paused bool
}

// TempImage records a single uploaded image awaiting sweep.
type TempImage struct {
	Path      string
	Size      int64
	CreatedAt time.Time
}

// Session is the primary aggregate: a PTY-backed, multi-client terminal
// stream with durable metadata and a bounded replay buffer.
type Session struct {
	ID                string
	Name              string
	WorkingDir        string
	Created           time.Time
	SessionStartTime  time.Time
	Agent             pty.AgentKind

	mu            sync.Mutex
	lastActivity  time.Time
	active        bool
	priority      Priority
	connections   map[string]*connState
	outputBuffer  *RingBuffer
	coalescer     *Coalescer
	tempImages    []TempImage
	imageUploads  []time.Time
	voiceUploads  []time.Time
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Snapshot is a read-only, lock-safe view of a session's public state.
type Snapshot struct {
	ID           string
	Name         string
	WorkingDir   string
	Created      time.Time
	LastActivity time.Time
	Active       bool
	Agent        string
	Priority     Priority
	Connections  int
}

// Snapshot returns a consistent copy of the session's externally visible
// state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent := ""
	if s.active {
		agent = string(s.Agent)
	}
	return Snapshot{
		ID:           s.ID,
		Name:         s.Name,
		WorkingDir:   s.WorkingDir,
		Created:      s.Created,
		LastActivity: s.lastActivity,
		Active:       s.active,
		Agent:        agent,
		Priority:     s.priority,
		Connections:  len(s.connections),
	}
}

func (s *Session) record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent := ""
	if s.active {
		agent = string(s.Agent)
	}
	return Record{
		ID:            s.ID,
		Name:          s.Name,
		WorkingDir:    s.WorkingDir,
		Created:       s.Created,
		LastActivity:  s.lastActivity,
		Agent:         agent,
		Priority:      string(s.priority),
		OutputHistory: s.outputBuffer.Slice(200),
	}
}

// RegistryConfig holds tunables for capacities, rate limits, and sweep
// intervals. Passed into the registry at construction, never read from a
// hidden global, per the "no hidden globals" design guidance.
type RegistryConfig struct {
	BufferCapacity      int
	ReplayChunks        int
	ImageUploadsPerMin  int
	VoiceUploadsPerMin  int
	TempImageCap        int
	IdleEvictionAfter   time.Duration
	ImageSweepInterval  time.Duration
	IdleSweepInterval   time.Duration
	ImageMaxAge         time.Duration
	Scheduler           SchedulerConfig
}

// DefaultRegistryConfig returns the parameters named in the data model and
// registry sections.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		BufferCapacity:     1000,
		ReplayChunks:       200,
		ImageUploadsPerMin: 5,
		VoiceUploadsPerMin: 10,
		TempImageCap:       1000,
		IdleEvictionAfter:  7 * 24 * time.Hour,
		ImageSweepInterval: 30 * time.Minute,
		IdleSweepInterval:  5 * time.Minute,
		ImageMaxAge:        24 * time.Hour,
		Scheduler:          DefaultSchedulerConfig(),
	}
}

// Broadcaster is implemented by the gateway to deliver process-scoped and
// session-scoped events that are not part of the output hot path.
type Broadcaster interface {
	// BroadcastToSession sends a JSON control message to every connection
	// joined to sessionID.
	BroadcastToSession(sessionID string, v any)
	// NotifySessionActivity pushes a throttled session_activity event to
	// every connection NOT joined to sessionID, so UIs can indicate
	// background-session output without subscribing to its full stream.
	NotifySessionActivity(sessionID string)
}

// Registry is the authoritative id -> Session map. All mutation of a
// session's connections/active/agent/outputBuffer fields happens through
// registry methods, matching the single-writer concurrency model: the
// registry's own mutex guards only the map; per-session state is guarded
// by that session's own mutex, and no registry method holds either lock
// across PTY or disk I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store   *Store
	guard   *pathguard.Guard
	bridge  *pty.Bridge
	tools   *pty.Registry
	cfg     RegistryConfig
	bcast   Broadcaster

	stop chan struct{}
}

// NewRegistry constructs a Registry and loads any persisted sessions from
// store. It does not start background sweeps/autosave; call Run for that.
func NewRegistry(store *Store, guard *pathguard.Guard, bridge *pty.Bridge, tools *pty.Registry, cfg RegistryConfig, bcast Broadcaster) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		store:    store,
		guard:    guard,
		bridge:   bridge,
		tools:    tools,
		cfg:      cfg,
		bcast:    bcast,
		stop:     make(chan struct{}),
	}
	for id, rec := range store.Load() {
		s := r.sessionFromRecord(rec)
		r.sessions[id] = s
	}
	return r
}

func (r *Registry) sessionFromRecord(rec Record) *Session {
	s := &Session{
		ID:               rec.ID,
		Name:             rec.Name,
		WorkingDir:       rec.WorkingDir,
		Created:          rec.Created,
		SessionStartTime: rec.Created,
		connections:      make(map[string]*connState),
		outputBuffer:     NewRingBuffer(r.cfg.BufferCapacity),
		priority:         Priority(rec.Priority),
		lastActivity:     rec.LastActivity,
	}
	if s.priority == "" {
		s.priority = PriorityForeground
	}
	for _, chunk := range rec.OutputHistory {
		s.outputBuffer.Push(chunk)
	}
	s.coalescer = r.newCoalescer(s)
	return s
}

func (r *Registry) newCoalescer(s *Session) *Coalescer {
	return NewCoalescer(r.cfg.Scheduler, s.priority, func(data []byte, cutoff int) {
		r.flushSession(s, data, cutoff)
	}, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.connections) > 0
	})
}

func (r *Registry) flushSession(s *Session, data []byte, cutoff int) {
	s.mu.Lock()
	conns := make([]Conn, 0, len(s.connections))
	for _, cs := range s.connections {
		if cs.paused {
			continue
		}
		conns = append(conns, cs.conn)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if c.BufferedAmount() >= cutoff {
			continue
		}
		if err := c.WriteBinary(data); err != nil {
			log.Printf("[REGISTRY] write to connection %s failed: %v", c.ID(), err)
		}
	}
}

// Run starts the periodic image sweep, idle-eviction sweep, and autosave
// loops. It blocks until Stop is called.
func (r *Registry) Run(saveInterval time.Duration) {
	imageTicker := time.NewTicker(r.cfg.ImageSweepInterval)
	idleTicker := time.NewTicker(r.cfg.IdleSweepInterval)
	saveTicker := time.NewTicker(saveInterval)
	defer imageTicker.Stop()
	defer idleTicker.Stop()
	defer saveTicker.Stop()

	for {
		select {
		case <-imageTicker.C:
			r.sweepImages()
		case <-idleTicker.C:
			r.sweepIdle()
		case <-saveTicker.C:
			r.persist()
		case <-r.stop:
			r.persist()
			return
		}
	}
}

// Stop halts the background loops started by Run.
func (r *Registry) Stop() {
	close(r.stop)
}

func (r *Registry) persist() {
	r.mu.Lock()
	records := make(map[string]Record, len(r.sessions))
	for id, s := range r.sessions {
		records[id] = s.record()
	}
	r.mu.Unlock()
	if err := r.store.Save(records); err != nil {
		log.Printf("[REGISTRY] persist: %v", err)
	}
}

// Snapshot returns the current in-memory records for use by the crash
// handler's synchronous write path.
func (r *Registry) Snapshot() map[string]Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make(map[string]Record, len(r.sessions))
	for id, s := range r.sessions {
		records[id] = s.record()
	}
	return records
}

func (r *Registry) sweepIdle() {
	cutoff := time.Now().Add(-r.cfg.IdleEvictionAfter)
	var toDelete []string
	r.mu.Lock()
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := !s.active && len(s.connections) == 0 && s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if idle {
			toDelete = append(toDelete, id)
		}
	}
	r.mu.Unlock()

	for _, id := range toDelete {
		log.Printf("[REGISTRY] evicting idle session %s", id)
		r.Delete(id)
	}
}

func (r *Registry) sweepImages() {
	cutoff := time.Now().Add(-r.cfg.ImageMaxAge)
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		kept := s.tempImages[:0]
		for _, img := range s.tempImages {
			if img.CreatedAt.Before(cutoff) {
				continue
			}
			kept = append(kept, img)
		}
		s.tempImages = kept
		s.mu.Unlock()
	}
}

// Create creates a new session rooted at workingDir (validated through the
// path guard) and names it "Session" if no name is given.
func (r *Registry) Create(name, workingDir string) (*Session, error) {
	if workingDir == "" {
		workingDir = r.guard.Root()
	}
	result := r.guard.Validate(workingDir)
	if !result.Valid {
		return nil, fmt.Errorf("%w: %s", ErrConflict, result.Reason)
	}

	id := uuid.New().String()
	if name == "" {
		name = "Session"
	}
	now := time.Now()

	s := &Session{
		ID:               id,
		Name:             name,
		WorkingDir:       result.Resolved,
		Created:          now,
		SessionStartTime: now,
		lastActivity:     now,
		priority:         PriorityForeground,
		connections:      make(map[string]*connState),
		outputBuffer:     NewRingBuffer(r.cfg.BufferCapacity),
	}
	s.coalescer = r.newCoalescer(s)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.store.MarkDirty()
	return s, nil
}

// Get returns the session for id, or ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns a snapshot of every known session.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, len(sessions))
	for i, s := range sessions {
		out[i] = s.Snapshot()
	}
	return out
}

// Join adds a connection to a session's connection set and returns the
// last ReplayChunks output chunks for reconnect replay.
func (r *Registry) Join(sessionID string, conn Conn) ([]string, error) {
	s, err := r.Get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.connections[conn.ID()] = &connState{conn: conn}
	replay := s.outputBuffer.Slice(r.cfg.ReplayChunks)
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return replay, nil
}

// Leave removes a connection from whichever session it was joined to.
func (r *Registry) Leave(sessionID, connID string) {
	s, err := r.Get(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.connections, connID)
	s.mu.Unlock()
}

// Rename updates a session's display name.
func (r *Registry) Rename(sessionID, newName string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.Name = newName
	s.mu.Unlock()
	r.store.MarkDirty()
	return nil
}

// SetWorkingDir updates the directory new PTYs for this session spawn in.
// Callers must already have validated resolved through the path guard.
func (r *Registry) SetWorkingDir(sessionID, resolved string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.WorkingDir = resolved
	s.mu.Unlock()
	r.store.MarkDirty()
	return nil
}

// SetPriority adjusts a session's scheduler class.
func (r *Registry) SetPriority(sessionID string, p Priority) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.priority = p
	s.mu.Unlock()
	s.coalescer.SetPriority(p)
	r.store.MarkDirty()
	return nil
}

// SetFlowControl pauses or resumes output delivery to one connection. On
// resume, any pending coalesced output is flushed immediately.
func (r *Registry) SetFlowControl(sessionID, connID string, pause bool) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	cs, ok := s.connections[connID]
	if ok {
		cs.paused = pause
	}
	s.mu.Unlock()
	if ok && !pause {
		s.coalescer.FlushNow()
	}
	return nil
}

// Start spawns kind's tool for sessionID via the PTY bridge. The
// session's own mutex is never held across the spawn call.
func (r *Registry) Start(sessionID string, kind pty.AgentKind, opts pty.SpawnOptions, dangerouslySkip bool) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return fmt.Errorf("%w: pty already running", ErrConflict)
	}
	s.mu.Unlock()

	tool, ok := r.tools.Lookup(kind)
	if !ok {
		return fmt.Errorf("%w: unknown tool %s", ErrNotFound, kind)
	}

	s.mu.Lock()
	opts.WorkingDir = s.WorkingDir
	s.mu.Unlock()
	opts.DangerouslySkipPermissions = dangerouslySkip

	err = r.bridge.Spawn(sessionID, tool, opts, pty.Callbacks{
		OnOutput: func(chunk string) {
			s.mu.Lock()
			s.outputBuffer.Push(chunk)
			s.lastActivity = time.Now()
			s.mu.Unlock()
			s.coalescer.OnOutput(chunk)
			r.bcast.NotifySessionActivity(sessionID)
		},
		OnExit: func(code int, signal string) {
			s.mu.Lock()
			s.active = false
			s.Agent = ""
			s.mu.Unlock()
			r.store.MarkDirty()
			r.bcast.BroadcastToSession(sessionID, map[string]any{
				"type": "exit", "sessionId": sessionID, "code": code, "signal": signal,
			})
		},
		OnError: func(err error) {
			s.mu.Lock()
			s.active = false
			s.Agent = ""
			s.mu.Unlock()
			r.bcast.BroadcastToSession(sessionID, map[string]any{
				"type": "error", "sessionId": sessionID, "message": err.Error(),
			})
		},
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.active = true
	s.Agent = kind
	s.lastActivity = time.Now()
	s.mu.Unlock()
	r.store.MarkDirty()
	return nil
}

// Input forwards data to the session's PTY via the high-priority input
// path. No-op if the session has no active PTY.
func (r *Registry) Input(sessionID string, data []byte) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	active := s.active
	s.lastActivity = time.Now()
	s.mu.Unlock()
	if !active {
		return fmt.Errorf("%w: no active pty", ErrConflict)
	}
	return r.bridge.Write(sessionID, data)
}

// Resize forwards a terminal resize to the session's PTY, if active.
func (r *Registry) Resize(sessionID string, cols, rows uint16) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return nil
	}
	return r.bridge.Resize(sessionID, cols, rows)
}

// StopPTY stops the session's PTY without deleting the session.
func (r *Registry) StopPTY(sessionID string) error {
	if _, err := r.Get(sessionID); err != nil {
		return err
	}
	return r.bridge.Stop(sessionID)
}

// Delete stops any running PTY, flushes pending output, notifies joined
// connections (without closing their sockets), and removes the session.
func (r *Registry) Delete(sessionID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}

	if r.bridge.Active(sessionID) {
		r.bridge.Stop(sessionID)
	}
	s.coalescer.FlushNow()

	r.bcast.BroadcastToSession(sessionID, map[string]any{
		"type": "session_deleted", "sessionId": sessionID,
	})

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.store.MarkDirty()
	return nil
}

// RecordImageUpload enforces the per-session image upload rate limit
// (5/min by default) and appends a tracked temp image on success.
func (r *Registry) RecordImageUpload(sessionID string, img TempImage) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.imageUploads = pruneWindow(s.imageUploads, now, time.Minute)
	if len(s.imageUploads) >= r.cfg.ImageUploadsPerMin {
		return ErrRateLimited
	}
	s.imageUploads = append(s.imageUploads, now)

	s.tempImages = append(s.tempImages, img)
	if len(s.tempImages) > r.cfg.TempImageCap {
		s.tempImages = s.tempImages[len(s.tempImages)-r.cfg.TempImageCap:]
	}
	return nil
}

// RecordVoiceUpload enforces the per-session voice upload rate limit
// (10/min by default).
func (r *Registry) RecordVoiceUpload(sessionID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.voiceUploads = pruneWindow(s.voiceUploads, now, time.Minute)
	if len(s.voiceUploads) >= r.cfg.VoiceUploadsPerMin {
		return ErrRateLimited
	}
	s.voiceUploads = append(s.voiceUploads, now)
	return nil
}

func pruneWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
