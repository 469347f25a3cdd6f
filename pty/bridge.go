package pty

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrAlreadyExists is returned by Spawn when a PTY is already running for
// the requested session id. Only one PTY per session id may exist.
var ErrAlreadyExists = errors.New("pty already exists for this session")

// ErrSpawnHang is delivered to Callbacks.OnError when the spawn watchdog
// expires without data, exit, or error from the child.
var ErrSpawnHang = errors.New("spawned process produced no data, exit, or error within watchdog window")

const (
	spawnWatchdog  = 30 * time.Second
	stopGrace      = 5 * time.Second
	writeChunkSize = 4096
	writeChunkGap  = 10 * time.Millisecond
	trustTailLen   = 10000
)

// Callbacks are invoked by the bridge as a session's PTY produces events.
// OnOutput runs on the session's read goroutine, OnExit on its wait
// goroutine and OnError on the spawn watchdog's timer goroutine, so calls
// for the same session id can run concurrently with each other.
type Callbacks struct {
	OnOutput func(chunk string)
	OnExit   func(code int, signal string)
	OnError  func(err error)
}

type writeRequest struct {
	data []byte
	done chan struct{}
}

type ptySession struct {
	id   string
	tool Tool
	cmd  *exec.Cmd
	ptmx *os.File

	cb Callbacks

	writeCh   chan writeRequest
	stopOnce  sync.Once
	closed    chan struct{}

	watchdogMu sync.Mutex
	watchdog   *time.Timer

	tailMu sync.Mutex
	tail   strings.Builder
}

// Bridge owns one child process per session id.
type Bridge struct {
	mu       sync.Mutex
	sessions map[string]*ptySession
	resolver *Resolver
}

// NewBridge returns an empty Bridge.
func NewBridge() *Bridge {
	return &Bridge{
		sessions: make(map[string]*ptySession),
		resolver: NewResolver(),
	}
}

func buildEnv() []string {
	env := make([]string, 0, len(os.Environ())+3)
	drop := map[string]bool{"TERM": true, "FORCE_COLOR": true, "COLORTERM": true}
	for _, e := range os.Environ() {
		if k, _, ok := strings.Cut(e, "="); ok && drop[k] {
			continue
		}
		env = append(env, e)
	}
	return append(env,
		"TERM=xterm-256color",
		"FORCE_COLOR=1",
		"COLORTERM=truecolor",
	)
}

// Spawn starts a PTY-backed child for tool in the given session. It
// returns once the spawn succeeds; output/exit/error are delivered
// asynchronously via cb.
func (b *Bridge) Spawn(id string, tool Tool, opts SpawnOptions, cb Callbacks) error {
	b.mu.Lock()
	if _, exists := b.sessions[id]; exists {
		b.mu.Unlock()
		return ErrAlreadyExists
	}
	b.mu.Unlock()

	binPath, err := b.resolver.Resolve(tool)
	if err != nil {
		return fmt.Errorf("%s: %w", tool.Name(), ErrToolUnavailable)
	}

	args := tool.BuildArgs(opts)
	cmd := exec.Command(binPath, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = buildEnv()
	setProcAttr(cmd)

	size := &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}
	if size.Cols == 0 {
		size.Cols = 80
	}
	if size.Rows == 0 {
		size.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return fmt.Errorf("starting pty for %s: %w", id, err)
	}

	s := &ptySession{
		id:      id,
		tool:    tool,
		cmd:     cmd,
		ptmx:    ptmx,
		cb:      cb,
		writeCh: make(chan writeRequest, 64),
		closed:  make(chan struct{}),
	}

	b.mu.Lock()
	if _, exists := b.sessions[id]; exists {
		b.mu.Unlock()
		killGroup(cmd)
		ptmx.Close()
		go cmd.Wait()
		return ErrAlreadyExists
	}
	b.sessions[id] = s
	b.mu.Unlock()

	s.armWatchdog(b, id)
	go b.readLoop(s)
	go b.writeLoop(s)
	go b.waitLoop(b, s)

	return nil
}

func (s *ptySession) armWatchdog(b *Bridge, id string) {
	s.watchdogMu.Lock()
	defer s.watchdogMu.Unlock()
	s.watchdog = time.AfterFunc(spawnWatchdog, func() {
		log.Printf("[PTY] session %s: spawn watchdog expired, killing", id)
		killGroup(s.cmd)
		if s.cb.OnError != nil {
			s.cb.OnError(ErrSpawnHang)
		}
	})
}

func (s *ptySession) disarmWatchdog() {
	s.watchdogMu.Lock()
	defer s.watchdogMu.Unlock()
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (b *Bridge) readLoop(s *ptySession) {
	buf := make([]byte, 8192)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.disarmWatchdog()
			chunk := string(buf[:n])
			s.appendTail(chunk)
			if s.cb.OnOutput != nil {
				s.cb.OnOutput(chunk)
			}
			if accept, ok := s.tool.ObserveOutput(s.tailSnapshot()); ok {
				s.writeLocked([]byte(accept))
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *ptySession) appendTail(chunk string) {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	s.tail.WriteString(chunk)
	if s.tail.Len() > trustTailLen {
		trimmed := s.tail.String()
		trimmed = trimmed[len(trimmed)-trustTailLen:]
		s.tail.Reset()
		s.tail.WriteString(trimmed)
	}
}

func (s *ptySession) tailSnapshot() string {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	return s.tail.String()
}

// writeLocked enqueues data for the write loop without going through the
// public Bridge.Write path (used by the auto-accept trust-prompt hook).
func (s *ptySession) writeLocked(data []byte) {
	select {
	case s.writeCh <- writeRequest{data: data}:
	case <-s.closed:
	}
}

func (b *Bridge) writeLoop(s *ptySession) {
	for {
		select {
		case req := <-s.writeCh:
			writeChunked(s.ptmx, req.data)
			if req.done != nil {
				close(req.done)
			}
		case <-s.closed:
			// Drain without writing; the PTY is gone.
			for {
				select {
				case req := <-s.writeCh:
					if req.done != nil {
						close(req.done)
					}
				default:
					return
				}
			}
		}
	}
}

// writeChunked splits data into pieces no larger than 4 KiB with a 10 ms
// pause between pieces. This is mandatory on Windows, where the ConPTY
// ingress buffer is roughly 16 KiB and silently drops bytes on overflow;
// applying it uniformly keeps POSIX and Windows behavior identical.
func writeChunked(w *os.File, data []byte) {
	for len(data) > 0 {
		n := writeChunkSize
		if n > len(data) {
			n = len(data)
		}
		if _, err := w.Write(data[:n]); err != nil {
			// Write failures after the PTY has exited are logged and
			// discarded, never surfaced to the caller.
			log.Printf("[PTY] write failed (process likely exited): %v", err)
			return
		}
		data = data[n:]
		if len(data) > 0 {
			time.Sleep(writeChunkGap)
		}
	}
}

func (b *Bridge) waitLoop(br *Bridge, s *ptySession) {
	err := s.cmd.Wait()
	s.disarmWatchdog()
	close(s.closed)
	s.ptmx.Close()

	br.mu.Lock()
	if br.sessions[s.id] == s {
		delete(br.sessions, s.id)
	}
	br.mu.Unlock()

	code, sig := exitInfo(err)
	if s.cb.OnExit != nil {
		s.cb.OnExit(code, sig)
	}
}

func exitInfo(err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -1, ws.Signal().String()
			}
			return ws.ExitStatus(), ""
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}

// Write serializes data onto the session's per-session write queue so
// large pastes never interleave with other writes.
func (b *Bridge) Write(id string, data []byte) error {
	b.mu.Lock()
	s, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active pty for session %s", id)
	}
	select {
	case s.writeCh <- writeRequest{data: data}:
		return nil
	case <-s.closed:
		return nil // write after exit is discarded
	}
}

// Resize forwards a terminal size change to the PTY. Failures after the
// process has exited are silently ignored.
func (b *Bridge) Resize(id string, cols, rows uint16) error {
	b.mu.Lock()
	s, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	_ = pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
	return nil
}

// Stop terminates the session's process: politely first, then forcefully
// if it is still alive after stopGrace.
func (b *Bridge) Stop(id string) error {
	b.mu.Lock()
	s, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	s.stopOnce.Do(func() {
		s.disarmWatchdog()
		terminate(s.cmd)
		select {
		case <-s.closed:
			return
		case <-time.After(stopGrace):
		}
		select {
		case <-s.closed:
		default:
			killGroup(s.cmd)
		}
	})
	return nil
}

// Active reports whether a PTY is currently running for id.
func (b *Bridge) Active(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[id]
	return ok
}
