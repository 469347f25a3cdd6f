// Package restart implements the memory probe and supervised restart
// loop: periodic GC pressure relief, throttled memory warnings, and a
// rate-limited, broadcast-then-exit restart sequence.
package restart

import (
	"log"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// RestartExitCode is the distinguished process exit code that signals
// "please respawn me" to the supervisor. This is a contract between the
// server and the supervisor; do not reuse it for anything else.
const RestartExitCode = 75

// Notifier delivers process-scoped broadcasts to every connected client.
type Notifier interface {
	BroadcastAll(v any)
}

// Config holds the restart manager's tunables.
type Config struct {
	ProbeInterval     time.Duration
	GCThresholdBytes  int64
	WarnThresholdBytes int64
	WarnThrottle      time.Duration
	RestartRateLimit  time.Duration
	DrainDelay        time.Duration
}

// DefaultConfig returns the thresholds named in §4.7.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:      5 * time.Minute,
		GCThresholdBytes:   1 << 30, // 1 GiB
		WarnThresholdBytes: 2 << 30, // 2 GiB
		WarnThrottle:       30 * time.Minute,
		RestartRateLimit:    5 * time.Minute,
		DrainDelay:          500 * time.Millisecond,
	}
}

// Manager owns the periodic memory probe and the restart sequence.
// Exit is the function invoked to actually end the process (os.Exit in
// production, a no-op recorder in tests).
type Manager struct {
	cfg      Config
	notifier Notifier
	Exit     func(code int)

	mu           sync.Mutex
	lastWarn     time.Time
	lastRestart  time.Time
	stop         chan struct{}
}

// NewManager constructs a Manager.
func NewManager(cfg Config, notifier Notifier) *Manager {
	return &Manager{
		cfg:      cfg,
		notifier: notifier,
		Exit:     func(int) {},
		stop:     make(chan struct{}),
	}
}

// Run samples memory every ProbeInterval until Stop is called.
func (m *Manager) Run() {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.probe()
		case <-m.stop:
			return
		}
	}
}

// Stop halts the probe loop.
func (m *Manager) Stop() {
	close(m.stop)
}

func (m *Manager) probe() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	resident := int64(stats.Sys)

	if resident > m.cfg.GCThresholdBytes {
		log.Printf("[RESTART] resident memory %d exceeds GC threshold %d, running GC", resident, m.cfg.GCThresholdBytes)
		runtime.Gosched() // yield to drain pending I/O before collecting
		runtime.GC()

		runtime.ReadMemStats(&stats)
		resident = int64(stats.Sys)
		if resident > m.cfg.GCThresholdBytes {
			log.Printf("[RESTART] still over threshold after GC, escalating to FreeOSMemory")
			debug.FreeOSMemory()
		}
	}

	if resident > m.cfg.WarnThresholdBytes {
		m.mu.Lock()
		shouldWarn := time.Since(m.lastWarn) >= m.cfg.WarnThrottle
		if shouldWarn {
			m.lastWarn = time.Now()
		}
		m.mu.Unlock()
		if shouldWarn {
			log.Printf("[RESTART] resident memory %d exceeds warn threshold %d", resident, m.cfg.WarnThresholdBytes)
			m.notifier.BroadcastAll(map[string]any{
				"type":    "memory_warning",
				"residentBytes": resident,
			})
		}
	}
}

// InitiateRestart broadcasts server_restarting, drains briefly, then
// exits with RestartExitCode. Rate-limited to one successful call per
// RestartRateLimit window; subsequent calls within the window are no-ops.
func (m *Manager) InitiateRestart(reason string) bool {
	m.mu.Lock()
	if time.Since(m.lastRestart) < m.cfg.RestartRateLimit {
		m.mu.Unlock()
		log.Printf("[RESTART] initiateRestart(%q) suppressed by rate limit", reason)
		return false
	}
	m.lastRestart = time.Now()
	m.mu.Unlock()

	log.Printf("[RESTART] initiating restart: %s", reason)
	m.notifier.BroadcastAll(map[string]any{
		"type":   "server_restarting",
		"reason": reason,
	})
	time.Sleep(m.cfg.DrainDelay)
	m.Exit(RestartExitCode)
	return true
}
