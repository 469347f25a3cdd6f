package session

import (
	"sync"
	"testing"
	"time"
)

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ForegroundCoalesce:            10 * time.Millisecond,
		BackgroundCoalesce:            500 * time.Millisecond,
		ForegroundImmediateFlushBytes: 8,
		BackgroundImmediateFlushBytes: 8,
		ForegroundBackpressureBytes:   1024,
		BackgroundBackpressureBytes:   512,
	}
}

type flushRecorder struct {
	mu     sync.Mutex
	chunks [][]byte
	cutoff int
}

func (r *flushRecorder) flush(data []byte, cutoff int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	r.chunks = append(r.chunks, cp)
	r.cutoff = cutoff
}

func (r *flushRecorder) all() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []byte
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func TestCoalescer_FlushesOnTimerWindow(t *testing.T) {
	rec := &flushRecorder{}
	c := NewCoalescer(testSchedulerConfig(), PriorityForeground, rec.flush, func() bool { return true })

	c.OnOutput("hi")
	if rec.count() != 0 {
		t.Fatal("flush should not happen before the coalescing window elapses")
	}

	time.Sleep(50 * time.Millisecond)
	if got := string(rec.all()); got != "hi" {
		t.Fatalf("flushed output = %q, want %q", got, "hi")
	}
}

func TestCoalescer_ImmediateFlushOnThresholdExceeded(t *testing.T) {
	rec := &flushRecorder{}
	c := NewCoalescer(testSchedulerConfig(), PriorityForeground, rec.flush, func() bool { return true })

	c.OnOutput("this-is-definitely-more-than-eight-bytes")

	if got := string(rec.all()); got != "this-is-definitely-more-than-eight-bytes" {
		t.Fatalf("immediate flush output = %q", got)
	}
}

func TestCoalescer_FlushNowCancelsPendingTimer(t *testing.T) {
	rec := &flushRecorder{}
	c := NewCoalescer(testSchedulerConfig(), PriorityForeground, rec.flush, func() bool { return true })

	c.OnOutput("a")
	c.FlushNow()
	if got := string(rec.all()); got != "a" {
		t.Fatalf("FlushNow output = %q, want %q", got, "a")
	}

	// Wait past the window to make sure the canceled timer didn't fire a
	// second, empty flush.
	time.Sleep(30 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Fatalf("flush count = %d, want 1 (timer should have been canceled)", n)
	}
}

func TestCoalescer_SetPriorityFlushesOnBackgroundToForegroundTransition(t *testing.T) {
	rec := &flushRecorder{}
	cfg := testSchedulerConfig()
	c := NewCoalescer(cfg, PriorityBackground, rec.flush, func() bool { return true })

	c.OnOutput("queued")
	if rec.count() != 0 {
		t.Fatal("background output should wait for the long coalescing window")
	}

	c.SetPriority(PriorityForeground)
	if got := string(rec.all()); got != "queued" {
		t.Fatalf("flush after priority promotion = %q, want %q", got, "queued")
	}
}

func TestCoalescer_Cutoff_TracksPriorityClass(t *testing.T) {
	cfg := testSchedulerConfig()
	c := NewCoalescer(cfg, PriorityForeground, func([]byte, int) {}, func() bool { return true })
	if got := c.Cutoff(); got != cfg.ForegroundBackpressureBytes {
		t.Fatalf("Cutoff() = %d, want %d", got, cfg.ForegroundBackpressureBytes)
	}
	c.SetPriority(PriorityBackground)
	if got := c.Cutoff(); got != cfg.BackgroundBackpressureBytes {
		t.Fatalf("Cutoff() after SetPriority = %d, want %d", got, cfg.BackgroundBackpressureBytes)
	}
}

func TestCoalescer_NoConnectionsDropsBufferedOutput(t *testing.T) {
	rec := &flushRecorder{}
	c := NewCoalescer(testSchedulerConfig(), PriorityForeground, rec.flush, func() bool { return false })

	c.OnOutput("lost")
	c.FlushNow()

	if n := rec.count(); n != 0 {
		t.Fatalf("flush count = %d, want 0 when there are no connections to deliver to", n)
	}
}

func TestStripFocusEscapes_RemovesFocusInAndOutSequences(t *testing.T) {
	in := "before\x1b[Imiddle\x1b[Oafter"
	want := "beforemiddleafter"
	if got := stripFocusEscapes(in); got != want {
		t.Fatalf("stripFocusEscapes(%q) = %q, want %q", in, got, want)
	}
}

func TestStripFocusEscapes_LeavesPlainTextUntouched(t *testing.T) {
	in := "no escapes here"
	if got := stripFocusEscapes(in); got != in {
		t.Fatalf("stripFocusEscapes(%q) = %q, want unchanged", in, got)
	}
}

func TestCoalescer_OnOutputAggregatesMultipleChunksInOneFlush(t *testing.T) {
	rec := &flushRecorder{}
	c := NewCoalescer(testSchedulerConfig(), PriorityForeground, rec.flush, func() bool { return true })

	c.OnOutput("a")
	c.OnOutput("b")
	c.OnOutput("c")
	time.Sleep(50 * time.Millisecond)

	if got := string(rec.all()); got != "abc" {
		t.Fatalf("aggregated flush = %q, want %q", got, "abc")
	}
	if n := rec.count(); n != 1 {
		t.Fatalf("flush count = %d, want 1 (chunks should coalesce into a single flush)", n)
	}
}
