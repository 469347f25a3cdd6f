package pty

import (
	"errors"
	"os/exec"
	"sync"
	"time"
)

// ErrToolUnavailable is returned when none of a tool's candidate binaries
// can be located on PATH or at an absolute search path.
var ErrToolUnavailable = errors.New("tool binary could not be located")

const resolveTTL = 60 * time.Second

type resolveResult struct {
	path    string
	err     error
	resolvedAt time.Time
}

// Resolver caches binary resolution per tool so availability probes
// (e.g. a UI "is this tool installed" indicator) never block on exec.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]resolveResult
}

// NewResolver returns an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{cache: make(map[string]resolveResult)}
}

// Resolve returns the absolute path to the first reachable candidate in
// t.SearchPaths(), expanding {HOME}. Results are cached for 60s.
func (r *Resolver) Resolve(t Tool) (string, error) {
	r.mu.Lock()
	if cached, ok := r.cache[t.Name()]; ok && time.Since(cached.resolvedAt) < resolveTTL {
		r.mu.Unlock()
		return cached.path, cached.err
	}
	r.mu.Unlock()

	path, err := resolveBinary(t.SearchPaths())

	r.mu.Lock()
	r.cache[t.Name()] = resolveResult{path: path, err: err, resolvedAt: time.Now()}
	r.mu.Unlock()

	return path, err
}

// Invalidate forces the next Resolve for t to re-probe.
func (r *Resolver) Invalidate(t Tool) {
	r.mu.Lock()
	delete(r.cache, t.Name())
	r.mu.Unlock()
}

func resolveBinary(candidates []string) (string, error) {
	for _, c := range candidates {
		expanded := homeExpand(c)
		if path, err := exec.LookPath(expanded); err == nil {
			return path, nil
		}
	}
	return "", ErrToolUnavailable
}
