package orchestrator

import (
	"sync"
)

// PathLocker provides per-path mutual exclusion. Each analysis storage
// directory gets its own mutex, so a single-task invocation and the
// continuous loop inside one process never regenerate the same analysis
// concurrently while work on other analyses proceeds.
type PathLocker struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-path mutexes
}

// NewPathLocker creates a new PathLocker.
func NewPathLocker() *PathLocker {
	return &PathLocker{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for the given path, creating it on first use.
func (p *PathLocker) Lock(path string) {
	p.mu.Lock()
	l, ok := p.locks[path]
	if !ok {
		l = &sync.Mutex{}
		p.locks[path] = l
	}
	p.mu.Unlock()

	// Acquire outside the manager lock to avoid contention.
	l.Lock()
}

// Unlock releases the mutex for the given path.
func (p *PathLocker) Unlock(path string) {
	p.mu.Lock()
	l, ok := p.locks[path]
	p.mu.Unlock()

	if ok {
		l.Unlock()
	}
}
