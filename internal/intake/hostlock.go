package intake

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locker serialises work on a key. The returned func releases the lock and
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type hostEntry struct {
	sem    *semaphore.Weighted
	active int64 // holders plus waiters
}

// HostLocks is an in-process Locker with one single-permit semaphore per key.
// Entries are dropped as soon as nobody holds or waits for them.
type HostLocks struct {
	mu      sync.Mutex
	entries map[string]*hostEntry
}

// NewHostLocks creates an empty lock pool.
func NewHostLocks() *HostLocks {
	return &HostLocks{entries: make(map[string]*hostEntry)}
}

// Lock blocks until key is free or ctx is done.
func (p *HostLocks) Lock(ctx context.Context, key string) (func(), error) {
	p.mu.Lock()
	entry, ok := p.entries[key]
	if !ok {
		entry = &hostEntry{sem: semaphore.NewWeighted(1)}
		p.entries[key] = entry
	}
	entry.active++
	p.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		p.done(key, entry)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			p.done(key, entry)
		})
	}, nil
}

func (p *HostLocks) done(key string, entry *hostEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry.active--
	if entry.active == 0 && p.entries[key] == entry {
		delete(p.entries, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (p *HostLocks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
