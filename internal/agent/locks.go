package agent

import (
	"context"
	"sync"
)

// threadLocks serializes turns per thread id. Entries are dropped once no
// caller holds or waits for them.
type threadLocks struct {
	mu      sync.Mutex
	entries map[string]*threadLock
}

type threadLock struct {
	sem  chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{entries: map[string]*threadLock{}}
}

func (l *threadLocks) acquire(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[threadID]
	if !ok {
		entry = &threadLock{sem: make(chan struct{}, 1)}
		l.entries[threadID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			l.release(threadID, entry)
		}, nil
	case <-ctx.Done():
		l.release(threadID, entry)
		return nil, ctx.Err()
	}
}

func (l *threadLocks) release(threadID string, entry *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, threadID)
	}
}

func (l *threadLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
