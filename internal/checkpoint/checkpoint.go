// Package checkpoint persists encoded conversation state keyed by thread id.
package checkpoint

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("checkpoint not found")

// Entry describes one stored thread without decoding its state.
type Entry struct {
	ThreadID  string
	UpdatedAt time.Time
}

type Store interface {
	Load(ctx context.Context, threadID string) ([]byte, error)
	Save(ctx context.Context, threadID string, state []byte) error
	Delete(ctx context.Context, threadID string) error
	// List returns threads whose id starts with prefix, most recently
	// updated first.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// SortEntries orders entries newest first, breaking ties by thread id.
func SortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ThreadID, b.ThreadID)
	})
}

// MemoryStore keeps checkpoints for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]memoryThread
	now     func() time.Time
}

type memoryThread struct {
	state     []byte
	updatedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: map[string]memoryThread{}, now: time.Now}
}

func (m *MemoryStore) Load(ctx context.Context, threadID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(thread.state), nil
}

func (m *MemoryStore) Save(ctx context.Context, threadID string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.threads[threadID] = memoryThread{state: slices.Clone(state), updatedAt: m.now().UTC()}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.threads, threadID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	entries := make([]Entry, 0, len(m.threads))
	for id, thread := range m.threads {
		if strings.HasPrefix(id, prefix) {
			entries = append(entries, Entry{ThreadID: id, UpdatedAt: thread.updatedAt})
		}
	}
	m.mu.RUnlock()
	SortEntries(entries)
	return entries, nil
}
