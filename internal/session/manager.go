// Package session serializes work on a conversation across the webhook
// workers.
package session

import (
	"context"
	"sync"
	"time"
)

// Manager hands out one mutex per key. Events for the same conversation
// run one at a time; different conversations run in parallel.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu       sync.Mutex
	lastUsed time.Time
	holders  int
}

func NewManager() *Manager {
	return &Manager{
		locks: make(map[string]*keyLock),
	}
}

// Key names the lock guarding a stored document.
func Key(collection, id string) string {
	return collection + "/" + id
}

// WithLock executes fn while holding the mutex for key.
func (m *Manager) WithLock(key string, fn func() error) error {
	m.mu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{}
		m.locks[key] = kl
	}
	kl.holders++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		kl.holders--
		kl.lastUsed = time.Now()
		m.mu.Unlock()
	}()

	kl.mu.Lock()
	defer kl.mu.Unlock()
	return fn()
}

// Cleanup removes locks idle for longer than maxAge.
func (m *Manager) Cleanup(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, kl := range m.locks {
		if kl.holders == 0 && now.Sub(kl.lastUsed) > maxAge {
			delete(m.locks, key)
		}
	}
}

// Len returns the number of tracked keys.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Run calls Cleanup(maxAge) every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, every, maxAge time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup(maxAge)
		}
	}
}
