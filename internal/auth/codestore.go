package auth

import (
	"sync"
	"time"
)

// VerificationCode is a live one-time code for one external identity.
type VerificationCode struct {
	Code      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Attempts  int
}

// CodeStore holds at most one VerificationCode per key.
// Implementations must apply Update atomically per key.
type CodeStore interface {
	// Set stores code under key, replacing any previous code.
	Set(key string, code VerificationCode)

	// Update calls fn with the current code (nil if none) and stores the
	// returned value. A nil return removes the key.
	Update(key string, fn func(current *VerificationCode) *VerificationCode)

	// DeleteExpired removes every code whose expiry is not after now and
	// returns how many were removed.
	DeleteExpired(now time.Time) int
}

// MemoryCodeStore is a mutex-guarded in-process CodeStore.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]VerificationCode
}

// NewMemoryCodeStore creates an empty in-process code store.
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]VerificationCode)}
}

// Set stores code under key. The last write wins.
func (m *MemoryCodeStore) Set(key string, code VerificationCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[key] = code
}

// Update applies fn to the code under key while holding the lock.
func (m *MemoryCodeStore) Update(key string, fn func(current *VerificationCode) *VerificationCode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current *VerificationCode
	if c, ok := m.codes[key]; ok {
		current = &c
	}

	next := fn(current)
	if next == nil {
		delete(m.codes, key)
		return
	}
	m.codes[key] = *next
}

// DeleteExpired sweeps codes that expired at or before now.
func (m *MemoryCodeStore) DeleteExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, c := range m.codes {
		if !now.Before(c.ExpiresAt) {
			delete(m.codes, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored codes.
func (m *MemoryCodeStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.codes)
}
