package redisx

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CleanupInterval is the interval between expired item cleanup runs in the
// in-memory fallback store.
const CleanupInterval = 1 * time.Minute

// expiringItem wraps data with an expiration time, exactly as the teacher's
// internal/redis/memory_store.go does for its per-entity maps.
type expiringItem[T any] struct {
	Data      T
	ExpiresAt time.Time
}

func (e *expiringItem[T]) isExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// MemoryStore is a process-local fallback used when Redis is unreachable at
// startup, holding the same entities the Redis-backed store does: sessions,
// whitelist entries (both namespaces), and UID pair tables. It does not
// implement the m3u8 counter — that fallback uses patrickmn/go-cache
// directly (see internal/m3u8counter), since it is a flat string-keyed
// numeric map with no need for the richer per-entity generic here.
type MemoryStore struct {
	mu             sync.RWMutex
	sessions       map[string]*expiringItem[[]byte]
	sessionIdx     map[string]*expiringItem[string]
	pathBoundEntry map[string]*expiringItem[[]byte]
	staticEntry    map[string]*expiringItem[[]byte]
	uidPairs       map[string][]byte
	uidStaticPairs map[string][]byte

	logger        *logrus.Logger
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// NewMemoryStore constructs the fallback store and starts its background
// expiry sweep.
func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	m := &MemoryStore{
		sessions:       make(map[string]*expiringItem[[]byte]),
		sessionIdx:     make(map[string]*expiringItem[string]),
		pathBoundEntry: make(map[string]*expiringItem[[]byte]),
		staticEntry:    make(map[string]*expiringItem[[]byte]),
		uidPairs:       make(map[string][]byte),
		uidStaticPairs: make(map[string][]byte),
		logger:         logger,
		cleanupTicker:  time.NewTicker(CleanupInterval),
		stopCleanup:    make(chan struct{}),
	}
	go m.cleanupLoop()
	logger.Warn("redis unreachable at startup; using in-memory fallback store")
	return m
}

func (m *MemoryStore) cleanupLoop() {
	defer m.cleanupTicker.Stop()
	for {
		select {
		case <-m.cleanupTicker.C:
			m.sweep()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for k, v := range m.sessions {
		if v.isExpired() {
			delete(m.sessions, k)
			expired++
		}
	}
	for k, v := range m.sessionIdx {
		if v.isExpired() {
			delete(m.sessionIdx, k)
			expired++
		}
	}
	for k, v := range m.pathBoundEntry {
		if v.isExpired() {
			delete(m.pathBoundEntry, k)
			expired++
		}
	}
	for k, v := range m.staticEntry {
		if v.isExpired() {
			delete(m.staticEntry, k)
			expired++
		}
	}
	if expired > 0 {
		m.logger.WithField("expired_items", expired).Debug("memory store cleanup swept expired entries")
	}
}

// Stop halts the background cleanup goroutine.
func (m *MemoryStore) Stop() {
	close(m.stopCleanup)
}

// Get / Set / Delete below give the same shape the Redis-backed helpers use
// (raw bytes in, raw bytes out) so session/whitelist code can switch between
// a *redisx.Client and a *redisx.MemoryStore behind a small common KV
// interface (see internal/session and internal/whitelist for that
// interface).

func (m *MemoryStore) GetSession(sid string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.sessions[sid]
	if !ok || item.isExpired() {
		return nil, false
	}
	return item.Data, true
}

func (m *MemoryStore) SetSession(sid string, data []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sid] = &expiringItem[[]byte]{Data: data, ExpiresAt: time.Now().Add(ttl)}
}

func (m *MemoryStore) DeleteSession(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sid)
}

func (m *MemoryStore) GetSessionIdx(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.sessionIdx[key]
	if !ok || item.isExpired() {
		return "", false
	}
	return item.Data, true
}

func (m *MemoryStore) SetSessionIdx(key, sid string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionIdx[key] = &expiringItem[string]{Data: sid, ExpiresAt: time.Now().Add(ttl)}
}

func (m *MemoryStore) GetEntry(namespace, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	table := m.pathBoundEntry
	if namespace == "static" {
		table = m.staticEntry
	}
	item, ok := table[key]
	if !ok || item.isExpired() {
		return nil, false
	}
	return item.Data, true
}

func (m *MemoryStore) SetEntry(namespace, key string, data []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.pathBoundEntry
	if namespace == "static" {
		table = m.staticEntry
	}
	table[key] = &expiringItem[[]byte]{Data: data, ExpiresAt: time.Now().Add(ttl)}
}

func (m *MemoryStore) DeleteEntry(namespace, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if namespace == "static" {
		delete(m.staticEntry, key)
	} else {
		delete(m.pathBoundEntry, key)
	}
}

// ListEntries returns the raw values of every non-expired entry in
// namespace, for the in-memory analogue of Client.ScanKeys over
// ip_cidr_access:*/static_file_access:* — whitelist.ProbeByIP needs to test
// CIDR containment against every stored entry, not just one exact key.
func (m *MemoryStore) ListEntries(namespace string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	table := m.pathBoundEntry
	if namespace == "static" {
		table = m.staticEntry
	}
	out := make([][]byte, 0, len(table))
	for _, v := range table {
		if !v.isExpired() {
			out = append(out, v.Data)
		}
	}
	return out
}

// SessionCount reports the number of non-expired sessions, for the
// memory-store analogue of Client.ScanKeys("session:*").
func (m *MemoryStore) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, v := range m.sessions {
		if !v.isExpired() {
			n++
		}
	}
	return n
}

// ClearSessions empties the session and session-index tables, returning the
// number of session entries removed.
func (m *MemoryStore) ClearSessions() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.sessions))
	m.sessions = make(map[string]*expiringItem[[]byte])
	m.sessionIdx = make(map[string]*expiringItem[string])
	return n
}

func (m *MemoryStore) GetPairs(namespace, uid string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	table := m.uidPairs
	if namespace == "static" {
		table = m.uidStaticPairs
	}
	data, ok := table[uid]
	return data, ok
}

func (m *MemoryStore) SetPairs(namespace, uid string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.uidPairs
	if namespace == "static" {
		table = m.uidStaticPairs
	}
	table[uid] = data
}
