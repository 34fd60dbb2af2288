// Package accesslog maintains bounded in-process ring buffers for denied,
// recent, and replay-eligible requests, mirrored into Redis capped lists so
// they survive a process restart. Grounded on
// original_source/services/access_log_service.py and
// original_source/services/token_replay_service.py, using go-redis's
// LPush+LTrim for the Redis-side cap exactly as the teacher's batched-Del
// pattern caps bulk deletes in internal/redis/client.go.
package accesslog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/streamguard/hls-auth-proxy/internal/redisx"
)

const (
	deniedCapacity = 100
	recentCapacity = 100
	replayCapacity = 300
)

// Entry is one logged access event.
type Entry struct {
	Timestamp int64  `json:"timestamp"`
	Path      string `json:"path"`
	ClientIP  string `json:"client_ip"`
	UID       string `json:"uid,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Status    int    `json:"status"`
}

// ring is a fixed-capacity FIFO buffer of Entry, oldest evicted first.
type ring struct {
	mu    sync.Mutex
	items []Entry
	cap   int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]Entry, 0, capacity), cap: capacity}
}

func (r *ring) push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, e)
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

// snapshot returns up to limit entries newest-first (push-order). limit <= 0
// means "no cap", returning the whole ring.
func (r *ring) snapshot(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = r.items[len(r.items)-1-i]
	}
	return out
}

// Log holds the three ring buffers and an optional Redis mirror.
type Log struct {
	denied *ring
	recent *ring
	replay *ring
	client *redisx.Client
}

// New constructs a Log. client may be nil to run in-memory only.
func New(client *redisx.Client) *Log {
	return &Log{
		denied: newRing(deniedCapacity),
		recent: newRing(recentCapacity),
		replay: newRing(replayCapacity),
		client: client,
	}
}

// RecordDenied appends a denied request to the denied and replay buffers.
func (l *Log) RecordDenied(ctx context.Context, e Entry) {
	l.denied.push(e)
	l.replay.push(e)
	l.mirror(ctx, redisx.AccessLogDeniedKey, e, deniedCapacity)
	l.mirror(ctx, redisx.AccessLogReplayKey, e, replayCapacity)
}

// RecordAllowed appends an allowed request to the recent and replay
// buffers.
func (l *Log) RecordAllowed(ctx context.Context, e Entry) {
	l.recent.push(e)
	l.replay.push(e)
	l.mirror(ctx, redisx.AccessLogRecentKey, e, recentCapacity)
	l.mirror(ctx, redisx.AccessLogReplayKey, e, replayCapacity)
}

func (l *Log) mirror(ctx context.Context, key string, e Entry, capacity int) {
	if l.client == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	pipe := l.client.Raw().Pipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, int64(capacity-1))
	_, _ = pipe.Exec(ctx)
}

// Denied returns up to limit recently-denied requests, newest first. limit
// <= 0 returns the whole ring.
func (l *Log) Denied(limit int) []Entry { return l.denied.snapshot(limit) }

// Recent returns up to limit recently-allowed requests, newest first. limit
// <= 0 returns the whole ring.
func (l *Log) Recent(limit int) []Entry { return l.recent.snapshot(limit) }

// Replay returns up to limit entries of the combined replay buffer, newest
// first, exposed via /api/access-logs/replay (SPEC_FULL.md §12.4). limit
// <= 0 returns the whole ring.
func (l *Log) Replay(limit int) []Entry { return l.replay.snapshot(limit) }

// NewEntry is a small constructor helper for handlers building an Entry
// from request-time values.
func NewEntry(path, clientIP, uid, reason string, status int) Entry {
	return Entry{
		Timestamp: time.Now().Unix(),
		Path:      path,
		ClientIP:  clientIP,
		UID:       uid,
		Reason:    reason,
		Status:    status,
	}
}
