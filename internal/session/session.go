// Package session implements SessionRecord create/reuse/renew against the
// Redis key layout in SPEC_FULL.md §6.4. Grounded on the teacher's
// StoreSession/GetSession/DeleteSession shape in internal/redis/client.go,
// generalized from an opaque OAuth2 session to one keyed by the
// (uid, ip, ua, key_path) fingerprint.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/streamguard/hls-auth-proxy/internal/redisx"
)

// Record is the SessionRecord entity (§3).
type Record struct {
	UID         string `json:"uid"`
	IP          string `json:"ip"`
	UA          string `json:"ua"`
	KeyPath     string `json:"key_path"`
	CreatedAt   int64  `json:"created_at"`
	LastActive  int64  `json:"last_active"`
	AccessCount int64  `json:"access_count"`
}

// Store manages SessionRecords in Redis, or in the in-memory fallback store
// when Redis was unreachable at startup.
type Store struct {
	client   *redisx.Client
	fallback *redisx.MemoryStore
	ttl      time.Duration
}

// NewStore constructs a session Store with the configured session TTL.
// Exactly one of client/fallback is expected to be non-nil; client takes
// precedence if both are set.
func NewStore(client *redisx.Client, fallback *redisx.MemoryStore, ttl time.Duration) *Store {
	return &Store{client: client, fallback: fallback, ttl: ttl}
}

// Lookup finds an active session for the given fingerprint. It returns
// (nil, false, nil) on a clean miss and a non-nil error only on an
// unexpected Redis failure (the pipeline maps that to transient_redis).
func (s *Store) Lookup(ctx context.Context, uid, ip, ua, keyPath string) (sid string, rec *Record, err error) {
	idxKey := redisx.SessionIdxKey(uid, ip, ua, keyPath)

	if s.client == nil {
		sid, ok := s.fallback.GetSessionIdx(idxKey)
		if !ok {
			return "", nil, nil
		}
		raw, ok := s.fallback.GetSession(sid)
		if !ok {
			return "", nil, nil
		}
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return "", nil, fmt.Errorf("session unmarshal: %w", err)
		}
		return sid, &record, nil
	}

	sid, err = s.client.Raw().Get(ctx, idxKey).Result()
	if err == goredis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("session index lookup: %w", err)
	}

	raw, err := s.client.Raw().Get(ctx, redisx.SessionKey(sid)).Bytes()
	if err == goredis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("session lookup: %w", err)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return "", nil, fmt.Errorf("session unmarshal: %w", err)
	}
	return sid, &record, nil
}

// Renew extends a session's TTL and increments its access count, returning
// the same session id (§4.1 step 5).
func (s *Store) Renew(ctx context.Context, sid string, rec *Record) error {
	rec.LastActive = time.Now().Unix()
	rec.AccessCount++

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session marshal: %w", err)
	}

	idxKey := redisx.SessionIdxKey(rec.UID, rec.IP, rec.UA, rec.KeyPath)

	if s.client == nil {
		s.fallback.SetSession(sid, raw, s.ttl)
		s.fallback.SetSessionIdx(idxKey, sid, s.ttl)
		return nil
	}

	pipe := s.client.Raw().Pipeline()
	pipe.Set(ctx, redisx.SessionKey(sid), raw, s.ttl)
	pipe.Expire(ctx, idxKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session renew: %w", err)
	}
	return nil
}

// Create starts a new session for a fingerprint that just passed a
// whitelist or static-file probe (§4.1 steps 6-7), returning the new
// session id.
func (s *Store) Create(ctx context.Context, uid, ip, ua, keyPath string) (string, error) {
	sid := uuid.NewString()
	now := time.Now().Unix()
	rec := Record{
		UID:         uid,
		IP:          ip,
		UA:          ua,
		KeyPath:     keyPath,
		CreatedAt:   now,
		LastActive:  now,
		AccessCount: 1,
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("session marshal: %w", err)
	}

	idxKey := redisx.SessionIdxKey(uid, ip, ua, keyPath)

	if s.client == nil {
		s.fallback.SetSession(sid, raw, s.ttl)
		s.fallback.SetSessionIdx(idxKey, sid, s.ttl)
		return sid, nil
	}

	pipe := s.client.Raw().Pipeline()
	pipe.Set(ctx, redisx.SessionKey(sid), raw, s.ttl)
	pipe.Set(ctx, idxKey, sid, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("session create: %w", err)
	}
	return sid, nil
}

// Stats is a coarse summary returned by the admin /cache/sessions/stats-style
// endpoint (here exposed as part of /stats, see SPEC_FULL.md §6.1).
type Stats struct {
	TotalSessions int64 `json:"total_sessions"`
}

// CountSessions scans the session keyspace to report a total. This is an
// O(N) SCAN, acceptable for an occasional monitoring call, never on the
// request hot path.
func (s *Store) CountSessions(ctx context.Context) (Stats, error) {
	if s.client == nil {
		return Stats{TotalSessions: int64(s.fallback.SessionCount())}, nil
	}
	keys, err := s.client.ScanKeys(ctx, "session:*")
	if err != nil {
		return Stats{}, err
	}
	return Stats{TotalSessions: int64(len(keys))}, nil
}

// ClearAll deletes every session key, used by the admin cache-clear surface.
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	if s.client == nil {
		return s.fallback.ClearSessions(), nil
	}
	keys, err := s.client.ScanKeys(ctx, "session:*")
	if err != nil {
		return 0, err
	}
	idxKeys, err := s.client.ScanKeys(ctx, "session_idx:*")
	if err != nil {
		return 0, err
	}
	return s.client.DeleteInBatches(ctx, append(keys, idxKeys...))
}
