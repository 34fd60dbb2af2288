// Package whitelist implements the two disjoint whitelist namespaces from
// SPEC_FULL.md §6.4: path-bound entries (bind a uid/ip-pattern/ua pair to a
// specific key_path) and static-file-only entries (bind the same tuple
// without any path restriction, used only for the static-extension fast
// path). Grounded on original_source/services/js_whitelist_service.py for
// the FIFO-capped per-UID pair table, and on the teacher's
// internal/redis/client.go key-builder convention for Redis layout.
package whitelist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/streamguard/hls-auth-proxy/internal/ipmatch"
	"github.com/streamguard/hls-auth-proxy/internal/redisx"
)

// Namespace distinguishes the two disjoint keyspaces.
type Namespace string

const (
	PathBound  Namespace = "path_bound"
	StaticOnly Namespace = "static"
)

// Entry is a single whitelist record: a uid/ip-pattern/ua tuple and, for the
// path-bound namespace, the set of key_path values it authorizes.
type Entry struct {
	UID       string   `json:"uid"`
	IPPattern string   `json:"ip_pattern"`
	UAHash    string   `json:"ua_hash"`
	Paths     []string `json:"paths,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

// Store manages both whitelist namespaces and their UID pair tables.
type Store struct {
	client           *redisx.Client
	fallback         *redisx.MemoryStore
	ttl              time.Duration
	maxPathsPerEntry int
	maxPairsPerUID   int

	// fallbackMu serializes addFallback's read-modify-write; only used when
	// client is nil, since the Redis path serializes via WATCH/MULTI instead.
	fallbackMu sync.Mutex
}

// NewStore constructs a whitelist Store. Exactly one of client/fallback is
// expected to be non-nil; client takes precedence if both are set.
func NewStore(client *redisx.Client, fallback *redisx.MemoryStore, ttl time.Duration, maxPathsPerEntry, maxPairsPerUID int) *Store {
	return &Store{
		client:           client,
		fallback:         fallback,
		ttl:              ttl,
		maxPathsPerEntry: maxPathsPerEntry,
		maxPairsPerUID:   maxPairsPerUID,
	}
}

// entryKey is keyed by (ip_pattern, ua_hash) only: a whitelist entry is a
// property of the network/device pair, not of any one uid. uid is carried as
// a field on the stored Entry, populated from whichever admin insert last
// wrote the pair, mirroring original_source/services/auth_service.py's
// check_ip_key_path, which returns the uid *from* the matched record rather
// than using it as part of the lookup.
func entryKey(ns Namespace, ipPattern, uaHash string) string {
	prefix := redisx.IPCidrAccessKey(ipPattern, uaHash)
	if ns == StaticOnly {
		prefix = redisx.StaticFileAccessKey(ipPattern, uaHash)
	}
	return prefix
}

func pairTableKey(ns Namespace, uid string) string {
	if ns == StaticOnly {
		return redisx.UIDStaticUAIPPairsKey(uid)
	}
	return redisx.UIDUAIPPairsKey(uid)
}

func pairMember(ipPattern, uaHash string) string {
	return ipPattern + "|" + uaHash
}

// maxOptimisticRetries bounds the WATCH/MULTI retry loop in addTx: a failed
// transaction means a concurrent Add touched the same key between the read
// and the commit, so the whole read-modify-write is simply replayed.
const maxOptimisticRetries = 10

// Add admin-inserts a whitelist entry. ip may be a bare address (widened to
// /24 or /128 per ipmatch.NormalizeToPattern) or an existing CIDR. For the
// path-bound namespace, path is appended to the entry's path set, evicting
// the oldest path if the set is already at maxPathsPerEntry. The uid's pair
// table is updated FIFO-capped at maxPairsPerUID: the oldest pair is evicted
// (and its entry deleted) when the cap is exceeded.
//
// Concurrent Add calls for the same (ip_pattern, ua_hash) or the same uid's
// pair table must serialize rather than race a plain read-modify-write
// (SPEC_FULL.md §4.4): the Redis path uses WATCH/MULTI on both the entry key
// and the pair-table key, retrying the whole read-modify-write on a
// transaction conflict; the in-memory fallback path, which has no
// transaction primitive, takes a single mutex around the same
// read-modify-write instead.
func (s *Store) Add(ctx context.Context, ns Namespace, uid, ip, uaHash, path string) error {
	pattern, err := ipmatch.NormalizeToPattern(ip)
	if err != nil {
		return fmt.Errorf("invalid ip for whitelist insert: %w", err)
	}

	key := entryKey(ns, pattern, uaHash)
	pairKey := pairTableKey(ns, uid)
	member := pairMember(pattern, uaHash)

	if s.client == nil {
		return s.addFallback(ns, uid, pattern, uaHash, path, key)
	}

	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		err := s.client.Raw().Watch(ctx, func(tx *goredis.Tx) error {
			return s.addTx(ctx, tx, ns, uid, pattern, uaHash, path, key, pairKey, member)
		}, key, pairKey)
		if err == nil {
			return nil
		}
		if err == goredis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("whitelist add: exceeded %d retries under contention", maxOptimisticRetries)
}

// addTx runs inside a WATCH on key and pairKey: reads both, computes the
// updated entry and FIFO-capped pair list, then commits both writes (plus
// any evicted entries' deletion) in a single MULTI so a watch failure aborts
// the whole read-modify-write atomically rather than applying half of it.
func (s *Store) addTx(ctx context.Context, tx *goredis.Tx, ns Namespace, uid, pattern, uaHash, path, key, pairKey, member string) error {
	raw, err := tx.Get(ctx, key).Bytes()
	var entry Entry
	if err == nil {
		if jsonErr := json.Unmarshal(raw, &entry); jsonErr != nil {
			return fmt.Errorf("whitelist entry unmarshal: %w", jsonErr)
		}
	} else if err == goredis.Nil {
		entry = Entry{UID: uid, IPPattern: pattern, UAHash: uaHash, CreatedAt: time.Now().Unix()}
	} else {
		return fmt.Errorf("whitelist entry lookup: %w", err)
	}

	if ns == PathBound && path != "" {
		entry.Paths = appendCapped(entry.Paths, path, s.maxPathsPerEntry)
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("whitelist entry marshal: %w", err)
	}

	existing, err := tx.LRange(ctx, pairKey, 0, -1).Result()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("pair table read: %w", err)
	}
	deduped, evicted := dedupeAndCap(existing, member, s.maxPairsPerUID)

	_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, encoded, s.ttl)
		pipe.Del(ctx, pairKey)
		if len(deduped) > 0 {
			args := make([]interface{}, len(deduped))
			for i, m := range deduped {
				args[i] = m
			}
			pipe.RPush(ctx, pairKey, args...)
		}
		pipe.Expire(ctx, pairKey, s.ttl)
		for _, pair := range evicted {
			pipe.Del(ctx, entryKey(ns, pair[0], pair[1]))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("whitelist entry store: %w", err)
	}
	return nil
}

// addFallback is Add's in-memory-store counterpart. fallbackMu serializes
// the whole read-modify-write across concurrent callers, since MemoryStore's
// own per-call locking only makes each individual Get/Set atomic, not the
// sequence of them Add depends on.
func (s *Store) addFallback(ns Namespace, uid, pattern, uaHash, path, key string) error {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()

	var entry Entry
	if raw, ok := s.fallback.GetEntry(string(ns), key); ok {
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("whitelist entry unmarshal: %w", err)
		}
	} else {
		entry = Entry{UID: uid, IPPattern: pattern, UAHash: uaHash, CreatedAt: time.Now().Unix()}
	}

	if ns == PathBound && path != "" {
		entry.Paths = appendCapped(entry.Paths, path, s.maxPathsPerEntry)
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("whitelist entry marshal: %w", err)
	}

	member := pairMember(pattern, uaHash)
	var existing []string
	if raw, ok := s.fallback.GetPairs(string(ns), uid); ok {
		if err := json.Unmarshal(raw, &existing); err != nil {
			return fmt.Errorf("pair table unmarshal: %w", err)
		}
	}
	deduped, evicted := dedupeAndCap(existing, member, s.maxPairsPerUID)

	pairsEncoded, err := json.Marshal(deduped)
	if err != nil {
		return fmt.Errorf("pair table marshal: %w", err)
	}

	s.fallback.SetEntry(string(ns), key, encoded, s.ttl)
	s.fallback.SetPairs(string(ns), uid, pairsEncoded)
	for _, pair := range evicted {
		s.fallback.DeleteEntry(string(ns), entryKey(ns, pair[0], pair[1]))
	}
	return nil
}

// dedupeAndCap pushes member onto the head of existing (deduplicating any
// prior occurrence of the same member) and trims the result to maxPairs,
// returning the members evicted off the tail so their backing whitelist
// entries can be deleted too.
func dedupeAndCap(existing []string, member string, maxPairs int) ([]string, [][2]string) {
	deduped := make([]string, 0, len(existing)+1)
	deduped = append(deduped, member)
	for _, m := range existing {
		if m != member {
			deduped = append(deduped, m)
		}
	}

	var evicted [][2]string
	if len(deduped) > maxPairs {
		for _, m := range deduped[maxPairs:] {
			ipPattern, uaHash := splitPairMember(m)
			evicted = append(evicted, [2]string{ipPattern, uaHash})
		}
		deduped = deduped[:maxPairs]
	}
	return deduped, evicted
}

func splitPairMember(m string) (string, string) {
	for i := 0; i < len(m); i++ {
		if m[i] == '|' {
			return m[:i], m[i+1:]
		}
	}
	return m, ""
}

func appendCapped(paths []string, path string, maxPaths int) []string {
	for _, p := range paths {
		if p == path {
			return paths
		}
	}
	paths = append(paths, path)
	if len(paths) > maxPaths {
		paths = paths[len(paths)-maxPaths:]
	}
	return paths
}

// Probe checks whether (ipPattern, uaHash) has a whitelist entry, and for
// the path-bound namespace whether keyPath is among its authorized paths.
// ipPattern must be the same normalized form produced by
// ipmatch.NormalizeToPattern for a fixed-width match; callers that only have
// a concrete client IP should probe candidate widenings themselves (the
// admin insert side is the only place widening happens automatically). The
// entry's own uid field (set at admin-insert time) is never consulted here:
// a request's claimed uid plays no part in whether its (ip, ua) pair is
// whitelisted.
func (s *Store) Probe(ctx context.Context, ns Namespace, ipPattern, uaHash, keyPath string) (bool, error) {
	key := entryKey(ns, ipPattern, uaHash)

	var raw []byte
	if s.client == nil {
		var ok bool
		raw, ok = s.fallback.GetEntry(string(ns), key)
		if !ok {
			return false, nil
		}
	} else {
		var err error
		raw, err = s.client.Raw().Get(ctx, key).Bytes()
		if err == goredis.Nil {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("whitelist probe: %w", err)
		}
	}

	if ns == StaticOnly {
		return true, nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false, fmt.Errorf("whitelist entry unmarshal: %w", err)
	}
	for _, p := range entry.Paths {
		if p == keyPath {
			return true, nil
		}
	}
	return false, nil
}

// ProbeByIP tests a concrete client IP against every whitelist entry stored
// for uaHash, returning true on the first entry whose ip_pattern genuinely
// contains it (ipmatch.InCIDR) — not just the one entry whose pattern happens
// to equal the client IP's own default-width widening. An admin insert may
// have stored an arbitrary CIDR width (Add only widens bare addresses; an
// already-qualified CIDR like 10.0.0.0/16 passes through unchanged), so the
// probe side has to enumerate candidates rather than guess a single key.
// Mirrors original_source/services/auth_service.py's check_ip_key_path,
// which SCANs ip_cidr_access:*:<ua_hash> and matches each candidate in turn.
func (s *Store) ProbeByIP(ctx context.Context, ns Namespace, clientIP, uaHash, keyPath string) (bool, error) {
	canonical, err := ipmatch.CanonicalizeIP(clientIP)
	if err != nil {
		return false, fmt.Errorf("invalid client ip: %w", err)
	}

	entries, err := s.scanEntries(ctx, ns, uaHash)
	if err != nil {
		return false, err
	}

	for _, entry := range entries {
		if entry.UAHash != uaHash {
			continue
		}
		contains, err := ipmatch.InCIDR(canonical, entry.IPPattern)
		if err != nil || !contains {
			continue
		}
		if ns == StaticOnly {
			return true, nil
		}
		for _, p := range entry.Paths {
			if p == keyPath {
				return true, nil
			}
		}
	}
	return false, nil
}

// scanEntries returns every decoded whitelist entry stored for (ns, uaHash).
func (s *Store) scanEntries(ctx context.Context, ns Namespace, uaHash string) ([]Entry, error) {
	var raws [][]byte
	if s.client == nil {
		raws = s.fallback.ListEntries(string(ns))
	} else {
		pattern := redisx.IPCidrAccessScanPattern(uaHash)
		if ns == StaticOnly {
			pattern = redisx.StaticFileAccessScanPattern(uaHash)
		}
		keys, err := s.client.ScanKeys(ctx, pattern)
		if err != nil {
			return nil, fmt.Errorf("whitelist scan: %w", err)
		}
		if len(keys) == 0 {
			return nil, nil
		}
		vals, err := s.client.Raw().MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("whitelist scan mget: %w", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			raws = append(raws, []byte(str))
		}
	}

	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
