// Package transfer tracks in-flight proxied byte streams for the
// /active-transfers monitoring surface (SPEC_FULL.md §6.1/§6.3). Grounded on
// original_source/services/stream_proxy.py's transfer-tracking dict and the
// teacher's concurrent-map idiom (sync.Map-free, mutex-guarded struct
// registry, as seen in internal/redis/memory_store.go), using google/uuid
// for transfer ids exactly as the teacher does for client/user ids.
package transfer

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// terminalTransferRetention is how long a completed or failed transfer stays
// visible in the registry before being swept, so a monitoring poll a moment
// after completion still sees the final state.
const terminalTransferRetention = 5 * time.Second

// State is the lifecycle stage of a tracked transfer.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Transfer is a live or recently-terminal proxied stream.
type Transfer struct {
	ID            string
	Path          string
	ClientIP      string
	UID           string
	TotalSize     int64
	BytesSent     int64
	StartedAt     time.Time
	FirstByteAt   time.Time
	FinishedAt    time.Time
	State         State
	FailureReason string
}

// Snapshot is the read-only, JSON-friendly view returned to monitoring
// endpoints: it adds derived fields (speed, ETA) that only make sense at the
// moment of observation.
type Snapshot struct {
	ID             string  `json:"id"`
	Path           string  `json:"path"`
	ClientIP       string  `json:"client_ip"`
	UID            string  `json:"uid"`
	TotalSize      int64   `json:"total_size"`
	BytesSent      int64   `json:"bytes_sent"`
	State          string  `json:"state"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	SpeedHuman     string  `json:"speed"`
	ETASeconds     float64 `json:"eta_seconds,omitempty"`
	FailureReason  string  `json:"failure_reason,omitempty"`
}

// Registry is the concurrent set of tracked transfers.
type Registry struct {
	mu        sync.RWMutex
	transfers map[string]*Transfer
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{transfers: make(map[string]*Transfer)}
}

// Start registers a new active transfer and returns its id.
func (r *Registry) Start(path, clientIP, uid string, totalSize int64) string {
	id := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers[id] = &Transfer{
		ID:        id,
		Path:      path,
		ClientIP:  clientIP,
		UID:       uid,
		TotalSize: totalSize,
		StartedAt: time.Now(),
		State:     StateActive,
	}
	return id
}

// RecordFirstByte marks the time the first response byte was written,
// used to compute first-byte latency in logs.
func (r *Registry) RecordFirstByte(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.transfers[id]; ok && t.FirstByteAt.IsZero() {
		t.FirstByteAt = time.Now()
	}
}

// Progress updates bytes sent so far for a still-active transfer.
func (r *Registry) Progress(id string, bytesSent int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.transfers[id]; ok {
		t.BytesSent = bytesSent
	}
}

// Finish marks a transfer as completed or failed, scheduling it for
// removal after terminalTransferRetention.
func (r *Registry) Finish(id string, failureReason string) {
	r.mu.Lock()
	t, ok := r.transfers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	t.FinishedAt = time.Now()
	if failureReason != "" {
		t.State = StateFailed
		t.FailureReason = failureReason
	} else {
		t.State = StateCompleted
	}
	r.mu.Unlock()

	time.AfterFunc(terminalTransferRetention, func() {
		r.mu.Lock()
		delete(r.transfers, id)
		r.mu.Unlock()
	})
}

// Snapshot returns a point-in-time view of every tracked transfer, safe to
// call concurrently with Start/Progress/Finish.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.transfers))
	now := time.Now()
	for _, t := range r.transfers {
		elapsed := now.Sub(t.StartedAt).Seconds()
		if t.State != StateActive {
			elapsed = t.FinishedAt.Sub(t.StartedAt).Seconds()
		}

		var speedBps float64
		if elapsed > 0 {
			speedBps = float64(t.BytesSent) / elapsed
		}

		snap := Snapshot{
			ID:             t.ID,
			Path:           t.Path,
			ClientIP:       t.ClientIP,
			UID:            t.UID,
			TotalSize:      t.TotalSize,
			BytesSent:      t.BytesSent,
			State:          string(t.State),
			ElapsedSeconds: elapsed,
			SpeedHuman:     humanize.Bytes(uint64(speedBps)) + "/s",
			FailureReason:  t.FailureReason,
		}
		if t.State == StateActive && speedBps > 0 && t.TotalSize > t.BytesSent {
			snap.ETASeconds = float64(t.TotalSize-t.BytesSent) / speedBps
		}
		out = append(out, snap)
	}
	return out
}
