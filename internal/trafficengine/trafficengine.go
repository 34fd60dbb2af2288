// Package trafficengine implements the two-tier traffic accounting engine:
// an accumulator ("tier A") for UIDs that have not yet crossed the
// reporting byte threshold, and a qualified map ("tier B") for UIDs that
// have, which is periodically flushed to an external collector over HTTP.
// Grounded directly on original_source/traffic_collector.py's
// TrafficCollector (accumulator promotion, maybe-cleanup-every-1000-calls,
// report-then-clear-on-200), translated to Go with sync.Mutex-guarded maps
// and the teacher's Bearer-header HTTP POST idiom.
package trafficengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamguard/hls-auth-proxy/internal/config"
	"github.com/streamguard/hls-auth-proxy/internal/constants"
)

// accumulatorEntry tracks a UID's running byte total before it has crossed
// the reporting threshold.
type accumulatorEntry struct {
	bytes        int64
	firstSeen    time.Time
	lastActivity time.Time
}

// qualifiedEntry is the full per-UID record kept once a UID has crossed
// MinBytesThreshold, reported and cleared on each successful flush.
type qualifiedEntry struct {
	TotalBytes     int64
	RequestCount   int64
	FileTypes      map[string]int64
	UniqueIPs      map[string]struct{}
	UniqueSessions map[string]struct{}
	StartTime      time.Time
	LastActivity   time.Time
}

// Engine is the running traffic accounting state for one proxy process.
type Engine struct {
	cfg      config.TrafficConfig
	logger   *logrus.Logger
	client   *http.Client
	workerID string

	mu          sync.Mutex
	accumulator map[string]*accumulatorEntry
	qualified   map[string]*qualifiedEntry
	callCount   int

	stats Stats

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Stats is a coarse counter set exposed through /stats.
type Stats struct {
	TotalRecordedUIDs  int64
	TotalReportsSent   int64
	TotalBytesReported int64
	ReportsFailed      int64
}

// New constructs an Engine. workerID identifies this process in outbound
// reports (mirrors the original's "worker_<pid>_<ts>" convention).
func New(cfg config.TrafficConfig, logger *logrus.Logger, workerID string) *Engine {
	return &Engine{
		cfg:         cfg,
		logger:      logger,
		client:      &http.Client{Timeout: 30 * time.Second},
		workerID:    workerID,
		accumulator: make(map[string]*accumulatorEntry),
		qualified:   make(map[string]*qualifiedEntry),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Record ingests bytesTransferred for uid. A UID stays in the accumulator
// until its running total crosses cfg.MinBytesThreshold, at which point it
// is promoted into the qualified map and every subsequent call accumulates
// there directly.
func (e *Engine) Record(uid string, bytesTransferred int64, fileType, clientIP, sessionID string) {
	if uid == "" || bytesTransferred <= 0 || !e.cfg.Enabled {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if q, ok := e.qualified[uid]; ok {
		q.TotalBytes += bytesTransferred
		q.RequestCount++
		q.LastActivity = now
		q.FileTypes[fileType] += bytesTransferred
		if len(q.UniqueIPs) < 20 {
			q.UniqueIPs[clientIP] = struct{}{}
		}
		if sessionID != "" && len(q.UniqueSessions) < 10 {
			q.UniqueSessions[sessionID] = struct{}{}
		}
		e.maybeCleanupAccumulator(now)
		return
	}

	acc, ok := e.accumulator[uid]
	if !ok {
		acc = &accumulatorEntry{firstSeen: now}
		e.accumulator[uid] = acc
	}
	acc.bytes += bytesTransferred
	acc.lastActivity = now

	if acc.bytes >= e.cfg.MinBytesThreshold {
		e.qualified[uid] = &qualifiedEntry{
			TotalBytes:     acc.bytes,
			RequestCount:   1,
			FileTypes:      map[string]int64{fileType: acc.bytes},
			UniqueIPs:      map[string]struct{}{clientIP: {}},
			UniqueSessions: map[string]struct{}{},
			StartTime:      acc.firstSeen,
			LastActivity:   now,
		}
		if sessionID != "" {
			e.qualified[uid].UniqueSessions[sessionID] = struct{}{}
		}
		delete(e.accumulator, uid)
		e.stats.TotalRecordedUIDs++
		e.logger.WithField("uid", uid).Info("uid crossed traffic reporting threshold")
	}

	e.maybeCleanupAccumulator(now)
}

// maybeCleanupAccumulator mirrors the original's every-1000-calls sweep of
// accumulator entries idle for more than LongIdleTimeout worth of
// opportunity (the original uses a fixed 10 minutes; here it is the
// configured AccumulatorIdleTimeout). Caller must hold e.mu.
func (e *Engine) maybeCleanupAccumulator(now time.Time) {
	e.callCount++
	if e.callCount < 1000 {
		return
	}
	e.callCount = 0

	expired := 0
	for uid, acc := range e.accumulator {
		if now.Sub(acc.firstSeen) > e.cfg.AccumulatorIdleTimeout {
			delete(e.accumulator, uid)
			expired++
		}
	}
	if expired > 0 {
		e.logger.WithField("expired_uids", expired).Debug("accumulator cleanup swept stale uids")
	}
}

// reportPayload is the JSON body posted to cfg.ReportURL.
type reportPayload struct {
	Timestamp          int64         `json:"timestamp"`
	WorkerID           string        `json:"worker_id"`
	ReportIntervalSecs int64         `json:"report_interval_seconds"`
	MinBytesThreshold  int64         `json:"min_bytes_threshold"`
	TotalQualifiedUIDs int           `json:"total_qualified_uids"`
	TrafficDetails     []uidReport   `json:"traffic_details"`
	Summary            reportSummary `json:"summary"`
}

type uidReport struct {
	UID                string           `json:"uid"`
	TotalBytes         int64            `json:"total_bytes"`
	RequestCount       int64            `json:"request_count"`
	DurationSeconds    int64            `json:"duration_seconds"`
	StartTime          int64            `json:"start_time"`
	LastActivity       int64            `json:"last_activity"`
	FileTypes          map[string]int64 `json:"file_types"`
	UniqueIPs          int              `json:"unique_ips"`
	UniqueSessions     int              `json:"unique_sessions"`
	AvgBytesPerRequest int64            `json:"avg_bytes_per_request"`
	BytesPerSecond     int64            `json:"bytes_per_second"`
}

type reportSummary struct {
	TotalBytes    int64 `json:"total_bytes"`
	TotalRequests int64 `json:"total_requests"`
}

// sendReport flushes the qualified map to cfg.ReportURL. On a 2xx response
// the qualified map is cleared; on any failure it is retained so the next
// interval retries the same accumulated totals.
func (e *Engine) sendReport(ctx context.Context) error {
	e.mu.Lock()
	if len(e.qualified) == 0 {
		e.mu.Unlock()
		return nil
	}
	now := time.Now()
	payload := reportPayload{
		Timestamp:          now.Unix(),
		WorkerID:           e.workerID,
		ReportIntervalSecs: int64(e.cfg.ReportInterval.Seconds()),
		MinBytesThreshold:  e.cfg.MinBytesThreshold,
		TotalQualifiedUIDs: len(e.qualified),
	}
	for uid, q := range e.qualified {
		duration := int64(q.LastActivity.Sub(q.StartTime).Seconds())
		if duration < 1 {
			duration = 1
		}
		payload.TrafficDetails = append(payload.TrafficDetails, uidReport{
			UID:                uid,
			TotalBytes:         q.TotalBytes,
			RequestCount:       q.RequestCount,
			DurationSeconds:    duration,
			StartTime:          q.StartTime.Unix(),
			LastActivity:       q.LastActivity.Unix(),
			FileTypes:          q.FileTypes,
			UniqueIPs:          len(q.UniqueIPs),
			UniqueSessions:     len(q.UniqueSessions),
			AvgBytesPerRequest: q.TotalBytes / max64(q.RequestCount, 1),
			BytesPerSecond:     q.TotalBytes / duration,
		})
		payload.Summary.TotalBytes += q.TotalBytes
		payload.Summary.TotalRequests += q.RequestCount
	}
	e.mu.Unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal traffic report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.ReportURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build traffic report request: %w", err)
	}
	req.Header.Set(constants.HeaderContentType, constants.ContentTypeJSON)
	req.Header.Set(constants.HeaderUserAgent, "hls-auth-proxy-traffic-collector/1.0")
	if e.cfg.APIKey != "" {
		req.Header.Set(constants.HeaderAuthorization, "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.mu.Lock()
		e.stats.ReportsFailed++
		e.mu.Unlock()
		return fmt.Errorf("traffic report request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.mu.Lock()
		e.stats.ReportsFailed++
		e.mu.Unlock()
		return fmt.Errorf("traffic report returned status %d", resp.StatusCode)
	}

	e.mu.Lock()
	e.stats.TotalReportsSent++
	e.stats.TotalBytesReported += payload.Summary.TotalBytes
	reportedUIDs := len(e.qualified)
	e.qualified = make(map[string]*qualifiedEntry)
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"uids":  reportedUIDs,
		"bytes": payload.Summary.TotalBytes,
	}).Info("traffic report sent")
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// longIdleSweepInterval is how often sweepLongIdle runs, independent of
// LongIdleTimeout (which is only the eviction-age threshold it checks
// against). Fixed at 60s regardless of configuration (SPEC_FULL.md §4.6).
const longIdleSweepInterval = 60 * time.Second

// Run starts the periodic report loop and the long-idle accumulator sweep.
// It blocks until ctx is cancelled, at which point it performs one final
// flush before returning, so traffic accrued right before shutdown is not
// silently dropped.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)
	if !e.cfg.Enabled || e.cfg.ReportURL == "" {
		e.logger.Info("traffic engine disabled or has no report url; skipping report loop")
		<-ctx.Done()
		return
	}

	reportTicker := time.NewTicker(e.cfg.ReportInterval)
	defer reportTicker.Stop()
	idleTicker := time.NewTicker(longIdleSweepInterval)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := e.sendReport(context.Background()); err != nil {
				e.logger.WithError(err).Warn("final traffic report on shutdown failed")
			}
			return
		case <-reportTicker.C:
			if err := e.sendReport(ctx); err != nil {
				e.logger.WithError(err).Warn("periodic traffic report failed")
			}
		case <-idleTicker.C:
			e.sweepLongIdle()
		}
	}
}

// sweepLongIdle evicts records from either tier that have gone quiet for
// longer than LongIdleTimeout, so a one-off burst of traffic does not pin
// memory indefinitely waiting for a report cycle (tier B) or a call-count
// cleanup (tier A, maybeCleanupAccumulator) that may never come.
func (e *Engine) sweepLongIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for uid, q := range e.qualified {
		if now.Sub(q.LastActivity) > e.cfg.LongIdleTimeout {
			delete(e.qualified, uid)
		}
	}
	for uid, acc := range e.accumulator {
		if now.Sub(acc.lastActivity) > e.cfg.LongIdleTimeout {
			delete(e.accumulator, uid)
		}
	}
}

// Snapshot returns a copy of the current counters for /stats.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
