package trafficengine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamguard/hls-auth-proxy/internal/config"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRecordStaysInAccumulatorBelowThreshold(t *testing.T) {
	cfg := config.TrafficConfig{Enabled: true, MinBytesThreshold: 1000, AccumulatorIdleTimeout: time.Hour}
	e := New(cfg, testLogger(), "worker-1")

	e.Record("uid-1", 400, "ts", "203.0.113.1", "sess-1")

	e.mu.Lock()
	_, inAccumulator := e.accumulator["uid-1"]
	_, inQualified := e.qualified["uid-1"]
	e.mu.Unlock()

	assert.True(t, inAccumulator)
	assert.False(t, inQualified)
}

func TestRecordPromotesToQualifiedAtThreshold(t *testing.T) {
	cfg := config.TrafficConfig{Enabled: true, MinBytesThreshold: 1000, AccumulatorIdleTimeout: time.Hour}
	e := New(cfg, testLogger(), "worker-1")

	e.Record("uid-2", 600, "ts", "203.0.113.1", "sess-1")
	e.Record("uid-2", 600, "ts", "203.0.113.1", "sess-1")

	e.mu.Lock()
	q, ok := e.qualified["uid-2"]
	_, stillAccumulating := e.accumulator["uid-2"]
	e.mu.Unlock()

	require.True(t, ok, "uid should have been promoted once it crossed MinBytesThreshold")
	assert.False(t, stillAccumulating)
	assert.Equal(t, int64(1200), q.TotalBytes)
}

func TestRecordIgnoresZeroOrNegativeBytesAndDisabledEngine(t *testing.T) {
	cfg := config.TrafficConfig{Enabled: false, MinBytesThreshold: 1000}
	e := New(cfg, testLogger(), "worker-1")
	e.Record("uid-3", 5000, "ts", "203.0.113.1", "")

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.accumulator)
	assert.Empty(t, e.qualified)
}

func TestUniqueIPsAndSessionsAreCappedOnceQualified(t *testing.T) {
	cfg := config.TrafficConfig{Enabled: true, MinBytesThreshold: 100, AccumulatorIdleTimeout: time.Hour}
	e := New(cfg, testLogger(), "worker-1")
	e.Record("uid-4", 200, "ts", "203.0.113.1", "sess-0")

	for i := 0; i < 30; i++ {
		e.Record("uid-4", 10, "ts", ipFor(i), sessionFor(i))
	}

	e.mu.Lock()
	q := e.qualified["uid-4"]
	e.mu.Unlock()

	assert.LessOrEqual(t, len(q.UniqueIPs), 20)
	assert.LessOrEqual(t, len(q.UniqueSessions), 10)
}

func TestSendReportClearsQualifiedOnSuccess(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.TrafficConfig{
		Enabled: true, MinBytesThreshold: 100, ReportURL: srv.URL,
		ReportInterval: time.Minute, AccumulatorIdleTimeout: time.Hour, LongIdleTimeout: time.Hour,
	}
	e := New(cfg, testLogger(), "worker-1")
	e.Record("uid-5", 500, "ts", "203.0.113.1", "sess-1")

	require.NoError(t, e.sendReport(context.Background()))
	assert.Equal(t, "/", gotPath)

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.qualified, "qualified map should be cleared after a successful report")
	assert.Equal(t, int64(1), e.stats.TotalReportsSent)
}

func TestSendReportRetainsQualifiedOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.TrafficConfig{
		Enabled: true, MinBytesThreshold: 100, ReportURL: srv.URL,
		ReportInterval: time.Minute, AccumulatorIdleTimeout: time.Hour, LongIdleTimeout: time.Hour,
	}
	e := New(cfg, testLogger(), "worker-1")
	e.Record("uid-6", 500, "ts", "203.0.113.1", "sess-1")

	err := e.sendReport(context.Background())
	assert.Error(t, err)

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.NotEmpty(t, e.qualified, "qualified map should be retained after a failed report")
	assert.Equal(t, int64(1), e.stats.ReportsFailed)
}

func TestSendReportIsANoopWhenNothingIsQualified(t *testing.T) {
	cfg := config.TrafficConfig{Enabled: true, MinBytesThreshold: 100, ReportURL: "http://unused.invalid"}
	e := New(cfg, testLogger(), "worker-1")

	assert.NoError(t, e.sendReport(context.Background()))
}

func TestSweepLongIdleEvictsStaleQualifiedUIDs(t *testing.T) {
	cfg := config.TrafficConfig{Enabled: true, MinBytesThreshold: 100, LongIdleTimeout: 10 * time.Millisecond}
	e := New(cfg, testLogger(), "worker-1")
	e.Record("uid-7", 500, "ts", "203.0.113.1", "")

	time.Sleep(30 * time.Millisecond)
	e.sweepLongIdle()

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.qualified)
}

func TestSweepLongIdleEvictsStaleAccumulatorUIDs(t *testing.T) {
	cfg := config.TrafficConfig{Enabled: true, MinBytesThreshold: 100000, AccumulatorIdleTimeout: time.Hour, LongIdleTimeout: 10 * time.Millisecond}
	e := New(cfg, testLogger(), "worker-1")
	e.Record("uid-8", 500, "ts", "203.0.113.1", "")

	e.mu.Lock()
	_, inAccumulator := e.accumulator["uid-8"]
	e.mu.Unlock()
	require.True(t, inAccumulator, "below MinBytesThreshold so it stays in the accumulator, not qualified")

	time.Sleep(30 * time.Millisecond)
	e.sweepLongIdle()

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.accumulator, "the 60s long-idle sweep must evict tier-A entries too, not rely solely on the every-1000-calls cleanup")
}

func ipFor(i int) string {
	return "203.0.113." + string(rune('0'+(i%9)+1))
}

func sessionFor(i int) string {
	return "sess-" + string(rune('a'+(i%26)))
}
