package integration_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/streamguard/hls-auth-proxy/internal/config"
	"github.com/streamguard/hls-auth-proxy/internal/fingerprint"
	"github.com/streamguard/hls-auth-proxy/internal/m3u8counter"
	"github.com/streamguard/hls-auth-proxy/internal/redisx"
	"github.com/streamguard/hls-auth-proxy/internal/session"
	"github.com/streamguard/hls-auth-proxy/internal/whitelist"
	"github.com/streamguard/hls-auth-proxy/pkg/logger"
)

const (
	testUID = "uid-123"
	testIP  = "203.0.113.10"
	testUA  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"
	testKey = "segment-1.ts"
)

func TestRedisIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}

	ctx := context.Background()

	redisContainer, err := redis.RunContainer(ctx, testcontainers.WithImage("redis:7-alpine"))
	require.NoError(t, err)

	defer func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}()

	connectionString, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err)

	cfg := &config.RedisConfig{
		URL:          connectionString,
		PoolSize:     10,
		MinIdleConn:  5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	log := logger.New("info", "json", "stdout")
	client, err := redisx.NewClient(cfg, log)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Ping(ctx))

	t.Run("SessionLifecycle", func(t *testing.T) {
		testSessionLifecycle(ctx, t, client)
	})

	t.Run("WhitelistPathBound", func(t *testing.T) {
		testWhitelistPathBound(ctx, t, client)
	})

	t.Run("WhitelistStaticOnly", func(t *testing.T) {
		testWhitelistStaticOnly(ctx, t, client)
	})

	t.Run("WhitelistPairEviction", func(t *testing.T) {
		testWhitelistPairEviction(ctx, t, client)
	})

	t.Run("WhitelistConcurrentAdd", func(t *testing.T) {
		testWhitelistConcurrentAdd(ctx, t, client)
	})

	t.Run("M3U8CounterWindow", func(t *testing.T) {
		testM3U8CounterWindow(ctx, t, client)
	})

	t.Run("ClearAllSessions", func(t *testing.T) {
		testClearAllSessions(ctx, t, client)
	})
}

func testSessionLifecycle(ctx context.Context, t *testing.T, client *redisx.Client) {
	store := session.NewStore(client, nil, time.Hour)

	sid, rec, err := store.Lookup(ctx, testUID, testIP, testUA, testKey)
	require.NoError(t, err)
	assert.Empty(t, sid)
	assert.Nil(t, rec)

	created, err := store.Create(ctx, testUID, testIP, testUA, testKey)
	require.NoError(t, err)
	assert.NotEmpty(t, created)

	foundSID, foundRec, err := store.Lookup(ctx, testUID, testIP, testUA, testKey)
	require.NoError(t, err)
	require.NotNil(t, foundRec)
	assert.Equal(t, created, foundSID)
	assert.Equal(t, testUID, foundRec.UID)
	assert.EqualValues(t, 1, foundRec.AccessCount)

	require.NoError(t, store.Renew(ctx, foundSID, foundRec))
	assert.EqualValues(t, 2, foundRec.AccessCount)

	_, renewedRec, err := store.Lookup(ctx, testUID, testIP, testUA, testKey)
	require.NoError(t, err)
	require.NotNil(t, renewedRec)
	assert.EqualValues(t, 2, renewedRec.AccessCount)
}

func testWhitelistPathBound(ctx context.Context, t *testing.T, client *redisx.Client) {
	store := whitelist.NewStore(client, nil, time.Hour, 5, 5)
	uaHash := fingerprint.UAHash(testUA)

	allowed, err := store.ProbeByIP(ctx, whitelist.PathBound, testIP, uaHash, testKey)
	require.NoError(t, err)
	assert.False(t, allowed)

	require.NoError(t, store.Add(ctx, whitelist.PathBound, "pathbound-uid", testIP, uaHash, testKey))

	allowed, err = store.ProbeByIP(ctx, whitelist.PathBound, testIP, uaHash, testKey)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = store.ProbeByIP(ctx, whitelist.PathBound, testIP, uaHash, "other-segment.ts")
	require.NoError(t, err)
	assert.False(t, allowed, "path-bound entries only authorize the paths they were granted")
}

func testWhitelistStaticOnly(ctx context.Context, t *testing.T, client *redisx.Client) {
	store := whitelist.NewStore(client, nil, time.Hour, 5, 5)
	uaHash := fingerprint.UAHash(testUA)

	require.NoError(t, store.Add(ctx, whitelist.StaticOnly, "static-uid", testIP, uaHash, ""))

	allowed, err := store.ProbeByIP(ctx, whitelist.StaticOnly, testIP, uaHash, "any/path/at/all.ts")
	require.NoError(t, err)
	assert.True(t, allowed, "static-only entries ignore the requested path entirely")
}

func testWhitelistPairEviction(ctx context.Context, t *testing.T, client *redisx.Client) {
	store := whitelist.NewStore(client, nil, time.Hour, 5, 2)
	uaHash := fingerprint.UAHash(testUA)

	require.NoError(t, store.Add(ctx, whitelist.PathBound, "evict-uid", "198.51.100.1", uaHash, "a.ts"))
	require.NoError(t, store.Add(ctx, whitelist.PathBound, "evict-uid", "198.51.100.2", uaHash, "a.ts"))
	require.NoError(t, store.Add(ctx, whitelist.PathBound, "evict-uid", "198.51.100.3", uaHash, "a.ts"))

	allowed, err := store.ProbeByIP(ctx, whitelist.PathBound, "198.51.100.1", uaHash, "a.ts")
	require.NoError(t, err)
	assert.False(t, allowed, "oldest pair must be evicted once maxPairsPerUID is exceeded")

	allowed, err = store.ProbeByIP(ctx, whitelist.PathBound, "198.51.100.3", uaHash, "a.ts")
	require.NoError(t, err)
	assert.True(t, allowed, "most recently inserted pair must still be authorized")
}

func testWhitelistConcurrentAdd(ctx context.Context, t *testing.T, client *redisx.Client) {
	store := whitelist.NewStore(client, nil, time.Hour, 32, 50)
	uaHash := fingerprint.UAHash(testUA)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Add(ctx, whitelist.PathBound, "concurrent-uid", "192.0.2.55", uaHash, fmt.Sprintf("seg-%d.ts", i)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		allowed, err := store.ProbeByIP(ctx, whitelist.PathBound, "192.0.2.55", uaHash, fmt.Sprintf("seg-%d.ts", i))
		require.NoError(t, err)
		assert.True(t, allowed, "path seg-%d.ts inserted by a concurrent Add must survive WATCH/MULTI serialization, not be lost to a race", i)
	}
}

func testM3U8CounterWindow(ctx context.Context, t *testing.T, client *redisx.Client) {
	limits := config.M3U8Config{
		MobileWindow:  200 * time.Millisecond,
		MobileMax:     2,
		DesktopWindow: 200 * time.Millisecond,
		DesktopMax:    2,
		ToolWindow:    200 * time.Millisecond,
		ToolMax:       2,
	}
	counter := m3u8counter.NewCounter(client, limits)

	for i := 0; i < 2; i++ {
		within, err := counter.Allow(ctx, "counter-uid", testKey, fingerprint.ClassDesktop)
		require.NoError(t, err)
		assert.True(t, within)
	}

	within, err := counter.Allow(ctx, "counter-uid", testKey, fingerprint.ClassDesktop)
	require.NoError(t, err)
	assert.False(t, within, "the third access within the window must exceed the class max")

	time.Sleep(250 * time.Millisecond)

	within, err = counter.Allow(ctx, "counter-uid", testKey, fingerprint.ClassDesktop)
	require.NoError(t, err)
	assert.True(t, within, "a new window must reset the count")
}

func testClearAllSessions(ctx context.Context, t *testing.T, client *redisx.Client) {
	store := session.NewStore(client, nil, time.Hour)

	t.Run("EmptyStore", func(t *testing.T) {
		stats, err := store.CountSessions(ctx)
		require.NoError(t, err)
		startCount := stats.TotalSessions

		n, err := store.ClearAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, startCount, n)
	})

	t.Run("WithSessions", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			_, err := store.Create(ctx, "clear-uid", testIP, testUA, "file-"+string(rune('a'+i))+".ts")
			require.NoError(t, err)
		}

		stats, err := store.CountSessions(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 5, stats.TotalSessions)

		n, err := store.ClearAll(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 5, n)

		stats, err = store.CountSessions(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 0, stats.TotalSessions)
	})
}
