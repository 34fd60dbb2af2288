package redisx_test

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/streamguard/hls-auth-proxy/internal/redisx"
)

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "session:abc123", redisx.SessionKey("abc123"))
	assert.Equal(t, "session_idx:uid:ip:ua:path", redisx.SessionIdxKey("uid", "ip", "ua", "path"))
	assert.Equal(t, "ip_cidr_access:203.0.113.0/24:abcd1234", redisx.IPCidrAccessKey("203.0.113.0/24", "abcd1234"))
	assert.Equal(t, "static_file_access:203.0.113.0/24:abcd1234", redisx.StaticFileAccessKey("203.0.113.0/24", "abcd1234"))
	assert.Equal(t, "uid_ua_ip_pairs:uid-1", redisx.UIDUAIPPairsKey("uid-1"))
	assert.Equal(t, "uid_static_ua_ip_pairs:uid-1", redisx.UIDStaticUAIPPairsKey("uid-1"))
	assert.Equal(t, "m3u8_access:uid-1:pathhash", redisx.M3U8AccessKey("uid-1", "pathhash"))
}

func testMemLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestMemoryStoreSessionRoundTrip(t *testing.T) {
	m := redisx.NewMemoryStore(testMemLogger())
	defer m.Stop()

	m.SetSession("sid-1", []byte(`{"uid":"u"}`), time.Minute)
	raw, ok := m.GetSession("sid-1")
	assert.True(t, ok)
	assert.Equal(t, []byte(`{"uid":"u"}`), raw)

	m.DeleteSession("sid-1")
	_, ok = m.GetSession("sid-1")
	assert.False(t, ok)
}

func TestMemoryStoreSessionExpires(t *testing.T) {
	m := redisx.NewMemoryStore(testMemLogger())
	defer m.Stop()

	m.SetSession("sid-2", []byte("x"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := m.GetSession("sid-2")
	assert.False(t, ok, "expired session should not be returned")
}

func TestMemoryStoreSessionIdxRoundTrip(t *testing.T) {
	m := redisx.NewMemoryStore(testMemLogger())
	defer m.Stop()

	m.SetSessionIdx("idx-key", "sid-3", time.Minute)
	sid, ok := m.GetSessionIdx("idx-key")
	assert.True(t, ok)
	assert.Equal(t, "sid-3", sid)
}

func TestMemoryStoreEntryNamespacing(t *testing.T) {
	m := redisx.NewMemoryStore(testMemLogger())
	defer m.Stop()

	m.SetEntry("path_bound", "key-1", []byte("entry-a"), time.Minute)
	m.SetEntry("static", "key-1", []byte("entry-b"), time.Minute)

	a, ok := m.GetEntry("path_bound", "key-1")
	assert.True(t, ok)
	assert.Equal(t, []byte("entry-a"), a)

	b, ok := m.GetEntry("static", "key-1")
	assert.True(t, ok)
	assert.Equal(t, []byte("entry-b"), b)

	m.DeleteEntry("path_bound", "key-1")
	_, ok = m.GetEntry("path_bound", "key-1")
	assert.False(t, ok)
}

func TestMemoryStoreSessionCountIgnoresExpired(t *testing.T) {
	m := redisx.NewMemoryStore(testMemLogger())
	defer m.Stop()

	m.SetSession("sid-a", []byte("x"), time.Minute)
	m.SetSession("sid-b", []byte("x"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, m.SessionCount())
}

func TestMemoryStoreClearSessions(t *testing.T) {
	m := redisx.NewMemoryStore(testMemLogger())
	defer m.Stop()

	m.SetSession("sid-a", []byte("x"), time.Minute)
	m.SetSession("sid-b", []byte("x"), time.Minute)

	n := m.ClearSessions()
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 0, m.SessionCount())
}

func TestMemoryStorePairsRoundTrip(t *testing.T) {
	m := redisx.NewMemoryStore(testMemLogger())
	defer m.Stop()

	m.SetPairs("path_bound", "uid-1", []byte(`[["203.0.113.0/24","abcd1234"]]`))
	raw, ok := m.GetPairs("path_bound", "uid-1")
	assert.True(t, ok)
	assert.Equal(t, []byte(`[["203.0.113.0/24","abcd1234"]]`), raw)
}
