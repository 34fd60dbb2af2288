package fingerprint_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamguard/hls-auth-proxy/internal/fingerprint"
)

func TestUAHash(t *testing.T) {
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"
	sum := sha256.Sum256([]byte(ua))
	want := hex.EncodeToString(sum[:])[:fingerprint.UAHashLength]

	got := fingerprint.UAHash(ua)
	assert.Equal(t, want, got)
	assert.Len(t, got, fingerprint.UAHashLength)
}

func TestExtractMatchKey(t *testing.T) {
	cases := []struct {
		name string
		path string
		want string
	}{
		{"segment after date segment", "/videos/2026-08-06/segment3.ts", "segment3.ts"},
		{"date segment with no following segment", "/videos/2026-08-06", "2026-08-06"},
		{"no date segment uses last segment", "/videos/channel-7/playlist.m3u8", "playlist.m3u8"},
		{"first matching date segment wins", "/a/2026-01-01/b/2026-02-02/c", "b"},
		{"root path yields empty key", "/", ""},
		{"empty path yields empty key", "", ""},
		{"trailing slash ignored", "/videos/channel-7/", "channel-7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fingerprint.ExtractMatchKey(tc.path))
		})
	}
}

func TestDetectBrowserClass(t *testing.T) {
	cases := []struct {
		name string
		ua   string
		want fingerprint.BrowserClass
	}{
		{"empty UA defaults to tool", "", fingerprint.ClassTool},
		{"curl is a tool", "curl/8.4.0", fingerprint.ClassTool},
		{"wget is a tool", "Wget/1.21.3 (linux-gnu)", fingerprint.ClassTool},
		{"android chrome is mobile", "Mozilla/5.0 (Linux; Android 13) Chrome/120.0 Mobile", fingerprint.ClassMobile},
		{"iphone safari is mobile", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0) Safari/604.1", fingerprint.ClassMobile},
		{"desktop chrome", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0 Safari/537.36", fingerprint.ClassDesktop},
		{"desktop firefox", "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0", fingerprint.ClassDesktop},
		{"unrecognized UA defaults to tool", "SomeWeirdClient/1.0", fingerprint.ClassTool},
		{"tool wins over mobile-looking tokens", "Mozilla/5.0 (Linux; Android) okhttp/4.9 Mobile", fingerprint.ClassTool},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fingerprint.DetectBrowserClass(tc.ua))
		})
	}
}
