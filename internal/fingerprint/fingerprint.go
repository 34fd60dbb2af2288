// Package fingerprint derives the identity tuple used throughout the
// authorization pipeline: ua_hash, key_path (via extract_match_key), and
// browser-class detection. Grounded on original_source/utils/browser_detector.py
// and spec.md §4.2/§4.4.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// UAHashLength is the number of hex characters kept from the SHA-256 of a
// User-Agent string.
const UAHashLength = 8

// UAHash returns the first 8 hex chars of SHA-256(userAgent).
func UAHash(userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:])[:UAHashLength]
}

// PathFingerprintLength is the number of hex characters kept from the
// SHA-256 of a request path for the m3u8 counter key (SPEC_FULL.md §4.3:
// "m3u8:<uid_or_ip>:<sha256(path)[:16]>").
const PathFingerprintLength = 16

// PathFingerprint returns the first 16 hex chars of SHA-256(path), used to
// key the m3u8 adaptive counter per distinct URL rather than per
// ExtractMatchKey folder (two files sharing a folder segment must not share
// a rate-limit bucket).
func PathFingerprint(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:PathFingerprintLength]
}

var dateSegmentPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ExtractMatchKey derives the key_path used to bind a whitelist entry to a
// logical resource "folder" without listing every file:
//   - split on '/', drop empty segments
//   - scan left-to-right for a YYYY-MM-DD segment; if found and followed by
//     another segment, return that following segment
//   - otherwise return the last non-empty segment
//   - an empty or root path yields "" (which never matches anything)
func ExtractMatchKey(path string) string {
	segments := make([]string, 0, 8)
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return ""
	}

	for i, s := range segments {
		if dateSegmentPattern.MatchString(s) && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return segments[len(segments)-1]
}

// BrowserClass is one of the three buckets the adaptive M3U8 counter uses to
// pick a window/max pair.
type BrowserClass string

const (
	ClassMobile  BrowserClass = "mobile_browser"
	ClassDesktop BrowserClass = "desktop_browser"
	ClassTool    BrowserClass = "tool_or_downloader"
)

// toolSubstrings and mobileSubstrings are evaluated before desktop so that a
// UA like "Mozilla/5.0 (compatible; wget/1.21)" classifies as a tool, not a
// desktop browser, even though it may also contain browser-looking tokens.
var toolSubstrings = []string{
	"wget", "curl", "python-requests", "python-urllib", "aiohttp",
	"okhttp", "libcurl", "go-http-client", "axios", "postman",
	"ffmpeg", "vlc", "exoplayer", "downloader", "bot", "spider", "crawler",
}

var mobileSubstrings = []string{
	"android", "iphone", "ipad", "ipod", "mobile", "blackberry",
	"windows phone", "opera mini", "iemobile",
}

// DetectBrowserClass classifies a User-Agent string. Matching is a fixed,
// case-insensitive substring scan in the order tool -> mobile -> desktop; an
// unmatched UA defaults to tool_or_downloader (the strictest class).
func DetectBrowserClass(userAgent string) BrowserClass {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return ClassTool
	}
	for _, sub := range toolSubstrings {
		if strings.Contains(ua, sub) {
			return ClassTool
		}
	}
	for _, sub := range mobileSubstrings {
		if strings.Contains(ua, sub) {
			return ClassMobile
		}
	}
	if strings.Contains(ua, "mozilla") || strings.Contains(ua, "chrome") ||
		strings.Contains(ua, "safari") || strings.Contains(ua, "firefox") ||
		strings.Contains(ua, "edg") {
		return ClassDesktop
	}
	return ClassTool
}
