// Package integration contains integration tests for the HLS authenticating
// reverse proxy.
//
// These tests use testcontainers to spin up a real Redis instance and
// exercise the session, whitelist, and m3u8counter stores against it, in an
// environment that closely matches production.
package integration
