// Package ipmatch implements CIDR normalization and matching for client IP
// addresses: auto-widening of bare IPv4 literals to /24 on admin insert,
// /128 for bare IPv6, IPv4-mapped-IPv6 canonicalization, and shortest-form
// IPv6 canonicalization. Grounded on original_source/utils/cidr_matcher.py,
// translated into net/netip idioms.
package ipmatch

import (
	"fmt"
	"net/netip"
	"strings"
)

// CanonicalizeIP normalizes a client-supplied IP string: IPv4-mapped IPv6
// addresses collapse to their IPv4 form, all other addresses reduce to their
// shortest canonical string form. Must run before any hash, log, or CIDR
// comparison touches the address (see SPEC_FULL.md §9 IPv6 normalization note).
func CanonicalizeIP(raw string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid ip address %q: %w", raw, err)
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return addr.String(), nil
}

// NormalizeToPattern converts a bare IP or CIDR literal into the stored
// ip_pattern form used as a whitelist key: bare IPv4 widens to /24, bare
// IPv6 stays /128, and any already-qualified CIDR is returned unchanged
// (still canonicalized). This is the "administratively chosen widening"
// applied on admin whitelist insert — it is NOT applied when loading
// FixedIpWhitelist from configuration (see DESIGN.md open question).
func NormalizeToPattern(ipOrCIDR string) (string, error) {
	if prefix, err := netip.ParsePrefix(ipOrCIDR); err == nil {
		addr := prefix.Addr()
		if addr.Is4In6() {
			addr = addr.Unmap()
		}
		return netip.PrefixFrom(addr, prefix.Bits()).Masked().String(), nil
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(ipOrCIDR))
	if err != nil {
		return "", fmt.Errorf("invalid ip or cidr %q: %w", ipOrCIDR, err)
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.Is4() {
		prefix := netip.PrefixFrom(addr, 24)
		return prefix.Masked().String(), nil
	}
	prefix := netip.PrefixFrom(addr, 128)
	return prefix.Masked().String(), nil
}

// IsCIDRNotation reports whether the given string parses as a CIDR network
// (contains a "/" and is a valid prefix).
func IsCIDRNotation(s string) bool {
	if !strings.Contains(s, "/") {
		return false
	}
	_, err := netip.ParsePrefix(s)
	return err == nil
}

// MatchResult is the outcome of matching a client IP against a list of
// stored patterns: either bare IPs (exact match) or CIDR networks.
type MatchResult struct {
	Matched bool
	Pattern string
}

// MatchAgainstPatterns checks a canonicalized client IP against a list of
// stored patterns (each either a bare IP or a CIDR). Used both for the
// fixed IP whitelist (§4.1 step 2, exact /32 match unless entry is itself a
// CIDR) and for whitelist-entry ip_pattern lookups.
func MatchAgainstPatterns(clientIP string, patterns []string) MatchResult {
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return MatchResult{}
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}

	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if IsCIDRNotation(pattern) {
			prefix, err := netip.ParsePrefix(pattern)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return MatchResult{Matched: true, Pattern: pattern}
			}
			continue
		}
		patternAddr, err := netip.ParseAddr(pattern)
		if err != nil {
			continue
		}
		if patternAddr.Is4In6() {
			patternAddr = patternAddr.Unmap()
		}
		if addr == patternAddr {
			return MatchResult{Matched: true, Pattern: pattern}
		}
	}
	return MatchResult{}
}

// InCIDR reports whether ip's canonical form falls within cidr's network
// prefix bits. IPv4-mapped IPv6 is canonicalized on both sides before
// comparison (§8 property 5).
func InCIDR(ip, cidr string) (bool, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false, fmt.Errorf("invalid ip %q: %w", ip, err)
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false, fmt.Errorf("invalid cidr %q: %w", cidr, err)
	}
	prefixAddr := prefix.Addr()
	if prefixAddr.Is4In6() {
		prefix = netip.PrefixFrom(prefixAddr.Unmap(), prefix.Bits())
	}
	return prefix.Contains(addr), nil
}
