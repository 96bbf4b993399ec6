package allowlist

import (
	"net/netip"
	"regexp"
	"strings"
)

// agentKeyPattern is the accepted shape for opaque agent keys. Anything that
// is not an IP literal must match it, so arbitrary strings cannot pollute
// the allowlist.
var agentKeyPattern = regexp.MustCompile(`^ag_[A-Za-z0-9_-]{8,64}$`)

// NormalizeIdentifier canonicalizes a caller identifier. IP literals are
// rewritten to their canonical textual form (lowercase, shortest IPv6),
// agent keys pass through unchanged. ok is false for anything else,
// including host:port pairs and hostnames.
func NormalizeIdentifier(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	if agentKeyPattern.MatchString(s) {
		return s, true
	}
	return "", false
}
