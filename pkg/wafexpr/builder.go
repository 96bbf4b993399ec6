package wafexpr

import (
	"fmt"
	"net/netip"
	"strings"
)

// DefaultBypassHeader is the request header the bypass rule inspects.
const DefaultBypassHeader = "x-bypass-secret"

// Builder constructs expressions in the edge firewall's rules language.
// All methods are pure functions with no side effects.
// Zero value is ready to use.
type Builder struct{}

// BypassParams defines inputs for a secret bypass expression.
type BypassParams struct {
	// Header carrying the secret. Defaults to DefaultBypassHeader.
	Header string
	Secret string
}

// AdmissionParams defines inputs for a source-address admission expression.
type AdmissionParams struct {
	// IPs are single addresses or CIDR prefixes.
	IPs []string
}

// BuildBypassExpression returns an expression matching requests that carry
// the bypass secret in the configured header. The rules language lowercases
// header names, so the builder does too.
func (b Builder) BuildBypassExpression(p BypassParams) string {
	header := p.Header
	if header == "" {
		header = DefaultBypassHeader
	}
	return fmt.Sprintf("any(http.request.headers[%s][*] == %s)",
		b.quote(strings.ToLower(header)), b.quote(p.Secret))
}

// BuildAdmissionExpression returns an expression matching requests whose
// source address is in the given set. Entries are canonicalized; an invalid
// entry fails the whole build rather than being silently dropped.
func (b Builder) BuildAdmissionExpression(p AdmissionParams) (string, error) {
	if len(p.IPs) == 0 {
		return "", fmt.Errorf("admission expression requires at least one address")
	}

	elems := make([]string, len(p.IPs))
	for i, raw := range p.IPs {
		elem, err := b.canonicalAddress(raw)
		if err != nil {
			return "", err
		}
		elems[i] = elem
	}

	return fmt.Sprintf("ip.src in {%s}", strings.Join(elems, " ")), nil
}

func (b Builder) canonicalAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if prefix, err := netip.ParsePrefix(raw); err == nil {
		return prefix.Masked().String(), nil
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		return addr.String(), nil
	}
	return "", fmt.Errorf("invalid address %q", raw)
}

func (b Builder) quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
