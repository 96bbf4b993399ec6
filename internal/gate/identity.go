package gate

import (
	"net"
	"net/http"
	"strings"

	"github.com/botpaywall/botpaywall/internal/allowlist"
	"github.com/botpaywall/botpaywall/internal/payment"
)

// Request headers the gate consumes. They are stripped before forwarding so
// the origin never sees credentials.
const (
	HandshakeHeader = "X-Secret-Handshake"
	BypassHeader    = "X-Bypass-Secret"
	AgentKeyHeader  = "X-Agent-Key"
)

// Credentials are the gating inputs one request presents.
type Credentials struct {
	Handshake  string
	Bypass     string
	Proof      string
	Hash       string
	Identifier string
}

// CredentialsFrom collects the gate headers and the caller's admission
// identifier from a request. trustedIPHeader names the connecting-IP header
// the edge platform injects ahead of the gate.
func CredentialsFrom(r *http.Request, trustedIPHeader string) Credentials {
	return Credentials{
		Handshake:  r.Header.Get(HandshakeHeader),
		Bypass:     strings.TrimSpace(r.Header.Get(BypassHeader)),
		Proof:      strings.TrimSpace(r.Header.Get(payment.ProofHeader)),
		Hash:       strings.TrimSpace(r.Header.Get(payment.HashHeader)),
		Identifier: Identifier(r, trustedIPHeader),
	}
}

// Identifier returns the admission identifier for a request. A well-formed
// agent key takes precedence so keyed agents keep their admission across IP
// changes; otherwise the trusted connecting-IP header decides, then the
// dialed remote address. A malformed agent key is ignored rather than
// rejected, the caller just gates as its IP.
func Identifier(r *http.Request, trustedIPHeader string) string {
	if id, ok := allowlist.NormalizeIdentifier(r.Header.Get(AgentKeyHeader)); ok && strings.HasPrefix(id, "ag_") {
		return id
	}
	if trustedIPHeader != "" {
		if id, ok := allowlist.NormalizeIdentifier(r.Header.Get(trustedIPHeader)); ok {
			return id
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
