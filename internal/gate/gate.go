// Package gate implements the edge hot path: resolve the project fronting
// the request host, evaluate the caller's credentials in priority order,
// then proxy to the origin or answer with a payment challenge. The gate is
// stateless; every instance shares only the store and the cache.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/botpaywall/botpaywall/internal/api/response"
	"github.com/botpaywall/botpaywall/internal/payment"
	"github.com/botpaywall/botpaywall/internal/store"
	"github.com/botpaywall/botpaywall/pkg/models"
)

// HealthPath is served before any gating.
const HealthPath = "/__gate/health"

// ChallengeConfig carries the deployment-wide payment parameters advertised
// in 402 challenges.
type ChallengeConfig struct {
	Currency  string
	ChainID   int64
	Network   string
	AccessTTL time.Duration
}

// Config wires a Gate.
type Config struct {
	Source          *ProjectSource
	Evaluator       *Evaluator
	Log             *slog.Logger
	TrustedIPHeader string
	Challenge       ChallengeConfig
}

// Gate is the edge HTTP handler.
type Gate struct {
	source    *ProjectSource
	eval      *Evaluator
	log       *slog.Logger
	trustedIP string
	challenge ChallengeConfig
	proxy     *httputil.ReverseProxy
}

type originKey struct{}

// New creates a gate.
func New(cfg Config) *Gate {
	g := &Gate{
		source:    cfg.Source,
		eval:      cfg.Evaluator,
		log:       cfg.Log,
		trustedIP: cfg.TrustedIPHeader,
		challenge: cfg.Challenge,
	}
	g.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			origin := pr.In.Context().Value(originKey{}).(*url.URL)
			pr.SetURL(origin)
			pr.SetXForwarded()
			stripGateHeaders(pr.Out.Header)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			g.log.Error("origin request failed", "host", r.Host, "error", err)
			response.Error(w, http.StatusBadGateway, "ORIGIN_UNREACHABLE",
				"Origin did not answer", nil)
		},
	}
	return g
}

// gateHeaders are consumed here and never forwarded to the origin.
var gateHeaders = []string{
	HandshakeHeader,
	BypassHeader,
	AgentKeyHeader,
	payment.ProofHeader,
	payment.HashHeader,
}

func stripGateHeaders(h http.Header) {
	for _, name := range gateHeaders {
		h.Del(name)
	}
}

// Handler returns the gate's HTTP handler: the health probe plus the
// catch-all gating route.
func (g *Gate) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, g.handleHealth)
	mux.HandleFunc("/", g.handle)
	return mux
}

func (g *Gate) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, map[string]string{"status": "ok"})
}

func (g *Gate) handle(w http.ResponseWriter, r *http.Request) {
	project, err := g.source.Resolve(r.Context(), r.Host)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "UNKNOWN_HOST",
			"No project fronts this host", nil)
		return
	}
	if err != nil {
		g.log.Error("project resolution failed", "host", r.Host, "error", err)
		response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
			"Gate is temporarily unavailable", nil)
		return
	}

	decision := g.eval.Evaluate(r.Context(), project, CredentialsFrom(r, g.trustedIP))

	switch decision.Action {
	case ActionForward:
		g.forward(w, r, project)
	case ActionChallenge:
		g.writeChallenge(w, project)
	default:
		response.Error(w, decision.Status, decision.Code, decision.Message, nil)
	}
}

func (g *Gate) forward(w http.ResponseWriter, r *http.Request, p *models.Project) {
	origin, err := url.Parse(p.OriginURL)
	if err != nil || origin.Host == "" {
		g.log.Error("project has an unusable origin", "project_id", p.ID, "origin", p.OriginURL)
		response.Error(w, http.StatusBadGateway, "ORIGIN_UNREACHABLE",
			"Origin is not configured correctly", nil)
		return
	}
	ctx := context.WithValue(r.Context(), originKey{}, origin)
	g.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// challengeBody is the 402 payload. Its payment object matches the control
// plane's payment-info endpoint so paying clients see one contract.
type challengeBody struct {
	Error   string           `json:"error"`
	Message string           `json:"message"`
	Payment challengePayment `json:"payment"`
}

type challengePayment struct {
	Recipient        string `json:"recipient"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	ChainID          int64  `json:"chain_id"`
	Network          string `json:"network"`
	ProofHeader      string `json:"proof_header"`
	AccessTTLSeconds int64  `json:"access_ttl_seconds"`
}

func (g *Gate) writeChallenge(w http.ResponseWriter, p *models.Project) {
	amount := payment.FormatAmount(p.PaymentAmount)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "X402-Payment")
	w.Header().Set("X402-Payment-Address", p.PaymentAddress)
	w.Header().Set("X402-Payment-Amount", amount)
	w.Header().Set("X402-Payment-Currency", g.challenge.Currency)
	w.WriteHeader(http.StatusPaymentRequired)

	json.NewEncoder(w).Encode(challengeBody{
		Error:   "PAYMENT_REQUIRED",
		Message: "Pay the advertised amount, then retry with the proof header",
		Payment: challengePayment{
			Recipient:        p.PaymentAddress,
			Amount:           amount,
			Currency:         g.challenge.Currency,
			ChainID:          g.challenge.ChainID,
			Network:          g.challenge.Network,
			ProofHeader:      payment.ProofHeader,
			AccessTTLSeconds: int64(g.challenge.AccessTTL.Seconds()),
		},
	})
}
