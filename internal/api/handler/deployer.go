package handler

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// RuleDeployer pushes a bypass rule expression to the edge firewall for a
// domain and returns the provider's rule id. Redeploying for a domain that
// already has a rule replaces it.
type RuleDeployer interface {
	Deploy(ctx context.Context, domain, expression string) (string, error)
}

// LogDeployer stands in when no edge provider is configured. It fabricates
// a rule id so the project lifecycle can proceed in development. The
// expression embeds the raw bypass secret and is never logged.
type LogDeployer struct {
	log *slog.Logger
}

// NewLogDeployer creates a deployer that only records deployments locally.
func NewLogDeployer(log *slog.Logger) *LogDeployer {
	return &LogDeployer{log: log}
}

// Deploy assigns a synthetic rule id without contacting any provider.
func (d *LogDeployer) Deploy(_ context.Context, domain, expression string) (string, error) {
	ruleID := uuid.NewString()
	d.log.Info("no edge provider configured, recording rule locally",
		"domain", domain, "rule_id", ruleID, "expression_bytes", len(expression))
	return ruleID, nil
}
