// Package lifecycle owns the project provisioning state machine:
// pending_ns (created, nameservers not yet delegated) -> active (DNS
// confirmed) -> protected (bypass rule deployed, gate enforcing). Movement
// is strictly forward; there are no regressions, skips or self-loops. The
// in-database guard is the store's conditional UPDATE, this package is the
// single source of the transition table.
package lifecycle

import (
	"errors"

	"github.com/botpaywall/botpaywall/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid project transition")

// Valid reports whether status names a known lifecycle state.
func Valid(status string) bool {
	switch status {
	case models.ProjectStatusPendingNS, models.ProjectStatusActive, models.ProjectStatusProtected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal single step.
func CanTransition(from, to string) bool {
	switch from {
	case models.ProjectStatusPendingNS:
		return to == models.ProjectStatusActive
	case models.ProjectStatusActive:
		return to == models.ProjectStatusProtected
	default:
		return false
	}
}

// Transition returns the new status, or the old one with
// ErrInvalidTransition when the step is not legal.
func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// IsEnforcing reports whether the gate actively gates traffic for a
// project in this status. Anything short of protected is inert.
func IsEnforcing(status string) bool {
	return status == models.ProjectStatusProtected
}

// IsTerminal reports whether no further transitions exist from status.
func IsTerminal(status string) bool {
	return status == models.ProjectStatusProtected
}
