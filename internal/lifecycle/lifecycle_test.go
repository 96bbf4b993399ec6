package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botpaywall/botpaywall/pkg/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{"pending to active", models.ProjectStatusPendingNS, models.ProjectStatusActive, true},
		{"active to protected", models.ProjectStatusActive, models.ProjectStatusProtected, true},
		{"skip pending to protected", models.ProjectStatusPendingNS, models.ProjectStatusProtected, false},
		{"regress active to pending", models.ProjectStatusActive, models.ProjectStatusPendingNS, false},
		{"regress protected to active", models.ProjectStatusProtected, models.ProjectStatusActive, false},
		{"regress protected to pending", models.ProjectStatusProtected, models.ProjectStatusPendingNS, false},
		{"self loop pending", models.ProjectStatusPendingNS, models.ProjectStatusPendingNS, false},
		{"self loop active", models.ProjectStatusActive, models.ProjectStatusActive, false},
		{"self loop protected", models.ProjectStatusProtected, models.ProjectStatusProtected, false},
		{"unknown from", "suspended", models.ProjectStatusActive, false},
		{"unknown to", models.ProjectStatusActive, "suspended", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransition(t *testing.T) {
	got, err := Transition(models.ProjectStatusPendingNS, models.ProjectStatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusActive, got)

	got, err = Transition(models.ProjectStatusProtected, models.ProjectStatusActive)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.ProjectStatusProtected, got, "failed transition must not move the status")
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(models.ProjectStatusPendingNS))
	assert.True(t, Valid(models.ProjectStatusActive))
	assert.True(t, Valid(models.ProjectStatusProtected))
	assert.False(t, Valid("deleted"))
	assert.False(t, Valid(""))
}

func TestIsEnforcing(t *testing.T) {
	assert.False(t, IsEnforcing(models.ProjectStatusPendingNS))
	assert.False(t, IsEnforcing(models.ProjectStatusActive))
	assert.True(t, IsEnforcing(models.ProjectStatusProtected))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(models.ProjectStatusPendingNS))
	assert.False(t, IsTerminal(models.ProjectStatusActive))
	assert.True(t, IsTerminal(models.ProjectStatusProtected))
}
