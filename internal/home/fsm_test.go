package home

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flocklabs/flock/internal/fleet/models"
)

func TestCanTransitionHappyPath(t *testing.T) {
	path := []models.HomeState{
		models.HomeStateUnassigned,
		models.HomeStateProvisioning,
		models.HomeStateIdle,
		models.HomeStateLeased,
		models.HomeStateActive,
		models.HomeStateFrozen,
		models.HomeStateMigrating,
		models.HomeStateRetired,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]),
			"%s -> %s must be legal", path[i], path[i+1])
	}
}

func TestCanTransitionRejectsIllegalEdges(t *testing.T) {
	cases := []struct{ from, to models.HomeState }{
		{models.HomeStateUnassigned, models.HomeStateIdle},
		{models.HomeStateIdle, models.HomeStateActive},
		{models.HomeStateIdle, models.HomeStateMigrating},
		{models.HomeStateProvisioning, models.HomeStateLeased},
		{models.HomeStateRetired, models.HomeStateIdle},
		{models.HomeStateRetired, models.HomeStateError},
		{models.HomeStateLeased, models.HomeStateMigrating},
	}
	for _, tc := range cases {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s must be illegal", tc.from, tc.to)
	}
}

func TestCanTransitionEmergencyEdges(t *testing.T) {
	// ERROR, RETIRED and FROZEN are reachable from every non-terminal state.
	nonTerminal := []models.HomeState{
		models.HomeStateUnassigned,
		models.HomeStateProvisioning,
		models.HomeStateIdle,
		models.HomeStateLeased,
		models.HomeStateActive,
		models.HomeStateMigrating,
	}
	for _, from := range nonTerminal {
		assert.True(t, CanTransition(from, models.HomeStateError), "%s -> ERROR", from)
		assert.True(t, CanTransition(from, models.HomeStateRetired), "%s -> RETIRED", from)
		assert.True(t, CanTransition(from, models.HomeStateFrozen), "%s -> FROZEN", from)
	}
}

func TestCanTransitionRollbackEdges(t *testing.T) {
	assert.True(t, CanTransition(models.HomeStateFrozen, models.HomeStateLeased))
	assert.True(t, CanTransition(models.HomeStateMigrating, models.HomeStateLeased))
	assert.True(t, CanTransition(models.HomeStateMigrating, models.HomeStateActive))
	assert.True(t, CanTransition(models.HomeStateLeased, models.HomeStateIdle))
}
