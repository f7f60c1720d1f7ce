package home

import "github.com/flocklabs/flock/internal/fleet/models"

// fsmEdges lists the ordinary forward edges of the home state machine.
// ERROR, RETIRED and FROZEN are additionally reachable from any non-terminal
// state (fault, decommission, emergency freeze).
var fsmEdges = map[models.HomeState][]models.HomeState{
	models.HomeStateUnassigned:   {models.HomeStateProvisioning},
	models.HomeStateProvisioning: {models.HomeStateIdle},
	models.HomeStateIdle:         {models.HomeStateLeased},
	models.HomeStateLeased:       {models.HomeStateActive, models.HomeStateIdle},
	models.HomeStateActive: {
		models.HomeStateLeased,
		models.HomeStateIdle,
		models.HomeStateFrozen,
		models.HomeStateMigrating,
	},
	models.HomeStateFrozen: {
		models.HomeStateLeased,
		models.HomeStateError,
		models.HomeStateMigrating,
		models.HomeStateRetired,
	},
	models.HomeStateMigrating: {
		models.HomeStateActive,  // rollback
		models.HomeStateRetired, // source side after handover
		models.HomeStateIdle,    // target arrival
		models.HomeStateLeased,  // rollback to the pre-freeze lease
	},
}

// CanTransition reports whether from -> to is a legal home FSM edge.
func CanTransition(from, to models.HomeState) bool {
	if from == models.HomeStateRetired {
		return false
	}
	// Fault, decommission and emergency-freeze edges exist from every
	// non-terminal state.
	switch to {
	case models.HomeStateError, models.HomeStateRetired, models.HomeStateFrozen:
		if from != to {
			return true
		}
	}
	for _, next := range fsmEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}
