// Package lifecycle holds the ride state machine. It is pure: no
// storage, no clock, no I/O, so the transition rules are testable in
// isolation and every caller goes through the same table.
package lifecycle

import "github.com/jetci/EMS-sub006/internal/models"

// transitions lists, per current status, the statuses a ride may move
// to. Anything absent here is rejected with InvalidTransitionError.
var transitions = map[models.RideStatus]map[models.RideStatus]bool{
	models.RidePending: {
		models.RideAssigned:  true,
		models.RideCancelled: true,
	},
	models.RideAssigned: {
		models.RidePending:    true, // unassign / driver rejection
		models.RideInProgress: true,
		models.RideCancelled:  true,
	},
	models.RideInProgress: {
		models.RideCompleted: true,
	},
}

// CanTransition reports whether from -> to appears in the table.
func CanTransition(from, to models.RideStatus) bool {
	return transitions[from][to]
}

// Validate returns nil when the move is legal and a typed rejection
// otherwise. Callers must not mutate the ride when an error is returned.
func Validate(from, to models.RideStatus) error {
	if !CanTransition(from, to) {
		return &models.InvalidTransitionError{From: from, Attempted: to}
	}
	return nil
}

// EventFor maps a committed transition to its audit event type.
func EventFor(from, to models.RideStatus) models.EventType {
	switch to {
	case models.RideAssigned:
		return models.EventRideAssigned
	case models.RidePending:
		return models.EventRideUnassigned
	case models.RideInProgress:
		return models.EventRideStarted
	case models.RideCompleted:
		return models.EventRideCompleted
	case models.RideCancelled:
		return models.EventRideCancelled
	}
	return models.EventRideCreated
}

// HoldsDriver reports whether a ride in the given status must carry a
// non-empty assigned driver reference. The converse also holds: outside
// these statuses the reference must be empty.
func HoldsDriver(s models.RideStatus) bool {
	return s == models.RideAssigned || s == models.RideInProgress
}
