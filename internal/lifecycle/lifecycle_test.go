package lifecycle

import (
	"errors"
	"testing"

	"github.com/jetci/EMS-sub006/internal/models"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to models.RideStatus }{
		{models.RidePending, models.RideAssigned},
		{models.RidePending, models.RideCancelled},
		{models.RideAssigned, models.RidePending},
		{models.RideAssigned, models.RideInProgress},
		{models.RideAssigned, models.RideCancelled},
		{models.RideInProgress, models.RideCompleted},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	all := []models.RideStatus{
		models.RidePending, models.RideAssigned, models.RideInProgress,
		models.RideCompleted, models.RideCancelled,
	}
	isAllowed := func(from, to models.RideStatus) bool {
		for _, tc := range allowed {
			if tc.from == from && tc.to == to {
				return true
			}
		}
		return false
	}
	for _, from := range all {
		for _, to := range all {
			if isAllowed(from, to) {
				continue
			}
			if CanTransition(from, to) {
				t.Errorf("%s -> %s should be rejected", from, to)
			}
			err := Validate(from, to)
			var ite *models.InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("%s -> %s: expected InvalidTransitionError, got %v", from, to, err)
			}
			if ite.From != from || ite.Attempted != to {
				t.Errorf("error should carry from=%s attempted=%s, got %+v", from, to, ite)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []models.RideStatus{models.RideCompleted, models.RideCancelled} {
		if !from.Terminal() {
			t.Fatalf("%s should be terminal", from)
		}
		for _, to := range []models.RideStatus{
			models.RidePending, models.RideAssigned, models.RideInProgress,
			models.RideCompleted, models.RideCancelled,
		} {
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestCancelNotReachableFromInProgress(t *testing.T) {
	if CanTransition(models.RideInProgress, models.RideCancelled) {
		t.Fatal("IN_PROGRESS must not be cancellable")
	}
}

func TestHoldsDriver(t *testing.T) {
	if !HoldsDriver(models.RideAssigned) || !HoldsDriver(models.RideInProgress) {
		t.Fatal("ASSIGNED and IN_PROGRESS must hold a driver")
	}
	for _, s := range []models.RideStatus{models.RidePending, models.RideCompleted, models.RideCancelled} {
		if HoldsDriver(s) {
			t.Errorf("%s must not hold a driver", s)
		}
	}
}

func TestEventFor(t *testing.T) {
	cases := map[models.RideStatus]models.EventType{
		models.RideAssigned:   models.EventRideAssigned,
		models.RidePending:    models.EventRideUnassigned,
		models.RideInProgress: models.EventRideStarted,
		models.RideCompleted:  models.EventRideCompleted,
		models.RideCancelled:  models.EventRideCancelled,
	}
	for to, want := range cases {
		if got := EventFor(models.RidePending, to); got != want {
			t.Errorf("EventFor(_, %s) = %s, want %s", to, got, want)
		}
	}
}
