package models

import (
	"fmt"
	"time"
)

// CodedError is implemented by every domain rejection so transport
// layers can expose a stable machine-readable code instead of matching
// on message text.
type CodedError interface {
	error
	Code() string
}

// InvalidScheduleError rejects ride creation with a non-future
// appointment time. The caller fixes the input and retries.
type InvalidScheduleError struct {
	AppointmentTime time.Time
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("appointment time %s is not in the future", e.AppointmentTime.Format(time.RFC3339))
}

func (e *InvalidScheduleError) Code() string { return "INVALID_SCHEDULE" }

// InvalidTransitionError rejects a lifecycle move not present in the
// transition table. It signals a stale client or a programming bug and
// is never retried automatically.
type InvalidTransitionError struct {
	From      RideStatus
	Attempted RideStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition ride from %s to %s", e.From, e.Attempted)
}

func (e *InvalidTransitionError) Code() string { return "INVALID_TRANSITION" }

// RideNotAssignableError is the expected contention outcome when the
// ride is missing, terminal, or already held by the requested driver.
type RideNotAssignableError struct {
	RideID string
	Status RideStatus
}

func (e *RideNotAssignableError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("ride %s not found", e.RideID)
	}
	return fmt.Sprintf("ride %s is not assignable in status %s", e.RideID, e.Status)
}

func (e *RideNotAssignableError) Code() string { return "RIDE_NOT_ASSIGNABLE" }

// DriverUnavailableError is the expected contention outcome when the
// driver is missing, busy, or offline. Dispatchers pick another driver.
type DriverUnavailableError struct {
	DriverID     string
	Availability Availability
}

func (e *DriverUnavailableError) Error() string {
	if e.Availability == "" {
		return fmt.Sprintf("driver %s not found", e.DriverID)
	}
	return fmt.Sprintf("driver %s is %s", e.DriverID, e.Availability)
}

func (e *DriverUnavailableError) Code() string { return "DRIVER_UNAVAILABLE" }

// NotPermittedError rejects a transition triggered by an actor that
// does not own it, e.g. start/complete by anyone but the assigned driver.
type NotPermittedError struct {
	ActorID string
	Action  string
}

func (e *NotPermittedError) Error() string {
	return fmt.Sprintf("actor %s may not %s", e.ActorID, e.Action)
}

func (e *NotPermittedError) Code() string { return "NOT_PERMITTED" }

// RateLimitedError carries a retry-after hint for the rejected actor.
type RateLimitedError struct {
	ActorID    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("actor %s rate limited, retry after %s", e.ActorID, e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitedError) Code() string { return "RATE_LIMITED" }

// ConcurrencyConflictError surfaces after the bounded retry budget for
// compare-and-set commits is exhausted. Transient: safe to retry, kept
// distinct from DriverUnavailableError because the retry semantics differ.
type ConcurrencyConflictError struct {
	RideID   string
	Attempts int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("ride %s: commit conflicted after %d attempts", e.RideID, e.Attempts)
}

func (e *ConcurrencyConflictError) Code() string { return "CONCURRENCY_CONFLICT" }
