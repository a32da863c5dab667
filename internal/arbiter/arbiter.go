// Package arbiter owns every ride transition. All mutations of ride
// status and driver availability flow through here, committed with
// per-entity compare-and-set so concurrent dispatchers cannot double
// book a driver or double assign a ride.
package arbiter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/jetci/EMS-sub006/internal/guard"
	"github.com/jetci/EMS-sub006/internal/lifecycle"
	"github.com/jetci/EMS-sub006/internal/models"
	"github.com/jetci/EMS-sub006/internal/observability"
	"github.com/jetci/EMS-sub006/internal/retry"
	"github.com/jetci/EMS-sub006/internal/storage"
)

// Notifier receives one event per committed transition. Delivery is
// best-effort: implementations must never block or fail the commit.
type Notifier interface {
	Publish(ev models.TransitionEvent)
}

// NopNotifier drops events. Used in tests and as a default.
type NopNotifier struct{}

func (NopNotifier) Publish(models.TransitionEvent) {}

// CreateRideInput is the thin command payload for ride creation.
type CreateRideInput struct {
	PatientID       string
	PickupLocation  string
	Destination     string
	AppointmentTime time.Time
}

type Service struct {
	Rides       storage.RideStore
	Drivers     storage.DriverRegistry
	Notify      Notifier
	AssignGuard *guard.Guard
	Retry       retry.Policy
	Logger      *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewService(rides storage.RideStore, drivers storage.DriverRegistry, notify Notifier, assignGuard *guard.Guard, logger *slog.Logger) *Service {
	if notify == nil {
		notify = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Rides:       rides,
		Drivers:     drivers,
		Notify:      notify,
		AssignGuard: assignGuard,
		Retry:       retry.DefaultPolicy(),
		Logger:      logger,
		now:         time.Now,
		newID:       newID,
	}
}

// CreateRide registers a new PENDING ride. The appointment must be
// strictly in the future.
func (s *Service) CreateRide(ctx context.Context, in CreateRideInput, actor models.Actor) (models.Ride, error) {
	now := s.now()
	if !in.AppointmentTime.After(now) {
		return models.Ride{}, &models.InvalidScheduleError{AppointmentTime: in.AppointmentTime}
	}
	r := models.Ride{
		ID:              "RIDE-" + s.newID(),
		PatientID:       in.PatientID,
		PickupLocation:  in.PickupLocation,
		Destination:     in.Destination,
		AppointmentTime: in.AppointmentTime,
		Status:          models.RidePending,
		CreatedBy:       actor.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	if err := s.Rides.CreateRide(ctx, r); err != nil {
		return models.Ride{}, err
	}
	s.emit(models.TransitionEvent{
		Type:      models.EventRideCreated,
		RideID:    r.ID,
		ToStatus:  models.RidePending,
		ActorID:   actor.ID,
		Timestamp: now,
	})
	return r, nil
}

// TryAssign pairs a PENDING ride (or an ASSIGNED ride held by another
// driver) with an AVAILABLE driver. The driver reservation and the ride
// commit are both compare-and-set; if the ride commit loses, the driver
// reservation is rolled back and the whole attempt is retried within
// the bounded budget.
func (s *Service) TryAssign(ctx context.Context, rideID, driverID string, actor models.Actor) (models.Ride, error) {
	if s.AssignGuard != nil {
		if ok, retryAfter := s.AssignGuard.Allow(actor.ID); !ok {
			observability.RateLimitedTotal.WithLabelValues("assign").Inc()
			return models.Ride{}, &models.RateLimitedError{ActorID: actor.ID, RetryAfter: retryAfter}
		}
	}

	var assigned models.Ride
	var sawPending, observed bool
	err := s.Retry.Do(ctx, func() (bool, error) {
		ride, err := s.Rides.GetRide(ctx, rideID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, &models.RideNotAssignableError{RideID: rideID}
		}
		if err != nil {
			return false, err
		}
		if !observed {
			// Remember what this dispatcher saw on first read. A retry
			// after a lost CAS must not quietly become a reassignment of
			// somebody else's fresh commit.
			observed = true
			sawPending = ride.Status == models.RidePending
		}

		reassignFrom := ""
		switch {
		case ride.Status == models.RidePending:
		case ride.Status == models.RideAssigned && ride.AssignedDriverID == driverID:
			// the pairing just committed from a concurrent attempt;
			// the driver is busy on this very ride
			return false, &models.DriverUnavailableError{DriverID: driverID, Availability: models.DriverBusy}
		case ride.Status == models.RideAssigned && sawPending:
			return false, &models.RideNotAssignableError{RideID: rideID, Status: ride.Status}
		case ride.Status == models.RideAssigned:
			reassignFrom = ride.AssignedDriverID
		default:
			return false, &models.RideNotAssignableError{RideID: rideID, Status: ride.Status}
		}

		driver, err := s.Drivers.GetDriver(ctx, driverID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, &models.DriverUnavailableError{DriverID: driverID}
		}
		if err != nil {
			return false, err
		}
		if driver.Availability != models.DriverAvailable {
			return false, &models.DriverUnavailableError{DriverID: driverID, Availability: driver.Availability}
		}

		// Reserve the driver first. Winning this CAS is what makes the
		// pairing exclusive under contention.
		driver.Availability = models.DriverBusy
		driver.CurrentRideID = rideID
		reserved, ok, err := s.Drivers.UpdateDriverIf(ctx, driver.Version, driver)
		if err != nil {
			return false, err
		}
		if !ok {
			observability.CommitConflictsTotal.Inc()
			return true, nil
		}

		from := ride.Status
		ride.Status = models.RideAssigned
		ride.AssignedDriverID = driverID
		committed, ok, err := s.Rides.UpdateRideIf(ctx, ride.Version, ride)
		if err != nil || !ok {
			// Undo the reservation so the driver is not stranded BUSY.
			s.releaseDriver(ctx, reserved)
			if err != nil {
				return false, err
			}
			observability.CommitConflictsTotal.Inc()
			return true, nil
		}

		if reassignFrom != "" {
			s.freeDriverByID(ctx, reassignFrom)
		}

		assigned = committed
		s.emit(models.TransitionEvent{
			Type:       lifecycle.EventFor(from, models.RideAssigned),
			RideID:     rideID,
			FromStatus: from,
			ToStatus:   models.RideAssigned,
			DriverID:   driverID,
			ActorID:    actor.ID,
			Timestamp:  s.now(),
		})
		return false, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		err = &models.ConcurrencyConflictError{RideID: rideID, Attempts: s.Retry.Attempts}
	}
	if err != nil {
		var coded models.CodedError
		if errors.As(err, &coded) {
			observability.AssignRejectionsTotal.WithLabelValues(coded.Code()).Inc()
		}
		return models.Ride{}, err
	}
	return assigned, nil
}

// Unassign returns an ASSIGNED ride to PENDING and frees its driver.
// Dispatchers use it for manual reassignment; the assigned driver may
// call it to reject the job.
func (s *Service) Unassign(ctx context.Context, rideID string, actor models.Actor) (models.Ride, error) {
	return s.transition(ctx, rideID, models.RidePending, actor, func(r *models.Ride) error {
		if !actor.Role.Dispatcher() && actor.ID != r.AssignedDriverID {
			return &models.NotPermittedError{ActorID: actor.ID, Action: "unassign ride " + rideID}
		}
		r.AssignedDriverID = ""
		return nil
	})
}

// Start moves an ASSIGNED ride to IN_PROGRESS. Only the assigned driver
// may trigger it.
func (s *Service) Start(ctx context.Context, rideID string, actor models.Actor) (models.Ride, error) {
	return s.transition(ctx, rideID, models.RideInProgress, actor, func(r *models.Ride) error {
		if actor.ID != r.AssignedDriverID {
			return &models.NotPermittedError{ActorID: actor.ID, Action: "start ride " + rideID}
		}
		return nil
	})
}

// Complete finishes an IN_PROGRESS ride and returns the driver to
// AVAILABLE. Only the assigned driver may trigger it.
func (s *Service) Complete(ctx context.Context, rideID string, actor models.Actor) (models.Ride, error) {
	return s.transition(ctx, rideID, models.RideCompleted, actor, func(r *models.Ride) error {
		if actor.ID != r.AssignedDriverID {
			return &models.NotPermittedError{ActorID: actor.ID, Action: "complete ride " + rideID}
		}
		r.AssignedDriverID = ""
		return nil
	})
}

// Cancel aborts a PENDING or ASSIGNED ride, recording who cancelled and
// why. An attached driver is released.
func (s *Service) Cancel(ctx context.Context, rideID, reason string, actor models.Actor) (models.Ride, error) {
	return s.transition(ctx, rideID, models.RideCancelled, actor, func(r *models.Ride) error {
		if !actor.Role.Dispatcher() {
			return &models.NotPermittedError{ActorID: actor.ID, Action: "cancel ride " + rideID}
		}
		r.AssignedDriverID = ""
		r.CancelReason = reason
		r.CancelledBy = actor.ID
		return nil
	})
}

// AttachNote appends a free-form note to a ride's event trail without
// touching its state. Used for dispatcher annotations and document
// references handed off to the external file pipeline.
func (s *Service) AttachNote(ctx context.Context, rideID, note string, actor models.Actor) error {
	ride, err := s.Rides.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.RideNotAssignableError{RideID: rideID}
	}
	if err != nil {
		return err
	}
	s.emit(models.TransitionEvent{
		Type:       models.EventRideNote,
		RideID:     rideID,
		FromStatus: ride.Status,
		ToStatus:   ride.Status,
		DriverID:   ride.AssignedDriverID,
		ActorID:    actor.ID,
		Note:       note,
		Timestamp:  s.now(),
	})
	return nil
}

// SetDriverAvailability is the driver's own status toggle between
// AVAILABLE and OFFLINE. BUSY is owned by the assignment path and can
// be neither set nor cleared here.
func (s *Service) SetDriverAvailability(ctx context.Context, driverID string, to models.Availability, actor models.Actor) (models.Driver, error) {
	if actor.ID != driverID && !actor.Role.Dispatcher() {
		return models.Driver{}, &models.NotPermittedError{ActorID: actor.ID, Action: "update driver " + driverID}
	}
	if to != models.DriverAvailable && to != models.DriverOffline {
		return models.Driver{}, &models.NotPermittedError{ActorID: actor.ID, Action: "set availability " + string(to)}
	}

	var updated models.Driver
	err := s.Retry.Do(ctx, func() (bool, error) {
		d, err := s.Drivers.GetDriver(ctx, driverID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, &models.DriverUnavailableError{DriverID: driverID}
		}
		if err != nil {
			return false, err
		}
		if d.Availability == models.DriverBusy {
			return false, &models.DriverUnavailableError{DriverID: driverID, Availability: models.DriverBusy}
		}
		d.Availability = to
		d.CurrentRideID = ""
		next, ok, err := s.Drivers.UpdateDriverIf(ctx, d.Version, d)
		if err != nil {
			return false, err
		}
		if !ok {
			observability.CommitConflictsTotal.Inc()
			return true, nil
		}
		updated = next
		return false, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		err = &models.ConcurrencyConflictError{RideID: driverID, Attempts: s.Retry.Attempts}
	}
	if err != nil {
		return models.Driver{}, err
	}
	return updated, nil
}

// transition runs one table-checked ride move under the retry budget.
// mutate adjusts ride fields after the table check passes; a driver
// attached before the move is released when the target state does not
// hold one.
func (s *Service) transition(ctx context.Context, rideID string, to models.RideStatus, actor models.Actor, mutate func(*models.Ride) error) (models.Ride, error) {
	var out models.Ride
	err := s.Retry.Do(ctx, func() (bool, error) {
		ride, err := s.Rides.GetRide(ctx, rideID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, &models.InvalidTransitionError{Attempted: to}
		}
		if err != nil {
			return false, err
		}
		if err := lifecycle.Validate(ride.Status, to); err != nil {
			return false, err
		}
		from := ride.Status
		prevDriver := ride.AssignedDriverID

		ride.Status = to
		if err := mutate(&ride); err != nil {
			return false, err
		}

		committed, ok, err := s.Rides.UpdateRideIf(ctx, ride.Version, ride)
		if err != nil {
			return false, err
		}
		if !ok {
			observability.CommitConflictsTotal.Inc()
			return true, nil
		}

		if prevDriver != "" && !lifecycle.HoldsDriver(to) {
			s.freeDriverByID(ctx, prevDriver)
		}

		out = committed
		s.emit(models.TransitionEvent{
			Type:       lifecycle.EventFor(from, to),
			RideID:     rideID,
			FromStatus: from,
			ToStatus:   to,
			DriverID:   committed.AssignedDriverID,
			ActorID:    actor.ID,
			Note:       committed.CancelReason,
			Timestamp:  s.now(),
		})
		return false, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		err = &models.ConcurrencyConflictError{RideID: rideID, Attempts: s.Retry.Attempts}
	}
	if err != nil {
		return models.Ride{}, err
	}
	return out, nil
}

// releaseDriver CAS-loops the driver back to AVAILABLE. Used for both
// reservation rollback and post-transition release; the ride commit has
// already happened (or never will), so failures are logged, not returned.
func (s *Service) releaseDriver(ctx context.Context, d models.Driver) {
	for i := 0; i < s.Retry.Attempts; i++ {
		d.Availability = models.DriverAvailable
		d.CurrentRideID = ""
		_, ok, err := s.Drivers.UpdateDriverIf(ctx, d.Version, d)
		if err != nil {
			s.Logger.Error("driver release failed", "driver_id", d.ID, "error", err)
			return
		}
		if ok {
			return
		}
		next, err := s.Drivers.GetDriver(ctx, d.ID)
		if err != nil {
			s.Logger.Error("driver release refetch failed", "driver_id", d.ID, "error", err)
			return
		}
		d = next
	}
	s.Logger.Error("driver release conflicted repeatedly", "driver_id", d.ID)
}

func (s *Service) freeDriverByID(ctx context.Context, driverID string) {
	d, err := s.Drivers.GetDriver(ctx, driverID)
	if err != nil {
		s.Logger.Error("driver lookup for release failed", "driver_id", driverID, "error", err)
		return
	}
	if d.Availability != models.DriverBusy {
		return
	}
	s.releaseDriver(ctx, d)
}

func (s *Service) emit(ev models.TransitionEvent) {
	observability.TransitionsTotal.WithLabelValues(string(ev.Type)).Inc()
	s.Notify.Publish(ev)
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
