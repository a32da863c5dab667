package arbiter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jetci/EMS-sub006/internal/guard"
	"github.com/jetci/EMS-sub006/internal/lifecycle"
	"github.com/jetci/EMS-sub006/internal/models"
	"github.com/jetci/EMS-sub006/internal/storage"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.TransitionEvent
}

func (r *recordingNotifier) Publish(ev models.TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

var (
	dispatcher = models.Actor{ID: "USR-001", Role: models.RoleOfficer}
	driverOne  = models.Actor{ID: "DRV-001", Role: models.RoleDriver}
	driverTwo  = models.Actor{ID: "DRV-002", Role: models.RoleDriver}
)

func newTestService(t *testing.T, g *guard.Guard) (*Service, *storage.MemoryStore, *recordingNotifier) {
	t.Helper()
	mem := storage.NewMemoryStore()
	rec := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(mem, mem, rec, g, logger)
	return svc, mem, rec
}

func seedDriver(t *testing.T, mem *storage.MemoryStore, id string) {
	t.Helper()
	if err := mem.PutDriver(context.Background(), models.Driver{ID: id, Availability: models.DriverAvailable}); err != nil {
		t.Fatal(err)
	}
}

func seedRide(t *testing.T, svc *Service) models.Ride {
	t.Helper()
	r, err := svc.CreateRide(context.Background(), CreateRideInput{
		PatientID:       "PAT-001",
		PickupLocation:  "123 Test St",
		Destination:     "Hospital A",
		AppointmentTime: time.Now().Add(2 * time.Hour),
	}, dispatcher)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// assertInvariant checks the driver-reference rule after a transition:
// a ride carries a driver id exactly when its status holds one, and a
// BUSY driver points back at its ride.
func assertInvariant(t *testing.T, mem *storage.MemoryStore, rideID string) {
	t.Helper()
	ctx := context.Background()
	r, err := mem.GetRide(ctx, rideID)
	if err != nil {
		t.Fatal(err)
	}
	if lifecycle.HoldsDriver(r.Status) != (r.AssignedDriverID != "") {
		t.Fatalf("invariant violated: status=%s driver=%q", r.Status, r.AssignedDriverID)
	}
	if r.AssignedDriverID != "" {
		d, err := mem.GetDriver(ctx, r.AssignedDriverID)
		if err != nil {
			t.Fatal(err)
		}
		if d.Availability != models.DriverBusy || d.CurrentRideID != r.ID {
			t.Fatalf("assigned driver not busy on this ride: %+v", d)
		}
	}
}

func TestCreateRideRejectsPastAppointment(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	_, err := svc.CreateRide(context.Background(), CreateRideInput{
		PatientID:       "PAT-001",
		AppointmentTime: time.Now().Add(-24 * time.Hour),
	}, dispatcher)
	var ise *models.InvalidScheduleError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidScheduleError, got %v", err)
	}
}

func TestAssignPairsRideAndDriver(t *testing.T) {
	svc, mem, rec := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	r := seedRide(t, svc)

	assigned, err := svc.TryAssign(context.Background(), r.ID, driverOne.ID, dispatcher)
	if err != nil {
		t.Fatal(err)
	}
	if assigned.Status != models.RideAssigned || assigned.AssignedDriverID != driverOne.ID {
		t.Fatalf("unexpected ride after assign: %+v", assigned)
	}
	d, _ := mem.GetDriver(context.Background(), driverOne.ID)
	if d.Availability != models.DriverBusy || d.CurrentRideID != r.ID {
		t.Fatalf("driver not reserved: %+v", d)
	}
	assertInvariant(t, mem, r.ID)

	got := rec.types()
	if len(got) != 2 || got[0] != models.EventRideCreated || got[1] != models.EventRideAssigned {
		t.Fatalf("unexpected event sequence: %v", got)
	}
}

func TestAssignBusyDriverRejected(t *testing.T) {
	svc, mem, _ := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	r1 := seedRide(t, svc)
	r2 := seedRide(t, svc)

	if _, err := svc.TryAssign(context.Background(), r1.ID, driverOne.ID, dispatcher); err != nil {
		t.Fatal(err)
	}

	_, err := svc.TryAssign(context.Background(), r2.ID, driverOne.ID, dispatcher)
	var due *models.DriverUnavailableError
	if !errors.As(err, &due) {
		t.Fatalf("expected DriverUnavailableError, got %v", err)
	}
	got, _ := mem.GetRide(context.Background(), r2.ID)
	if got.Status != models.RidePending {
		t.Fatalf("rejected assign must not touch the ride, status=%s", got.Status)
	}
	assertInvariant(t, mem, r2.ID)
}

func TestAssignMissingRideAndDriver(t *testing.T) {
	svc, mem, _ := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	r := seedRide(t, svc)

	_, err := svc.TryAssign(context.Background(), "RIDE-missing", driverOne.ID, dispatcher)
	var rna *models.RideNotAssignableError
	if !errors.As(err, &rna) {
		t.Fatalf("expected RideNotAssignableError, got %v", err)
	}

	_, err = svc.TryAssign(context.Background(), r.ID, "DRV-missing", dispatcher)
	var due *models.DriverUnavailableError
	if !errors.As(err, &due) {
		t.Fatalf("expected DriverUnavailableError, got %v", err)
	}
}

func TestReassignReleasesPreviousDriver(t *testing.T) {
	svc, mem, _ := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	seedDriver(t, mem, driverTwo.ID)
	r := seedRide(t, svc)
	ctx := context.Background()

	if _, err := svc.TryAssign(ctx, r.ID, driverOne.ID, dispatcher); err != nil {
		t.Fatal(err)
	}
	assigned, err := svc.TryAssign(ctx, r.ID, driverTwo.ID, dispatcher)
	if err != nil {
		t.Fatal(err)
	}
	if assigned.AssignedDriverID != driverTwo.ID {
		t.Fatalf("ride should now be held by %s: %+v", driverTwo.ID, assigned)
	}
	prev, _ := mem.GetDriver(ctx, driverOne.ID)
	if prev.Availability != models.DriverAvailable || prev.CurrentRideID != "" {
		t.Fatalf("previous driver not released: %+v", prev)
	}
	assertInvariant(t, mem, r.ID)
}

func TestStartAndCompleteByAssignedDriver(t *testing.T) {
	svc, mem, rec := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	r := seedRide(t, svc)
	ctx := context.Background()

	if _, err := svc.TryAssign(ctx, r.ID, driverOne.ID, dispatcher); err != nil {
		t.Fatal(err)
	}

	started, err := svc.Start(ctx, r.ID, driverOne)
	if err != nil {
		t.Fatal(err)
	}
	if started.Status != models.RideInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", started.Status)
	}
	assertInvariant(t, mem, r.ID)

	done, err := svc.Complete(ctx, r.ID, driverOne)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.RideCompleted || done.AssignedDriverID != "" {
		t.Fatalf("completed ride must drop its driver reference: %+v", done)
	}
	d, _ := mem.GetDriver(ctx, driverOne.ID)
	if d.Availability != models.DriverAvailable || d.CurrentRideID != "" {
		t.Fatalf("driver not released after completion: %+v", d)
	}
	assertInvariant(t, mem, r.ID)

	got := rec.types()
	want := []models.EventType{
		models.EventRideCreated, models.EventRideAssigned,
		models.EventRideStarted, models.EventRideCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected event sequence: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCompleteBeforeStartRejected(t *testing.T) {
	svc, mem, _ := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	r := seedRide(t, svc)
	ctx := context.Background()

	if _, err := svc.TryAssign(ctx, r.ID, driverOne.ID, dispatcher); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Complete(ctx, r.ID, driverOne)
	var ite *models.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != models.RideAssigned || ite.Attempted != models.RideCompleted {
		t.Fatalf("error should carry the rejected move: %+v", ite)
	}
	got, _ := mem.GetRide(ctx, r.ID)
	if got.Status != models.RideAssigned || got.Version != 2 {
		t.Fatalf("rejected transition must be a no-op: %+v", got)
	}
}

func TestStartByWrongActorRejected(t *testing.T) {
	svc, mem, _ := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	r := seedRide(t, svc)
	ctx := context.Background()

	if _, err := svc.TryAssign(ctx, r.ID, driverOne.ID, dispatcher); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Start(ctx, r.ID, driverTwo)
	var npe *models.NotPermittedError
	if !errors.As(err, &npe) {
		t.Fatalf("only the assigned driver may start, got %v", err)
	}
	got, _ := mem.GetRide(ctx, r.ID)
	if got.Status != models.RideAssigned {
		t.Fatalf("rejected start must not mutate: %+v", got)
	}
}

func TestUnassignReturnsRideToPending(t *testing.T) {
	svc, mem, _ := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	r := seedRide(t, svc)
	ctx := context.Background()

	if _, err := svc.TryAssign(ctx, r.ID, driverOne.ID, dispatcher); err != nil {
		t.Fatal(err)
	}

	// the assigned driver rejects the job
	back, err := svc.Unassign(ctx, r.ID, driverOne)
	if err != nil {
		t.Fatal(err)
	}
	if back.Status != models.RidePending || back.AssignedDriverID != "" {
		t.Fatalf("unassigned ride should be PENDING with no driver: %+v", back)
	}
	d, _ := mem.GetDriver(ctx, driverOne.ID)
	if d.Availability != models.DriverAvailable {
		t.Fatalf("driver not released on unassign: %+v", d)
	}
	assertInvariant(t, mem, r.ID)
}

func TestUnassignByStrangerRejected(t *testing.T) {
	svc, mem, _ := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	r := seedRide(t, svc)
	ctx := context.Background()

	if _, err := svc.TryAssign(ctx, r.ID, driverOne.ID, dispatcher); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Unassign(ctx, r.ID, driverTwo)
	var npe *models.NotPermittedError
	if !errors.As(err, &npe) {
		t.Fatalf("expected NotPermittedError, got %v", err)
	}
}

func TestCancelIsIdempotentOnlyOnce(t *testing.T) {
	svc, mem, rec := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	r := seedRide(t, svc)
	ctx := context.Background()

	if _, err := svc.TryAssign(ctx, r.ID, driverOne.ID, dispatcher); err != nil {
		t.Fatal(err)
	}

	cancelled, err := svc.Cancel(ctx, r.ID, "patient rescheduled", dispatcher)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != models.RideCancelled || cancelled.CancelReason != "patient rescheduled" || cancelled.CancelledBy != dispatcher.ID {
		t.Fatalf("cancel should record reason and actor: %+v", cancelled)
	}
	d, _ := mem.GetDriver(ctx, driverOne.ID)
	if d.Availability != models.DriverAvailable {
		t.Fatalf("cancel must release the driver: %+v", d)
	}
	assertInvariant(t, mem, r.ID)

	_, err = svc.Cancel(ctx, r.ID, "again", dispatcher)
	var ite *models.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("second cancel must fail with InvalidTransitionError, got %v", err)
	}

	got := rec.types()
	if got[len(got)-1] != models.EventRideCancelled {
		t.Fatalf("no event may be emitted for the rejected cancel: %v", got)
	}
}

func TestCancelByDriverRejected(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	r := seedRide(t, svc)
	_, err := svc.Cancel(context.Background(), r.ID, "nope", driverOne)
	var npe *models.NotPermittedError
	if !errors.As(err, &npe) {
		t.Fatalf("drivers may not cancel, got %v", err)
	}
}

func TestAssignRateLimited(t *testing.T) {
	g := guard.New(guard.Config{Window: time.Minute, MaxAttempts: 10})
	svc, mem, _ := newTestService(t, g)
	seedDriver(t, mem, driverOne.ID)
	r := seedRide(t, svc)
	ctx := context.Background()

	// burn the window with attempts against a missing ride so no state moves
	for i := 0; i < 10; i++ {
		_, err := svc.TryAssign(ctx, "RIDE-missing", driverOne.ID, dispatcher)
		var rna *models.RideNotAssignableError
		if !errors.As(err, &rna) {
			t.Fatalf("attempt %d: expected RideNotAssignableError, got %v", i+1, err)
		}
	}

	_, err := svc.TryAssign(ctx, r.ID, driverOne.ID, dispatcher)
	var rle *models.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("11th attempt should be rate limited, got %v", err)
	}
	if rle.RetryAfter <= 0 {
		t.Fatalf("rate limit rejection must carry a retry-after hint: %+v", rle)
	}
	got, _ := mem.GetRide(ctx, r.ID)
	if got.Status != models.RidePending {
		t.Fatalf("rate-limited attempt must not mutate: %+v", got)
	}
}

func TestSetDriverAvailability(t *testing.T) {
	svc, mem, _ := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	ctx := context.Background()

	d, err := svc.SetDriverAvailability(ctx, driverOne.ID, models.DriverOffline, driverOne)
	if err != nil {
		t.Fatal(err)
	}
	if d.Availability != models.DriverOffline {
		t.Fatalf("expected OFFLINE, got %s", d.Availability)
	}

	// only the driver (or a dispatcher) may toggle
	if _, err := svc.SetDriverAvailability(ctx, driverOne.ID, models.DriverAvailable, driverTwo); err == nil {
		t.Fatal("stranger toggles must be rejected")
	}

	// BUSY is owned by the assignment path
	if _, err := svc.SetDriverAvailability(ctx, driverOne.ID, models.DriverBusy, driverOne); err == nil {
		t.Fatal("drivers must not set themselves BUSY")
	}
}

func TestSetAvailabilityWhileBusyRejected(t *testing.T) {
	svc, mem, _ := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	r := seedRide(t, svc)
	ctx := context.Background()

	if _, err := svc.TryAssign(ctx, r.ID, driverOne.ID, dispatcher); err != nil {
		t.Fatal(err)
	}
	_, err := svc.SetDriverAvailability(ctx, driverOne.ID, models.DriverOffline, driverOne)
	var due *models.DriverUnavailableError
	if !errors.As(err, &due) {
		t.Fatalf("busy drivers cannot go offline mid-ride, got %v", err)
	}
}

func TestConcurrentAssignSameDriver(t *testing.T) {
	const n = 12
	svc, mem, _ := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	r := seedRide(t, svc)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			actor := models.Actor{ID: "USR-" + string(rune('A'+i)), Role: models.RoleOfficer}
			_, errs[i] = svc.TryAssign(ctx, r.ID, driverOne.ID, actor)
		}(i)
	}
	close(start)
	wg.Wait()

	successes, unavailable := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		default:
			var due *models.DriverUnavailableError
			if errors.As(err, &due) {
				unavailable++
			} else {
				t.Errorf("unexpected error under contention: %v", err)
			}
		}
	}
	if successes != 1 || unavailable != n-1 {
		t.Fatalf("want exactly 1 success and %d unavailable, got %d/%d", n-1, successes, unavailable)
	}
	assertInvariant(t, mem, r.ID)
}

func TestConcurrentAssignDistinctRidesSameDriver(t *testing.T) {
	const n = 8
	svc, mem, _ := newTestService(t, nil)
	seedDriver(t, mem, driverOne.ID)
	ctx := context.Background()

	rides := make([]models.Ride, n)
	for i := range rides {
		rides[i] = seedRide(t, svc)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.TryAssign(ctx, rides[i].ID, driverOne.ID, dispatcher)
		}(i)
	}
	close(start)
	wg.Wait()

	successes := 0
	for i, err := range errs {
		if err == nil {
			successes++
			continue
		}
		var due *models.DriverUnavailableError
		if !errors.As(err, &due) {
			t.Errorf("ride %d: unexpected error %v", i, err)
		}
		got, _ := mem.GetRide(ctx, rides[i].ID)
		if got.Status != models.RidePending {
			t.Errorf("losing ride %d must stay PENDING, got %s", i, got.Status)
		}
	}
	if successes != 1 {
		t.Fatalf("the driver can hold exactly one active ride, got %d successes", successes)
	}

	// at most one non-terminal ride references the driver
	holders := 0
	for i := range rides {
		got, _ := mem.GetRide(ctx, rides[i].ID)
		if got.AssignedDriverID == driverOne.ID && !got.Status.Terminal() {
			holders++
		}
	}
	if holders != 1 {
		t.Fatalf("driver referenced by %d active rides", holders)
	}
}

func TestAttachNote(t *testing.T) {
	svc, _, rec := newTestService(t, nil)
	r := seedRide(t, svc)

	if err := svc.AttachNote(context.Background(), r.ID, "wheelchair needed", dispatcher); err != nil {
		t.Fatal(err)
	}
	got := rec.types()
	if got[len(got)-1] != models.EventRideNote {
		t.Fatalf("expected NOTE event, got %v", got)
	}

	err := svc.AttachNote(context.Background(), "RIDE-missing", "x", dispatcher)
	var rna *models.RideNotAssignableError
	if !errors.As(err, &rna) {
		t.Fatalf("expected RideNotAssignableError for missing ride, got %v", err)
	}
}
