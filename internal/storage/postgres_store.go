package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/jetci/EMS-sub006/internal/models"
)

// PostgresStore implements RideStore and DriverRegistry on top of
// database/sql. Conditional updates use WHERE id AND version so a lost
// update can never overwrite a concurrent commit.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, patient_id, pickup_location, destination, appointment_time,
		       status, COALESCE(assigned_driver_id,''), COALESCE(cancel_reason,''),
		       COALESCE(cancelled_by,''), created_by, created_at, updated_at, version
		FROM rides WHERE id=$1`, id)
	var r models.Ride
	err := row.Scan(&r.ID, &r.PatientID, &r.PickupLocation, &r.Destination, &r.AppointmentTime,
		&r.Status, &r.AssignedDriverID, &r.CancelReason, &r.CancelledBy,
		&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt, &r.Version)
	if err == sql.ErrNoRows {
		return models.Ride{}, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) CreateRide(ctx context.Context, r models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(id, patient_id, pickup_location, destination, appointment_time,
		                  status, created_by, created_at, updated_at, version)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,1)`,
		r.ID, r.PatientID, r.PickupLocation, r.Destination, r.AppointmentTime,
		r.Status, r.CreatedBy, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRideIf(ctx context.Context, expectedVersion int64, r models.Ride) (models.Ride, bool, error) {
	now := time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides
		SET status=$1, assigned_driver_id=NULLIF($2,''), cancel_reason=NULLIF($3,''),
		    cancelled_by=NULLIF($4,''), updated_at=$5, version=version+1
		WHERE id=$6 AND version=$7`,
		r.Status, r.AssignedDriverID, r.CancelReason, r.CancelledBy, now, r.ID, expectedVersion)
	if err != nil {
		return models.Ride{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Ride{}, false, err
	}
	if n == 0 {
		return models.Ride{}, false, nil
	}
	r.Version = expectedVersion + 1
	r.UpdatedAt = now
	return r, true, nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(full_name,''), availability, COALESCE(current_ride_id,''), updated_at, version
		FROM drivers WHERE id=$1`, id)
	var d models.Driver
	err := row.Scan(&d.ID, &d.FullName, &d.Availability, &d.CurrentRideID, &d.UpdatedAt, &d.Version)
	if err == sql.ErrNoRows {
		return models.Driver{}, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) PutDriver(ctx context.Context, d models.Driver) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers(id, full_name, availability, current_ride_id, updated_at, version)
		VALUES($1,$2,$3,NULLIF($4,''),$5,1)
		ON CONFLICT (id) DO UPDATE
		SET full_name=EXCLUDED.full_name, availability=EXCLUDED.availability,
		    current_ride_id=EXCLUDED.current_ride_id, updated_at=EXCLUDED.updated_at,
		    version=drivers.version+1`,
		d.ID, d.FullName, d.Availability, d.CurrentRideID, time.Now())
	return err
}

func (p *PostgresStore) UpdateDriverIf(ctx context.Context, expectedVersion int64, d models.Driver) (models.Driver, bool, error) {
	now := time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE drivers
		SET availability=$1, current_ride_id=NULLIF($2,''), updated_at=$3, version=version+1
		WHERE id=$4 AND version=$5`,
		d.Availability, d.CurrentRideID, now, d.ID, expectedVersion)
	if err != nil {
		return models.Driver{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Driver{}, false, err
	}
	if n == 0 {
		return models.Driver{}, false, nil
	}
	d.Version = expectedVersion + 1
	d.UpdatedAt = now
	return d, true, nil
}

// InsertRideEvent appends one row to the audit trail. Used by the
// consumer process; the API path publishes through Kafka instead.
func (p *PostgresStore) InsertRideEvent(ctx context.Context, ev models.TransitionEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ride_events(ride_id, event_type, from_status, to_status, driver_id, actor_id, note, ts)
		VALUES($1,$2,$3,$4,NULLIF($5,''),$6,NULLIF($7,''),$8)`,
		ev.RideID, ev.Type, ev.FromStatus, ev.ToStatus, ev.DriverID, ev.ActorID, ev.Note, ev.Timestamp)
	return err
}
