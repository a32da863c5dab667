package models

import "time"

type RideStatus string

const (
	RidePending    RideStatus = "PENDING"
	RideAssigned   RideStatus = "ASSIGNED"
	RideInProgress RideStatus = "IN_PROGRESS"
	RideCompleted  RideStatus = "COMPLETED"
	RideCancelled  RideStatus = "CANCELLED"
)

// Terminal reports whether a ride in this status is append-only history.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

type Availability string

const (
	DriverAvailable Availability = "AVAILABLE"
	DriverBusy      Availability = "BUSY"
	DriverOffline   Availability = "OFFLINE"
)

type Role string

const (
	RoleAdmin       Role = "ADMIN"
	RoleOfficer     Role = "OFFICER"
	RoleRadioCenter Role = "RADIO_CENTER"
	RoleExecutive   Role = "EXECUTIVE"
	RoleDeveloper   Role = "DEVELOPER"
	RoleCommunity   Role = "COMMUNITY"
	RoleDriver      Role = "DRIVER"
)

// Dispatcher reports whether the role may assign or cancel rides and
// belongs in the operations fan-out room.
func (r Role) Dispatcher() bool {
	switch r {
	case RoleAdmin, RoleOfficer, RoleRadioCenter, RoleExecutive, RoleDeveloper:
		return true
	}
	return false
}

// Actor is the identity attached to every command, supplied by the
// external session layer.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Ride struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"patient_id"`
	PickupLocation   string     `json:"pickup_location"`
	Destination      string     `json:"destination"`
	AppointmentTime  time.Time  `json:"appointment_time"`
	Status           RideStatus `json:"status"`
	AssignedDriverID string     `json:"assigned_driver_id,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	CancelledBy      string     `json:"cancelled_by,omitempty"`
	CreatedBy        string     `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Version          int64      `json:"version"`
}

type Driver struct {
	ID            string       `json:"id"`
	FullName      string       `json:"full_name"`
	Availability  Availability `json:"availability"`
	CurrentRideID string       `json:"current_ride_id,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
	Version       int64        `json:"version"`
}

type EventType string

const (
	EventRideCreated    EventType = "CREATED"
	EventRideAssigned   EventType = "ASSIGNED"
	EventRideUnassigned EventType = "UNASSIGNED"
	EventRideStarted    EventType = "STARTED"
	EventRideCompleted  EventType = "COMPLETED"
	EventRideCancelled  EventType = "CANCELLED"
	EventRideNote       EventType = "NOTE"
)

// TransitionEvent describes one committed ride transition. The arbiter
// returns it as a value; fan-out happens in a separate layer so the
// state machine itself carries no I/O.
type TransitionEvent struct {
	Type       EventType  `json:"event_type"`
	RideID     string     `json:"ride_id"`
	FromStatus RideStatus `json:"from_status"`
	ToStatus   RideStatus `json:"to_status"`
	DriverID   string     `json:"driver_id,omitempty"`
	ActorID    string     `json:"actor_id"`
	Note       string     `json:"note,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
