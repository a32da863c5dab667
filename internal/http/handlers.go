package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jetci/EMS-sub006/internal/arbiter"
	"github.com/jetci/EMS-sub006/internal/models"
	"github.com/jetci/EMS-sub006/internal/storage"
)

type createRideRequest struct {
	PatientID       string    `json:"patient_id"`
	PickupLocation  string    `json:"pickup_location"`
	Destination     string    `json:"destination"`
	AppointmentTime time.Time `json:"appointment_time"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ride, err := s.Arbiter.CreateRide(r.Context(), arbiter.CreateRideInput{
		PatientID:       req.PatientID,
		PickupLocation:  req.PickupLocation,
		Destination:     req.Destination,
		AppointmentTime: req.AppointmentTime,
	}, actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody("RIDE_NOT_FOUND", "ride not found", 0))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type assignRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ride, err := s.Arbiter.TryAssign(r.Context(), mux.Vars(r)["ride_id"], req.DriverID, actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Arbiter.Unassign(r.Context(), mux.Vars(r)["ride_id"], actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Arbiter.Start(r.Context(), mux.Vars(r)["ride_id"], actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Arbiter.Complete(r.Context(), mux.Vars(r)["ride_id"], actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ride, err := s.Arbiter.Cancel(r.Context(), mux.Vars(r)["ride_id"], req.Reason, actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type availabilityRequest struct {
	Availability models.Availability `json:"availability"`
}

func (s *Server) handleDriverAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, err)
		return
	}
	driver, err := s.Arbiter.SetDriverAvailability(r.Context(), mux.Vars(r)["driver_id"], req.Availability, actorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, driver)
}

type noteRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleAttachNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.Arbiter.AttachNote(r.Context(), mux.Vars(r)["ride_id"], req.Note, actorFromContext(r.Context())); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleUpsertDriver mirrors driver rows from the external
// driver-management system into the registry.
func (s *Server) handleUpsertDriver(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeBadRequest(w, err)
		return
	}
	if d.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("BAD_REQUEST", "driver id required", 0))
		return
	}
	if d.Availability == "" {
		d.Availability = models.DriverOffline
	}
	if err := s.Drivers.PutDriver(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody("BAD_REQUEST", err.Error(), 0))
}
