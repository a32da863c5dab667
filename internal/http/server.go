// Package httpapi is the thin command surface in front of the arbiter.
// Handlers decode JSON, pull the actor from the identity headers, call
// one arbiter operation and map the result to a stable error code.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jetci/EMS-sub006/internal/arbiter"
	"github.com/jetci/EMS-sub006/internal/config"
	"github.com/jetci/EMS-sub006/internal/guard"
	"github.com/jetci/EMS-sub006/internal/notify"
	"github.com/jetci/EMS-sub006/internal/storage"
)

type Server struct {
	Arbiter *arbiter.Service
	Hub     *notify.Hub
	Rides   storage.RideStore
	Drivers storage.DriverRegistry

	apiGuard    *guard.Guard
	uploadGuard *guard.Guard
	logger      *slog.Logger
	mux         *mux.Router
}

func NewServer(cfg config.ServerConfig, arb *arbiter.Service, hub *notify.Hub, rides storage.RideStore, drivers storage.DriverRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Arbiter:     arb,
		Hub:         hub,
		Rides:       rides,
		Drivers:     drivers,
		apiGuard:    guard.New(guard.Config{Window: cfg.APIWindow, MaxAttempts: cfg.APIMaxAttempts}),
		uploadGuard: guard.New(guard.Config{Window: cfg.UploadWindow, MaxAttempts: cfg.UploadMaxAttempts}),
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.actorMiddleware)
	api.Use(s.rateLimitMiddleware(s.apiGuard, "api"))

	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/assign", s.handleAssign).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/unassign", s.handleUnassign).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/drivers/{driver_id}/availability", s.handleDriverAvailability).Methods("PUT")
	// note/attachment intake shares the stricter upload window because the
	// external file pipeline sits behind it
	api.Handle("/rides/{ride_id}/notes", s.rateLimitMiddleware(s.uploadGuard, "upload")(http.HandlerFunc(s.handleAttachNote))).Methods("POST")

	// driver-management sync, not exposed publicly
	s.mux.HandleFunc("/internal/drivers", s.handleUpsertDriver).Methods("POST")

	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
