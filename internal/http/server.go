package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/home-dispatch/internal/activity"
	"github.com/example/home-dispatch/internal/booking"
	"github.com/example/home-dispatch/internal/broadcast"
	"github.com/example/home-dispatch/internal/dispatch"
	"github.com/example/home-dispatch/internal/geo"
	"github.com/example/home-dispatch/internal/ingest"
	"github.com/example/home-dispatch/internal/logging"
	"github.com/example/home-dispatch/internal/matcher"
	"github.com/example/home-dispatch/internal/storage"
	"github.com/example/home-dispatch/internal/tracking"
)

// LocationQueue accepts pings for asynchronous processing.
type LocationQueue interface {
	PublishLocation(ctx context.Context, p ingest.Ping) error
}

type Deps struct {
	Store    storage.Store
	Matcher  *matcher.Engine
	Machine  *booking.Machine
	Dispatch *dispatch.Coordinator
	Tracker  *tracking.Service
	Activity *activity.Log
	Hub      *broadcast.Hub
	Index    geo.Index
	Queue    LocationQueue
	Ready    func(ctx context.Context) error
	Logger   *slog.Logger
}

type Server struct {
	store    storage.Store
	matcher  *matcher.Engine
	machine  *booking.Machine
	dispatch *dispatch.Coordinator
	tracker  *tracking.Service
	activity *activity.Log
	hub      *broadcast.Hub
	index    geo.Index
	queue    LocationQueue
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		store:    d.Store,
		matcher:  d.Matcher,
		machine:  d.Machine,
		dispatch: d.Dispatch,
		tracker:  d.Tracker,
		activity: d.Activity,
		hub:      d.Hub,
		index:    d.Index,
		queue:    d.Queue,
		ready:    d.Ready,
		logger:   logging.OrDefault(d.Logger),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/events", s.handleRequestEvent).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/candidates", s.handleCandidates).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)

	api.HandleFunc("/workers", s.handleCreateWorker).Methods(http.MethodPost)
	api.HandleFunc("/workers/nearby", s.handleNearbyWorkers).Methods(http.MethodGet)
	api.HandleFunc("/workers/{id}", s.handleGetWorker).Methods(http.MethodGet)
	api.HandleFunc("/workers/{id}/locations", s.handleRecordLocation).Methods(http.MethodPost)
	api.HandleFunc("/workers/{id}/locations", s.handleLocationHistory).Methods(http.MethodGet)
	api.HandleFunc("/workers/{id}/offline", s.handleOffline).Methods(http.MethodPost)
	api.HandleFunc("/workers/{id}/online", s.handleOnline).Methods(http.MethodPost)

	api.HandleFunc("/activity", s.handleQueryActivity).Methods(http.MethodGet)
	api.HandleFunc("/activity", s.handleAppendActivity).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/locations", s.handleIngestLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	group, err := broadcast.ParseGroup(r.URL.Query().Get("group"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.ServeWS(w, r, group, s.logger)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
