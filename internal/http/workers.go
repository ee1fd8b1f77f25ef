package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/home-dispatch/internal/geo"
	"github.com/example/home-dispatch/internal/ingest"
	"github.com/example/home-dispatch/internal/models"
	"github.com/example/home-dispatch/internal/tracking"
)

func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	var wk models.Worker
	if err := decode(r, &wk); err != nil {
		s.fail(w, r, err)
		return
	}
	if wk.CategoryID == "" {
		s.fail(w, r, fmt.Errorf("%w: category_id required", errBadRequest))
		return
	}
	if wk.ID == "" {
		wk.ID = uuid.NewString()
	}
	if wk.Availability == "" {
		wk.Availability = models.AvailabilityOffline
	}
	if wk.KYC == "" {
		wk.KYC = models.KYCPending
	}
	if wk.CurrentLocation != nil {
		if err := geo.Validate(*wk.CurrentLocation); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if err := s.store.CreateWorker(r.Context(), &wk); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wk)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	wk, err := s.store.GetWorker(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

type locationBody struct {
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	Accuracy   *float64   `json:"accuracy"`
	RequestID  *string    `json:"request_id"`
	RecordedAt *time.Time `json:"recorded_at"`
}

func (s *Server) handleRecordLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	sample, err := s.tracker.RecordLocation(r.Context(), tracking.LocationInput{
		WorkerID:   mux.Vars(r)["id"],
		Coordinate: models.Coordinate{Lat: body.Lat, Lon: body.Lon},
		Accuracy:   body.Accuracy,
		RequestID:  body.RequestID,
		RecordedAt: body.RecordedAt,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sample)
}

// handleIngestLocation queues pings for the consumer when Kafka is wired
// and records them inline otherwise.
func (s *Server) handleIngestLocation(w http.ResponseWriter, r *http.Request) {
	var p ingest.Ping
	if err := decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	if p.WorkerID == "" {
		s.fail(w, r, fmt.Errorf("%w: worker_id required", errBadRequest))
		return
	}
	if err := geo.Validate(models.Coordinate{Lat: p.Lat, Lon: p.Lon}); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.queue != nil {
		if err := s.queue.PublishLocation(r.Context(), p); err != nil {
			s.fail(w, r, fmt.Errorf("enqueue ping: %w", err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if _, err := s.tracker.RecordLocation(r.Context(), p.Input()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocationHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var hq tracking.HistoryQuery
	var err error
	if hq.Start, err = parseTime(q.Get("start")); err != nil {
		s.fail(w, r, err)
		return
	}
	if hq.End, err = parseTime(q.Get("end")); err != nil {
		s.fail(w, r, err)
		return
	}
	if hq.Limit, err = parseInt(q.Get("limit")); err != nil {
		s.fail(w, r, err)
		return
	}
	samples, err := s.tracker.History(r.Context(), mux.Vars(r)["id"], hq)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": samples})
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	wk, err := s.tracker.MarkOffline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	wk, err := s.tracker.MarkOnline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) handleNearbyWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		s.fail(w, r, fmt.Errorf("%w: lat and lon required", errBadRequest))
		return
	}
	radius := models.DefaultServiceRadiusKm
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			s.fail(w, r, fmt.Errorf("%w: invalid radius_km", errBadRequest))
			return
		}
		radius = f
	}
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	positions, err := s.index.Nearby(r.Context(), models.Coordinate{Lat: lat, Lon: lon}, radius, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": positions})
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid time %q", errBadRequest, v)
	}
	return &t, nil
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid integer %q", errBadRequest, v)
	}
	return n, nil
}
