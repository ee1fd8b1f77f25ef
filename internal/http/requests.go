package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/home-dispatch/internal/booking"
	"github.com/example/home-dispatch/internal/geo"
	"github.com/example/home-dispatch/internal/matcher"
	"github.com/example/home-dispatch/internal/models"
)

type createRequestBody struct {
	CustomerID string               `json:"customer_id"`
	Services   []models.ServiceLine `json:"services"`
	Pickup     *models.Coordinate   `json:"pickup"`
	Submit     bool                 `json:"submit"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.CustomerID == "" {
		s.fail(w, r, fmt.Errorf("%w: customer_id required", errBadRequest))
		return
	}
	if body.Pickup != nil {
		if err := geo.Validate(*body.Pickup); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	now := time.Now().UTC()
	req := &models.Request{
		ID:         uuid.NewString(),
		CustomerID: body.CustomerID,
		Services:   body.Services,
		Pickup:     body.Pickup,
		Status:     models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	req.CategoryID, _ = req.PrimaryCategory()
	if body.Submit {
		if err := matcher.ValidateRequest(req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if err := s.store.CreateRequest(r.Context(), req); err != nil {
		s.fail(w, r, err)
		return
	}

	if !body.Submit {
		writeJSON(w, http.StatusCreated, req)
		return
	}
	out, err := s.dispatch.Submit(r.Context(), req.ID, models.Actor{Type: models.ActorCustomer, ID: req.CustomerID})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type eventBody struct {
	Type     booking.EventType `json:"type"`
	WorkerID string            `json:"worker_id"`
	Reason   string            `json:"reason"`
	Actor    models.Actor      `json:"actor"`
}

// handleRequestEvent applies one lifecycle event. SUBMIT and REJECT go
// through the dispatch coordinator so the next offer follows immediately.
func (s *Server) handleRequestEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body eventBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Actor.Type == "" {
		s.fail(w, r, fmt.Errorf("%w: actor required", errBadRequest))
		return
	}

	switch body.Type {
	case booking.Submit:
		out, err := s.dispatch.Submit(r.Context(), id, body.Actor)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	case booking.Reject:
		if body.Actor.Type != models.ActorWorker {
			s.fail(w, r, fmt.Errorf("%w: reject must come from a worker", errBadRequest))
			return
		}
		out, err := s.dispatch.Reject(r.Context(), id, body.Actor.ID, body.Reason)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	default:
		req, err := s.machine.Transition(r.Context(), id, booking.Event{Type: body.Type, WorkerID: body.WorkerID, Reason: body.Reason}, body.Actor)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cands, err := s.matcher.FindCandidates(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": req.ID, "candidates": cands})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	out, err := s.dispatch.Redispatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
