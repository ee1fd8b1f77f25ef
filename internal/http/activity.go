package httpapi

import (
	"fmt"
	"net/http"

	"github.com/example/home-dispatch/internal/activity"
	"github.com/example/home-dispatch/internal/models"
)

func (s *Server) handleQueryActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := activity.Filter{
		RequestID: q.Get("request_id"),
		ActorType: models.ActorType(q.Get("actor_type")),
		Action:    q.Get("action"),
	}
	var p activity.Page
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		s.fail(w, r, err)
		return
	}
	if p.Limit, err = parseInt(q.Get("limit")); err != nil {
		s.fail(w, r, err)
		return
	}
	if p.Offset, err = parseInt(q.Get("offset")); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.activity.Query(r.Context(), f, p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAppendActivity records free-form operator notes against a request.
func (s *Server) handleAppendActivity(w http.ResponseWriter, r *http.Request) {
	var e models.ActivityEntry
	if err := decode(r, &e); err != nil {
		s.fail(w, r, err)
		return
	}
	if e.RequestID == "" || e.Action == "" {
		s.fail(w, r, fmt.Errorf("%w: request_id and action required", errBadRequest))
		return
	}
	if e.ActorType == "" {
		e.ActorType = models.ActorOperator
	}
	if _, err := s.store.GetRequest(r.Context(), e.RequestID); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.activity.Append(r.Context(), e)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}
