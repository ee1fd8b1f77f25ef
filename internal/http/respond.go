package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/home-dispatch/internal/booking"
	"github.com/example/home-dispatch/internal/broadcast"
	"github.com/example/home-dispatch/internal/geo"
	"github.com/example/home-dispatch/internal/matcher"
	"github.com/example/home-dispatch/internal/storage"
)

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, matcher.ErrInvalidRequest),
		errors.Is(err, matcher.ErrMalformedRequest),
		errors.Is(err, geo.ErrInvalidCoordinate),
		errors.Is(err, broadcast.ErrInvalidGroup):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrIllegalTransition),
		errors.Is(err, booking.ErrConcurrentAssignment),
		errors.Is(err, booking.ErrConflict),
		errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		s.logger.Error("handler_error", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeError(w, err)
}
