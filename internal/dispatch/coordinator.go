package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/home-dispatch/internal/booking"
	"github.com/example/home-dispatch/internal/logging"
	"github.com/example/home-dispatch/internal/matcher"
	"github.com/example/home-dispatch/internal/models"
	"github.com/example/home-dispatch/internal/observability"
)

const DefaultMaxOfferAttempts = 5

type RequestReader interface {
	GetRequest(ctx context.Context, id string) (*models.Request, error)
}

type Transitioner interface {
	Transition(ctx context.Context, requestID string, ev booking.Event, actor models.Actor) (*models.Request, error)
}

type CandidateFinder interface {
	FindCandidates(ctx context.Context, req *models.Request) ([]matcher.Candidate, error)
}

// Outcome reports what an offer round did. Offered is nil when no
// candidate could be assigned; the request then stays SEARCHING_PARTNER.
type Outcome struct {
	Request    *models.Request    `json:"request"`
	Offered    *matcher.Candidate `json:"offered,omitempty"`
	Candidates int                `json:"candidates"`
	Attempts   int                `json:"attempts"`
}

// Coordinator offers a request to one worker at a time, nearest first.
type Coordinator struct {
	requests    RequestReader
	machine     Transitioner
	matcher     CandidateFinder
	maxAttempts int
	logger      *slog.Logger
}

func NewCoordinator(requests RequestReader, machine Transitioner, finder CandidateFinder, maxAttempts int, logger *slog.Logger) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxOfferAttempts
	}
	return &Coordinator{requests: requests, machine: machine, matcher: finder, maxAttempts: maxAttempts, logger: logging.OrDefault(logger)}
}

var system = models.Actor{Type: models.ActorSystem, ID: "dispatcher"}

// Submit moves a PENDING request into the search and makes the first offer.
// A request that could never be matched is refused before anything commits.
func (c *Coordinator) Submit(ctx context.Context, requestID string, actor models.Actor) (*Outcome, error) {
	req, err := c.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status == models.StatusPending {
		if err := matcher.ValidateRequest(req); err != nil {
			return nil, err
		}
	}
	if _, err := c.machine.Transition(ctx, requestID, booking.Event{Type: booking.Submit}, actor); err != nil {
		return nil, err
	}
	return c.Offer(ctx, requestID)
}

// Reject records the worker's refusal and re-offers to the next candidate.
func (c *Coordinator) Reject(ctx context.Context, requestID, workerID, reason string) (*Outcome, error) {
	ev := booking.Event{Type: booking.Reject, Reason: reason}
	if _, err := c.machine.Transition(ctx, requestID, ev, models.Actor{Type: models.ActorWorker, ID: workerID}); err != nil {
		return nil, err
	}
	return c.Offer(ctx, requestID)
}

// Redispatch retries the offer round for a request still searching. Meant
// for an external scheduler; the core runs no timers.
func (c *Coordinator) Redispatch(ctx context.Context, requestID string) (*Outcome, error) {
	return c.Offer(ctx, requestID)
}

// Offer assigns the nearest candidate that is still free. Candidates that
// were taken since the search are skipped.
func (c *Coordinator) Offer(ctx context.Context, requestID string) (*Outcome, error) {
	req, err := c.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status != models.StatusSearchingPartner {
		return nil, &booking.IllegalTransitionError{From: req.Status, Event: booking.Assign, Reason: "request is not searching"}
	}

	cands, err := c.matcher.FindCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Request: req, Candidates: len(cands)}

	for i := range cands {
		if out.Attempts >= c.maxAttempts {
			break
		}
		out.Attempts++
		cand := cands[i]
		next, err := c.machine.Transition(ctx, requestID, booking.Event{Type: booking.Assign, WorkerID: cand.Worker.ID}, system)
		if errors.Is(err, booking.ErrConcurrentAssignment) {
			observability.OffersTotal.WithLabelValues("worker_taken").Inc()
			c.logger.Debug("offer_skipped", "request_id", requestID, "worker_id", cand.Worker.ID, "error", err)
			continue
		}
		if err != nil {
			observability.OffersTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		observability.OffersTotal.WithLabelValues("offered").Inc()
		c.logger.Info("offer_sent", "request_id", requestID, "worker_id", cand.Worker.ID, "distance_km", cand.DistanceKm)
		out.Request = next
		out.Offered = &cand
		return out, nil
	}

	observability.OffersTotal.WithLabelValues("no_candidate").Inc()
	c.logger.Info("no_candidate", "request_id", requestID, "candidates", len(cands), "attempts", out.Attempts)
	return out, nil
}
