package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/home-dispatch/internal/eta"
	"github.com/example/home-dispatch/internal/geo"
	"github.com/example/home-dispatch/internal/logging"
	"github.com/example/home-dispatch/internal/models"
	"github.com/example/home-dispatch/internal/observability"
)

var (
	ErrInvalidRequest   = errors.New("request has no pickup location")
	ErrMalformedRequest = errors.New("request has no service lines")
)

// WorkerSource returns workers that are AVAILABLE, APPROVED, in the category,
// without an open offer or active job, and not in exclude.
type WorkerSource interface {
	ListEligibleWorkers(ctx context.Context, categoryID string, exclude []string) ([]models.Worker, error)
}

type Candidate struct {
	Worker     models.Worker `json:"worker"`
	DistanceKm float64       `json:"distance_km"`
	ETASeconds *float64      `json:"eta_seconds,omitempty"`
}

type Engine struct {
	Workers WorkerSource
	// TopN caps the result; zero returns every candidate.
	TopN int
	// DefaultRadiusKm applies to workers without a declared radius.
	DefaultRadiusKm float64
	ETAClient       eta.Client
	Logger          *slog.Logger
}

func New(workers WorkerSource, etaClient eta.Client, topN int, logger *slog.Logger) *Engine {
	return &Engine{Workers: workers, ETAClient: etaClient, TopN: topN, Logger: logging.OrDefault(logger)}
}

// FindCandidates ranks eligible workers by distance to the pickup point.
// An empty result is not an error.
func (e *Engine) FindCandidates(ctx context.Context, req *models.Request) ([]Candidate, error) {
	start := time.Now()
	cands, err := e.findCandidates(ctx, req)
	observability.CandidateSearchLatency.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		observability.CandidateSearchesTotal.WithLabelValues("error").Inc()
	case len(cands) == 0:
		observability.CandidateSearchesTotal.WithLabelValues("empty").Inc()
	default:
		observability.CandidateSearchesTotal.WithLabelValues("found").Inc()
	}
	if err == nil {
		observability.CandidatesReturned.Observe(float64(len(cands)))
	}
	return cands, err
}

// ValidateRequest reports why req cannot be matched at all.
func ValidateRequest(req *models.Request) error {
	if req.Pickup == nil {
		return ErrInvalidRequest
	}
	if _, ok := req.PrimaryCategory(); !ok {
		return ErrMalformedRequest
	}
	return geo.Validate(*req.Pickup)
}

func (e *Engine) findCandidates(ctx context.Context, req *models.Request) ([]Candidate, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	category, _ := req.PrimaryCategory()

	pool, err := e.Workers.ListEligibleWorkers(ctx, category, req.RejectedWorkerIDs)
	if err != nil {
		return nil, fmt.Errorf("list eligible workers: %w", err)
	}

	out := make([]Candidate, 0, len(pool))
	for _, w := range pool {
		if w.CurrentLocation == nil {
			continue
		}
		d, err := geo.DistanceKm(*w.CurrentLocation, *req.Pickup)
		if err != nil {
			continue
		}
		if d > e.radiusFor(w) {
			continue
		}
		out = append(out, Candidate{Worker: w, DistanceKm: d})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Worker.ID < out[j].Worker.ID
	})
	if e.TopN > 0 && len(out) > e.TopN {
		out = out[:e.TopN]
	}

	if e.ETAClient != nil {
		for i := range out {
			v, err := e.ETAClient.EstimateSeconds(ctx, *out[i].Worker.CurrentLocation, *req.Pickup)
			if err != nil {
				e.logger().Debug("eta_estimate_failed", "request_id", req.ID, "worker_id", out[i].Worker.ID, "error", err)
				continue
			}
			out[i].ETASeconds = &v
		}
	}
	return out, nil
}

func (e *Engine) radiusFor(w models.Worker) float64 {
	if w.ServiceRadiusKm <= 0 && e.DefaultRadiusKm > 0 {
		return e.DefaultRadiusKm
	}
	return w.RadiusKm()
}

func (e *Engine) logger() *slog.Logger {
	return logging.OrDefault(e.Logger)
}
