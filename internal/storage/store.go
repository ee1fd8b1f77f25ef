package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/home-dispatch/internal/models"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrStaleState = errors.New("stale request state")
	ErrWorkerBusy = errors.New("worker not available")
	ErrDuplicate  = errors.New("already exists")
)

// WorkerEffect is what a committed transition does to the worker row.
type WorkerEffect int

const (
	WorkerUnchanged WorkerEffect = iota
	// WorkerReserve requires the worker to be AVAILABLE with no open offer or
	// active job on another request; availability is not changed.
	WorkerReserve
	// WorkerClaim requires the worker to be AVAILABLE with no active job on
	// another request and flips it to BUSY.
	WorkerClaim
	// WorkerRelease flips BUSY back to AVAILABLE when no other active request remains.
	WorkerRelease
)

// Transition is a compare-and-set of a request's status. The store applies
// the request update, the worker effect and the activity insert atomically.
type Transition struct {
	RequestID        string
	FromStatus       models.Status
	FromVersion      int
	ToStatus         models.Status
	AssignedWorkerID *string
	RejectWorkerID   string
	WorkerID         string
	Effect           WorkerEffect
	Activity         models.ActivityEntry
	At               time.Time
}

type HistoryRange struct {
	Start *time.Time
	End   *time.Time
	Limit int
}

type ActivityQuery struct {
	RequestID string
	ActorType models.ActorType
	Action    string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// Store is the transactional persistence used by the dispatch core.
type Store interface {
	CreateWorker(ctx context.Context, w *models.Worker) error
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	SetOnline(ctx context.Context, workerID string) (*models.Worker, error)
	MarkOffline(ctx context.Context, workerID string) (*models.Worker, error)
	ListEligibleWorkers(ctx context.Context, categoryID string, exclude []string) ([]models.Worker, error)

	CreateRequest(ctx context.Context, r *models.Request) error
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	ApplyTransition(ctx context.Context, t Transition) (*models.Request, error)

	// RecordLocation appends the sample and reports whether it became the
	// worker's current location. Samples older than the stored one only
	// extend history.
	RecordLocation(ctx context.Context, s *models.LocationSample) (bool, error)
	LocationHistory(ctx context.Context, workerID string, q HistoryRange) ([]models.LocationSample, error)

	AppendActivity(ctx context.Context, e *models.ActivityEntry) error
	QueryActivity(ctx context.Context, q ActivityQuery) ([]models.ActivityEntry, int, error)
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
