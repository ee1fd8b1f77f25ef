package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/home-dispatch/internal/broadcast"
	"github.com/example/home-dispatch/internal/logging"
	"github.com/example/home-dispatch/internal/models"
	"github.com/example/home-dispatch/internal/observability"
	"github.com/example/home-dispatch/internal/storage"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

type Store interface {
	AppendActivity(ctx context.Context, e *models.ActivityEntry) error
	QueryActivity(ctx context.Context, q storage.ActivityQuery) ([]models.ActivityEntry, int, error)
}

type Filter struct {
	RequestID string
	ActorType models.ActorType
	Action    string
	From      *time.Time
	To        *time.Time
}

type Page struct {
	Limit  int
	Offset int
}

type PageResult struct {
	Entries []models.ActivityEntry `json:"entries"`
	Total   int                    `json:"total"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

type Log struct {
	store     Store
	publisher broadcast.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewLog(store Store, publisher broadcast.Publisher, logger *slog.Logger) *Log {
	if publisher == nil {
		publisher = broadcast.Nop{}
	}
	return &Log{store: store, publisher: publisher, logger: logging.OrDefault(logger), now: func() time.Time { return time.Now().UTC() }}
}

// Append records an entry and tells operators about it.
func (l *Log) Append(ctx context.Context, e models.ActivityEntry) (*models.ActivityEntry, error) {
	if e.Action == "" {
		return nil, fmt.Errorf("activity entry requires an action")
	}
	e.ID = uuid.NewString()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	if err := l.store.AppendActivity(ctx, &e); err != nil {
		return nil, fmt.Errorf("append activity: %w", err)
	}
	observability.ActivityAppendedTotal.WithLabelValues(e.Action).Inc()

	ev := broadcast.Event{
		Type:       broadcast.EventActivity,
		RequestID:  e.RequestID,
		Coordinate: e.Location,
		Action:     e.Action,
		Timestamp:  e.CreatedAt,
	}
	if e.ActorType == models.ActorWorker {
		ev.WorkerID = e.ActorID
	}
	if e.NewStatus != nil {
		ev.Status = *e.NewStatus
	}
	if err := l.publisher.Publish(ctx, broadcast.Operators, ev); err != nil {
		observability.PublishFailuresTotal.WithLabelValues("activity").Inc()
		l.logger.Warn("publish_failed", "request_id", e.RequestID, "error", err)
	}
	return &e, nil
}

// Query returns matching entries oldest first.
func (l *Log) Query(ctx context.Context, f Filter, p Page) (PageResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	entries, total, err := l.store.QueryActivity(ctx, storage.ActivityQuery{
		RequestID: f.RequestID,
		ActorType: f.ActorType,
		Action:    f.Action,
		From:      f.From,
		To:        f.To,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return PageResult{}, fmt.Errorf("query activity: %w", err)
	}
	return PageResult{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}
