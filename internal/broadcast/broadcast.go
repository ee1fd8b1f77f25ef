package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/home-dispatch/internal/models"
)

// Group addresses a set of subscribers.
type Group string

const Operators Group = "operators"

func CustomerGroup(customerID string) Group { return Group("customer:" + customerID) }

func WorkerGroup(workerID string) Group { return Group("worker:" + workerID) }

var ErrInvalidGroup = errors.New("invalid broadcast group")

// ParseGroup accepts "operators", "customer:<id>" or "worker:<id>".
func ParseGroup(s string) (Group, error) {
	if s == string(Operators) {
		return Operators, nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" || (kind != "customer" && kind != "worker") {
		return "", fmt.Errorf("%w: %q", ErrInvalidGroup, s)
	}
	return Group(s), nil
}

type EventType string

const (
	EventLocationUpdate EventType = "location_update"
	EventActivity       EventType = "activity"
	EventStatusChange   EventType = "status_change"
)

type Event struct {
	Type       EventType          `json:"type"`
	RequestID  string             `json:"request_id,omitempty"`
	WorkerID   string             `json:"worker_id,omitempty"`
	Coordinate *models.Coordinate `json:"coordinate,omitempty"`
	Status     models.Status      `json:"status,omitempty"`
	Action     string             `json:"action,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Publisher delivers an event to every current subscriber of a group.
// Delivery is at-most-once with no replay.
type Publisher interface {
	Publish(ctx context.Context, group Group, ev Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Group, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, group Group, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, group, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
