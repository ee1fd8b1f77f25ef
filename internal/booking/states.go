package booking

import (
	"errors"
	"fmt"

	"github.com/example/home-dispatch/internal/models"
)

type EventType string

const (
	Submit   EventType = "SUBMIT"
	Assign   EventType = "ASSIGN"
	Accept   EventType = "ACCEPT"
	Reject   EventType = "REJECT"
	Arrive   EventType = "ARRIVE"
	Start    EventType = "START"
	Complete EventType = "COMPLETE"
	Cancel   EventType = "CANCEL"
)

var AllEvents = []EventType{Submit, Assign, Accept, Reject, Arrive, Start, Complete, Cancel}

// Event is a transition trigger. WorkerID is required for ASSIGN.
type Event struct {
	Type     EventType `json:"type"`
	WorkerID string    `json:"worker_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

var (
	ErrIllegalTransition    = errors.New("illegal transition")
	ErrConcurrentAssignment = errors.New("worker already holds an active request")
	ErrConflict             = errors.New("request changed concurrently")
)

type IllegalTransitionError struct {
	From   models.Status
	Event  EventType
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("illegal transition: %s on %s: %s", e.Event, e.From, e.Reason)
	}
	return fmt.Sprintf("illegal transition: %s on %s", e.Event, e.From)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

var transitions = map[models.Status]map[EventType]models.Status{
	models.StatusPending:          {Submit: models.StatusSearchingPartner},
	models.StatusSearchingPartner: {Assign: models.StatusPartnerAssigned},
	models.StatusPartnerAssigned:  {Accept: models.StatusPartnerAccepted, Reject: models.StatusSearchingPartner},
	models.StatusPartnerAccepted:  {Arrive: models.StatusArrived},
	models.StatusArrived:          {Start: models.StatusInProgress},
	models.StatusInProgress:       {Complete: models.StatusCompleted},
}

// Next returns the target state for (from, ev). CANCEL is legal from every
// non-terminal state.
func Next(from models.Status, ev EventType) (models.Status, bool) {
	if from.Terminal() {
		return "", false
	}
	if ev == Cancel {
		return models.StatusCancelled, true
	}
	to, ok := transitions[from][ev]
	return to, ok
}
