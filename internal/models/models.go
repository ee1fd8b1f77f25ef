package models

import "time"

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Availability string

const (
	AvailabilityAvailable Availability = "AVAILABLE"
	AvailabilityBusy      Availability = "BUSY"
	AvailabilityOffline   Availability = "OFFLINE"
)

type KYCStatus string

const (
	KYCPending  KYCStatus = "PENDING"
	KYCApproved KYCStatus = "APPROVED"
	KYCRejected KYCStatus = "REJECTED"
)

// DefaultServiceRadiusKm applies when a worker has not declared a radius.
const DefaultServiceRadiusKm = 10.0

type Worker struct {
	ID                 string       `json:"id"`
	CategoryID         string       `json:"category_id"`
	Availability       Availability `json:"availability"`
	KYC                KYCStatus    `json:"kyc_status"`
	CurrentLocation    *Coordinate  `json:"current_location,omitempty"`
	ServiceRadiusKm    float64      `json:"service_radius_km"`
	LastLocationUpdate *time.Time   `json:"last_location_update,omitempty"`
}

// RadiusKm returns the declared service radius or the default when unset.
func (w Worker) RadiusKm() float64 {
	if w.ServiceRadiusKm <= 0 {
		return DefaultServiceRadiusKm
	}
	return w.ServiceRadiusKm
}

type Status string

const (
	StatusPending          Status = "PENDING"
	StatusSearchingPartner Status = "SEARCHING_PARTNER"
	StatusPartnerAssigned  Status = "PARTNER_ASSIGNED"
	StatusPartnerAccepted  Status = "PARTNER_ACCEPTED"
	StatusArrived          Status = "ARRIVED"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusCompleted        Status = "COMPLETED"
	StatusCancelled        Status = "CANCELLED"
)

// AllStatuses lists every lifecycle state in flow order.
var AllStatuses = []Status{
	StatusPending,
	StatusSearchingPartner,
	StatusPartnerAssigned,
	StatusPartnerAccepted,
	StatusArrived,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether the status ties up the assigned worker.
func (s Status) Active() bool {
	switch s {
	case StatusPartnerAccepted, StatusArrived, StatusInProgress:
		return true
	}
	return false
}

// ActiveStatuses are the post-acceptance, non-terminal states.
var ActiveStatuses = []Status{StatusPartnerAccepted, StatusArrived, StatusInProgress}

// Holds reports whether the status keeps the assigned worker from being
// offered anything else: an open offer or an active job.
func (s Status) Holds() bool {
	return s == StatusPartnerAssigned || s.Active()
}

var HoldingStatuses = []Status{StatusPartnerAssigned, StatusPartnerAccepted, StatusArrived, StatusInProgress}

type ServiceLine struct {
	ServiceID  string `json:"service_id"`
	CategoryID string `json:"category_id"`
	Quantity   int    `json:"quantity"`
}

type Request struct {
	ID                string        `json:"id"`
	CustomerID        string        `json:"customer_id"`
	Services          []ServiceLine `json:"services"`
	CategoryID        string        `json:"category_id"`
	Pickup            *Coordinate   `json:"pickup,omitempty"`
	Status            Status        `json:"status"`
	AssignedWorkerID  *string       `json:"assigned_worker_id,omitempty"`
	RejectedWorkerIDs []string      `json:"rejected_worker_ids,omitempty"`
	Version           int           `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// PrimaryCategory resolves the category of the first service line.
func (r Request) PrimaryCategory() (string, bool) {
	if len(r.Services) == 0 {
		return "", false
	}
	if c := r.Services[0].CategoryID; c != "" {
		return c, true
	}
	if r.CategoryID != "" {
		return r.CategoryID, true
	}
	return "", false
}

func (r Request) HasRejected(workerID string) bool {
	for _, id := range r.RejectedWorkerIDs {
		if id == workerID {
			return true
		}
	}
	return false
}

type LocationSample struct {
	ID         string     `json:"id"`
	WorkerID   string     `json:"worker_id"`
	Coordinate Coordinate `json:"coordinate"`
	Accuracy   *float64   `json:"accuracy,omitempty"`
	RequestID  *string    `json:"request_id,omitempty"`
	IsOnline   bool       `json:"is_online"`
	RecordedAt time.Time  `json:"recorded_at"`
}

type ActorType string

const (
	ActorWorker   ActorType = "WORKER"
	ActorCustomer ActorType = "CUSTOMER"
	ActorOperator ActorType = "OPERATOR"
	ActorSystem   ActorType = "SYSTEM"
)

type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

type ActivityEntry struct {
	ID             string      `json:"id"`
	RequestID      string      `json:"request_id"`
	ActorType      ActorType   `json:"actor_type"`
	ActorID        string      `json:"actor_id"`
	Action         string      `json:"action"`
	PreviousStatus *Status     `json:"previous_status,omitempty"`
	NewStatus      *Status     `json:"new_status,omitempty"`
	Location       *Coordinate `json:"location,omitempty"`
	Detail         string      `json:"detail,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}
