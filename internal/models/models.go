package models

import (
	"math"
	"strings"
	"time"
)

// Coord is a WGS84 position in degrees.
type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Valid reports whether the coordinate is finite and inside the WGS84 range.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleWorker   Role = "worker"
)

// ParseRole normalises a client-supplied role. "recruiter" is the client
// vocabulary for a customer.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "customer", "recruiter":
		return RoleCustomer, true
	case "worker":
		return RoleWorker, true
	default:
		return "", false
	}
}

// Participant is the live state bound to one registered session.
type Participant struct {
	ID           string
	Role         Role
	Location     *Coord
	Capabilities []string
	Available    bool
	Updated      time.Time
}

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusAccepted  RequestStatus = "accepted"
	StatusCompleted RequestStatus = "completed"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Bid struct {
	WorkerID             string    `json:"workerId"`
	Amount               float64   `json:"amount"`
	EstimatedArrivalTime string    `json:"estimatedArrivalTime"`
	Timestamp            time.Time `json:"timestamp"`
}

// ServiceRequest is a customer's ask for a quick service and the bids
// gathered against it.
type ServiceRequest struct {
	ID               string        `json:"requestId"`
	CustomerID       string        `json:"customerId"`
	CustomerName     string        `json:"customerName,omitempty"`
	ServiceType      string        `json:"serviceType"`
	Location         Coord         `json:"location"`
	Description      string        `json:"description"`
	BudgetMax        *float64      `json:"budgetMax,omitempty"`
	Status           RequestStatus `json:"status"`
	Bids             []Bid         `json:"bids"`
	AcceptedWorkerID string        `json:"acceptedWorkerId,omitempty"`
	Rating           *int          `json:"rating,omitempty"`
	Comment          string        `json:"comment,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (r ServiceRequest) Clone() ServiceRequest {
	out := r
	out.Bids = make([]Bid, len(r.Bids))
	copy(out.Bids, r.Bids)
	if r.BudgetMax != nil {
		v := *r.BudgetMax
		out.BudgetMax = &v
	}
	if r.Rating != nil {
		v := *r.Rating
		out.Rating = &v
	}
	return out
}

// HasBidFrom reports whether workerID appears among the bids.
func (r ServiceRequest) HasBidFrom(workerID string) bool {
	for _, b := range r.Bids {
		if b.WorkerID == workerID {
			return true
		}
	}
	return false
}

// Bidders returns the distinct bidding worker ids in first-bid order.
func (r ServiceRequest) Bidders() []string {
	seen := make(map[string]struct{}, len(r.Bids))
	out := make([]string, 0, len(r.Bids))
	for _, b := range r.Bids {
		if _, ok := seen[b.WorkerID]; ok {
			continue
		}
		seen[b.WorkerID] = struct{}{}
		out = append(out, b.WorkerID)
	}
	return out
}

// NewRequest carries the customer-supplied fields of a request.
type NewRequest struct {
	CustomerID   string
	CustomerName string
	ServiceType  string
	Location     Coord
	Description  string
	BudgetMax    *float64
}

// NearbyRequest is a pending request annotated with its distance from a worker.
type NearbyRequest struct {
	ServiceRequest
	Distance float64 `json:"distance"`
}

// Lifecycle event types published for every request transition.
const (
	LifecycleCreated   = "request.created"
	LifecycleBidPlaced = "request.bid_placed"
	LifecycleAccepted  = "request.accepted"
	LifecycleCompleted = "request.completed"
	LifecycleCancelled = "request.cancelled"
)

// LifecycleEvent carries the request snapshot taken right after a transition.
type LifecycleEvent struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	At        time.Time      `json:"at"`
	Request   ServiceRequest `json:"request"`
}
