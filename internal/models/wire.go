package models

import "encoding/json"

// Envelope is one frame on the session channel in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func EncodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Inbound event names.
const (
	EventRegister          = "register"
	EventUpdateLocation    = "update_location"
	EventNewServiceRequest = "new_service_request"
	EventPlaceBid          = "place_bid"
	EventAcceptBid         = "accept_bid"
	EventCompleteService   = "complete_service"
	EventCancelRequest     = "cancel_request"
)

// Outbound event names.
const (
	EventActiveRequests      = "active_requests"
	EventNewRequest          = "new_request"
	EventRequestCreated      = "request_created"
	EventNewBid              = "new_bid"
	EventBidAccepted         = "bid_accepted"
	EventRequestClosed       = "request_closed"
	EventServiceCompleted    = "service_completed"
	EventCompletionConfirmed = "completion_confirmed"
	EventRequestCancelled    = "request_cancelled"
)

type RegisterPayload struct {
	ParticipantID       string   `json:"participantId"`
	Role                string   `json:"role"`
	Location            *Coord   `json:"location,omitempty"`
	ServiceCapabilities []string `json:"serviceCapabilities,omitempty"`
	IsAvailable         *bool    `json:"isAvailable,omitempty"`
}

type UpdateLocationPayload struct {
	ParticipantID string `json:"participantId"`
	Location      *Coord `json:"location"`
	IsAvailable   *bool  `json:"isAvailable,omitempty"`
}

type NewServiceRequestPayload struct {
	CustomerID   string   `json:"customerId"`
	CustomerName string   `json:"customerName"`
	ServiceType  string   `json:"serviceType"`
	Location     *Coord   `json:"location"`
	Description  string   `json:"description"`
	BudgetMax    *float64 `json:"budgetMax,omitempty"`
}

type PlaceBidPayload struct {
	RequestID            string   `json:"requestId"`
	WorkerID             string   `json:"workerId"`
	Amount               *float64 `json:"amount"`
	EstimatedArrivalTime string   `json:"estimatedArrivalTime"`
}

type AcceptBidPayload struct {
	RequestID string `json:"requestId"`
	WorkerID  string `json:"workerId"`
}

type CompleteServicePayload struct {
	RequestID string  `json:"requestId"`
	Rating    *int    `json:"rating"`
	Comment   *string `json:"comment,omitempty"`
}

type CancelRequestPayload struct {
	RequestID string `json:"requestId"`
}

// Outbound payloads.

type NewBidPayload struct {
	RequestID string `json:"requestId"`
	Bid       Bid    `json:"bid"`
}

type RequestRef struct {
	RequestID string `json:"requestId"`
}

type ServiceCompletedPayload struct {
	RequestID string `json:"requestId"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
}
