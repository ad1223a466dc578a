// Package bidding drives a service request through its lifecycle:
//
//	pending ──> accepted ──> completed
//	   │
//	   └──────> cancelled
//
// Every operation returns the pushes the transition produces instead of
// sending them, so the caller decides how to reach each participant.
package bidding

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/service-matching/internal/errs"
	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/observability"
)

type Store interface {
	Create(nr models.NewRequest) models.ServiceRequest
	Get(id string) (models.ServiceRequest, error)
	AppendBid(id string, bid models.Bid) (models.ServiceRequest, error)
	Accept(id, workerID string) (models.ServiceRequest, error)
	Complete(id string, rating int, comment string) (models.ServiceRequest, error)
	Cancel(id string) (models.ServiceRequest, error)
	ExpirePending(cutoff time.Time) []models.ServiceRequest
}

type Matcher interface {
	NotifySet(ctx context.Context, req models.ServiceRequest) ([]string, error)
}

// EventSink receives a snapshot after every transition.
type EventSink interface {
	Publish(ctx context.Context, ev models.LifecycleEvent) error
}

// Push is one outbound event. An empty To addresses the session that
// triggered the operation.
type Push struct {
	To      string
	Event   string
	Payload any
}

func toOrigin(event string, payload any) Push { return Push{Event: event, Payload: payload} }

type Service struct {
	store   Store
	matcher Matcher
	events  EventSink
	logger  *slog.Logger
	now     func() time.Time
}

// New wires the protocol. events may be nil.
func New(store Store, matcher Matcher, events EventSink, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		matcher: matcher,
		events:  events,
		logger:  logger.With("component", "bidding"),
		now:     time.Now,
	}
}

// Create stores a new request, then addresses it to every matched worker and
// acknowledges the creator. A matching failure still acknowledges: the
// request exists and workers can discover it on their next location update.
func (s *Service) Create(ctx context.Context, nr models.NewRequest) (models.ServiceRequest, []Push) {
	req := s.store.Create(nr)
	observability.RequestsCreated.Inc()
	s.publish(ctx, models.LifecycleCreated, req)

	workers, err := s.matcher.NotifySet(ctx, req)
	if err != nil {
		s.logger.ErrorContext(ctx, "notify set failed", "request_id", req.ID, "error", err)
	}
	pushes := make([]Push, 0, len(workers)+1)
	for _, w := range workers {
		pushes = append(pushes, Push{To: w, Event: models.EventNewRequest, Payload: req})
	}
	pushes = append(pushes, toOrigin(models.EventRequestCreated, req))
	s.logger.InfoContext(ctx, "request created", "request_id", req.ID, "service_type", req.ServiceType, "notified", len(workers))
	return req, pushes
}

// Bid appends a worker's offer and forwards it to the customer.
func (s *Service) Bid(ctx context.Context, requestID string, bid models.Bid) ([]Push, error) {
	bid.Timestamp = s.now()
	req, err := s.store.AppendBid(requestID, bid)
	if err != nil {
		return nil, err
	}
	observability.BidsPlaced.Inc()
	s.publish(ctx, models.LifecycleBidPlaced, req)
	return []Push{{
		To:      req.CustomerID,
		Event:   models.EventNewBid,
		Payload: models.NewBidPayload{RequestID: req.ID, Bid: bid},
	}}, nil
}

// Accept awards the request to workerID and closes it out for every other
// bidder. Availability is not rechecked.
func (s *Service) Accept(ctx context.Context, requestID, workerID string) ([]Push, error) {
	req, err := s.store.Accept(requestID, workerID)
	if err != nil {
		return nil, err
	}
	observability.RequestsClosed.WithLabelValues(string(models.StatusAccepted)).Inc()
	s.publish(ctx, models.LifecycleAccepted, req)

	ref := models.RequestRef{RequestID: req.ID}
	pushes := []Push{{To: workerID, Event: models.EventBidAccepted, Payload: ref}}
	for _, w := range req.Bidders() {
		if w == workerID {
			continue
		}
		pushes = append(pushes, Push{To: w, Event: models.EventRequestClosed, Payload: ref})
	}
	s.logger.InfoContext(ctx, "bid accepted", "request_id", req.ID, "worker_id", workerID, "bidders", len(req.Bidders()))
	return pushes, nil
}

// Complete records the rating and tells the worker.
func (s *Service) Complete(ctx context.Context, requestID string, rating int, comment string) ([]Push, error) {
	req, err := s.store.Complete(requestID, rating, comment)
	if err != nil {
		return nil, err
	}
	observability.RequestsClosed.WithLabelValues(string(models.StatusCompleted)).Inc()
	s.publish(ctx, models.LifecycleCompleted, req)
	return []Push{
		{
			To:      req.AcceptedWorkerID,
			Event:   models.EventServiceCompleted,
			Payload: models.ServiceCompletedPayload{RequestID: req.ID, Rating: rating, Comment: comment},
		},
		toOrigin(models.EventCompletionConfirmed, models.RequestRef{RequestID: req.ID}),
	}, nil
}

// Cancel withdraws a pending request on behalf of its customer.
func (s *Service) Cancel(ctx context.Context, requestID, customerID string) ([]Push, error) {
	current, err := s.store.Get(requestID)
	if err != nil {
		return nil, err
	}
	if current.CustomerID != customerID {
		return nil, errs.NewValidation("customerId", "only the requesting customer may cancel")
	}
	req, err := s.store.Cancel(requestID)
	if err != nil {
		return nil, err
	}
	pushes := append([]Push{toOrigin(models.EventRequestCancelled, models.RequestRef{RequestID: req.ID})}, s.closed(ctx, req)...)
	return pushes, nil
}

// ExpireStale cancels pending requests created before cutoff. The customer
// and every bidder are told.
func (s *Service) ExpireStale(ctx context.Context, cutoff time.Time) []Push {
	var pushes []Push
	for _, req := range s.store.ExpirePending(cutoff) {
		s.logger.InfoContext(ctx, "pending request expired", "request_id", req.ID, "created_at", req.CreatedAt)
		pushes = append(pushes, Push{To: req.CustomerID, Event: models.EventRequestCancelled, Payload: models.RequestRef{RequestID: req.ID}})
		pushes = append(pushes, s.closed(ctx, req)...)
	}
	return pushes
}

func (s *Service) closed(ctx context.Context, req models.ServiceRequest) []Push {
	observability.RequestsClosed.WithLabelValues(string(models.StatusCancelled)).Inc()
	s.publish(ctx, models.LifecycleCancelled, req)
	ref := models.RequestRef{RequestID: req.ID}
	var pushes []Push
	for _, w := range req.Bidders() {
		pushes = append(pushes, Push{To: w, Event: models.EventRequestClosed, Payload: ref})
	}
	return pushes
}

func (s *Service) publish(ctx context.Context, typ string, req models.ServiceRequest) {
	if s.events == nil {
		return
	}
	ev := models.LifecycleEvent{Type: typ, RequestID: req.ID, At: s.now(), Request: req}
	if err := s.events.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues("error").Inc()
		s.logger.WarnContext(ctx, "lifecycle event not published", "type", typ, "request_id", req.ID, "error", err)
	}
}
