package bidding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-matching/internal/errs"
	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/storage"
)

type fakeMatcher struct {
	workers []string
	err     error
}

func (f *fakeMatcher) NotifySet(ctx context.Context, req models.ServiceRequest) ([]string, error) {
	return f.workers, f.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
	err    error
}

func (r *recordingSink) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newService(workers ...string) (*Service, *storage.RequestStore, *recordingSink) {
	store := storage.NewRequestStore()
	sink := &recordingSink{}
	return New(store, &fakeMatcher{workers: workers}, sink, discardLogger()), store, sink
}

func electrician() models.NewRequest {
	return models.NewRequest{CustomerID: "cust", ServiceType: "Electrician", Location: models.Coord{Lat: 12.9716, Lon: 77.5946}}
}

func TestCreatePushesToNotifySetAndAcksOrigin(t *testing.T) {
	s, _, sink := newService("w1", "w2")
	req, pushes := s.Create(context.Background(), electrician())
	require.Len(t, pushes, 3)
	assert.Equal(t, Push{To: "w1", Event: models.EventNewRequest, Payload: req}, pushes[0])
	assert.Equal(t, Push{To: "w2", Event: models.EventNewRequest, Payload: req}, pushes[1])
	assert.Equal(t, Push{Event: models.EventRequestCreated, Payload: req}, pushes[2])
	assert.Equal(t, []string{models.LifecycleCreated}, sink.types())
}

func TestCreateStillAcksWhenMatchingFails(t *testing.T) {
	store := storage.NewRequestStore()
	s := New(store, &fakeMatcher{err: errors.New("redis down")}, nil, discardLogger())
	req, pushes := s.Create(context.Background(), electrician())
	require.Len(t, pushes, 1)
	assert.Equal(t, models.EventRequestCreated, pushes[0].Event)
	_, err := store.Get(req.ID)
	require.NoError(t, err)
}

func TestAcceptScenario(t *testing.T) {
	ctx := context.Background()
	s, store, sink := newService()
	req, _ := s.Create(ctx, electrician())

	pushes, err := s.Bid(ctx, req.ID, models.Bid{WorkerID: "A", Amount: 500, EstimatedArrivalTime: "30 minutes"})
	require.NoError(t, err)
	require.Len(t, pushes, 1)
	assert.Equal(t, "cust", pushes[0].To)
	assert.Equal(t, models.EventNewBid, pushes[0].Event)
	nb := pushes[0].Payload.(models.NewBidPayload)
	assert.Equal(t, req.ID, nb.RequestID)
	assert.Equal(t, 500.0, nb.Bid.Amount)
	assert.False(t, nb.Bid.Timestamp.IsZero())

	_, err = s.Bid(ctx, req.ID, models.Bid{WorkerID: "B", Amount: 650, EstimatedArrivalTime: "15 minutes"})
	require.NoError(t, err)

	pushes, err = s.Accept(ctx, req.ID, "B")
	require.NoError(t, err)
	ref := models.RequestRef{RequestID: req.ID}
	assert.Equal(t, []Push{
		{To: "B", Event: models.EventBidAccepted, Payload: ref},
		{To: "A", Event: models.EventRequestClosed, Payload: ref},
	}, pushes)

	got, err := store.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, "B", got.AcceptedWorkerID)

	// late bidder after acceptance
	pushes, err = s.Bid(ctx, req.ID, models.Bid{WorkerID: "C", Amount: 400})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Empty(t, pushes)
	got, _ = store.Get(req.ID)
	assert.Len(t, got.Bids, 2)

	// second accept is a no-op
	_, err = s.Accept(ctx, req.ID, "A")
	require.ErrorIs(t, err, errs.ErrInvalidState)
	got, _ = store.Get(req.ID)
	assert.Equal(t, "B", got.AcceptedWorkerID)

	assert.Equal(t, []string{
		models.LifecycleCreated, models.LifecycleBidPlaced, models.LifecycleBidPlaced, models.LifecycleAccepted,
	}, sink.types())
}

func TestAcceptNotifiesEachLoserOnce(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService()
	req, _ := s.Create(ctx, electrician())
	for _, w := range []string{"A", "B", "A", "C"} {
		_, err := s.Bid(ctx, req.ID, models.Bid{WorkerID: w, Amount: 100})
		require.NoError(t, err)
	}
	pushes, err := s.Accept(ctx, req.ID, "C")
	require.NoError(t, err)
	var closed []string
	for _, p := range pushes {
		if p.Event == models.EventRequestClosed {
			closed = append(closed, p.To)
		}
	}
	assert.Equal(t, []string{"A", "B"}, closed)
}

func TestCompleteScenario(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newService()
	req, _ := s.Create(ctx, electrician())
	_, err := s.Complete(ctx, req.ID, 5, "")
	require.ErrorIs(t, err, errs.ErrInvalidState)

	_, err = s.Bid(ctx, req.ID, models.Bid{WorkerID: "B", Amount: 650})
	require.NoError(t, err)
	_, err = s.Accept(ctx, req.ID, "B")
	require.NoError(t, err)

	pushes, err := s.Complete(ctx, req.ID, 5, "")
	require.NoError(t, err)
	assert.Equal(t, []Push{
		{To: "B", Event: models.EventServiceCompleted, Payload: models.ServiceCompletedPayload{RequestID: req.ID, Rating: 5}},
		{Event: models.EventCompletionConfirmed, Payload: models.RequestRef{RequestID: req.ID}},
	}, pushes)
	got, _ := store.Get(req.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestCancelByCustomerClosesBidders(t *testing.T) {
	ctx := context.Background()
	s, store, sink := newService()
	req, _ := s.Create(ctx, electrician())
	_, err := s.Bid(ctx, req.ID, models.Bid{WorkerID: "A", Amount: 100})
	require.NoError(t, err)

	_, err = s.Cancel(ctx, req.ID, "someone-else")
	require.ErrorIs(t, err, errs.ErrValidation)

	pushes, err := s.Cancel(ctx, req.ID, "cust")
	require.NoError(t, err)
	ref := models.RequestRef{RequestID: req.ID}
	assert.Equal(t, []Push{
		{Event: models.EventRequestCancelled, Payload: ref},
		{To: "A", Event: models.EventRequestClosed, Payload: ref},
	}, pushes)
	got, _ := store.Get(req.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Contains(t, sink.types(), models.LifecycleCancelled)

	_, err = s.Cancel(ctx, req.ID, "cust")
	require.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = s.Cancel(ctx, "missing", "cust")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService()
	req, _ := s.Create(ctx, electrician())
	_, err := s.Bid(ctx, req.ID, models.Bid{WorkerID: "A", Amount: 100})
	require.NoError(t, err)

	assert.Empty(t, s.ExpireStale(ctx, req.CreatedAt))
	pushes := s.ExpireStale(ctx, req.CreatedAt.Add(time.Nanosecond))
	ref := models.RequestRef{RequestID: req.ID}
	assert.Equal(t, []Push{
		{To: "cust", Event: models.EventRequestCancelled, Payload: ref},
		{To: "A", Event: models.EventRequestClosed, Payload: ref},
	}, pushes)
}

func TestPublishFailureDoesNotBlockTransition(t *testing.T) {
	store := storage.NewRequestStore()
	sink := &recordingSink{err: errors.New("broker unreachable")}
	s := New(store, &fakeMatcher{}, sink, discardLogger())
	req, pushes := s.Create(context.Background(), electrician())
	require.Len(t, pushes, 1)
	_, err := s.Bid(context.Background(), req.ID, models.Bid{WorkerID: "A", Amount: 1})
	require.NoError(t, err)
}

func TestMissingRequestIsNotFound(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService()
	_, err := s.Bid(ctx, "nope", models.Bid{WorkerID: "A", Amount: 1})
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = s.Accept(ctx, "nope", "A")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = s.Complete(ctx, "nope", 5, "")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
