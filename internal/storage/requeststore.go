package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/service-matching/internal/errs"
	"github.com/example/service-matching/internal/models"
)

// RequestStore is the authoritative in-memory table of service requests.
//
// The table lock only guards membership. Each request has its own lock, so
// mutations on one request serialize while unrelated requests proceed in
// parallel. Lock order is always table then request.
type RequestStore struct {
	mu       sync.RWMutex
	requests map[string]*entry
	seq      uint64
	now      func() time.Time
	newID    func() string
}

type entry struct {
	mu      sync.Mutex
	seq     uint64
	evicted bool
	req     models.ServiceRequest
}

type Option func(*RequestStore)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *RequestStore) { s.now = now }
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *RequestStore) { s.newID = fn }
}

func NewRequestStore(opts ...Option) *RequestStore {
	s := &RequestStore{
		requests: make(map[string]*entry),
		now:      time.Now,
		newID:    func() string { return "request-" + uuid.NewString() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create inserts a new pending request with no bids.
func (s *RequestStore) Create(nr models.NewRequest) models.ServiceRequest {
	now := s.now()
	req := models.ServiceRequest{
		ID:           s.newID(),
		CustomerID:   nr.CustomerID,
		CustomerName: nr.CustomerName,
		ServiceType:  nr.ServiceType,
		Location:     nr.Location,
		Description:  nr.Description,
		BudgetMax:    nr.BudgetMax,
		Status:       models.StatusPending,
		Bids:         []models.Bid{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.mu.Lock()
	s.seq++
	s.requests[req.ID] = &entry{seq: s.seq, req: req.Clone()}
	s.mu.Unlock()
	return req
}

func (s *RequestStore) Get(id string) (models.ServiceRequest, error) {
	e, ok := s.lookup(id)
	if !ok {
		return models.ServiceRequest{}, errs.NewNotFound("request", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return models.ServiceRequest{}, errs.NewNotFound("request", id)
	}
	return e.req.Clone(), nil
}

// AppendBid adds bid to a pending request.
func (s *RequestStore) AppendBid(id string, bid models.Bid) (models.ServiceRequest, error) {
	return s.mutate(id, func(r *models.ServiceRequest, now time.Time) error {
		if r.Status != models.StatusPending {
			return errs.NewInvalidState(id, string(r.Status), "bid on")
		}
		if bid.Timestamp.IsZero() {
			bid.Timestamp = now
		}
		r.Bids = append(r.Bids, bid)
		return nil
	})
}

// Accept moves a pending request to accepted for a worker that has bid on it.
func (s *RequestStore) Accept(id, workerID string) (models.ServiceRequest, error) {
	return s.mutate(id, func(r *models.ServiceRequest, _ time.Time) error {
		if r.Status != models.StatusPending {
			return errs.NewInvalidState(id, string(r.Status), "accept")
		}
		if !r.HasBidFrom(workerID) {
			return errs.NewNotFound("bid", workerID)
		}
		r.Status = models.StatusAccepted
		r.AcceptedWorkerID = workerID
		return nil
	})
}

// Complete finalises an accepted request with the customer's rating.
func (s *RequestStore) Complete(id string, rating int, comment string) (models.ServiceRequest, error) {
	return s.mutate(id, func(r *models.ServiceRequest, _ time.Time) error {
		if r.Status != models.StatusAccepted {
			return errs.NewInvalidState(id, string(r.Status), "complete")
		}
		r.Status = models.StatusCompleted
		r.Rating = &rating
		r.Comment = comment
		return nil
	})
}

// Cancel terminates a pending request. Accepted requests cannot be cancelled.
func (s *RequestStore) Cancel(id string) (models.ServiceRequest, error) {
	return s.mutate(id, func(r *models.ServiceRequest, _ time.Time) error {
		if r.Status != models.StatusPending {
			return errs.NewInvalidState(id, string(r.Status), "cancel")
		}
		r.Status = models.StatusCancelled
		return nil
	})
}

// ListPending snapshots every pending request in creation order.
func (s *RequestStore) ListPending() []models.ServiceRequest {
	return s.collect(func(r *models.ServiceRequest) bool { return r.Status == models.StatusPending })
}

// ExpirePending cancels pending requests created before cutoff and returns
// them as cancelled.
func (s *RequestStore) ExpirePending(cutoff time.Time) []models.ServiceRequest {
	var out []models.ServiceRequest
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		if !e.evicted && e.req.Status == models.StatusPending && e.req.CreatedAt.Before(cutoff) {
			e.req.Status = models.StatusCancelled
			e.req.UpdatedAt = s.now()
			out = append(out, e.req.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// ClosedBefore snapshots completed and cancelled requests last touched
// before cutoff. Nothing is removed.
func (s *RequestStore) ClosedBefore(cutoff time.Time) []models.ServiceRequest {
	return s.collect(func(r *models.ServiceRequest) bool {
		return r.Status.Terminal() && r.UpdatedAt.Before(cutoff)
	})
}

// Evict removes the named requests and returns how many were removed. Ids
// that are unknown or not yet closed are left alone.
func (s *RequestStore) Evict(ids ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		e, ok := s.requests[id]
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.req.Status.Terminal() {
			e.evicted = true
			delete(s.requests, id)
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (s *RequestStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

func (s *RequestStore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.requests[id]
	return e, ok
}

func (s *RequestStore) mutate(id string, fn func(r *models.ServiceRequest, now time.Time) error) (models.ServiceRequest, error) {
	e, ok := s.lookup(id)
	if !ok {
		return models.ServiceRequest{}, errs.NewNotFound("request", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return models.ServiceRequest{}, errs.NewNotFound("request", id)
	}
	now := s.now()
	if err := fn(&e.req, now); err != nil {
		return models.ServiceRequest{}, err
	}
	e.req.UpdatedAt = now
	return e.req.Clone(), nil
}

// snapshotEntries returns entries in insertion order without holding the
// table lock afterwards.
func (s *RequestStore) snapshotEntries() []*entry {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.requests))
	for _, e := range s.requests {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

func (s *RequestStore) collect(keep func(r *models.ServiceRequest) bool) []models.ServiceRequest {
	var out []models.ServiceRequest
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		if !e.evicted && keep(&e.req) {
			out = append(out, e.req.Clone())
		}
		e.mu.Unlock()
	}
	return out
}
