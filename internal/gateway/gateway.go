package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/example/service-matching/internal/bidding"
	"github.com/example/service-matching/internal/dispatch"
	"github.com/example/service-matching/internal/errs"
	"github.com/example/service-matching/internal/geo"
	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/observability"
)

type Finder interface {
	PendingNear(origin models.Coord) []models.NearbyRequest
}

// Gateway turns inbound session events into registry, index and protocol
// calls and fans the resulting pushes out to sessions.
//
// NotFound and InvalidState outcomes are silent: nothing is pushed back and
// the caller's own timeout is the only signal. Malformed payloads are
// rejected here before any state is touched.
type Gateway struct {
	registry *dispatch.Registry
	geo      geo.Geo
	finder   Finder
	bidding  *bidding.Service
	logger   *slog.Logger
}

func New(registry *dispatch.Registry, g geo.Geo, finder Finder, b *bidding.Service, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		geo:      g,
		finder:   finder,
		bidding:  b,
		logger:   logger.With("component", "gateway"),
	}
}

// Connect records a newly opened session.
func (g *Gateway) Connect(s dispatch.Session) {
	observability.SessionsConnected.Inc()
	g.logger.Debug("session connected", "session", s.ID())
}

// HandleFrame decodes one raw frame and handles it.
func (g *Gateway) HandleFrame(ctx context.Context, s dispatch.Session, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.record(ctx, s, "malformed", errs.NewValidation("frame", err.Error()))
		return
	}
	g.record(ctx, s, env.Event, g.Handle(ctx, s, env))
}

func (g *Gateway) record(ctx context.Context, s dispatch.Session, event string, err error) {
	kind := errs.Kind(err)
	if !knownEvent(event) {
		event = "unknown"
	}
	observability.InboundEvents.WithLabelValues(event, kind).Inc()
	switch kind {
	case "ok":
	case "validation":
		g.logger.WarnContext(ctx, "inbound event rejected", "session", s.ID(), "event", event, "error", err)
	case "not_found", "invalid_state":
		g.logger.DebugContext(ctx, "inbound event ignored", "session", s.ID(), "event", event, "error", err)
	default:
		g.logger.ErrorContext(ctx, "inbound event failed", "session", s.ID(), "event", event, "error", err)
	}
}

// Handle dispatches env. The returned error only classifies the outcome;
// it is never sent to the peer.
func (g *Gateway) Handle(ctx context.Context, s dispatch.Session, env models.Envelope) error {
	switch env.Event {
	case models.EventRegister:
		var p models.RegisterPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return g.register(ctx, s, p)
	case models.EventUpdateLocation:
		var p models.UpdateLocationPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return g.updateLocation(ctx, s, p)
	case models.EventNewServiceRequest:
		var p models.NewServiceRequestPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return g.newRequest(ctx, s, p)
	case models.EventPlaceBid:
		var p models.PlaceBidPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return g.placeBid(ctx, s, p)
	case models.EventAcceptBid:
		var p models.AcceptBidPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return g.acceptBid(ctx, s, p)
	case models.EventCompleteService:
		var p models.CompleteServicePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return g.completeService(ctx, s, p)
	case models.EventCancelRequest:
		var p models.CancelRequestPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return g.cancelRequest(ctx, s, p)
	default:
		return errs.NewValidation("event", "unknown event "+env.Event)
	}
}

// Disconnect drops the session's registration and, for workers, their index
// entry. A superseded session leaves the newer registration alone.
func (g *Gateway) Disconnect(ctx context.Context, s dispatch.Session) {
	observability.SessionsConnected.Dec()
	p, ok := g.registry.Unregister(s.ID())
	if !ok {
		return
	}
	if p.Role == models.RoleWorker {
		g.removeFromIndex(ctx, p.ID, s.ID())
	}
	g.logger.InfoContext(ctx, "participant disconnected", "participant_id", p.ID, "role", p.Role, "session", s.ID())
}

// ExpireStale cancels pending requests older than cutoff and notifies the
// affected participants.
func (g *Gateway) ExpireStale(ctx context.Context, cutoff time.Time) {
	g.deliver(ctx, nil, g.bidding.ExpireStale(ctx, cutoff))
}

func (g *Gateway) register(ctx context.Context, s dispatch.Session, in models.RegisterPayload) error {
	var problems []error
	id := strings.TrimSpace(in.ParticipantID)
	if id == "" {
		problems = append(problems, errs.NewValidation("participantId", "required"))
	}
	role, ok := models.ParseRole(in.Role)
	if !ok {
		problems = append(problems, errs.NewValidation("role", "must be customer or worker"))
	}
	if in.Location != nil && !in.Location.Valid() {
		problems = append(problems, errs.NewValidation("location", "out of range"))
	}
	if err := errors.Join(problems...); err != nil {
		return err
	}

	p := models.Participant{ID: id, Role: role, Location: in.Location}
	if role == models.RoleWorker {
		p.Capabilities = cleanCapabilities(in.ServiceCapabilities)
		p.Available = in.IsAvailable == nil || *in.IsAvailable
	}
	reg := g.registry.Register(p, s)
	if reg.Released != nil && reg.Released.Role == models.RoleWorker {
		g.removeFromIndex(ctx, reg.Released.ID, s.ID())
	}
	if reg.Superseded != nil {
		g.logger.InfoContext(ctx, "registration superseded", "participant_id", id, "old_session", reg.Superseded.ID(), "session", s.ID())
	}

	if role != models.RoleWorker || p.Location == nil {
		// index entries only exist for workers that reported a location on this session
		g.removeFromIndex(ctx, id, s.ID())
		if reg.Superseded != nil {
			g.removeFromIndex(ctx, id, reg.Superseded.ID())
		}
		return nil
	}
	return g.indexAndOffer(ctx, s, p)
}

func (g *Gateway) updateLocation(ctx context.Context, s dispatch.Session, in models.UpdateLocationPayload) error {
	if strings.TrimSpace(in.ParticipantID) == "" {
		return errs.NewValidation("participantId", "required")
	}
	if in.Location == nil {
		return errs.NewValidation("location", "required")
	}
	if !in.Location.Valid() {
		return errs.NewValidation("location", "out of range")
	}
	current, ok := g.registry.ResolveParticipant(s.ID())
	if !ok || current.ID != in.ParticipantID {
		return errs.NewNotFound("participant", in.ParticipantID)
	}
	loc := *in.Location
	p, ok := g.registry.Update(s.ID(), func(p *models.Participant) {
		p.Location = &loc
		if in.IsAvailable != nil && p.Role == models.RoleWorker {
			p.Available = *in.IsAvailable
		}
	})
	if !ok {
		return errs.NewNotFound("participant", in.ParticipantID)
	}
	if p.Role != models.RoleWorker {
		return nil
	}
	return g.indexAndOffer(ctx, s, p)
}

func (g *Gateway) indexAndOffer(ctx context.Context, s dispatch.Session, p models.Participant) error {
	err := g.geo.Upsert(ctx, geo.Entry{ID: p.ID, Session: s.ID(), Loc: *p.Location, Capabilities: p.Capabilities, Available: p.Available})
	if err != nil {
		return err
	}
	g.updateIndexGauge()
	nearby := g.finder.PendingNear(*p.Location)
	g.deliver(ctx, s, []bidding.Push{{Event: models.EventActiveRequests, Payload: nearby}})
	return nil
}

func (g *Gateway) newRequest(ctx context.Context, s dispatch.Session, in models.NewServiceRequestPayload) error {
	var problems []error
	if strings.TrimSpace(in.CustomerID) == "" {
		problems = append(problems, errs.NewValidation("customerId", "required"))
	}
	if strings.TrimSpace(in.ServiceType) == "" {
		problems = append(problems, errs.NewValidation("serviceType", "required"))
	}
	if in.Location == nil {
		problems = append(problems, errs.NewValidation("location", "required"))
	} else if !in.Location.Valid() {
		problems = append(problems, errs.NewValidation("location", "out of range"))
	}
	if in.BudgetMax != nil && !positive(*in.BudgetMax) {
		problems = append(problems, errs.NewValidation("budgetMax", "must be a positive number"))
	}
	if err := errors.Join(problems...); err != nil {
		return err
	}
	_, pushes := g.bidding.Create(ctx, models.NewRequest{
		CustomerID:   in.CustomerID,
		CustomerName: in.CustomerName,
		ServiceType:  strings.TrimSpace(in.ServiceType),
		Location:     *in.Location,
		Description:  in.Description,
		BudgetMax:    in.BudgetMax,
	})
	g.deliver(ctx, s, pushes)
	return nil
}

func (g *Gateway) placeBid(ctx context.Context, s dispatch.Session, in models.PlaceBidPayload) error {
	var problems []error
	if in.RequestID == "" {
		problems = append(problems, errs.NewValidation("requestId", "required"))
	}
	if strings.TrimSpace(in.WorkerID) == "" {
		problems = append(problems, errs.NewValidation("workerId", "required"))
	}
	if in.Amount == nil {
		problems = append(problems, errs.NewValidation("amount", "required"))
	} else if !positive(*in.Amount) {
		problems = append(problems, errs.NewValidation("amount", "must be a positive number"))
	}
	if err := errors.Join(problems...); err != nil {
		return err
	}
	pushes, err := g.bidding.Bid(ctx, in.RequestID, models.Bid{
		WorkerID:             in.WorkerID,
		Amount:               *in.Amount,
		EstimatedArrivalTime: in.EstimatedArrivalTime,
	})
	if err != nil {
		return err
	}
	g.deliver(ctx, s, pushes)
	return nil
}

func (g *Gateway) acceptBid(ctx context.Context, s dispatch.Session, in models.AcceptBidPayload) error {
	if in.RequestID == "" || in.WorkerID == "" {
		return errs.NewValidation("requestId/workerId", "required")
	}
	pushes, err := g.bidding.Accept(ctx, in.RequestID, in.WorkerID)
	if err != nil {
		return err
	}
	g.deliver(ctx, s, pushes)
	return nil
}

func (g *Gateway) completeService(ctx context.Context, s dispatch.Session, in models.CompleteServicePayload) error {
	if in.RequestID == "" {
		return errs.NewValidation("requestId", "required")
	}
	if in.Rating == nil {
		return errs.NewValidation("rating", "required")
	}
	if *in.Rating < 1 || *in.Rating > 5 {
		return errs.NewValidation("rating", "must be between 1 and 5")
	}
	comment := ""
	if in.Comment != nil {
		comment = *in.Comment
	}
	pushes, err := g.bidding.Complete(ctx, in.RequestID, *in.Rating, comment)
	if err != nil {
		return err
	}
	g.deliver(ctx, s, pushes)
	return nil
}

func (g *Gateway) cancelRequest(ctx context.Context, s dispatch.Session, in models.CancelRequestPayload) error {
	if in.RequestID == "" {
		return errs.NewValidation("requestId", "required")
	}
	p, ok := g.registry.ResolveParticipant(s.ID())
	if !ok {
		return errs.NewNotFound("session", s.ID())
	}
	pushes, err := g.bidding.Cancel(ctx, in.RequestID, p.ID)
	if err != nil {
		return err
	}
	g.deliver(ctx, s, pushes)
	return nil
}

// deliver sends each push to its recipient's current session. Recipients
// without a session are skipped, never queued.
func (g *Gateway) deliver(ctx context.Context, origin dispatch.Session, pushes []bidding.Push) {
	for _, p := range pushes {
		var err error
		if p.To == "" {
			if origin == nil {
				continue
			}
			err = origin.Send(p.Event, p.Payload)
		} else {
			err = g.registry.Push(p.To, p.Event, p.Payload)
		}
		switch {
		case err == nil:
			observability.OutboundPushes.WithLabelValues(p.Event, "sent").Inc()
		case errors.Is(err, dispatch.ErrNoSession):
			observability.OutboundPushes.WithLabelValues(p.Event, "skipped").Inc()
			g.logger.DebugContext(ctx, "push skipped, recipient offline", "event", p.Event, "to", p.To)
		default:
			observability.OutboundPushes.WithLabelValues(p.Event, "failed").Inc()
			g.logger.WarnContext(ctx, "push failed", "event", p.Event, "to", p.To, "error", err)
		}
	}
}

// removeFromIndex drops id's entry if session still owns it.
func (g *Gateway) removeFromIndex(ctx context.Context, id, session string) {
	if err := g.geo.Remove(ctx, id, session); err != nil {
		g.logger.ErrorContext(ctx, "geo remove failed", "participant_id", id, "error", err)
	}
	g.updateIndexGauge()
}

func (g *Gateway) updateIndexGauge() {
	if l, ok := g.geo.(interface{ Len() int }); ok {
		observability.WorkersIndexed.Set(float64(l.Len()))
	}
}

func decode(env models.Envelope, into any) error {
	if len(env.Data) == 0 {
		return errs.NewValidation("data", "missing payload")
	}
	if err := json.Unmarshal(env.Data, into); err != nil {
		return errs.NewValidation("data", err.Error())
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func cleanCapabilities(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func knownEvent(event string) bool {
	switch event {
	case models.EventRegister, models.EventUpdateLocation, models.EventNewServiceRequest,
		models.EventPlaceBid, models.EventAcceptBid, models.EventCompleteService,
		models.EventCancelRequest, "malformed":
		return true
	}
	return false
}
