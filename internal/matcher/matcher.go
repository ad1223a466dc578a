package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/example/service-matching/internal/geo"
	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/observability"
)

// FixedRadiusKm bounds both who hears about a request and which pending
// requests a worker is shown.
const FixedRadiusKm = 10.0

type Geo interface {
	QueryRadius(ctx context.Context, origin models.Coord, radiusKm float64, capability string) ([]geo.Hit, error)
}

type PendingLister interface {
	ListPending() []models.ServiceRequest
}

type Service struct {
	Geo      Geo
	Requests PendingLister
	RadiusKm float64 // zero means FixedRadiusKm
}

func (s *Service) radius() float64 {
	if s.RadiusKm <= 0 {
		return FixedRadiusKm
	}
	return s.RadiusKm
}

// NotifySet returns the available workers within range of req that offer its
// service type, nearest first. It is a point-in-time snapshot.
func (s *Service) NotifySet(ctx context.Context, req models.ServiceRequest) ([]string, error) {
	start := time.Now()
	hits, err := s.Geo.QueryRadius(ctx, req.Location, s.radius(), req.ServiceType)
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.ID)
	}
	observability.NotifySetSize.Observe(float64(len(out)))
	return out, nil
}

// PendingNear lists every pending request within range of origin, nearest
// first, each annotated with its rounded distance. Service type is not
// filtered so workers see all nearby demand.
func (s *Service) PendingNear(origin models.Coord) []models.NearbyRequest {
	type scored struct {
		r    models.ServiceRequest
		dist float64
	}
	pending := s.Requests.ListPending()
	list := make([]scored, 0, len(pending))
	for _, r := range pending {
		d := geo.DistanceKm(origin, r.Location)
		if d > s.radius() {
			continue
		}
		list = append(list, scored{r, d})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].dist < list[j].dist })
	out := make([]models.NearbyRequest, 0, len(list))
	for _, sc := range list {
		out = append(out, models.NearbyRequest{ServiceRequest: sc.r, Distance: geo.RoundKm(sc.dist)})
	}
	return out
}
