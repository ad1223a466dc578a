package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/service-matching/internal/models"
)

// EarthRadiusKm is the mean radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// Entry is one worker's indexed position and capabilities. Session names
// the connection that reported it.
type Entry struct {
	ID           string
	Session      string
	Loc          models.Coord
	Capabilities []string
	Available    bool
	Updated      time.Time
}

// Hit is a radius query result. DistanceKm is rounded to one decimal.
type Hit struct {
	ID         string  `json:"participantId"`
	DistanceKm float64 `json:"distance"`
}

// Geo is the spatial lookup the matcher and gateway depend on.
type Geo interface {
	Upsert(ctx context.Context, e Entry) error
	// Remove drops id's entry only while it still belongs to session, so a
	// stale connection cannot remove a newer one. An empty session removes
	// unconditionally.
	Remove(ctx context.Context, id, session string) error
	QueryRadius(ctx context.Context, origin models.Coord, radiusKm float64, capability string) ([]Hit, error)
}

type Index struct {
	mu      sync.RWMutex
	workers map[string]Entry
}

func NewIndex() *Index {
	return &Index{workers: make(map[string]Entry)}
}

func (g *Index) Upsert(_ context.Context, e Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.Updated = time.Now()
	e.Capabilities = append([]string(nil), e.Capabilities...)
	g.workers[e.ID] = e
	return nil
}

func (g *Index) Remove(_ context.Context, id, session string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.workers[id]; ok && (session == "" || e.Session == session) {
		delete(g.workers, id)
	}
	return nil
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.workers)
}

// QueryRadius scans every indexed worker; in prod swap for RedisIndex or a
// geohash bucketed index.
func (g *Index) QueryRadius(_ context.Context, origin models.Coord, radiusKm float64, capability string) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(g.workers))
	for id, e := range g.workers {
		if !e.Available {
			continue
		}
		if capability != "" && !HasCapability(e.Capabilities, capability) {
			continue
		}
		d := DistanceKm(origin, e.Loc)
		if d > radiusKm {
			continue
		}
		arr = append(arr, pair{id, d})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].id < arr[j].id
	})
	out := make([]Hit, 0, len(arr))
	for _, p := range arr {
		out = append(out, Hit{ID: p.id, DistanceKm: RoundKm(p.dist)})
	}
	return out, nil
}

// HasCapability reports whether caps contains capability.
func HasCapability(caps []string, capability string) bool {
	for _, c := range caps {
		if c == capability {
			return true
		}
	}
	return false
}

// DistanceKm is the great-circle distance between a and b.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Haversine distance in kilometres
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// RoundKm rounds to one decimal place for display.
func RoundKm(d float64) float64 {
	return math.Round(d*10) / 10
}
