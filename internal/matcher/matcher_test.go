package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-matching/internal/geo"
	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/storage"
)

var (
	customerLoc = models.Coord{Lat: 12.9716, Lon: 77.5946}
	nearLoc     = models.Coord{Lat: 12.9816, Lon: 77.6046}
	farLoc      = models.Coord{Lat: 13.1000, Lon: 77.6000}
)

type failingGeo struct{}

func (failingGeo) QueryRadius(ctx context.Context, origin models.Coord, radiusKm float64, capability string) ([]geo.Hit, error) {
	return nil, errors.New("index unavailable")
}

func TestNotifySetElectricianScenario(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewIndex()
	require.NoError(t, idx.Upsert(ctx, geo.Entry{ID: "near", Loc: nearLoc, Capabilities: []string{"Electrician"}, Available: true}))
	require.NoError(t, idx.Upsert(ctx, geo.Entry{ID: "far", Loc: farLoc, Capabilities: []string{"Electrician"}, Available: true}))
	require.NoError(t, idx.Upsert(ctx, geo.Entry{ID: "plumber", Loc: nearLoc, Capabilities: []string{"Plumber"}, Available: true}))

	s := &Service{Geo: idx, Requests: storage.NewRequestStore()}
	set, err := s.NotifySet(ctx, models.ServiceRequest{ServiceType: "Electrician", Location: customerLoc})
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, set)
}

func TestNotifySetPropagatesGeoError(t *testing.T) {
	s := &Service{Geo: failingGeo{}, Requests: storage.NewRequestStore()}
	_, err := s.NotifySet(context.Background(), models.ServiceRequest{Location: customerLoc})
	require.Error(t, err)
}

func TestPendingNearFiltersByRadiusAndStatus(t *testing.T) {
	store := storage.NewRequestStore()
	near := store.Create(models.NewRequest{CustomerID: "c1", ServiceType: "Plumber", Location: nearLoc})
	here := store.Create(models.NewRequest{CustomerID: "c2", ServiceType: "Electrician", Location: customerLoc})
	store.Create(models.NewRequest{CustomerID: "c3", ServiceType: "Electrician", Location: farLoc})
	closed := store.Create(models.NewRequest{CustomerID: "c4", ServiceType: "Electrician", Location: customerLoc})
	_, err := store.Cancel(closed.ID)
	require.NoError(t, err)

	s := &Service{Geo: geo.NewIndex(), Requests: store}
	got := s.PendingNear(customerLoc)
	require.Len(t, got, 2)
	assert.Equal(t, here.ID, got[0].ID)
	assert.Equal(t, 0.0, got[0].Distance)
	assert.Equal(t, near.ID, got[1].ID)
	assert.Equal(t, 1.6, got[1].Distance)
}

func TestCustomRadius(t *testing.T) {
	store := storage.NewRequestStore()
	store.Create(models.NewRequest{CustomerID: "c1", ServiceType: "Plumber", Location: farLoc})
	s := &Service{Geo: geo.NewIndex(), Requests: store, RadiusKm: 20}
	assert.Len(t, s.PendingNear(customerLoc), 1)
	s.RadiusKm = 0
	assert.Empty(t, s.PendingNear(customerLoc))
}
