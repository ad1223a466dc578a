package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/service-matching/internal/models"
)

// RedisStore is the subset of redis operations the index needs.
type RedisStore interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	GeoSearch(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) ([]redis.GeoLocation, error)
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// Remove deletes member and its meta hash when the hash's session field
	// equals session, or unconditionally when session is empty.
	Remove(ctx context.Context, geoKey, metaKey, member, session string) error
	// Clear deletes the GEO set and every member's meta hash.
	Clear(ctx context.Context, geoKey string) error
}

// RedisIndex implements Geo using Redis GEO commands plus a metadata hash
// per worker.
type RedisIndex struct {
	store RedisStore
	key   string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return NewRedisIndexWithStore(&redisAdapter{c: client}, key)
}

func NewRedisIndexWithStore(store RedisStore, key string) *RedisIndex {
	return &RedisIndex{store: store, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, e Entry) error {
	caps, err := json.Marshal(e.Capabilities)
	if err != nil {
		return err
	}
	if err := r.store.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: e.Loc.Lon, Latitude: e.Loc.Lat, Name: e.ID}); err != nil {
		return fmt.Errorf("geoadd %s: %w", e.ID, err)
	}
	meta := map[string]interface{}{
		"capabilities": string(caps),
		"available":    strconv.FormatBool(e.Available),
		"session":      e.Session,
		"updated":      time.Now().Format(time.RFC3339),
	}
	if err := r.store.HSet(ctx, metaKey(e.ID), meta); err != nil {
		return fmt.Errorf("hset %s: %w", e.ID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, id, session string) error {
	return r.store.Remove(ctx, r.key, metaKey(id), id, session)
}

// Reset drops every indexed worker. Sessions do not survive a restart, so
// entries left behind by a previous process are stale and are cleared on boot.
func (r *RedisIndex) Reset(ctx context.Context) error {
	if err := r.store.Clear(ctx, r.key); err != nil {
		return fmt.Errorf("clear %s: %w", r.key, err)
	}
	return nil
}

// QueryRadius lets Redis prune by radius, then recomputes distances with the
// local haversine so both index implementations agree on the boundary.
func (r *RedisIndex) QueryRadius(ctx context.Context, origin models.Coord, radiusKm float64, capability string) ([]Hit, error) {
	res, err := r.store.GeoSearch(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
	})
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(res))
	for _, g := range res {
		d := DistanceKm(origin, models.Coord{Lat: g.Latitude, Lon: g.Longitude})
		if d > radiusKm {
			continue
		}
		m, err := r.store.HGetAll(ctx, metaKey(g.Name))
		if err != nil {
			return nil, fmt.Errorf("hgetall %s: %w", g.Name, err)
		}
		if m["available"] != "true" {
			continue
		}
		if capability != "" {
			var caps []string
			if err := json.Unmarshal([]byte(m["capabilities"]), &caps); err != nil || !HasCapability(caps, capability) {
				continue
			}
		}
		arr = append(arr, pair{g.Name, d})
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

func metaKey(id string) string { return "worker:meta:" + id }

type redisAdapter struct{ c *redis.Client }

func (a *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return a.c.GeoAdd(ctx, key, loc).Err()
}

func (a *redisAdapter) GeoSearch(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) ([]redis.GeoLocation, error) {
	return a.c.GeoSearchLocation(ctx, key, q).Result()
}

func (a *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return a.c.HSet(ctx, key, values).Err()
}

func (a *redisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return a.c.HGetAll(ctx, key).Result()
}

var removeScript = redis.NewScript(`
if ARGV[2] ~= "" and redis.call("HGET", KEYS[2], "session") ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[2])
return 1
`)

func (a *redisAdapter) Remove(ctx context.Context, geoKey, metaKey, member, session string) error {
	return removeScript.Run(ctx, a.c, []string{geoKey, metaKey}, member, session).Err()
}

func (a *redisAdapter) Clear(ctx context.Context, geoKey string) error {
	members, err := a.c.ZRange(ctx, geoKey, 0, -1).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(members)+1)
	keys = append(keys, geoKey)
	for _, m := range members {
		keys = append(keys, metaKey(m))
	}
	return a.c.Del(ctx, keys...).Err()
}
