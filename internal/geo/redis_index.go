package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-session/internal/models"
)

// RedisIndex implements Index using Redis GEO commands plus a metadata hash
// per ride. It is shared across API replicas and the location consumer.
type RedisIndex struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisIndex(client *redis.Client, key string, ttl time.Duration) *RedisIndex {
	return &RedisIndex{client: client, key: key, ttl: ttl}
}

func (r *RedisIndex) Upsert(ctx context.Context, p Position) error {
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	meta := map[string]interface{}{
		"captain": p.CaptainID,
		"updated": p.Updated.UTC().Format(time.RFC3339Nano),
	}
	if p.Heading != nil {
		meta["heading"] = strconv.FormatFloat(*p.Heading, 'f', 2, 64)
	}
	pipe := r.client.Pipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lng, Latitude: p.Loc.Lat, Name: p.RideID})
	pipe.HSet(ctx, metaKey(p.RideID), meta)
	if r.ttl > 0 {
		pipe.Expire(ctx, metaKey(p.RideID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis geo upsert %s: %w", p.RideID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, rideID string) error {
	pipe := r.client.Pipeline()
	pipe.ZRem(ctx, r.key, rideID)
	pipe.Del(ctx, metaKey(rideID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]Position, error) {
	res, err := r.client.GeoRadius(ctx, r.key, at.Lng, at.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo radius: %w", err)
	}
	out := make([]Position, 0, len(res))
	for _, g := range res {
		p := Position{RideID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lng: g.Longitude}, Distance: g.Dist}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			out = append(out, p)
			continue
		}
		if len(m) == 0 {
			// metadata expired: the ride stopped reporting, drop the stale member
			_ = r.client.ZRem(ctx, r.key, g.Name).Err()
			continue
		}
		p.CaptainID = m["captain"]
		if v, ok := m["heading"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				p.Heading = &f
			}
		}
		if v, ok := m["updated"]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				p.Updated = ts
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func metaKey(rideID string) string { return "ride:captain:" + rideID }
