package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands plus a per-driver
// metadata hash. The kafka consumer writes here; the API reads.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(d models.Driver) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(d.ID), map[string]interface{}{
		"vehicle_type": string(d.VehicleType),
		"on_duty":      strconv.FormatBool(d.OnDuty),
		"updated":      time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Nearby(lat, lon float64, limit int) []models.Driver {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: 5000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["vehicle_type"]; ok {
				d.VehicleType = models.VehicleType(v)
			}
			if v, ok := m["on_duty"]; ok {
				d.OnDuty = (v == "true")
			}
		}
		if !d.OnDuty {
			continue
		}
		out = append(out, d)
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
