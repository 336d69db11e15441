package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands plus a metadata
// hash per driver.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func NewRedisIndexWithClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(d models.Driver) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(d.ID), map[string]interface{}{
		"name":    d.Name,
		"vehicle": d.Vehicle,
		"rating":  fmt.Sprintf("%f", d.Rating),
		"online":  strconv.FormatBool(d.Online),
		"ride_id": d.RideID,
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Driver(id string) (models.Driver, bool) {
	m, err := r.client.HGetAll(r.ctx, metaKey(id)).Result()
	if err != nil || len(m) == 0 {
		return models.Driver{}, false
	}
	d := driverFromMeta(id, m)
	if pos, err := r.client.GeoPos(r.ctx, r.key, id).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		d.Loc.Lat = pos[0].Latitude
		d.Loc.Lon = pos[0].Longitude
	}
	return d, true
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
			md := driverFromMeta(g.Name, m)
			md.Loc = d.Loc
			d = md
		}
		if !d.Online {
			continue
		}
		out = append(out, d)
	}
	return out
}

func driverFromMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{ID: id}
	d.Name = m["name"]
	d.Vehicle = m["vehicle"]
	d.RideID = m["ride_id"]
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	if v, ok := m["online"]; ok {
		d.Online = (v == "true")
	}
	return d
}

func metaKey(id string) string { return "driver:meta:" + id }
