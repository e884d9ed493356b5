package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/agrilink/internal/models"
)

// RedisLocations keeps delivery snapshots in redis: a GEO set for spatial
// queries plus a per-delivery hash with the raw coordinate and timestamp.
type RedisLocations struct {
	client *redis.Client
	geoKey string
}

func NewRedisLocations(addr, password, geoKey string) *RedisLocations {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLocations{client: c, geoKey: geoKey}
}

func NewRedisLocationsWithClient(client *redis.Client, geoKey string) *RedisLocations {
	return &RedisLocations{client: client, geoKey: geoKey}
}

func (r *RedisLocations) Close() error { return r.client.Close() }

func (r *RedisLocations) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// SaveLocation drops reports older than the stored snapshot so the timestamp
// stays monotonically non-decreasing per delivery.
func (r *RedisLocations) SaveLocation(ctx context.Context, snap models.LocationSnapshot) error {
	if prev, err := r.LastLocation(ctx, snap.DeliveryID); err == nil && snap.Timestamp.Before(prev.Timestamp) {
		return nil
	}
	if _, err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Longitude: snap.Lng,
		Latitude:  snap.Lat,
		Name:      snap.DeliveryID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, snapshotKey(snap.DeliveryID), map[string]interface{}{
		"lat": strconv.FormatFloat(snap.Lat, 'f', -1, 64),
		"lng": strconv.FormatFloat(snap.Lng, 'f', -1, 64),
		"ts":  snap.Timestamp.UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisLocations) LastLocation(ctx context.Context, deliveryID string) (*models.LocationSnapshot, error) {
	m, err := r.client.HGetAll(ctx, snapshotKey(deliveryID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	snap := models.LocationSnapshot{DeliveryID: deliveryID}
	if v, ok := m["lat"]; ok {
		snap.Lat, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["lng"]; ok {
		snap.Lng, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["ts"]; ok {
		snap.Timestamp, _ = time.Parse(time.RFC3339Nano, v)
	}
	return &snap, nil
}

func snapshotKey(deliveryID string) string { return "delivery:location:" + deliveryID }
