package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-hailing/internal/models"
)

// RedisIndex implements Index against Redis GEO commands plus a per-driver
// metadata hash. Geo sets are keyed per region so queries in one region
// never see drivers from another; a driver switching regions is a fresh
// GEOADD in the new set and a TTL expiry in the old one.
type RedisIndex struct {
	client *redis.Client
}

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func geoKey(region string) string {
	if region == "" {
		region = "default"
	}
	return "drivers:" + region
}

func metaKey(driverID string) string { return "driver:" + driverID }

func (r *RedisIndex) Upsert(ctx context.Context, meta models.DriverMeta) error {
	if err := r.client.GeoAdd(ctx, geoKey(meta.RegionID), &redis.GeoLocation{
		Name:      meta.DriverID,
		Longitude: meta.Location.Lng,
		Latitude:  meta.Location.Lat,
	}).Err(); err != nil {
		return err
	}
	key := metaKey(meta.DriverID)
	fields := map[string]interface{}{
		"status":      string(meta.Status),
		"tier":        string(meta.Tier),
		"rating":      strconv.FormatFloat(meta.Rating, 'f', -1, 64),
		"declineRate": strconv.FormatFloat(meta.DeclineRate, 'f', -1, 64),
		"regionId":    meta.RegionID,
		"lat":         strconv.FormatFloat(meta.Location.Lat, 'f', -1, 64),
		"lng":         strconv.FormatFloat(meta.Location.Lng, 'f', -1, 64),
		"lastSeen":    time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.client.HSet(ctx, key, fields).Err(); err != nil {
		return err
	}
	return r.client.Expire(ctx, key, MetadataTTL).Err()
}

func (r *RedisIndex) Radius(ctx context.Context, region string, lat, lng, radiusKm float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoRadius(ctx, geoKey(region), lng, lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Count:    limit,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, Candidate{DriverID: g.Name, DistanceKm: g.Dist})
	}
	return out, nil
}

func (r *RedisIndex) Metadata(ctx context.Context, driverID string) (models.DriverMeta, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverMeta{}, false, err
	}
	if len(m) == 0 {
		return models.DriverMeta{}, false, nil
	}
	meta := models.DriverMeta{
		DriverID:    driverID,
		Status:      models.DriverStatus(m["status"]),
		Tier:        models.VehicleTier(m["tier"]),
		Rating:      parseFloat(m["rating"], 0),
		DeclineRate: parseFloat(m["declineRate"], 0),
		RegionID:    m["regionId"],
		Location: models.Coord{
			Lat: parseFloat(m["lat"], 0),
			Lng: parseFloat(m["lng"], 0),
		},
	}
	if ts, err := time.Parse(time.RFC3339, m["lastSeen"]); err == nil {
		meta.LastSeen = ts
	}
	return meta, true, nil
}

// SetStatus patches the status field only. HSET does not touch the key TTL,
// which is exactly the contract: a status flip must not extend visibility.
func (r *RedisIndex) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	return r.client.HSet(ctx, metaKey(driverID), "status", string(status)).Err()
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

var _ Index = (*RedisIndex)(nil)
