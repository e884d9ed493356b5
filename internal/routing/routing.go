// Package routing estimates road distance and duration between two points.
// The primary provider is an OSRM HTTP server; when it is unconfigured,
// times out, or errors, the estimate falls back to a great-circle distance
// inflated for road geometry.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/example/agrilink/internal/models"
)

const (
	// roadFactor inflates the great-circle estimate toward realistic road
	// distance.
	roadFactor = 1.3
	// fallbackSpeedMps drives the duration estimate when OSRM is out.
	fallbackSpeedMps = 10.0
)

type Estimate struct {
	DistanceMeters  float64
	DurationSeconds float64
	// Estimated is true when the fallback produced the numbers.
	Estimated bool
}

type Service struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewService(endpoint string, logger *slog.Logger) *Service {
	return &Service{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// Route never fails: any provider problem degrades to the heuristic.
func (s *Service) Route(ctx context.Context, from, to models.Coord) Estimate {
	if s.endpoint != "" {
		est, err := s.query(ctx, from, to)
		if err == nil {
			return est
		}
		s.logger.Warn("routing provider failed, using fallback", "error", err)
	}
	return fallback(from, to)
}

func (s *Service) query(ctx context.Context, from, to models.Coord) (Estimate, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false",
		s.endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Estimate{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Estimate{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Estimate{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Estimate{}, fmt.Errorf("routing: no route (%s)", out.Code)
	}
	return Estimate{DistanceMeters: out.Routes[0].Distance, DurationSeconds: out.Routes[0].Duration}, nil
}

func fallback(from, to models.Coord) Estimate {
	d := Haversine(from.Lat, from.Lng, to.Lat, to.Lng) * roadFactor
	return Estimate{DistanceMeters: d, DurationSeconds: d / fallbackSpeedMps, Estimated: true}
}

// Haversine distance in meters.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
