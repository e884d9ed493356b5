package routing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/agrilink/internal/models"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHaversineZeroDistance(t *testing.T) {
	if d := Haversine(12.9716, 77.5946, 12.9716, 77.5946); d != 0 {
		t.Fatalf("same point distance = %v, want 0", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Bengaluru to Mysuru, roughly 127km great-circle.
	d := Haversine(12.9716, 77.5946, 12.2958, 76.6394)
	if d < 120000 || d > 135000 {
		t.Fatalf("distance = %v m, outside expected range", d)
	}
}

func TestRouteFallbackWithoutEndpoint(t *testing.T) {
	s := NewService("", discard())
	from := models.Coord{Lat: 12.9716, Lng: 77.5946}
	to := models.Coord{Lat: 12.9352, Lng: 77.6245}

	est := s.Route(context.Background(), from, to)
	if !est.Estimated {
		t.Fatal("expected fallback estimate")
	}
	want := Haversine(from.Lat, from.Lng, to.Lat, to.Lng) * roadFactor
	if math.Abs(est.DistanceMeters-want) > 1e-6 {
		t.Fatalf("distance = %v, want %v", est.DistanceMeters, want)
	}
	if est.DurationSeconds <= 0 {
		t.Fatal("fallback duration must be positive")
	}
}

func TestRouteUsesProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code": "Ok",
			"routes": []map[string]float64{
				{"distance": 4200, "duration": 600},
			},
		})
	}))
	defer srv.Close()

	s := NewService(srv.URL, discard())
	est := s.Route(context.Background(), models.Coord{Lat: 1, Lng: 1}, models.Coord{Lat: 2, Lng: 2})
	if est.Estimated {
		t.Fatal("expected provider estimate, got fallback")
	}
	if est.DistanceMeters != 4200 || est.DurationSeconds != 600 {
		t.Fatalf("unexpected estimate %+v", est)
	}
}

func TestRouteDegradesOnProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewService(srv.URL, discard())
	est := s.Route(context.Background(), models.Coord{Lat: 1, Lng: 1}, models.Coord{Lat: 2, Lng: 2})
	if !est.Estimated {
		t.Fatal("expected fallback when provider errors")
	}
}
