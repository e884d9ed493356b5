// Package relay ingests transporter GPS reports: every report is broadcast
// to the delivery's order room immediately, while snapshot persistence is
// throttled to one write per delivery per window.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/agrilink/internal/models"
	"github.com/example/agrilink/internal/observability"
	"github.com/example/agrilink/internal/storage"
)

const defaultPersistWindow = 30 * time.Second

// LocationPublisher is the optional pipeline sink (kafka) for accepted
// reports.
type LocationPublisher interface {
	PublishLocation(snap models.LocationSnapshot) error
}

// Publisher is the slice of the hub the relay needs.
type Publisher interface {
	Publish(room, event string, payload any)
}

type Relay struct {
	hub        Publisher
	deliveries storage.Deliveries
	locations  storage.Locations
	pipeline   LocationPublisher
	logger     *slog.Logger

	persistWindow time.Duration
	now           func() time.Time

	mu          sync.Mutex
	lastPersist map[string]time.Time
}

type Option func(*Relay)

func WithPersistWindow(d time.Duration) Option {
	return func(r *Relay) { r.persistWindow = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func WithPipeline(p LocationPublisher) Option {
	return func(r *Relay) { r.pipeline = p }
}

func New(hub Publisher, deliveries storage.Deliveries, locations storage.Locations, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		hub:           hub,
		deliveries:    deliveries,
		locations:     locations,
		logger:        logger,
		persistWindow: defaultPersistWindow,
		now:           time.Now,
		lastPersist:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report handles one GPS report. Unknown or malformed delivery ids are
// dropped without telling the sender: this is best-effort telemetry and the
// drop must not leak whether the delivery exists.
func (r *Relay) Report(ctx context.Context, connID, deliveryID string, lat, lng float64) {
	if deliveryID == "" {
		return
	}
	d, err := r.deliveries.GetDelivery(ctx, deliveryID)
	if err != nil {
		r.logger.Debug("location report dropped", "delivery", deliveryID, "error", err)
		return
	}

	now := r.now()
	snap := models.LocationSnapshot{DeliveryID: deliveryID, Lat: lat, Lng: lng, Timestamp: now}
	observability.LocationReports.Inc()

	// Broadcast every report; subscribers watching a live map want all of
	// them, including the sender, so each client renders the same state.
	r.hub.Publish(models.OrderRoom(d.OrderID), models.EventLocationUpdate, models.LocationUpdate{
		Lat:        lat,
		Lng:        lng,
		DeliveryID: deliveryID,
		Timestamp:  now,
	})

	if r.pipeline != nil {
		if err := r.pipeline.PublishLocation(snap); err != nil {
			r.logger.Warn("location pipeline publish failed", "delivery", deliveryID, "error", err)
		}
	}

	if !r.shouldPersist(deliveryID, now) {
		return
	}
	if err := r.locations.SaveLocation(ctx, snap); err != nil {
		r.logger.Warn("location persist failed", "delivery", deliveryID, "error", err)
		// Reopen the window so the next report retries the write.
		r.mu.Lock()
		delete(r.lastPersist, deliveryID)
		r.mu.Unlock()
		return
	}
	observability.LocationPersists.Inc()
}

func (r *Relay) shouldPersist(deliveryID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastPersist[deliveryID]; ok && now.Sub(last) < r.persistWindow {
		return false
	}
	r.lastPersist[deliveryID] = now
	return true
}

// Forget evicts the throttle entry once a delivery is done.
func (r *Relay) Forget(deliveryID string) {
	r.mu.Lock()
	delete(r.lastPersist, deliveryID)
	r.mu.Unlock()
}
