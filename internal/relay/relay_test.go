package relay

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/agrilink/internal/models"
	"github.com/example/agrilink/internal/storage"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []string
	rooms  []string
}

func (f *fakePublisher) Publish(room, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.rooms = append(f.rooms, room)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type countingLocations struct {
	mu    sync.Mutex
	saves int
	last  *models.LocationSnapshot
}

func (c *countingLocations) SaveLocation(ctx context.Context, snap models.LocationSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	c.last = &snap
	return nil
}

func (c *countingLocations) LastLocation(ctx context.Context, deliveryID string) (*models.LocationSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil, storage.ErrNotFound
	}
	return c.last, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seededStore() *storage.Memory {
	mem := storage.NewMemory()
	mem.PutDelivery(models.Delivery{ID: "d1", OrderID: "o1", TransporterID: "t1", Status: models.StatusInTransit})
	return mem
}

func TestBroadcastIsNotThrottled(t *testing.T) {
	pub := &fakePublisher{}
	locs := &countingLocations{}
	now := time.Unix(1000, 0)
	r := New(pub, seededStore(), locs, discard(),
		WithClock(func() time.Time { return now }))

	// ten reports inside one 30s window
	for i := 0; i < 10; i++ {
		now = now.Add(500 * time.Millisecond)
		r.Report(context.Background(), "c1", "d1", 12.97, 77.59)
	}

	if pub.count() != 10 {
		t.Fatalf("expected 10 broadcasts, got %d", pub.count())
	}
	if locs.saves != 1 {
		t.Fatalf("expected 1 persisted snapshot, got %d", locs.saves)
	}
	if pub.rooms[0] != models.OrderRoom("o1") {
		t.Fatalf("broadcast went to %s, want %s", pub.rooms[0], models.OrderRoom("o1"))
	}
}

func TestPersistReopensAfterWindow(t *testing.T) {
	pub := &fakePublisher{}
	locs := &countingLocations{}
	now := time.Unix(1000, 0)
	r := New(pub, seededStore(), locs, discard(),
		WithClock(func() time.Time { return now }))

	r.Report(context.Background(), "c1", "d1", 1, 2)
	now = now.Add(31 * time.Second)
	r.Report(context.Background(), "c1", "d1", 3, 4)

	if locs.saves != 2 {
		t.Fatalf("expected 2 persisted snapshots across windows, got %d", locs.saves)
	}
}

func TestUnknownDeliveryDroppedSilently(t *testing.T) {
	pub := &fakePublisher{}
	locs := &countingLocations{}
	r := New(pub, storage.NewMemory(), locs, discard())

	r.Report(context.Background(), "c1", "nope", 1, 2)
	r.Report(context.Background(), "c1", "", 1, 2)

	if pub.count() != 0 || locs.saves != 0 {
		t.Fatalf("expected silent drop, got %d broadcasts and %d saves", pub.count(), locs.saves)
	}
}

func TestForgetReopensThrottle(t *testing.T) {
	pub := &fakePublisher{}
	locs := &countingLocations{}
	now := time.Unix(1000, 0)
	r := New(pub, seededStore(), locs, discard(),
		WithClock(func() time.Time { return now }))

	r.Report(context.Background(), "c1", "d1", 1, 2)
	r.Forget("d1")
	r.Report(context.Background(), "c1", "d1", 3, 4)

	if locs.saves != 2 {
		t.Fatalf("expected persist after Forget, got %d saves", locs.saves)
	}
}
