package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/agrilink/internal/models"
)

type fakeSink struct {
	failures int
	calls    int
}

func (f *fakeSink) SaveLocation(ctx context.Context, snap models.LocationSnapshot) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("redis write failed")
	}
	return nil
}

func TestSaveSnapshotWithRetrySucceedsAfterFailures(t *testing.T) {
	sink := &fakeSink{failures: 2}
	snap := models.LocationSnapshot{DeliveryID: "d1", Lat: 1, Lng: 2, Timestamp: time.Now()}

	if err := saveSnapshotWithRetry(context.Background(), sink, snap, 3, time.Millisecond); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if sink.calls != 3 {
		t.Fatalf("calls = %d, want 3", sink.calls)
	}
}

func TestSaveSnapshotWithRetryExhaustsAttempts(t *testing.T) {
	sink := &fakeSink{failures: 10}
	snap := models.LocationSnapshot{DeliveryID: "d1", Timestamp: time.Now()}

	err := saveSnapshotWithRetry(context.Background(), sink, snap, 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if sink.calls != 3 {
		t.Fatalf("calls = %d, want 3", sink.calls)
	}
}

func TestSaveSnapshotWithRetryStopsOnCancel(t *testing.T) {
	sink := &fakeSink{failures: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := saveSnapshotWithRetry(ctx, sink, models.LocationSnapshot{DeliveryID: "d1"}, 3, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if sink.calls != 1 {
		t.Fatalf("calls = %d, want 1 before cancel short-circuits", sink.calls)
	}
}
