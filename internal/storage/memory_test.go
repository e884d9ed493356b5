package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/agrilink/internal/models"
)

func TestWithinTxRollbackRestoresState(t *testing.T) {
	m := NewMemory()
	m.PutWallet(models.Wallet{UserID: "u1", Balance: 10})
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithinTx(ctx, func(tx Store) error {
		if _, err := tx.AdjustBalance(ctx, "u1", 90); err != nil {
			return err
		}
		if _, err := tx.CreateEarning(ctx, &models.Earning{DeliveryID: "d1", TransporterID: "t1", FinalAmount: 90}); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &models.WalletTransaction{ID: "x", UserID: "u1", Amount: 90}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	w, err := m.GetWallet(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if w.Balance != 10 {
		t.Fatalf("balance = %v after rollback, want 10", w.Balance)
	}
	if _, err := m.EarningForDelivery(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("earning survived rollback")
	}
	if n := len(m.Transactions()); n != 0 {
		t.Fatalf("%d transactions survived rollback", n)
	}
}

func TestWithinTxCommitKeepsState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.WithinTx(ctx, func(tx Store) error {
		if _, err := tx.EnsureWallet(ctx, "u1"); err != nil {
			return err
		}
		_, err := tx.AdjustBalance(ctx, "u1", 55)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	w, err := m.GetWallet(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if w.Balance != 55 {
		t.Fatalf("balance = %v, want 55", w.Balance)
	}
}

func TestCreateEarningIsFirstWriterWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	created, err := m.CreateEarning(ctx, &models.Earning{DeliveryID: "d1", FinalAmount: 100})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = m.CreateEarning(ctx, &models.Earning{DeliveryID: "d1", FinalAmount: 999})
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v", created, err)
	}
	e, err := m.EarningForDelivery(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if e.FinalAmount != 100 {
		t.Fatalf("earning amount = %v, first write should win", e.FinalAmount)
	}
}

func TestSaveLocationDropsStaleTimestamps(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := m.SaveLocation(ctx, models.LocationSnapshot{DeliveryID: "d1", Lat: 1, Lng: 1, Timestamp: base}); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveLocation(ctx, models.LocationSnapshot{DeliveryID: "d1", Lat: 9, Lng: 9, Timestamp: base.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	snap, err := m.LastLocation(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Lat != 1 || !snap.Timestamp.Equal(base) {
		t.Fatalf("stale report overwrote snapshot: %+v", snap)
	}

	if err := m.SaveLocation(ctx, models.LocationSnapshot{DeliveryID: "d1", Lat: 2, Lng: 2, Timestamp: base.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	snap, _ = m.LastLocation(ctx, "d1")
	if snap.Lat != 2 {
		t.Fatalf("newer report not applied: %+v", snap)
	}
}
