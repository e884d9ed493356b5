package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/agrilink/internal/models"
	"github.com/example/agrilink/internal/storage"
	"github.com/example/agrilink/internal/wallet"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakePublisher) Publish(room, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakePublisher) countOf(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

// flakyStore fails WithinTx with a transient error a configured number of
// times before delegating to the real store.
type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	failures int
	txCalls  int
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(tx storage.Store) error) error {
	f.mu.Lock()
	f.txCalls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return Transient(errors.New("storage hiccup"))
	}
	return f.Store.WithinTx(ctx, fn)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func completedDelivery() models.Delivery {
	pickup := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	delivered := pickup.Add(30 * time.Minute)
	return models.Delivery{
		ID:              "d1",
		OrderID:         "o1",
		TransporterID:   "t1",
		Status:          models.StatusCompleted,
		DistanceKm:      10,
		RatePerKm:       5,
		SurgeMultiplier: 1.5,
		Tip:             20,
		PickupTime:      &pickup,
		DeliveryTime:    &delivered,
	}
}

func newEngine(store storage.Store, pub Publisher, opts ...Option) *Engine {
	ledger := wallet.NewLedger(store, nil, discard())
	base := []Option{WithSleep(func(time.Duration) {}), WithPerMinuteRate(1)}
	return NewEngine(store, ledger, pub, discard(), append(base, opts...)...)
}

func mustBalance(t *testing.T, store storage.Store, userID string) float64 {
	t.Helper()
	w, err := store.GetWallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("wallet for %s: %v", userID, err)
	}
	return w.Balance
}

func TestSettleCreditsOnce(t *testing.T) {
	mem := storage.NewMemory()
	mem.PutDelivery(completedDelivery())
	pub := &fakePublisher{}
	e := newEngine(mem, pub)

	res, err := e.Settle(context.Background(), "d1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Credited {
		t.Fatal("first settlement not credited")
	}
	if res.Earning.FinalAmount != 125 {
		t.Fatalf("final = %v, want 125", res.Earning.FinalAmount)
	}
	if got := mustBalance(t, mem, "t1"); got != 125 {
		t.Fatalf("wallet balance = %v, want 125", got)
	}
	if got := mem.TransporterTotal("t1"); got != 125 {
		t.Fatalf("transporter running total = %v, want 125", got)
	}
	if n := len(mem.Transactions()); n != 1 {
		t.Fatalf("expected 1 wallet transaction, got %d", n)
	}
	if pub.countOf(models.EventEarningsUpdated) != 1 {
		t.Fatal("earnings:updated not emitted")
	}
}

func TestSettleDuplicateReportsNotCredited(t *testing.T) {
	mem := storage.NewMemory()
	mem.PutDelivery(completedDelivery())
	e := newEngine(mem, &fakePublisher{})

	first, err := e.Settle(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Settle(context.Background(), "d1")
	if err != nil {
		t.Fatalf("duplicate settle errored: %v", err)
	}
	if second.Credited {
		t.Fatal("duplicate settlement credited again")
	}
	if second.Earning.ID != first.Earning.ID {
		t.Fatal("duplicate returned a different earning")
	}
	if got := mustBalance(t, mem, "t1"); got != 125 {
		t.Fatalf("balance after duplicate = %v, want 125", got)
	}
	entries := mem.AuditEntries("d1")
	var dup bool
	for _, a := range entries {
		if a.Outcome == models.AuditDuplicate {
			dup = true
		}
	}
	if !dup {
		t.Fatalf("no DUPLICATE audit entry in %+v", entries)
	}
}

func TestSettleConcurrentTriggersCreditExactlyOnce(t *testing.T) {
	mem := storage.NewMemory()
	mem.PutDelivery(completedDelivery())
	e := newEngine(mem, &fakePublisher{})

	const n = 8
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Settle(context.Background(), "d1")
			if err != nil {
				t.Errorf("settle %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	credited := 0
	for _, r := range results {
		if r != nil && r.Credited {
			credited++
		}
	}
	if credited != 1 {
		t.Fatalf("credited %d times, want exactly 1", credited)
	}
	if got := mustBalance(t, mem, "t1"); got != 125 {
		t.Fatalf("balance = %v, want one credit of 125", got)
	}
	if n := len(mem.Transactions()); n != 1 {
		t.Fatalf("expected 1 wallet transaction, got %d", n)
	}
}

func TestSettleTransientErrorConvergesOnRetry(t *testing.T) {
	mem := storage.NewMemory()
	mem.PutDelivery(completedDelivery())
	flaky := &flakyStore{Store: mem, failures: 1}
	e := newEngine(flaky, &fakePublisher{})

	res, err := e.Settle(context.Background(), "d1")
	if err != nil {
		t.Fatalf("settle after transient failure: %v", err)
	}
	if !res.Credited {
		t.Fatal("retry did not credit")
	}
	if got := mustBalance(t, mem, "t1"); got != 125 {
		t.Fatalf("balance = %v, want 125", got)
	}
	if flaky.txCalls != 2 {
		t.Fatalf("expected 2 transaction attempts, got %d", flaky.txCalls)
	}

	entries := mem.AuditEntries("d1")
	var failed, success bool
	for _, a := range entries {
		if a.Outcome == models.AuditFailed && a.Attempt == 1 {
			failed = true
		}
		if a.Outcome == models.AuditSuccess && a.Attempt == 2 {
			success = true
		}
	}
	if !failed || !success {
		t.Fatalf("audit trail missing attempts: %+v", entries)
	}
}

func TestSettlePendingDeliveryFailsPermanently(t *testing.T) {
	mem := storage.NewMemory()
	d := completedDelivery()
	d.Status = models.StatusPending
	mem.PutDelivery(d)
	flaky := &flakyStore{Store: mem}
	e := newEngine(flaky, &fakePublisher{})

	res, err := e.Settle(context.Background(), "d1")
	if err != nil || res != nil {
		t.Fatalf("expected audited no-op, got res=%v err=%v", res, err)
	}
	if flaky.txCalls != 0 {
		t.Fatalf("precondition failure opened %d transactions", flaky.txCalls)
	}
	if _, err := mem.GetWallet(context.Background(), "t1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("wallet mutated on precondition failure")
	}

	entries := mem.AuditEntries("d1")
	if len(entries) != 1 || entries[0].Outcome != models.AuditFailed {
		t.Fatalf("expected single FAILED audit entry, got %+v", entries)
	}
}

func TestSettleUnknownDeliveryIsPermanent(t *testing.T) {
	mem := storage.NewMemory()
	e := newEngine(mem, &fakePublisher{})
	res, err := e.Settle(context.Background(), "ghost")
	if err != nil || res != nil {
		t.Fatalf("expected audited no-op, got res=%v err=%v", res, err)
	}
}

func TestSettleExhaustedTransientSchedulesBackgroundRetry(t *testing.T) {
	mem := storage.NewMemory()
	mem.PutDelivery(completedDelivery())
	// more failures than the synchronous budget; the background retry
	// eventually gets a clean pass
	flaky := &flakyStore{Store: mem, failures: 3}
	e := newEngine(flaky, &fakePublisher{})

	_, err := e.Settle(context.Background(), "d1")
	if err == nil {
		t.Fatal("expected transient exhaustion error")
	}
	e.Wait()

	if got := mustBalance(t, mem, "t1"); got != 125 {
		t.Fatalf("background retry did not converge, balance = %v", got)
	}
	var scheduled bool
	for _, a := range mem.AuditEntries("d1") {
		if a.Outcome == models.AuditRetryScheduled {
			scheduled = true
		}
	}
	if !scheduled {
		t.Fatal("no RETRY_SCHEDULED audit entry")
	}
}

func TestRollbackLeavesNoOrphanedEarning(t *testing.T) {
	mem := storage.NewMemory()
	mem.PutDelivery(completedDelivery())
	ledger := wallet.NewLedger(mem, nil, discard())
	e := NewEngine(mem, ledger, nil, discard(), WithSleep(func(time.Duration) {}))

	// Poison the credit by unassigning the transporter mid-transaction is
	// not possible from outside; instead verify via the memory store that a
	// failing transaction keeps earning and wallet consistent.
	err := mem.WithinTx(context.Background(), func(tx storage.Store) error {
		if _, err := tx.CreateEarning(context.Background(), &models.Earning{ID: "e1", DeliveryID: "d1", TransporterID: "t1", FinalAmount: 10}); err != nil {
			return err
		}
		return errors.New("credit blew up")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, err := mem.EarningForDelivery(context.Background(), "d1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("earning survived rollback")
	}

	// and a subsequent settle still works
	res, err := e.Settle(context.Background(), "d1")
	if err != nil || !res.Credited {
		t.Fatalf("settle after rollback: res=%+v err=%v", res, err)
	}
}
