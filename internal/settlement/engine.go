// Package settlement turns completed deliveries into wallet credits, exactly
// once per delivery no matter how often or how concurrently it is triggered.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/agrilink/internal/models"
	"github.com/example/agrilink/internal/observability"
	"github.com/example/agrilink/internal/storage"
	"github.com/example/agrilink/internal/wallet"
)

// Publisher is the slice of the hub the engine needs for notifications.
type Publisher interface {
	Publish(room, event string, payload any)
}

// Result is the outcome of a settlement trigger. Credited=false means the
// earning already existed; duplicates are successful responses, not errors.
type Result struct {
	Earning  *models.Earning
	Credited bool
}

type Engine struct {
	store         storage.Store
	ledger        *wallet.Ledger
	pub           Publisher
	logger        *slog.Logger
	policy        RetryPolicy
	perMinuteRate float64

	now   func() time.Time
	sleep func(time.Duration)

	mu            sync.Mutex
	pending       map[string]struct{} // deliveryID -> background retry scheduled
	retryAttempts map[string]int
	wg            sync.WaitGroup
}

type Option func(*Engine)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithPerMinuteRate(rate float64) Option {
	return func(e *Engine) { e.perMinuteRate = rate }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithSleep(sleep func(time.Duration)) Option {
	return func(e *Engine) { e.sleep = sleep }
}

func NewEngine(store storage.Store, ledger *wallet.Ledger, pub Publisher, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		ledger:        ledger,
		pub:           pub,
		logger:        logger,
		policy:        DefaultRetryPolicy(),
		now:           time.Now,
		sleep:         time.Sleep,
		pending:       make(map[string]struct{}),
		retryAttempts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settle runs up to MaxAttempts synchronous attempts for the delivery. A nil
// Result with nil error means a permanent precondition failure that was
// audited and will not be retried. Transient exhaustion schedules a
// deduplicated background retry and returns the last error.
func (e *Engine) Settle(ctx context.Context, deliveryID string) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		res, err := e.attempt(ctx, deliveryID, attempt)
		if err == nil {
			if res != nil {
				e.emit(res)
				e.clearRetryState(deliveryID)
			}
			return res, nil
		}
		lastErr = err
		e.audit(ctx, deliveryID, "", models.AuditFailed, attempt, err.Error())
		if !Retryable(err) {
			observability.SettlementsTotal.WithLabelValues("failed").Inc()
			e.logger.Error("settlement failed permanently", "delivery", deliveryID, "attempt", attempt, "error", err)
			return nil, err
		}
		e.logger.Warn("settlement attempt failed", "delivery", deliveryID, "attempt", attempt, "error", err)
		if attempt < e.policy.MaxAttempts {
			e.sleep(e.policy.AttemptDelay)
		}
	}
	e.scheduleRetry(ctx, deliveryID)
	return nil, lastErr
}

// attempt is a single pass of the idempotent credit algorithm. Permanent
// precondition failures audit and return (nil, nil); storage errors surface
// for classification by the caller.
func (e *Engine) attempt(ctx context.Context, deliveryID string, attemptNo int) (*Result, error) {
	d, err := e.store.GetDelivery(ctx, deliveryID)
	if errors.Is(err, storage.ErrNotFound) {
		e.failPermanently(ctx, deliveryID, "", attemptNo, "delivery not found")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.TransporterID == "" {
		e.failPermanently(ctx, deliveryID, "", attemptNo, "transporter unassigned")
		return nil, nil
	}
	if d.Status != models.StatusCompleted {
		e.failPermanently(ctx, deliveryID, d.TransporterID, attemptNo, fmt.Sprintf("delivery status %s, want COMPLETED", d.Status))
		return nil, nil
	}

	b := Compute(d, e.perMinuteRate, e.now())

	var res Result
	err = e.store.WithinTx(ctx, func(tx storage.Store) error {
		existing, err := tx.EarningForDelivery(ctx, deliveryID)
		if err == nil {
			res = Result{Earning: existing, Credited: false}
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		earning := &models.Earning{
			ID:              uuid.NewString(),
			DeliveryID:      deliveryID,
			TransporterID:   d.TransporterID,
			BaseAmount:      b.BaseAmount,
			SurgeAmount:     b.SurgeAmount,
			TimeAmount:      b.TimeAmount,
			TipAmount:       b.TipAmount,
			FinalAmount:     b.FinalAmount,
			SurgeMultiplier: b.SurgeMultiplier,
			DurationMinutes: b.DurationMinutes,
			CreatedAt:       e.now(),
		}
		created, err := tx.CreateEarning(ctx, earning)
		if err != nil {
			return err
		}
		if !created {
			// Lost the insert race; the winner's row is authoritative.
			existing, err := tx.EarningForDelivery(ctx, deliveryID)
			if err != nil {
				return err
			}
			res = Result{Earning: existing, Credited: false}
			return nil
		}
		// The credit rides the same transaction: an earning must never
		// survive without its wallet credit.
		desc := fmt.Sprintf("Delivery earnings for delivery %s", deliveryID)
		if _, err := e.ledger.CreditWithin(ctx, tx, d.TransporterID, b.FinalAmount, desc, d.OrderID); err != nil {
			return err
		}
		if err := tx.AddTransporterEarnings(ctx, d.TransporterID, b.FinalAmount); err != nil {
			return err
		}
		res = Result{Earning: earning, Credited: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	outcome := models.AuditDuplicate
	label := "duplicate"
	if res.Credited {
		outcome = models.AuditSuccess
		label = "success"
	}
	observability.SettlementsTotal.WithLabelValues(label).Inc()
	e.audit(ctx, deliveryID, d.TransporterID, outcome, attemptNo,
		fmt.Sprintf("final=%.2f base=%.2f surge=%.2f time=%.2f tip=%.2f", b.FinalAmount, b.BaseAmount, b.SurgeAmount, b.TimeAmount, b.TipAmount))
	return &res, nil
}

func (e *Engine) failPermanently(ctx context.Context, deliveryID, transporterID string, attemptNo int, detail string) {
	observability.SettlementsTotal.WithLabelValues("precondition").Inc()
	e.logger.Warn("settlement precondition failed", "delivery", deliveryID, "detail", detail)
	e.audit(ctx, deliveryID, transporterID, models.AuditFailed, attemptNo, detail)
}

// scheduleRetry queues one background retry per delivery; a second transient
// exhaustion while one is pending is a no-op.
func (e *Engine) scheduleRetry(ctx context.Context, deliveryID string) {
	e.mu.Lock()
	if _, exists := e.pending[deliveryID]; exists {
		e.mu.Unlock()
		return
	}
	e.pending[deliveryID] = struct{}{}
	e.retryAttempts[deliveryID]++
	attempt := e.retryAttempts[deliveryID]
	e.mu.Unlock()

	delay := e.policy.Backoff(attempt)
	observability.SettlementRetries.Inc()
	e.audit(ctx, deliveryID, "", models.AuditRetryScheduled, attempt, fmt.Sprintf("background retry in %s", delay))
	e.logger.Info("settlement retry scheduled", "delivery", deliveryID, "attempt", attempt, "delay", delay)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sleep(delay)
		e.mu.Lock()
		delete(e.pending, deliveryID)
		e.mu.Unlock()
		if _, err := e.Settle(context.Background(), deliveryID); err != nil {
			e.logger.Warn("background settlement attempt failed", "delivery", deliveryID, "error", err)
		}
	}()
}

func (e *Engine) clearRetryState(deliveryID string) {
	e.mu.Lock()
	delete(e.retryAttempts, deliveryID)
	e.mu.Unlock()
}

// Wait blocks until in-flight background retries finish; used at shutdown.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) emit(res *Result) {
	if e.pub == nil || res.Earning == nil {
		return
	}
	room := models.UserRoom(res.Earning.TransporterID)
	e.pub.Publish(room, models.EventEarningsUpdated, models.EarningsUpdate{Earning: res.Earning, Credited: res.Credited})
	note := models.Notification{
		Title:     "Earnings updated",
		Message:   fmt.Sprintf("You earned %.2f for delivery %s", res.Earning.FinalAmount, res.Earning.DeliveryID),
		Type:      "earnings",
		Timestamp: e.now(),
	}
	e.pub.Publish(room, models.EventNotification, note)
	e.pub.Publish(room, models.EventPushNotification, note)
}

// audit appends outside any transaction; the log is the operator-facing
// diagnostic surface and must survive rollbacks.
func (e *Engine) audit(ctx context.Context, deliveryID, transporterID string, outcome models.AuditOutcome, attempt int, detail string) {
	entry := &models.AuditLogEntry{
		ID:            uuid.NewString(),
		DeliveryID:    deliveryID,
		TransporterID: transporterID,
		Outcome:       outcome,
		Attempt:       attempt,
		Detail:        detail,
		CreatedAt:     e.now(),
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logger.Error("audit append failed", "delivery", deliveryID, "outcome", outcome, "error", err)
	}
}
