package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/agrilink/internal/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx so every query method
// works inside and outside WithinTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Postgres struct {
	db *sql.DB
	q  querier
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db, q: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// WithinTx opens a Read Committed transaction and hands fn a view bound to
// it. Rollback happens on error and on panic; the earning uniqueness
// constraint makes duplicate detection independent of isolation level.
func (p *Postgres) WithinTx(ctx context.Context, fn func(tx Store) error) (err error) {
	if _, ok := p.q.(*sql.Tx); ok {
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		if rec := recover(); rec != nil {
			_ = tx.Rollback()
			panic(rec)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(&Postgres{db: p.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	var d models.Delivery
	var totalCost sql.NullFloat64
	var pickupAt, deliveredAt sql.NullTime
	err := p.q.QueryRowContext(ctx, `
		SELECT id, order_id, transporter_id, status, vehicle_type,
		       pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
		       distance_km, rate_per_km, total_cost, surge_multiplier, tip,
		       pickup_time, delivery_time
		FROM deliveries WHERE id = $1`, id).Scan(
		&d.ID, &d.OrderID, &d.TransporterID, &d.Status, &d.VehicleType,
		&d.Pickup.Lat, &d.Pickup.Lng, &d.Dropoff.Lat, &d.Dropoff.Lng,
		&d.DistanceKm, &d.RatePerKm, &totalCost, &d.SurgeMultiplier, &d.Tip,
		&pickupAt, &deliveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	if totalCost.Valid {
		d.TotalCost = &totalCost.Float64
	}
	if pickupAt.Valid {
		d.PickupTime = &pickupAt.Time
	}
	if deliveredAt.Valid {
		d.DeliveryTime = &deliveredAt.Time
	}
	return &d, nil
}

func (p *Postgres) UpdateDeliveryStatus(ctx context.Context, id string, status models.DeliveryStatus) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE deliveries
		SET status = $1,
		    delivery_time = CASE WHEN $1 = 'COMPLETED' AND delivery_time IS NULL THEN NOW() ELSE delivery_time END
		WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateDeliveryDistance(ctx context.Context, id string, distanceKm float64) error {
	res, err := p.q.ExecContext(ctx, `UPDATE deliveries SET distance_km = $1 WHERE id = $2`, distanceKm, id)
	if err != nil {
		return fmt.Errorf("update delivery distance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AddTransporterEarnings(ctx context.Context, transporterID string, amount float64) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO transporter_totals(transporter_id, total_earnings)
		VALUES ($1, $2)
		ON CONFLICT (transporter_id) DO UPDATE
		SET total_earnings = transporter_totals.total_earnings + EXCLUDED.total_earnings`,
		transporterID, amount)
	if err != nil {
		return fmt.Errorf("add transporter earnings: %w", err)
	}
	return nil
}

func (p *Postgres) GetNegotiation(ctx context.Context, id string) (*models.Negotiation, error) {
	var n models.Negotiation
	err := p.q.QueryRowContext(ctx, `
		SELECT id, buyer_id, farmer_id, status, current_offer, last_message, last_message_at
		FROM negotiations WHERE id = $1`, id).Scan(
		&n.ID, &n.BuyerID, &n.FarmerID, &n.Status, &n.CurrentOffer, &n.LastMessage, &n.LastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get negotiation: %w", err)
	}
	return &n, nil
}

func (p *Postgres) CreateMessage(ctx context.Context, m *models.NegotiationMessage) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO negotiation_messages(id, negotiation_id, sender_id, type, body, amount, offer_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		m.ID, m.NegotiationID, m.SenderID, m.Type, m.Body, m.Amount, string(m.OfferStatus), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (p *Postgres) SupersedePendingOffers(ctx context.Context, negotiationID string) (int, error) {
	res, err := p.q.ExecContext(ctx, `
		UPDATE negotiation_messages SET offer_status = 'superseded'
		WHERE negotiation_id = $1 AND type = 'OFFER' AND offer_status = 'pending'`, negotiationID)
	if err != nil {
		return 0, fmt.Errorf("supersede offers: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) UpdateNegotiationOffer(ctx context.Context, negotiationID string, amount float64, lastMessage string, at time.Time) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE negotiations SET current_offer = $1, last_message = $2, last_message_at = $3
		WHERE id = $4`, amount, lastMessage, at, negotiationID)
	if err != nil {
		return fmt.Errorf("update negotiation offer: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateNegotiationLastMessage(ctx context.Context, negotiationID, lastMessage string, at time.Time) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE negotiations SET last_message = $1, last_message_at = $2
		WHERE id = $3`, lastMessage, at, negotiationID)
	if err != nil {
		return fmt.Errorf("update negotiation last message: %w", err)
	}
	return nil
}

func (p *Postgres) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := p.q.QueryRowContext(ctx, `SELECT user_id, balance FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.UserID, &w.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

func (p *Postgres) EnsureWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := p.q.QueryRowContext(ctx, `
		INSERT INTO wallets(user_id, balance) VALUES ($1, 0)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING user_id, balance`, userID).Scan(&w.UserID, &w.Balance)
	if err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	return &w, nil
}

func (p *Postgres) AdjustBalance(ctx context.Context, userID string, delta float64) (float64, error) {
	var balance float64
	err := p.q.QueryRowContext(ctx, `
		UPDATE wallets SET balance = balance + $1 WHERE user_id = $2
		RETURNING balance`, delta, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adjust balance: %w", err)
	}
	return balance, nil
}

func (p *Postgres) AppendTransaction(ctx context.Context, txn *models.WalletTransaction) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO wallet_transactions(id, user_id, type, amount, description, order_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
		txn.ID, txn.UserID, txn.Type, txn.Amount, txn.Description, txn.OrderID, txn.Status, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (p *Postgres) EarningForDelivery(ctx context.Context, deliveryID string) (*models.Earning, error) {
	var e models.Earning
	var duration sql.NullInt64
	err := p.q.QueryRowContext(ctx, `
		SELECT id, delivery_id, transporter_id, base_amount, surge_amount, time_amount,
		       tip_amount, final_amount, surge_multiplier, duration_minutes, created_at
		FROM earnings WHERE delivery_id = $1`, deliveryID).Scan(
		&e.ID, &e.DeliveryID, &e.TransporterID, &e.BaseAmount, &e.SurgeAmount, &e.TimeAmount,
		&e.TipAmount, &e.FinalAmount, &e.SurgeMultiplier, &duration, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("earning for delivery: %w", err)
	}
	if duration.Valid {
		d := int(duration.Int64)
		e.DurationMinutes = &d
	}
	return &e, nil
}

// CreateEarning relies on the unique index on delivery_id: a concurrent
// insert loses the conflict and reports created=false instead of erroring.
func (p *Postgres) CreateEarning(ctx context.Context, e *models.Earning) (bool, error) {
	var duration sql.NullInt64
	if e.DurationMinutes != nil {
		duration = sql.NullInt64{Int64: int64(*e.DurationMinutes), Valid: true}
	}
	res, err := p.q.ExecContext(ctx, `
		INSERT INTO earnings(id, delivery_id, transporter_id, base_amount, surge_amount, time_amount,
		                     tip_amount, final_amount, surge_multiplier, duration_minutes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (delivery_id) DO NOTHING`,
		e.ID, e.DeliveryID, e.TransporterID, e.BaseAmount, e.SurgeAmount, e.TimeAmount,
		e.TipAmount, e.FinalAmount, e.SurgeMultiplier, duration, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("create earning: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *Postgres) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO settlement_audit(id, delivery_id, transporter_id, outcome, attempt, detail, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		e.ID, e.DeliveryID, e.TransporterID, e.Outcome, e.Attempt, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
