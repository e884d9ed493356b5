package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/agrilink/internal/models"
)

// ErrNotFound is returned by lookups for ids that do not exist. Callers in
// the realtime path treat it as a silent drop, settlement treats it as a
// permanent precondition failure.
var ErrNotFound = errors.New("storage: not found")

type Deliveries interface {
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	UpdateDeliveryStatus(ctx context.Context, id string, status models.DeliveryStatus) error
	UpdateDeliveryDistance(ctx context.Context, id string, distanceKm float64) error
	// AddTransporterEarnings bumps the transporter profile's running total.
	AddTransporterEarnings(ctx context.Context, transporterID string, amount float64) error
}

type Negotiations interface {
	GetNegotiation(ctx context.Context, id string) (*models.Negotiation, error)
	CreateMessage(ctx context.Context, m *models.NegotiationMessage) error
	// SupersedePendingOffers flips every pending offer in the negotiation to
	// superseded and returns how many it touched.
	SupersedePendingOffers(ctx context.Context, negotiationID string) (int, error)
	UpdateNegotiationOffer(ctx context.Context, negotiationID string, amount float64, lastMessage string, at time.Time) error
	UpdateNegotiationLastMessage(ctx context.Context, negotiationID, lastMessage string, at time.Time) error
}

type Wallets interface {
	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)
	// EnsureWallet gets or lazily creates the user's wallet.
	EnsureWallet(ctx context.Context, userID string) (*models.Wallet, error)
	AdjustBalance(ctx context.Context, userID string, delta float64) (float64, error)
	AppendTransaction(ctx context.Context, txn *models.WalletTransaction) error
}

type Earnings interface {
	EarningForDelivery(ctx context.Context, deliveryID string) (*models.Earning, error)
	// CreateEarning inserts the earning unless one already exists for the
	// delivery; created=false means the uniqueness constraint won.
	CreateEarning(ctx context.Context, e *models.Earning) (created bool, err error)
}

type Audit interface {
	AppendAudit(ctx context.Context, e *models.AuditLogEntry) error
}

// Store is the transactional persistence surface of the coordination core.
// WithinTx runs fn against a view whose mutations commit atomically; any
// error rolls everything back.
type Store interface {
	Deliveries
	Negotiations
	Wallets
	Earnings
	Audit
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// Locations holds last-known delivery coordinates. Kept outside Store because
// the snapshot sink may live in redis rather than the relational store.
type Locations interface {
	SaveLocation(ctx context.Context, snap models.LocationSnapshot) error
	LastLocation(ctx context.Context, deliveryID string) (*models.LocationSnapshot, error)
}
