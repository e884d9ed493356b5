package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DeliveryStatus enumerates the delivery lifecycle. Settlement only fires for
// StatusCompleted; everything else is a precondition failure.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "PENDING"
	StatusAssigned  DeliveryStatus = "ASSIGNED"
	StatusPickedUp  DeliveryStatus = "PICKED_UP"
	StatusInTransit DeliveryStatus = "IN_TRANSIT"
	StatusCompleted DeliveryStatus = "COMPLETED"
	StatusCancelled DeliveryStatus = "CANCELLED"
)

type Delivery struct {
	ID            string         `json:"id"`
	OrderID       string         `json:"order_id"`
	TransporterID string         `json:"transporter_id"`
	Status        DeliveryStatus `json:"status"`
	VehicleType   string         `json:"vehicle_type"`
	Pickup        Coord          `json:"pickup"`
	Dropoff       Coord          `json:"dropoff"`
	DistanceKm    float64        `json:"distance_km"`
	RatePerKm     float64        `json:"rate_per_km"`
	// TotalCost is the precomputed cost if the pricing flow already ran;
	// nil means settlement derives it from distance and rate.
	TotalCost       *float64   `json:"total_cost,omitempty"`
	SurgeMultiplier float64    `json:"surge_multiplier"`
	Tip             float64    `json:"tip"`
	PickupTime      *time.Time `json:"pickup_time,omitempty"`
	DeliveryTime    *time.Time `json:"delivery_time,omitempty"`
}

// LocationSnapshot is the last-known transporter coordinate for a delivery.
type LocationSnapshot struct {
	DeliveryID string    `json:"delivery_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Timestamp  time.Time `json:"timestamp"`
}

type NegotiationStatus string

const (
	NegotiationOpen     NegotiationStatus = "OPEN"
	NegotiationAccepted NegotiationStatus = "ACCEPTED"
	NegotiationRejected NegotiationStatus = "REJECTED"
)

// Terminal reports whether the negotiation can no longer take offers.
func (s NegotiationStatus) Terminal() bool {
	return s == NegotiationAccepted || s == NegotiationRejected
}

type Negotiation struct {
	ID            string            `json:"id"`
	BuyerID       string            `json:"buyer_id"`
	FarmerID      string            `json:"farmer_id"`
	Status        NegotiationStatus `json:"status"`
	CurrentOffer  float64           `json:"current_offer"`
	LastMessage   string            `json:"last_message"`
	LastMessageAt time.Time         `json:"last_message_at"`
}

type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageOffer MessageType = "OFFER"
)

type OfferStatus string

const (
	OfferPending    OfferStatus = "pending"
	OfferSuperseded OfferStatus = "superseded"
	OfferAccepted   OfferStatus = "accepted"
	OfferRejected   OfferStatus = "rejected"
)

// NegotiationMessage is immutable once created, except for the offer status
// flip from pending to superseded/accepted/rejected.
type NegotiationMessage struct {
	ID            string      `json:"id"`
	NegotiationID string      `json:"negotiation_id"`
	SenderID      string      `json:"sender_id"`
	Type          MessageType `json:"type"`
	Body          string      `json:"body,omitempty"`
	Amount        float64     `json:"amount,omitempty"`
	OfferStatus   OfferStatus `json:"offer_status,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

type Wallet struct {
	UserID  string  `json:"user_id"`
	Balance float64 `json:"balance"`
}

type TransactionType string

const (
	TransactionCredit TransactionType = "CREDIT"
	TransactionDebit  TransactionType = "DEBIT"
)

type WalletTransaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Type        TransactionType `json:"type"`
	Amount      float64         `json:"amount"`
	Description string          `json:"description"`
	OrderID     string          `json:"order_id,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Earning is created exactly once per delivery; DeliveryID carries the
// uniqueness constraint that backs settlement idempotency.
type Earning struct {
	ID              string    `json:"id"`
	DeliveryID      string    `json:"delivery_id"`
	TransporterID   string    `json:"transporter_id"`
	BaseAmount      float64   `json:"base_amount"`
	SurgeAmount     float64   `json:"surge_amount"`
	TimeAmount      float64   `json:"time_amount"`
	TipAmount       float64   `json:"tip_amount"`
	FinalAmount     float64   `json:"final_amount"`
	SurgeMultiplier float64   `json:"surge_multiplier"`
	DurationMinutes *int      `json:"duration_minutes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type AuditOutcome string

const (
	AuditSuccess        AuditOutcome = "SUCCESS"
	AuditDuplicate      AuditOutcome = "DUPLICATE"
	AuditFailed         AuditOutcome = "FAILED"
	AuditRetryScheduled AuditOutcome = "RETRY_SCHEDULED"
)

type AuditLogEntry struct {
	ID            string       `json:"id"`
	DeliveryID    string       `json:"delivery_id"`
	TransporterID string       `json:"transporter_id,omitempty"`
	Outcome       AuditOutcome `json:"outcome"`
	Attempt       int          `json:"attempt"`
	Detail        string       `json:"detail,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}
