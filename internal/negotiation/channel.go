// Package negotiation authorizes and persists chat traffic between the two
// parties of a price negotiation, and serializes offer supersession.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/agrilink/internal/models"
	"github.com/example/agrilink/internal/observability"
	"github.com/example/agrilink/internal/storage"
)

const (
	maxMessageLen      = 2000
	minMessageInterval = time.Second
)

var (
	ErrNotIdentified    = errors.New("negotiation: connection not identified")
	ErrIdentityMismatch = errors.New("negotiation: sender id does not match connection identity")
	ErrNotParticipant   = errors.New("negotiation: user is not a participant")
	ErrRateLimited      = errors.New("negotiation: rate limit exceeded")
	ErrInvalidAmount    = errors.New("negotiation: offer amount must be positive")
	ErrTerminal         = errors.New("negotiation: negotiation already closed")
)

// Realtime is the slice of the hub the channel needs: identity lookup, room
// membership, fan-out, and direct error replies.
type Realtime interface {
	UserFor(connID string) (string, bool)
	Join(connID, room string)
	Leave(connID, room string)
	Publish(room, event string, payload any)
	SendTo(connID, event string, payload any)
}

type Channel struct {
	rt     Realtime
	store  storage.Store
	logger *slog.Logger

	now func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time // senderID -> last accepted message
}

type Option func(*Channel)

func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

func New(rt Realtime, store storage.Store, logger *slog.Logger, opts ...Option) *Channel {
	c := &Channel{
		rt:       rt,
		store:    store,
		logger:   logger,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join subscribes the connection to the negotiation room after checking the
// resolved user is the buyer or the farmer. Failures go back to the caller
// as an error event, never as a transport-level error.
func (c *Channel) Join(ctx context.Context, connID, negotiationID string) error {
	_, neg, err := c.authorize(ctx, connID, negotiationID, "")
	if err != nil {
		c.reject(connID, err)
		return err
	}
	c.rt.Join(connID, models.NegotiationRoom(neg.ID))
	return nil
}

func (c *Channel) LeaveRoom(connID, negotiationID string) {
	c.rt.Leave(connID, models.NegotiationRoom(negotiationID))
}

// SendMessage persists a trimmed text message and broadcasts it to the
// negotiation room. Empty-after-trim bodies are dropped without an error.
func (c *Channel) SendMessage(ctx context.Context, connID, negotiationID, senderID, text string) error {
	userID, neg, err := c.authorize(ctx, connID, negotiationID, senderID)
	if err != nil {
		c.reject(connID, err)
		return err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if runes := []rune(text); len(runes) > maxMessageLen {
		text = string(runes[:maxMessageLen])
	}

	if err := c.checkRate(userID); err != nil {
		c.reject(connID, err)
		return err
	}

	now := c.now()
	msg := &models.NegotiationMessage{
		ID:            uuid.NewString(),
		NegotiationID: neg.ID,
		SenderID:      userID,
		Type:          models.MessageText,
		Body:          text,
		CreatedAt:     now,
	}
	err = c.store.WithinTx(ctx, func(tx storage.Store) error {
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		return tx.UpdateNegotiationLastMessage(ctx, neg.ID, text, now)
	})
	if err != nil {
		c.logger.Error("message persist failed", "negotiation", neg.ID, "error", err)
		c.reject(connID, err)
		return err
	}

	observability.NegotiationMessages.WithLabelValues(string(models.MessageText)).Inc()
	// The sender gets the broadcast too: clients render from the one
	// authoritative stream instead of echoing optimistically.
	c.rt.Publish(models.NegotiationRoom(neg.ID), models.EventNegotiationMessage, msg)
	return nil
}

// SendOffer atomically supersedes the currently-pending offer, inserts the
// new one as pending, and updates the negotiation's denormalized fields, all
// inside a single storage transaction.
func (c *Channel) SendOffer(ctx context.Context, connID, negotiationID, senderID string, amount float64) error {
	userID, neg, err := c.authorize(ctx, connID, negotiationID, senderID)
	if err != nil {
		c.reject(connID, err)
		return err
	}
	if amount <= 0 {
		c.reject(connID, ErrInvalidAmount)
		return ErrInvalidAmount
	}
	if neg.Status.Terminal() {
		c.reject(connID, ErrTerminal)
		return ErrTerminal
	}
	if err := c.checkRate(userID); err != nil {
		c.reject(connID, err)
		return err
	}

	now := c.now()
	msg := &models.NegotiationMessage{
		ID:            uuid.NewString(),
		NegotiationID: neg.ID,
		SenderID:      userID,
		Type:          models.MessageOffer,
		Amount:        amount,
		OfferStatus:   models.OfferPending,
		CreatedAt:     now,
	}
	summary := fmt.Sprintf("Offer: %.2f", amount)
	err = c.store.WithinTx(ctx, func(tx storage.Store) error {
		if _, err := tx.SupersedePendingOffers(ctx, neg.ID); err != nil {
			return err
		}
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		return tx.UpdateNegotiationOffer(ctx, neg.ID, amount, summary, now)
	})
	if err != nil {
		c.logger.Error("offer persist failed", "negotiation", neg.ID, "error", err)
		c.reject(connID, err)
		return err
	}

	observability.NegotiationMessages.WithLabelValues(string(models.MessageOffer)).Inc()
	c.rt.Publish(models.NegotiationRoom(neg.ID), models.EventNegotiationMessage, msg)
	return nil
}

// authorize resolves the connection's identity, checks it against the
// claimed sender id when one was supplied, and verifies participation.
func (c *Channel) authorize(ctx context.Context, connID, negotiationID, claimedSender string) (string, *models.Negotiation, error) {
	userID, ok := c.rt.UserFor(connID)
	if !ok {
		return "", nil, ErrNotIdentified
	}
	if claimedSender != "" && claimedSender != userID {
		return "", nil, ErrIdentityMismatch
	}
	neg, err := c.store.GetNegotiation(ctx, negotiationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil, ErrNotParticipant
		}
		return "", nil, err
	}
	if userID != neg.BuyerID && userID != neg.FarmerID {
		return "", nil, ErrNotParticipant
	}
	return userID, neg, nil
}

// checkRate enforces one accepted message per sender per second.
func (c *Channel) checkRate(senderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if last, ok := c.lastSent[senderID]; ok && now.Sub(last) < minMessageInterval {
		observability.NegotiationRejects.Inc()
		return ErrRateLimited
	}
	c.lastSent[senderID] = now
	return nil
}

func (c *Channel) reject(connID string, err error) {
	c.rt.SendTo(connID, models.EventError, models.ErrorEvent{Message: err.Error()})
}
