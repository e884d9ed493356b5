// Package wallet is the append-only money ledger: every balance change is an
// atomic pair of a balance mutation and a transaction record.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/agrilink/internal/models"
	"github.com/example/agrilink/internal/storage"
)

// ErrInsufficientBalance is returned by Debit when the wallet cannot cover
// the amount; the balance is left untouched.
var ErrInsufficientBalance = errors.New("wallet: insufficient balance")

// Notifier is the optional realtime surface for balance-change events.
type Notifier interface {
	Publish(room, event string, payload any)
}

type Ledger struct {
	store    storage.Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewLedger(store storage.Store, notifier Notifier, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, notifier: notifier, logger: logger, now: time.Now}
}

// Credit adds amount to the user's wallet. Non-positive amounts are a no-op.
func (l *Ledger) Credit(ctx context.Context, userID string, amount float64, description, orderID string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, nil
	}
	var txn *models.WalletTransaction
	err := l.store.WithinTx(ctx, func(tx storage.Store) error {
		var err error
		txn, err = l.CreditWithin(ctx, tx, userID, amount, description, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.notify(userID, "Wallet credited", description)
	return txn, nil
}

// CreditWithin performs the credit against an already-open transaction view.
// Settlement uses this so the earning insert and the wallet credit commit or
// roll back together.
func (l *Ledger) CreditWithin(ctx context.Context, tx storage.Store, userID string, amount float64, description, orderID string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, nil
	}
	if _, err := tx.EnsureWallet(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := tx.AdjustBalance(ctx, userID, amount); err != nil {
		return nil, err
	}
	txn := &models.WalletTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        models.TransactionCredit,
		Amount:      amount,
		Description: description,
		OrderID:     orderID,
		Status:      "COMPLETED",
		CreatedAt:   l.now(),
	}
	if err := tx.AppendTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// Debit removes amount from the user's wallet, failing with
// ErrInsufficientBalance when the balance cannot cover it.
func (l *Ledger) Debit(ctx context.Context, userID string, amount float64, description, orderID string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, nil
	}
	var txn *models.WalletTransaction
	err := l.store.WithinTx(ctx, func(tx storage.Store) error {
		w, err := tx.GetWallet(ctx, userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrInsufficientBalance
			}
			return err
		}
		if w.Balance < amount {
			return ErrInsufficientBalance
		}
		if _, err := tx.AdjustBalance(ctx, userID, -amount); err != nil {
			return err
		}
		txn = &models.WalletTransaction{
			ID:          uuid.NewString(),
			UserID:      userID,
			Type:        models.TransactionDebit,
			Amount:      amount,
			Description: description,
			OrderID:     orderID,
			Status:      "COMPLETED",
			CreatedAt:   l.now(),
		}
		return tx.AppendTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	l.notify(userID, "Wallet debited", description)
	return txn, nil
}

func (l *Ledger) notify(userID, title, message string) {
	if l.notifier == nil {
		return
	}
	l.notifier.Publish(models.UserRoom(userID), models.EventNotification, models.Notification{
		Title:     title,
		Message:   message,
		Type:      "wallet",
		Timestamp: l.now(),
	})
}
