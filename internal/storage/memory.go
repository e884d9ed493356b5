package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/agrilink/internal/models"
)

// Memory is the in-process Store. A single mutex is held for the whole of
// WithinTx, which serializes transactions the same way the postgres unique
// constraint does: two racing settlements cannot both pass the existence
// check. Rollback restores a pre-transaction snapshot of the state.
type Memory struct {
	mu sync.Mutex
	s  *memState
}

type memState struct {
	deliveries        map[string]models.Delivery
	transporterTotals map[string]float64
	negotiations      map[string]models.Negotiation
	messages          map[string][]models.NegotiationMessage
	wallets           map[string]models.Wallet
	transactions      []models.WalletTransaction
	earnings          map[string]models.Earning
	audit             []models.AuditLogEntry
	locations         map[string]models.LocationSnapshot
}

func NewMemory() *Memory {
	return &Memory{s: newMemState()}
}

func newMemState() *memState {
	return &memState{
		deliveries:        make(map[string]models.Delivery),
		transporterTotals: make(map[string]float64),
		negotiations:      make(map[string]models.Negotiation),
		messages:          make(map[string][]models.NegotiationMessage),
		wallets:           make(map[string]models.Wallet),
		earnings:          make(map[string]models.Earning),
		locations:         make(map[string]models.LocationSnapshot),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.deliveries {
		c.deliveries[k] = v
	}
	for k, v := range s.transporterTotals {
		c.transporterTotals[k] = v
	}
	for k, v := range s.negotiations {
		c.negotiations[k] = v
	}
	for k, v := range s.messages {
		c.messages[k] = append([]models.NegotiationMessage(nil), v...)
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	c.transactions = append([]models.WalletTransaction(nil), s.transactions...)
	for k, v := range s.earnings {
		c.earnings[k] = v
	}
	c.audit = append([]models.AuditLogEntry(nil), s.audit...)
	for k, v := range s.locations {
		c.locations[k] = v
	}
	return c
}

// WithinTx holds the store lock for the whole callback and rolls the state
// back to the entry snapshot if fn fails.
func (m *Memory) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.s.clone()
	if err := fn(&memTx{s: m.s}); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// memTx is the in-transaction view; the parent already holds the lock.
type memTx struct{ s *memState }

func (t *memTx) WithinTx(ctx context.Context, fn func(tx Store) error) error { return fn(t) }

func (m *Memory) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.getDelivery(id)
}

func (t *memTx) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	return t.s.getDelivery(id)
}

func (s *memState) getDelivery(id string) (*models.Delivery, error) {
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *Memory) UpdateDeliveryStatus(ctx context.Context, id string, status models.DeliveryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.updateDeliveryStatus(id, status)
}

func (t *memTx) UpdateDeliveryStatus(ctx context.Context, id string, status models.DeliveryStatus) error {
	return t.s.updateDeliveryStatus(id, status)
}

func (s *memState) updateDeliveryStatus(id string, status models.DeliveryStatus) error {
	d, ok := s.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	if status == models.StatusCompleted && d.DeliveryTime == nil {
		now := time.Now()
		d.DeliveryTime = &now
	}
	s.deliveries[id] = d
	return nil
}

func (m *Memory) UpdateDeliveryDistance(ctx context.Context, id string, distanceKm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.updateDeliveryDistance(id, distanceKm)
}

func (t *memTx) UpdateDeliveryDistance(ctx context.Context, id string, distanceKm float64) error {
	return t.s.updateDeliveryDistance(id, distanceKm)
}

func (s *memState) updateDeliveryDistance(id string, distanceKm float64) error {
	d, ok := s.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.DistanceKm = distanceKm
	s.deliveries[id] = d
	return nil
}

func (m *Memory) AddTransporterEarnings(ctx context.Context, transporterID string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.addTransporterEarnings(transporterID, amount)
}

func (t *memTx) AddTransporterEarnings(ctx context.Context, transporterID string, amount float64) error {
	return t.s.addTransporterEarnings(transporterID, amount)
}

func (s *memState) addTransporterEarnings(transporterID string, amount float64) error {
	s.transporterTotals[transporterID] += amount
	return nil
}

func (m *Memory) GetNegotiation(ctx context.Context, id string) (*models.Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.getNegotiation(id)
}

func (t *memTx) GetNegotiation(ctx context.Context, id string) (*models.Negotiation, error) {
	return t.s.getNegotiation(id)
}

func (s *memState) getNegotiation(id string) (*models.Negotiation, error) {
	n, ok := s.negotiations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (m *Memory) CreateMessage(ctx context.Context, msg *models.NegotiationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.createMessage(msg)
}

func (t *memTx) CreateMessage(ctx context.Context, msg *models.NegotiationMessage) error {
	return t.s.createMessage(msg)
}

func (s *memState) createMessage(msg *models.NegotiationMessage) error {
	s.messages[msg.NegotiationID] = append(s.messages[msg.NegotiationID], *msg)
	return nil
}

func (m *Memory) SupersedePendingOffers(ctx context.Context, negotiationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.supersedePendingOffers(negotiationID)
}

func (t *memTx) SupersedePendingOffers(ctx context.Context, negotiationID string) (int, error) {
	return t.s.supersedePendingOffers(negotiationID)
}

func (s *memState) supersedePendingOffers(negotiationID string) (int, error) {
	msgs := s.messages[negotiationID]
	n := 0
	for i := range msgs {
		if msgs[i].Type == models.MessageOffer && msgs[i].OfferStatus == models.OfferPending {
			msgs[i].OfferStatus = models.OfferSuperseded
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdateNegotiationOffer(ctx context.Context, negotiationID string, amount float64, lastMessage string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.updateNegotiationOffer(negotiationID, amount, lastMessage, at)
}

func (t *memTx) UpdateNegotiationOffer(ctx context.Context, negotiationID string, amount float64, lastMessage string, at time.Time) error {
	return t.s.updateNegotiationOffer(negotiationID, amount, lastMessage, at)
}

func (s *memState) updateNegotiationOffer(negotiationID string, amount float64, lastMessage string, at time.Time) error {
	n, ok := s.negotiations[negotiationID]
	if !ok {
		return ErrNotFound
	}
	n.CurrentOffer = amount
	n.LastMessage = lastMessage
	n.LastMessageAt = at
	s.negotiations[negotiationID] = n
	return nil
}

func (m *Memory) UpdateNegotiationLastMessage(ctx context.Context, negotiationID, lastMessage string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.updateNegotiationLastMessage(negotiationID, lastMessage, at)
}

func (t *memTx) UpdateNegotiationLastMessage(ctx context.Context, negotiationID, lastMessage string, at time.Time) error {
	return t.s.updateNegotiationLastMessage(negotiationID, lastMessage, at)
}

func (s *memState) updateNegotiationLastMessage(negotiationID, lastMessage string, at time.Time) error {
	n, ok := s.negotiations[negotiationID]
	if !ok {
		return ErrNotFound
	}
	n.LastMessage = lastMessage
	n.LastMessageAt = at
	s.negotiations[negotiationID] = n
	return nil
}

func (m *Memory) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.getWallet(userID)
}

func (t *memTx) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	return t.s.getWallet(userID)
}

func (s *memState) getWallet(userID string) (*models.Wallet, error) {
	w, ok := s.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *Memory) EnsureWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ensureWallet(userID)
}

func (t *memTx) EnsureWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	return t.s.ensureWallet(userID)
}

func (s *memState) ensureWallet(userID string) (*models.Wallet, error) {
	if w, ok := s.wallets[userID]; ok {
		return &w, nil
	}
	w := models.Wallet{UserID: userID}
	s.wallets[userID] = w
	return &w, nil
}

func (m *Memory) AdjustBalance(ctx context.Context, userID string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.adjustBalance(userID, delta)
}

func (t *memTx) AdjustBalance(ctx context.Context, userID string, delta float64) (float64, error) {
	return t.s.adjustBalance(userID, delta)
}

func (s *memState) adjustBalance(userID string, delta float64) (float64, error) {
	w, ok := s.wallets[userID]
	if !ok {
		return 0, ErrNotFound
	}
	w.Balance += delta
	s.wallets[userID] = w
	return w.Balance, nil
}

func (m *Memory) AppendTransaction(ctx context.Context, txn *models.WalletTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.appendTransaction(txn)
}

func (t *memTx) AppendTransaction(ctx context.Context, txn *models.WalletTransaction) error {
	return t.s.appendTransaction(txn)
}

func (s *memState) appendTransaction(txn *models.WalletTransaction) error {
	s.transactions = append(s.transactions, *txn)
	return nil
}

func (m *Memory) EarningForDelivery(ctx context.Context, deliveryID string) (*models.Earning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.earningForDelivery(deliveryID)
}

func (t *memTx) EarningForDelivery(ctx context.Context, deliveryID string) (*models.Earning, error) {
	return t.s.earningForDelivery(deliveryID)
}

func (s *memState) earningForDelivery(deliveryID string) (*models.Earning, error) {
	e, ok := s.earnings[deliveryID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *Memory) CreateEarning(ctx context.Context, e *models.Earning) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.createEarning(e)
}

func (t *memTx) CreateEarning(ctx context.Context, e *models.Earning) (bool, error) {
	return t.s.createEarning(e)
}

func (s *memState) createEarning(e *models.Earning) (bool, error) {
	if _, ok := s.earnings[e.DeliveryID]; ok {
		return false, nil
	}
	s.earnings[e.DeliveryID] = *e
	return true, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.appendAudit(e)
}

func (t *memTx) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	return t.s.appendAudit(e)
}

func (s *memState) appendAudit(e *models.AuditLogEntry) error {
	s.audit = append(s.audit, *e)
	return nil
}

// SaveLocation keeps the per-delivery snapshot timestamp monotonically
// non-decreasing; stale reports are dropped.
func (m *Memory) SaveLocation(ctx context.Context, snap models.LocationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.s.locations[snap.DeliveryID]; ok && snap.Timestamp.Before(prev.Timestamp) {
		return nil
	}
	m.s.locations[snap.DeliveryID] = snap
	return nil
}

func (m *Memory) LastLocation(ctx context.Context, deliveryID string) (*models.LocationSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.s.locations[deliveryID]
	if !ok {
		return nil, ErrNotFound
	}
	return &snap, nil
}

// Seeding and inspection helpers for tests and local fixtures.

func (m *Memory) PutDelivery(d models.Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.deliveries[d.ID] = d
}

func (m *Memory) PutNegotiation(n models.Negotiation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.negotiations[n.ID] = n
}

func (m *Memory) PutWallet(w models.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.wallets[w.UserID] = w
}

func (m *Memory) Messages(negotiationID string) []models.NegotiationMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.NegotiationMessage(nil), m.s.messages[negotiationID]...)
}

func (m *Memory) Transactions() []models.WalletTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.WalletTransaction(nil), m.s.transactions...)
}

func (m *Memory) AuditEntries(deliveryID string) []models.AuditLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLogEntry
	for _, e := range m.s.audit {
		if e.DeliveryID == deliveryID {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) TransporterTotal(transporterID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.transporterTotals[transporterID]
}
