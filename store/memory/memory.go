// Package memory provides an in-memory TxStore implementation
// (for testing/dev).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu     sync.RWMutex
	lots   map[points.LotID]*points.Lot
	events []points.LedgerEvent
	policy *points.Policy
}

func New() *Store {
	return &Store{
		lots: make(map[points.LotID]*points.Lot),
	}
}

// =============================================================================
// LOT STORE
// =============================================================================

func (m *Store) CreateLot(ctx context.Context, lot *points.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLotLocked(lot)
}

func (m *Store) createLotLocked(lot *points.Lot) error {
	if lot.ID == "" {
		return fmt.Errorf("%w: lot has no ID", points.ErrInvalidRequest)
	}
	if _, exists := m.lots[lot.ID]; exists {
		return fmt.Errorf("%w: lot %s already exists", points.ErrInvalidState, lot.ID)
	}
	m.lots[lot.ID] = lot.Clone()
	return nil
}

func (m *Store) SaveLot(ctx context.Context, lot *points.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLotLocked(lot)
}

func (m *Store) saveLotLocked(lot *points.Lot) error {
	if _, exists := m.lots[lot.ID]; !exists {
		return fmt.Errorf("%w: lot %s", points.ErrNotFound, lot.ID)
	}
	m.lots[lot.ID] = lot.Clone()
	return nil
}

func (m *Store) SaveLots(ctx context.Context, lots []*points.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lot := range lots {
		if err := m.saveLotLocked(lot); err != nil {
			return err
		}
	}
	return nil
}

func (m *Store) FindLot(ctx context.Context, id points.LotID) (*points.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLotLocked(id), nil
}

func (m *Store) findLotLocked(id points.LotID) *points.Lot {
	lot, ok := m.lots[id]
	if !ok {
		return nil
	}
	return lot.Clone()
}

func (m *Store) ActiveLotsByUser(ctx context.Context, userID points.UserID) ([]*points.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLotsLocked(userID), nil
}

func (m *Store) activeLotsLocked(userID points.UserID) []*points.Lot {
	var out []*points.Lot
	for _, lot := range m.lots {
		if lot.UserID == userID && lot.Status == points.LotActive {
			out = append(out, lot.Clone())
		}
	}
	// Ordering contract: kind asc, expiry asc, lot ID asc.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Store) LotsByUser(ctx context.Context, userID points.UserID) ([]*points.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lotsByUserLocked(userID), nil
}

func (m *Store) lotsByUserLocked(userID points.UserID) []*points.Lot {
	var out []*points.Lot
	for _, lot := range m.lots {
		if lot.UserID == userID {
			out = append(out, lot.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// EVENT STORE - Append-only
// =============================================================================

func (m *Store) AppendEvent(ctx context.Context, event points.LedgerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Store) AppendEvents(ctx context.Context, events []points.LedgerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *Store) EventsByOrder(ctx context.Context, userID points.UserID, orderRef string, kind points.EventKind) ([]points.LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventsByOrderLocked(userID, orderRef, kind), nil
}

func (m *Store) eventsByOrderLocked(userID points.UserID, orderRef string, kind points.EventKind) []points.LedgerEvent {
	var out []points.LedgerEvent
	for _, ev := range m.events {
		if ev.UserID == userID && ev.OrderRef == orderRef && ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (m *Store) EventsByUser(ctx context.Context, userID points.UserID) ([]points.LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventsByUserLocked(userID), nil
}

func (m *Store) eventsByUserLocked(userID points.UserID) []points.LedgerEvent {
	var out []points.LedgerEvent
	for _, ev := range m.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out
}

// =============================================================================
// POLICY STORE
// =============================================================================

func (m *Store) CurrentPolicy(ctx context.Context) (*points.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentPolicyLocked(), nil
}

func (m *Store) currentPolicyLocked() *points.Policy {
	if m.policy == nil {
		return nil
	}
	p := *m.policy
	return &p
}

func (m *Store) SavePolicy(ctx context.Context, policy *points.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savePolicyLocked(policy)
}

func (m *Store) savePolicyLocked(policy *points.Policy) error {
	var current int64
	if m.policy != nil {
		current = m.policy.Version
	}
	if policy.Version != current {
		return fmt.Errorf("%w: expected version %d, got %d",
			points.ErrVersionConflict, current, policy.Version)
	}
	p := *policy
	p.Version = current + 1
	m.policy = &p
	policy.Version = p.Version
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a unit of work, simulated with a snapshot and
// rollback on error.
func (m *Store) WithTx(ctx context.Context, fn func(points.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	view := &txView{parent: m}
	if err := fn(view); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	lots   map[points.LotID]*points.Lot
	events []points.LedgerEvent
	policy *points.Policy
}

func (m *Store) snapshot() memorySnapshot {
	lots := make(map[points.LotID]*points.Lot, len(m.lots))
	for id, lot := range m.lots {
		lots[id] = lot.Clone()
	}
	events := append([]points.LedgerEvent{}, m.events...)
	return memorySnapshot{lots: lots, events: events, policy: m.currentPolicyLocked()}
}

func (m *Store) restore(s memorySnapshot) {
	m.lots = s.lots
	m.events = s.events
	m.policy = s.policy
}

// txView operates on the parent while the parent's lock is held.
type txView struct {
	parent *Store
}

func (tv *txView) CreateLot(ctx context.Context, lot *points.Lot) error {
	return tv.parent.createLotLocked(lot)
}

func (tv *txView) SaveLot(ctx context.Context, lot *points.Lot) error {
	return tv.parent.saveLotLocked(lot)
}

func (tv *txView) SaveLots(ctx context.Context, lots []*points.Lot) error {
	for _, lot := range lots {
		if err := tv.parent.saveLotLocked(lot); err != nil {
			return err
		}
	}
	return nil
}

func (tv *txView) FindLot(ctx context.Context, id points.LotID) (*points.Lot, error) {
	return tv.parent.findLotLocked(id), nil
}

func (tv *txView) ActiveLotsByUser(ctx context.Context, userID points.UserID) ([]*points.Lot, error) {
	return tv.parent.activeLotsLocked(userID), nil
}

func (tv *txView) LotsByUser(ctx context.Context, userID points.UserID) ([]*points.Lot, error) {
	return tv.parent.lotsByUserLocked(userID), nil
}

func (tv *txView) AppendEvent(ctx context.Context, event points.LedgerEvent) error {
	tv.parent.events = append(tv.parent.events, event)
	return nil
}

func (tv *txView) AppendEvents(ctx context.Context, events []points.LedgerEvent) error {
	tv.parent.events = append(tv.parent.events, events...)
	return nil
}

func (tv *txView) EventsByOrder(ctx context.Context, userID points.UserID, orderRef string, kind points.EventKind) ([]points.LedgerEvent, error) {
	return tv.parent.eventsByOrderLocked(userID, orderRef, kind), nil
}

func (tv *txView) EventsByUser(ctx context.Context, userID points.UserID) ([]points.LedgerEvent, error) {
	return tv.parent.eventsByUserLocked(userID), nil
}

func (tv *txView) CurrentPolicy(ctx context.Context) (*points.Policy, error) {
	return tv.parent.currentPolicyLocked(), nil
}

func (tv *txView) SavePolicy(ctx context.Context, policy *points.Policy) error {
	return tv.parent.savePolicyLocked(policy)
}

var (
	_ points.TxStore = (*Store)(nil)
	_ points.Store   = (*txView)(nil)
)
