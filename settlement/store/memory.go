// Package store provides an in-memory settlement.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-ledger/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps orders, pharmacies, ledger and config in maps. A single
// mutex is the atomic boundary of both settlement procedures.
type Memory struct {
	mu         sync.RWMutex
	orders     map[string]settlement.Order
	pharmacies map[string]settlement.Pharmacy
	ledger     []settlement.LedgerEntry
	config     map[string]string
	seq        int64

	readErr     error
	noProcedure bool
}

var _ settlement.Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		orders:     make(map[string]settlement.Order),
		pharmacies: make(map[string]settlement.Pharmacy),
		config:     make(map[string]string),
	}
}

// =============================================================================
// SEEDING & TEST KNOBS
// =============================================================================

// SavePharmacy inserts or replaces a directory entry.
func (m *Memory) SavePharmacy(_ context.Context, p settlement.Pharmacy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pharmacies[p.ID] = p
	return nil
}

// SaveOrder inserts or replaces an order, as the order-management system would.
func (m *Memory) SaveOrder(_ context.Context, o settlement.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

// GetOrder returns one order by id.
func (m *Memory) GetOrder(_ context.Context, id string) (settlement.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	return o, ok
}

// SetReadError makes every read fail with err until cleared with nil.
func (m *Memory) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// SetProceduresDeployed toggles the settlement procedures. When false both
// procedures fail with settlement.ErrProcedureMissing.
func (m *Memory) SetProceduresDeployed(deployed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noProcedure = !deployed
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) ListOrders(_ context.Context, filter settlement.OrderFilter) ([]settlement.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return m.ordersLocked(filter.PharmacyID), nil
}

func (m *Memory) GetPharmacy(_ context.Context, id string) (settlement.Pharmacy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.readErr != nil {
		return settlement.Pharmacy{}, m.readErr
	}
	p, ok := m.pharmacies[id]
	if !ok {
		return settlement.Pharmacy{}, settlement.ErrPharmacyNotFound
	}
	return p, nil
}

func (m *Memory) ListPharmacies(_ context.Context) ([]settlement.Pharmacy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	result := make([]settlement.Pharmacy, 0, len(m.pharmacies))
	for _, p := range m.pharmacies {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListLedgerEntries returns matching entries newest first.
func (m *Memory) ListLedgerEntries(_ context.Context, filter settlement.LedgerFilter) ([]settlement.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	var result []settlement.LedgerEntry
	for i := len(m.ledger) - 1; i >= 0; i-- {
		e := m.ledger[i]
		if filter.PharmacyID != "" && e.PharmacyID != filter.PharmacyID {
			continue
		}
		if filter.OrderID != "" && e.OrderID != filter.OrderID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) GetConfig(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.readErr != nil {
		return "", false, m.readErr
	}
	v, ok := m.config[key]
	return v, ok, nil
}

func (m *Memory) PutConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}

// =============================================================================
// SETTLEMENT PROCEDURES
// =============================================================================

// ApplyPaymentByPeriod plans and commits a period payment under the lock.
func (m *Memory) ApplyPaymentByPeriod(ctx context.Context, cmd settlement.PaymentCommand) (settlement.PaymentOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.noProcedure {
		return settlement.PaymentOutcome{}, settlement.ErrProcedureMissing
	}
	if err := ctx.Err(); err != nil {
		return settlement.PaymentOutcome{}, err
	}

	plan := settlement.PlanPayment(m.ordersLocked(cmd.PharmacyID), cmd.PharmacyID, cmd.PeriodKey, cmd.Cycle, cmd.Amount)
	if len(plan.Allocations) == 0 {
		return settlement.PaymentOutcome{}, settlement.NothingOutstanding("period_key", cmd.PeriodKey)
	}
	entries := m.commitLocked(plan.Allocations, settlement.EntrySettlement, cmd.Cycle, cmd.Actor, cmd.Note, cmd.At)
	return settlement.PaymentOutcome{
		UpdatedCount: len(plan.Allocations),
		Applied:      plan.Applied,
		Remaining:    plan.Remaining,
		Entries:      entries,
	}, nil
}

// ResetDebt writes off outstanding debt under the lock.
func (m *Memory) ResetDebt(ctx context.Context, cmd settlement.ResetCommand) (settlement.ResetOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.noProcedure {
		return settlement.ResetOutcome{}, settlement.ErrProcedureMissing
	}
	if err := ctx.Err(); err != nil {
		return settlement.ResetOutcome{}, err
	}

	plan := settlement.PlanReset(m.ordersLocked(cmd.PharmacyID), cmd.PharmacyID, cmd.Cycle)
	if cmd.PharmacyID != "" && len(plan.Allocations) == 0 {
		return settlement.ResetOutcome{}, settlement.NothingOutstanding("pharmacy_id", cmd.PharmacyID)
	}
	entries := m.commitLocked(plan.Allocations, settlement.EntryReset, cmd.Cycle, cmd.Actor, cmd.Note, cmd.At)
	return settlement.ResetOutcome{
		UpdatedCount: len(plan.Allocations),
		WrittenOff:   plan.WrittenOff,
		Entries:      entries,
	}, nil
}

// commitLocked writes the new paid amounts and appends one entry per order.
func (m *Memory) commitLocked(allocs []settlement.Allocation, entryType settlement.EntryType, cycle settlement.Cycle, actor, note string, at time.Time) []settlement.LedgerEntry {
	entries := make([]settlement.LedgerEntry, 0, len(allocs))
	for _, a := range allocs {
		m.orders[a.Order.ID] = a.Apply()
		m.seq++
		e := a.Entry(entryType, cycle, actor, note, at)
		e.Seq = m.seq
		m.ledger = append(m.ledger, e)
		entries = append(entries, e)
	}
	return entries
}

func (m *Memory) ordersLocked(pharmacyID string) []settlement.Order {
	result := make([]settlement.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if pharmacyID != "" && o.PharmacyID != pharmacyID {
			continue
		}
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Outstanding is a test helper returning an order's outstanding commission.
func (m *Memory) Outstanding(id string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return settlement.Outstanding(m.orders[id])
}
