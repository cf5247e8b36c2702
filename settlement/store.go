/*
store.go - Persistence interfaces for the settlement engine

PURPOSE:
  Defines what the engine needs from a backing store. Reads are plain
  queries. Writes exist only as SettlementProcedures: each call is ONE
  atomic unit that locks the pharmacy's orders, plans the change (plan.go),
  updates the paid accumulators and appends the ledger entries.

  Splitting "update orders" and "append ledger" into separate client calls
  is not allowed: a failure between them would desynchronize the audit
  trail from the balances.

IMPLEMENTATIONS:
  - settlement/store/memory.go: In-memory, mutex as the atomic boundary
  - store/sqlite/sqlite.go:     SQLite, one IMMEDIATE transaction
  - store/postgres/postgres.go: PostgreSQL stored functions

APPEND-ONLY CONTRACT:
  There is no method to update or delete a ledger entry.
*/
package settlement

import "context"

// OrderFilter selects orders. Empty fields match everything.
type OrderFilter struct {
	PharmacyID string
}

// OrderReader reads orders from the order-management boundary.
type OrderReader interface {
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
}

// PharmacyDirectory resolves pharmacy ids to directory entries.
type PharmacyDirectory interface {
	// GetPharmacy returns ErrPharmacyNotFound for an unknown id.
	GetPharmacy(ctx context.Context, id string) (Pharmacy, error)
	ListPharmacies(ctx context.Context) ([]Pharmacy, error)
}

// LedgerReader reads the append-only ledger.
type LedgerReader interface {
	// ListLedgerEntries returns entries newest first.
	ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error)
}

// ConfigStore is a generic key/value configuration table.
type ConfigStore interface {
	// GetConfig returns ok=false when the key is unset.
	GetConfig(ctx context.Context, key string) (value string, ok bool, err error)
	PutConfig(ctx context.Context, key, value string) error
}

// SettlementProcedures are the only write paths for commission state.
type SettlementProcedures interface {
	// ApplyPaymentByPeriod runs the period payment atomically.
	// Returns ErrProcedureMissing if the store cannot run it.
	ApplyPaymentByPeriod(ctx context.Context, cmd PaymentCommand) (PaymentOutcome, error)

	// ResetDebt writes off outstanding debt atomically.
	ResetDebt(ctx context.Context, cmd ResetCommand) (ResetOutcome, error)
}

// Store is everything the engine and the reporting views use.
type Store interface {
	OrderReader
	PharmacyDirectory
	LedgerReader
	ConfigStore
	SettlementProcedures
}
