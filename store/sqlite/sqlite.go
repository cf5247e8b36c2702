/*
Package sqlite provides a SQLite-backed implementation of settlement.Store.

PURPOSE:
  Persists pharmacies, the commission view of orders, the append-only
  ledger and the key/value configuration table. Used for single-node
  deployments, the demo server and the API tests (":memory:").

ATOMIC PROCEDURES:
  ApplyPaymentByPeriod and ResetDebt each run inside ONE transaction opened
  with BEGIN IMMEDIATE (_txlock=immediate), so the write lock is taken
  before the orders are read:

    BEGIN IMMEDIATE
      SELECT orders of the pharmacy      -- snapshot under the write lock
      plan (settlement.PlanPayment)      -- pure, no I/O
      UPDATE orders.commission_paid_amount
      INSERT INTO ledger_entries          -- one row per order touched
    COMMIT

  A concurrent call waits for the lock and then plans against the committed
  amounts, so the same outstanding balance is never paid twice.

APPEND-ONLY ENFORCEMENT:
  ledger_entries carries BEFORE UPDATE / BEFORE DELETE triggers that abort.
  The store has no method that updates or deletes an entry.

KEY TABLES:
  pharmacies:      directory (id, name, commission rate)
  orders:          commission fields of marketplace orders
  ledger_entries:  audit ledger, seq = insertion order
  app_config:      key/value settings (settlement cycle)

STORAGE FORMATS:
  Amounts are decimal TEXT (never REAL). Timestamps are fixed-width UTC
  text so they sort lexically.

CONCURRENCY:
  One open connection plus sync.RWMutex. Every statement inside a
  transaction goes through the *sql.Tx.

SEE ALSO:
  - settlement/store.go: Interface definitions
  - store/postgres:      Same contract as PostgreSQL stored functions
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-ledger/settlement"
)

// timeLayout is fixed-width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements settlement.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ settlement.Store = (*Store)(nil)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would be a different database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pharmacies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		commission_rate TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		pharmacy_id TEXT,
		total TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT '',
		commission_amount TEXT NOT NULL DEFAULT '0',
		commission_paid_amount TEXT NOT NULL DEFAULT '0',
		commission_status TEXT NOT NULL DEFAULT 'PENDING'
	);

	CREATE INDEX IF NOT EXISTS idx_orders_pharmacy_created
		ON orders(pharmacy_id, created_at);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		order_id TEXT,
		pharmacy_id TEXT,
		period_key TEXT,
		cycle TEXT NOT NULL,
		entry_type TEXT NOT NULL CHECK (entry_type IN ('SETTLEMENT', 'RESET')),
		note TEXT,
		applied_amount TEXT NOT NULL,
		paid_before TEXT NOT NULL,
		paid_after TEXT NOT NULL,
		status_before TEXT,
		status_after TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_pharmacy
		ON ledger_entries(pharmacy_id, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_order
		ON ledger_entries(order_id, seq);

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_entries is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_entries is append-only');
	END;

	CREATE TABLE IF NOT EXISTS app_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// DIRECTORY & ORDERS
// =============================================================================

// SavePharmacy inserts or updates a directory entry.
func (s *Store) SavePharmacy(ctx context.Context, p settlement.Pharmacy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pharmacies (id, name, commission_rate, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			commission_rate = excluded.commission_rate
	`, p.ID, p.Name, p.CommissionRate.String(), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save pharmacy: %w", err)
	}
	return nil
}

func (s *Store) GetPharmacy(ctx context.Context, id string) (settlement.Pharmacy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p settlement.Pharmacy
	var rate string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, commission_rate FROM pharmacies WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &rate)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Pharmacy{}, settlement.ErrPharmacyNotFound
	}
	if err != nil {
		return settlement.Pharmacy{}, fmt.Errorf("failed to get pharmacy: %w", err)
	}
	p.CommissionRate = parseDecimal(rate)
	return p, nil
}

func (s *Store) ListPharmacies(ctx context.Context) ([]settlement.Pharmacy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, commission_rate FROM pharmacies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pharmacies: %w", err)
	}
	defer rows.Close()

	var result []settlement.Pharmacy
	for rows.Next() {
		var p settlement.Pharmacy
		var rate string
		if err := rows.Scan(&p.ID, &p.Name, &rate); err != nil {
			return nil, fmt.Errorf("failed to scan pharmacy: %w", err)
		}
		p.CommissionRate = parseDecimal(rate)
		result = append(result, p)
	}
	return result, rows.Err()
}

// SaveOrder inserts or replaces an order. This is the order-management
// boundary; settlement code never calls it.
func (s *Store) SaveOrder(ctx context.Context, o settlement.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := o.CommissionStatus
	if status == "" {
		status = settlement.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
		(id, pharmacy_id, total, status, created_at, commission_amount, commission_paid_amount, commission_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pharmacy_id = excluded.pharmacy_id,
			total = excluded.total,
			status = excluded.status,
			created_at = excluded.created_at,
			commission_amount = excluded.commission_amount,
			commission_paid_amount = excluded.commission_paid_amount,
			commission_status = excluded.commission_status
	`,
		o.ID,
		nullString(o.PharmacyID),
		o.Total.String(),
		o.Status,
		formatTime(o.CreatedAt),
		o.CommissionAmount.String(),
		o.CommissionPaidAmount.String(),
		string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// SaveOrderRaw stores an order whose created_at comes verbatim from an
// external system. Unparseable timestamps are kept and skipped on read.
func (s *Store) SaveOrderRaw(ctx context.Context, o settlement.Order, createdAt string) error {
	if err := s.SaveOrder(ctx, o); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE orders SET created_at = ? WHERE id = ?`, createdAt, o.ID)
	return err
}

// GetOrder returns one order.
func (s *Store) GetOrder(ctx context.Context, id string) (settlement.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders, err := queryOrders(ctx, s.db, `WHERE id = ?`, id)
	if err != nil {
		return settlement.Order{}, err
	}
	if len(orders) == 0 {
		return settlement.Order{}, fmt.Errorf("order %s: %w", id, sql.ErrNoRows)
	}
	return orders[0], nil
}

func (s *Store) ListOrders(ctx context.Context, filter settlement.OrderFilter) ([]settlement.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter.PharmacyID != "" {
		return queryOrders(ctx, s.db, `WHERE pharmacy_id = ?`, filter.PharmacyID)
	}
	return queryOrders(ctx, s.db, ``)
}

func queryOrders(ctx context.Context, q querier, where string, args ...any) ([]settlement.Order, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, pharmacy_id, total, status, created_at,
		       commission_amount, commission_paid_amount, commission_status
		FROM orders `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []settlement.Order
	for rows.Next() {
		var o settlement.Order
		var pharmacyID sql.NullString
		var total, createdAt, commission, paid, cst string
		if err := rows.Scan(&o.ID, &pharmacyID, &total, &o.Status, &createdAt, &commission, &paid, &cst); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.PharmacyID = pharmacyID.String
		o.Total = parseDecimal(total)
		o.CreatedAt, _ = settlement.ParseTimestamp(createdAt)
		o.CommissionAmount = parseDecimal(commission)
		o.CommissionPaidAmount = parseDecimal(paid)
		o.CommissionStatus = settlement.ParseCommissionStatus(cst)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// =============================================================================
// LEDGER (read side)
// =============================================================================

// ListLedgerEntries returns entries newest first.
func (s *Store) ListLedgerEntries(ctx context.Context, filter settlement.LedgerFilter) ([]settlement.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		conds []string
		args  []any
	)
	if filter.PharmacyID != "" {
		conds = append(conds, "pharmacy_id = ?")
		args = append(args, filter.PharmacyID)
	}
	if filter.OrderID != "" {
		conds = append(conds, "order_id = ?")
		args = append(args, filter.OrderID)
	}
	if filter.Type != "" {
		conds = append(conds, "entry_type = ?")
		args = append(args, string(filter.Type))
	}
	query := `
		SELECT seq, id, order_id, pharmacy_id, period_key, cycle, entry_type, note,
		       applied_amount, paid_before, paid_after, status_before, status_after,
		       created_by, created_at
		FROM ledger_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []settlement.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (settlement.LedgerEntry, error) {
	var (
		e                                    settlement.LedgerEntry
		orderID, pharmacyID, periodKey, note sql.NullString
		statusBefore, statusAfter            sql.NullString
		cycle, entryType, createdAt          string
		applied, paidBefore, paidAfter       string
	)
	err := rows.Scan(
		&e.Seq, &e.ID, &orderID, &pharmacyID, &periodKey, &cycle, &entryType, &note,
		&applied, &paidBefore, &paidAfter, &statusBefore, &statusAfter,
		&e.CreatedBy, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.OrderID = orderID.String
	e.PharmacyID = pharmacyID.String
	e.PeriodKey = periodKey.String
	e.Note = note.String
	e.Cycle = settlement.Cycle(cycle)
	e.Type = settlement.EntryType(entryType)
	e.AppliedAmount = parseDecimal(applied)
	e.PaidBefore = parseDecimal(paidBefore)
	e.PaidAfter = parseDecimal(paidAfter)
	e.StatusBefore = settlement.CommissionStatus(statusBefore.String)
	e.StatusAfter = settlement.CommissionStatus(statusAfter.String)
	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return e, nil
}

// =============================================================================
// CONFIGURATION
// =============================================================================

func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read config %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) PutConfig(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to write config %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// SETTLEMENT PROCEDURES
// =============================================================================

// ApplyPaymentByPeriod runs the period payment in one IMMEDIATE transaction.
func (s *Store) ApplyPaymentByPeriod(ctx context.Context, cmd settlement.PaymentCommand) (settlement.PaymentOutcome, error) {
	var out settlement.PaymentOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		orders, err := queryOrders(ctx, tx, `WHERE pharmacy_id = ?`, cmd.PharmacyID)
		if err != nil {
			return err
		}
		plan := settlement.PlanPayment(orders, cmd.PharmacyID, cmd.PeriodKey, cmd.Cycle, cmd.Amount)
		if len(plan.Allocations) == 0 {
			return settlement.NothingOutstanding("period_key", cmd.PeriodKey)
		}
		entries, err := commit(ctx, tx, plan.Allocations, settlement.EntrySettlement, cmd.Cycle, cmd.Actor, cmd.Note, cmd.At)
		if err != nil {
			return err
		}
		out = settlement.PaymentOutcome{
			UpdatedCount: len(plan.Allocations),
			Applied:      plan.Applied,
			Remaining:    plan.Remaining,
			Entries:      entries,
		}
		return nil
	})
	if err != nil {
		return settlement.PaymentOutcome{}, err
	}
	return out, nil
}

// ResetDebt writes off outstanding debt in one IMMEDIATE transaction.
func (s *Store) ResetDebt(ctx context.Context, cmd settlement.ResetCommand) (settlement.ResetOutcome, error) {
	var out settlement.ResetOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			orders []settlement.Order
			err    error
		)
		if cmd.PharmacyID != "" {
			orders, err = queryOrders(ctx, tx, `WHERE pharmacy_id = ?`, cmd.PharmacyID)
		} else {
			orders, err = queryOrders(ctx, tx, ``)
		}
		if err != nil {
			return err
		}
		plan := settlement.PlanReset(orders, cmd.PharmacyID, cmd.Cycle)
		if cmd.PharmacyID != "" && len(plan.Allocations) == 0 {
			return settlement.NothingOutstanding("pharmacy_id", cmd.PharmacyID)
		}
		entries, err := commit(ctx, tx, plan.Allocations, settlement.EntryReset, cmd.Cycle, cmd.Actor, cmd.Note, cmd.At)
		if err != nil {
			return err
		}
		out = settlement.ResetOutcome{
			UpdatedCount: len(plan.Allocations),
			WrittenOff:   plan.WrittenOff,
			Entries:      entries,
		}
		return nil
	})
	if err != nil {
		return settlement.ResetOutcome{}, err
	}
	return out, nil
}

// withTx executes fn within a database transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// commit writes the paid accumulators and the ledger rows of a plan.
func commit(ctx context.Context, tx *sql.Tx, allocs []settlement.Allocation, entryType settlement.EntryType, cycle settlement.Cycle, actor, note string, at time.Time) ([]settlement.LedgerEntry, error) {
	entries := make([]settlement.LedgerEntry, 0, len(allocs))
	for _, a := range allocs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET commission_paid_amount = ? WHERE id = ?`,
			a.PaidAfter.String(), a.Order.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to update order %s: %w", a.Order.ID, err)
		}

		e := a.Entry(entryType, cycle, actor, note, at)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(id, order_id, pharmacy_id, period_key, cycle, entry_type, note,
			 applied_amount, paid_before, paid_after, status_before, status_after,
			 created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID,
			nullString(e.OrderID),
			nullString(e.PharmacyID),
			nullString(e.PeriodKey),
			string(e.Cycle),
			string(e.Type),
			e.Note,
			e.AppliedAmount.String(),
			e.PaidBefore.String(),
			e.PaidAfter.String(),
			string(e.StatusBefore),
			string(e.StatusAfter),
			e.CreatedBy,
			formatTime(e.CreatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to append ledger entry: %w", err)
		}
		if e.Seq, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to read ledger seq: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data. It is the only path that removes ledger rows: the
// table is dropped and recreated with its append-only triggers, which reject
// DELETE. Callers are tests and the demo loader, which is mounted only in
// demo mode and requires the admin role. Never call it from settlement code.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS ledger_entries"); err != nil {
		return err
	}
	for _, table := range []string{"orders", "pharmacies", "app_config"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return s.migrate(ctx)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(value string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero
	}
	return d
}
