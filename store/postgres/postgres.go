/*
Package postgres provides a PostgreSQL-backed implementation of settlement.Store.

PURPOSE:
  Production store. The two settlement procedures are plpgsql functions
  (migrations/001_commission_ledger.sql) so that locking, allocation, the
  paid-amount update and the ledger insert all happen in one server-side
  statement:

    SELECT * FROM apply_commission_payment_by_period($1, ..., $8)
      FOR r IN SELECT ... FOR UPDATE      -- row locks, oldest first
        UPDATE orders ...
        INSERT INTO ledger_entries ...
    -- implicit transaction of the single statement

  The SQL functions mirror settlement.IsCompleted, EffectivePaid,
  EffectiveStatus and PeriodKey. Period keys are computed in the
  configured time zone (WithTimeZone).

MISSING DEPLOYMENT:
  If the functions were never migrated the server answers SQLSTATE 42883
  (undefined_function). That is mapped to settlement.ErrProcedureMissing.

SEE ALSO:
  - settlement/store.go: Interface definitions
  - store/sqlite:        Same contract with a Go-side planner
*/
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-ledger/settlement"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLSTATE codes the store reacts to.
const (
	codeUndefinedFunction = "42883"
	codeUndefinedTable    = "42P01"
	codeInvalidParameter  = "22023"
)

// Store implements settlement.Store using PostgreSQL.
type Store struct {
	db       *sql.DB
	timeZone string
}

var _ settlement.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTimeZone sets the IANA zone used to bucket orders into periods.
func WithTimeZone(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.timeZone = name
		}
	}
}

// Open connects with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return New(db, opts...)
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres store: nil db")
	}
	s := &Store{db: db, timeZone: defaultTimeZone()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func defaultTimeZone() string {
	name := time.Local.String()
	if name == "" || name == "Local" {
		return "UTC"
	}
	return name
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded migrations in file-name order. Every
// statement is idempotent so it is safe to run on each start.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

// =============================================================================
// DIRECTORY & ORDERS
// =============================================================================

// SavePharmacy inserts or updates a directory entry.
func (s *Store) SavePharmacy(ctx context.Context, p settlement.Pharmacy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pharmacies (id, name, commission_rate)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			commission_rate = EXCLUDED.commission_rate
	`, p.ID, p.Name, p.CommissionRate.String())
	if err != nil {
		return fmt.Errorf("failed to save pharmacy: %w", err)
	}
	return nil
}

func (s *Store) GetPharmacy(ctx context.Context, id string) (settlement.Pharmacy, error) {
	var p settlement.Pharmacy
	var rate string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, commission_rate::text FROM pharmacies WHERE id = $1`, id,
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
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, commission_rate::text FROM pharmacies ORDER BY id`)
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

// SaveOrder inserts or replaces an order. Order-management boundary only.
func (s *Store) SaveOrder(ctx context.Context, o settlement.Order) error {
	status := o.CommissionStatus
	if status == "" {
		status = settlement.StatusPending
	}
	var createdAt sql.NullTime
	if !o.CreatedAt.IsZero() {
		createdAt = sql.NullTime{Time: o.CreatedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
		(id, pharmacy_id, total, status, created_at, commission_amount, commission_paid_amount, commission_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			pharmacy_id = EXCLUDED.pharmacy_id,
			total = EXCLUDED.total,
			status = EXCLUDED.status,
			created_at = EXCLUDED.created_at,
			commission_amount = EXCLUDED.commission_amount,
			commission_paid_amount = EXCLUDED.commission_paid_amount,
			commission_status = EXCLUDED.commission_status
	`,
		o.ID,
		nullString(o.PharmacyID),
		o.Total.String(),
		o.Status,
		createdAt,
		o.CommissionAmount.String(),
		o.CommissionPaidAmount.String(),
		string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder returns one order.
func (s *Store) GetOrder(ctx context.Context, id string) (settlement.Order, error) {
	orders, err := s.queryOrders(ctx, `WHERE id = $1`, id)
	if err != nil {
		return settlement.Order{}, err
	}
	if len(orders) == 0 {
		return settlement.Order{}, fmt.Errorf("order %s: %w", id, sql.ErrNoRows)
	}
	return orders[0], nil
}

func (s *Store) ListOrders(ctx context.Context, filter settlement.OrderFilter) ([]settlement.Order, error) {
	if filter.PharmacyID != "" {
		return s.queryOrders(ctx, `WHERE pharmacy_id = $1`, filter.PharmacyID)
	}
	return s.queryOrders(ctx, ``)
}

func (s *Store) queryOrders(ctx context.Context, where string, args ...any) ([]settlement.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pharmacy_id, total::text, status, created_at,
		       commission_amount::text, commission_paid_amount::text, commission_status
		FROM orders `+where+` ORDER BY created_at NULLS FIRST, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []settlement.Order
	for rows.Next() {
		var o settlement.Order
		var pharmacyID sql.NullString
		var createdAt sql.NullTime
		var total, commission, paid, cst string
		if err := rows.Scan(&o.ID, &pharmacyID, &total, &o.Status, &createdAt, &commission, &paid, &cst); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.PharmacyID = pharmacyID.String
		o.Total = parseDecimal(total)
		if createdAt.Valid {
			o.CreatedAt = createdAt.Time
		}
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
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.PharmacyID != "" {
		conds = append(conds, "pharmacy_id = "+arg(filter.PharmacyID))
	}
	if filter.OrderID != "" {
		conds = append(conds, "order_id = "+arg(filter.OrderID))
	}
	if filter.Type != "" {
		conds = append(conds, "entry_type = "+arg(string(filter.Type)))
	}
	query := `
		SELECT seq, id::text, order_id, pharmacy_id, period_key, cycle, entry_type, note,
		       applied_amount::text, paid_before::text, paid_after::text, status_before, status_after,
		       created_by, created_at
		FROM ledger_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []settlement.LedgerEntry
	for rows.Next() {
		var (
			e                                    settlement.LedgerEntry
			orderID, pharmacyID, periodKey, note sql.NullString
			statusBefore, statusAfter            sql.NullString
			cycle, entryType                     string
			applied, paidBefore, paidAfter       string
		)
		err := rows.Scan(
			&e.Seq, &e.ID, &orderID, &pharmacyID, &periodKey, &cycle, &entryType, &note,
			&applied, &paidBefore, &paidAfter, &statusBefore, &statusAfter,
			&e.CreatedBy, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
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
		e.StatusBefore = settlement.ParseCommissionStatus(statusBefore.String)
		e.StatusAfter = settlement.ParseCommissionStatus(statusAfter.String)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// CONFIG
// =============================================================================

func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read config %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) PutConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_config (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write config %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// SETTLEMENT PROCEDURES
// =============================================================================

// ApplyPaymentByPeriod calls apply_commission_payment_by_period.
func (s *Store) ApplyPaymentByPeriod(ctx context.Context, cmd settlement.PaymentCommand) (settlement.PaymentOutcome, error) {
	var amount any
	if cmd.Amount != nil {
		amount = cmd.Amount.String()
	}
	var applied, remaining string
	var out settlement.PaymentOutcome
	err := s.db.QueryRowContext(ctx, `
		SELECT updated_count, applied_amount::text, remaining_amount::text
		FROM apply_commission_payment_by_period($1, $2, $3, $4::numeric, $5, $6, $7, $8)
	`,
		cmd.PharmacyID, cmd.PeriodKey, string(cmd.Cycle), amount,
		cmd.Actor, cmd.Note, s.timeZone, cmd.At,
	).Scan(&out.UpdatedCount, &applied, &remaining)
	if err != nil {
		return settlement.PaymentOutcome{}, mapError("apply_commission_payment_by_period", err)
	}
	out.Applied = parseDecimal(applied)
	out.Remaining = parseDecimal(remaining)
	return out, nil
}

// ResetDebt calls reset_commission_debt.
func (s *Store) ResetDebt(ctx context.Context, cmd settlement.ResetCommand) (settlement.ResetOutcome, error) {
	var writtenOff string
	var out settlement.ResetOutcome
	err := s.db.QueryRowContext(ctx, `
		SELECT updated_count, written_off::text
		FROM reset_commission_debt($1, $2, $3, $4, $5, $6)
	`,
		nullString(cmd.PharmacyID), string(cmd.Cycle), cmd.Actor, cmd.Note, s.timeZone, cmd.At,
	).Scan(&out.UpdatedCount, &writtenOff)
	if err != nil {
		return settlement.ResetOutcome{}, mapError("reset_commission_debt", err)
	}
	out.WrittenOff = parseDecimal(writtenOff)
	return out, nil
}

// mapError turns server errors into the engine's sentinels.
func mapError(fn string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUndefinedFunction, codeUndefinedTable:
			return fmt.Errorf("%s: %w: %s", fn, settlement.ErrProcedureMissing, pgErr.Message)
		case codeInvalidParameter:
			return fmt.Errorf("%s: %w: %s", fn, settlement.ErrInvalidInput, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", fn, err)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data. TRUNCATE does not fire the ledger's row triggers,
// so this is the only path that removes ledger rows. Callers are tests and
// the demo loader, which is mounted only in demo mode and requires the admin
// role. Never call it from settlement code.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`TRUNCATE ledger_entries, orders, pharmacies, app_config RESTART IDENTITY`)
	return err
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
