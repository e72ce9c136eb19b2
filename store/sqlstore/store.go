/*
Package sqlstore provides a SQL-backed implementation of commission.Store.

PURPOSE:
  Implements every persistence interface of the engine on database/sql.
  SQLite (mattn/go-sqlite3) is the default for single-node deployments and
  tests; PostgreSQL (lib/pq) is used in production. Queries are written once
  with "?" placeholders and rebound for PostgreSQL.

KEY TABLES:
  affiliates:       Affiliate registry (never deleted)
  promo_links:      Codes / tracking links with usage counters
  ledger_entries:   Immutable commission ledger (no UPDATE, no DELETE)
  settlements:      Payout records with monotonic status
  clicks:           Referral visits for conversion reporting
  settlement_runs:  Batch run history

CONCURRENCY GUARANTEES (enforced by the database, not by Go code):
  - idx_ledger_commission_order: one commission entry per order
  - ledger_entries.idempotency_key UNIQUE: corrections are idempotent
  - idx_settlements_live: one non-failed settlement per (affiliate, period)
  - ReserveUsage: UPDATE ... WHERE usage_limit IS NULL OR usage_count < usage_limit
  - TransitionSettlement: UPDATE ... WHERE status = expected

TIMESTAMPS:
  Stored as fixed-width UTC TEXT so lexical order equals time order and
  period range filters work the same on both databases.

USAGE:
  store, err := sqlstore.Open("sqlite3", "./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - commission/store.go: Interface definitions
  - commission/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// timeLayout is fixed-width so TEXT comparison matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements commission.Store on a SQL database.
type Store struct {
	db     *sql.DB
	driver string
	mu     sync.RWMutex
}

var _ commission.Store = (*Store)(nil)

// Open connects to the database and migrates the schema.
// For SQLite, dsn is a file path or ":memory:".
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		return openSQLite(dsn)
	case DriverPostgres:
		return openPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLite opens a SQLite store. Use ":memory:" for an in-memory database.
func NewSQLite(path string) (*Store, error) {
	return openSQLite(path)
}

func openSQLite(path string) (*Store, error) {
	db, err := sql.Open(DriverSQLite, path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)
	return initStore(db, DriverSQLite)
}

func openPostgres(dsn string) (*Store, error) {
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return initStore(db, DriverPostgres)
}

func initStore(db *sql.DB, driver string) (*Store, error) {
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// migrate creates the database schema. Column types are chosen to be valid
// on both SQLite and PostgreSQL.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS affiliates (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		website TEXT NOT NULL DEFAULT '',
		payout_method TEXT NOT NULL,
		payout_details_json TEXT NOT NULL DEFAULT '{}',
		notify_settlement INTEGER NOT NULL DEFAULT 1,
		notify_monthly INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_affiliates_status
		ON affiliates(status);

	CREATE TABLE IF NOT EXISTS promo_links (
		id TEXT PRIMARY KEY,
		affiliate_id TEXT NOT NULL REFERENCES affiliates(id),
		code TEXT NOT NULL UNIQUE,
		landing_url TEXT NOT NULL DEFAULT '',
		discount_type TEXT NOT NULL DEFAULT 'none',
		discount_value TEXT NOT NULL DEFAULT '0',
		commission_rate TEXT NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		usage_limit INTEGER,
		expires_at TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (usage_limit IS NULL OR usage_count <= usage_limit)
	);

	CREATE INDEX IF NOT EXISTS idx_promo_links_affiliate
		ON promo_links(affiliate_id);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		affiliate_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		promo_link_id TEXT NOT NULL DEFAULT '',
		entry_type TEXT NOT NULL,
		order_amount TEXT NOT NULL,
		rate TEXT NOT NULL,
		commission TEXT NOT NULL,
		currency TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: an order generates commission for at most one affiliate
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_commission_order
		ON ledger_entries(order_id) WHERE entry_type = 'commission';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_affiliate_order
		ON ledger_entries(affiliate_id, order_id) WHERE entry_type = 'commission';

	CREATE INDEX IF NOT EXISTS idx_ledger_affiliate_created
		ON ledger_entries(affiliate_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_promo_link
		ON ledger_entries(promo_link_id);

	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		affiliate_id TEXT NOT NULL,
		period TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		payout_method TEXT NOT NULL,
		payout_details_json TEXT NOT NULL DEFAULT '{}',
		payout_reference TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		retry_of TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		processing_at TEXT,
		processed_at TEXT,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one live settlement per affiliate and period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_live
		ON settlements(affiliate_id, period) WHERE status <> 'failed';

	CREATE INDEX IF NOT EXISTS idx_settlements_affiliate
		ON settlements(affiliate_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_settlements_status
		ON settlements(status);

	CREATE TABLE IF NOT EXISTS clicks (
		id TEXT PRIMARY KEY,
		affiliate_id TEXT NOT NULL,
		link_code TEXT NOT NULL DEFAULT '',
		visitor_id TEXT NOT NULL DEFAULT '',
		ip_hash TEXT NOT NULL DEFAULT '',
		user_agent_hash TEXT NOT NULL DEFAULT '',
		referrer TEXT NOT NULL DEFAULT '',
		utm_source TEXT NOT NULL DEFAULT '',
		utm_medium TEXT NOT NULL DEFAULT '',
		utm_campaign TEXT NOT NULL DEFAULT '',
		utm_term TEXT NOT NULL DEFAULT '',
		utm_content TEXT NOT NULL DEFAULT '',
		clicked_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_clicks_affiliate_time
		ON clicks(affiliate_id, clicked_at);
	CREATE INDEX IF NOT EXISTS idx_clicks_link_code
		ON clicks(link_code);

	CREATE TABLE IF NOT EXISTS settlement_runs (
		id TEXT PRIMARY KEY,
		period TEXT NOT NULL,
		run_trigger TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		total_amount TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_settlement_runs_period
		ON settlement_runs(period, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// rebind converts "?" placeholders to "$n" for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// where accumulates AND-ed conditions.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) addPeriod(column string, p *commission.Period) {
	if p == nil {
		return
	}
	w.add(column+" >= ? AND "+column+" < ?", formatTime(p.Start()), formatTime(p.End()))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// =============================================================================
// VALUE CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation recognizes unique-constraint failures from both drivers.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
