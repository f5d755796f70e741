/*
Package sqldb provides a database/sql implementation of accrual.Store.

PURPOSE:
  One Store type serves both SQLite (mattn/go-sqlite3, the default) and
  PostgreSQL (jackc/pgx/v5 stdlib driver). Queries are written with "?"
  placeholders and rebound to "$n" for PostgreSQL.

KEY TABLES:
  po_lines:              unique (po_number, line_number)
  grn_transactions:      unique (po_line_id, document_number), seq orders ties
  period_calculations:   primary key (po_line_id, processing_month)
  activity_assignments:  one active row per (po_line_id, assignee_id)
  business_responses:    one per assignment
  approval_submissions:  one Pending row per (po_line_id, processing_month)
  approval_rules, approvers, nonpo_*, audit_log

UNIQUENESS:
  Partial unique indexes carry the workflow invariants. Inserts that may
  collide use ON CONFLICT DO NOTHING and inspect RowsAffected, so a
  PostgreSQL transaction is never aborted by an expected duplicate.

STORAGE FORMATS:
  Timestamps: TEXT, RFC3339 with nanoseconds, UTC
  Dates:      TEXT, YYYY-MM-DD
  Amounts:    TEXT, decimal string
  Booleans:   INTEGER 0/1
  Lists:      TEXT, JSON

USAGE:
  st, err := sqldb.New(sqldb.DriverSQLite, "./data/accrual.db")
  st, err := sqldb.New(sqldb.DriverPostgres, "postgres://...")
  defer st.Close()

SEE ALSO:
  - accrual/store.go: interface definitions
  - accrual/store/memory.go: in-memory implementation for tests
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/accrual-engine/accrual"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// ErrDuplicateKey is returned when an insert hits a unique key that the
// caller did not expect to collide.
var ErrDuplicateKey = errors.New("duplicate key")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements accrual.Store. A Store returned to a WithTx callback is
// bound to that transaction.
type Store struct {
	db     *sql.DB
	q      querier
	driver string
	seq    *atomic.Int64
	inTx   bool
}

var _ accrual.Store = (*Store)(nil)

// New opens the database and migrates the schema. An empty driver means
// SQLite. Use ":memory:" as the SQLite path for a throwaway database.
func New(driver, dsn string) (*Store, error) {
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// One writer; also keeps ":memory:" to a single database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, q: db, driver: driver, seq: &atomic.Int64{}}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.seedSequence(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string) string {
	const params = "_foreign_keys=on&_journal_mode=WAL"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string { return s.driver }

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS po_lines (
	id TEXT PRIMARY KEY,
	po_number TEXT NOT NULL,
	line_number TEXT NOT NULL,
	vendor TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	net_amount TEXT NOT NULL,
	gl_account TEXT NOT NULL DEFAULT '',
	cost_center TEXT NOT NULL DEFAULT '',
	start_date TEXT,
	end_date TEXT,
	category TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (po_number, line_number)
);

CREATE INDEX IF NOT EXISTS idx_po_lines_category
	ON po_lines(category);

CREATE TABLE IF NOT EXISTS grn_transactions (
	id TEXT PRIMARY KEY,
	po_line_id TEXT NOT NULL REFERENCES po_lines(id) ON DELETE CASCADE,
	grn_date TEXT NOT NULL,
	document_number TEXT NOT NULL,
	value TEXT NOT NULL,
	seq BIGINT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (po_line_id, document_number)
);

CREATE INDEX IF NOT EXISTS idx_grn_line_date
	ON grn_transactions(po_line_id, grn_date);

CREATE TABLE IF NOT EXISTS period_calculations (
	po_line_id TEXT NOT NULL REFERENCES po_lines(id) ON DELETE CASCADE,
	processing_month TEXT NOT NULL,
	prev_month_true_up TEXT NOT NULL,
	current_month_true_up TEXT NOT NULL,
	remarks TEXT NOT NULL DEFAULT '',
	activity_final_provision TEXT,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (po_line_id, processing_month)
);

CREATE TABLE IF NOT EXISTS activity_assignments (
	id TEXT PRIMARY KEY,
	po_line_id TEXT NOT NULL REFERENCES po_lines(id) ON DELETE CASCADE,
	assignee_id TEXT NOT NULL,
	assigned_by TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	is_primary INTEGER NOT NULL DEFAULT 0,
	nudge_count INTEGER NOT NULL DEFAULT 0,
	last_nudged_at TEXT,
	return_comment TEXT NOT NULL DEFAULT '',
	returned_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assignments_line
	ON activity_assignments(po_line_id);

CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_active
	ON activity_assignments(po_line_id, assignee_id)
	WHERE status IN ('Assigned', 'Responded', 'Submitted', 'Approved');

CREATE TABLE IF NOT EXISTS business_responses (
	assignment_id TEXT PRIMARY KEY REFERENCES activity_assignments(id) ON DELETE CASCADE,
	completion_status TEXT NOT NULL DEFAULT '',
	provision_amount TEXT,
	provision_percent TEXT,
	comment TEXT NOT NULL DEFAULT '',
	responded_by TEXT NOT NULL DEFAULT '',
	responded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_submissions (
	id TEXT PRIMARY KEY,
	po_line_id TEXT NOT NULL REFERENCES po_lines(id) ON DELETE CASCADE,
	category TEXT NOT NULL,
	submitted_by TEXT NOT NULL DEFAULT '',
	approver_ids_json TEXT NOT NULL,
	status TEXT NOT NULL,
	processing_month TEXT NOT NULL,
	nudge_count INTEGER NOT NULL DEFAULT 0,
	last_nudged_at TEXT,
	decided_by TEXT NOT NULL DEFAULT '',
	decided_at TEXT,
	rejection_reason TEXT NOT NULL DEFAULT '',
	submitted_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_line
	ON approval_submissions(po_line_id);

CREATE UNIQUE INDEX IF NOT EXISTS idx_submissions_pending
	ON approval_submissions(po_line_id, processing_month)
	WHERE status = 'Pending';

CREATE TABLE IF NOT EXISTS approval_rules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	priority INTEGER NOT NULL,
	conditions_json TEXT NOT NULL,
	actions_json TEXT NOT NULL,
	applies_to TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS approvers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS nonpo_forms (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	vendor TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	estimated_amount TEXT NOT NULL,
	processing_month TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS nonpo_assignments (
	id TEXT PRIMARY KEY,
	form_id TEXT NOT NULL REFERENCES nonpo_forms(id) ON DELETE CASCADE,
	assignee_id TEXT NOT NULL,
	assigned_by TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	return_comment TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nonpo_assignments_form
	ON nonpo_assignments(form_id);

CREATE TABLE IF NOT EXISTS nonpo_submissions (
	assignment_id TEXT PRIMARY KEY REFERENCES nonpo_assignments(id) ON DELETE CASCADE,
	provision_amount TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	submitted_by TEXT NOT NULL DEFAULT '',
	submitted_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL,
	ts TEXT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	payload_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_entity
	ON audit_log(entity_id);
`

// seedSequence continues the GRN/audit sequence after the highest stored
// value. The counter is process-local.
func (s *Store) seedSequence(ctx context.Context) error {
	var grnMax, auditMax int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM grn_transactions").Scan(&grnMax); err != nil {
		return fmt.Errorf("failed to read grn sequence: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM audit_log").Scan(&auditMax); err != nil {
		return fmt.Errorf("failed to read audit sequence: %w", err)
	}
	s.seq.Store(max(grnMax, auditMax))
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(accrual.Store) error) error {
	return s.atomically(ctx, func(ts *Store) error { return fn(ts) })
}

// atomically runs fn in a transaction, or directly if s is already bound
// to one.
func (s *Store) atomically(ctx context.Context, fn func(*Store) error) error {
	if s.inTx {
		return fn(s)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	ts := &Store{db: s.db, q: sqlTx, driver: s.driver, seq: s.seq, inTx: true}
	if err := fn(ts); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// rebind turns "?" placeholders into "$1", "$2", ... for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// execOne runs an UPDATE/DELETE that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, kind, id, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	if n == 0 {
		return &accrual.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// insertIgnore runs an INSERT ... ON CONFLICT DO NOTHING and reports whether
// a row was written.
func (s *Store) insertIgnore(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// =============================================================================
// VALUE ENCODING
// =============================================================================

const dateLayout = "2006-01-02"

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(dateLayout), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// decoder parses stored text columns and keeps the first failure.
type decoder struct {
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) decimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		d.fail(fmt.Errorf("bad stored amount %q: %w", s, err))
		return decimal.Zero
	}
	return v
}

func (d *decoder) decimalPtr(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	v := d.decimal(ns.String)
	return &v
}

func (d *decoder) time(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		d.fail(fmt.Errorf("bad stored timestamp %q: %w", s, err))
	}
	return t
}

func (d *decoder) timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := d.time(ns.String)
	return &t
}

func (d *decoder) datePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(dateLayout, ns.String)
	if err != nil {
		d.fail(fmt.Errorf("bad stored date %q: %w", ns.String, err))
		return nil
	}
	return &t
}
