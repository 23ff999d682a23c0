/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements points.TxStore using SQLite. In production the same patterns
  apply to PostgreSQL (see store/postgres) - only dialect differences.

APPEND-ONLY ENFORCEMENT:
  The ledger_events table sees INSERTs only. No UPDATE, no DELETE;
  corrections are reversal events.

KEY TABLES:
  point_lots:    One row per issuance; remaining/status mutate in place
  ledger_events: Immutable log of every ledger-affecting step
  point_policy:  Singleton configured policy, versioned

CONCURRENCY:
  A sync.Mutex serializes units of work on top of SQLite's single-writer
  model, and the database is opened in WAL mode so readers do not block.

USAGE:
  store, err := sqlite.New("./data/points.db")   // or ":memory:"
  engine := points.NewEngine(store)

SEE ALSO:
  - points/store.go: Interface definitions
  - store/postgres: The pgx implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/points-engine/points"
)

// Store implements points.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases coherent across the pool.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS point_lots (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		original INTEGER NOT NULL,
		remaining INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lots_user_status
		ON point_lots(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_lots_user_expiry
		ON point_lots(user_id, kind, expires_at);

	-- Append-only ledger. rowid preserves append order for replay.
	CREATE TABLE IF NOT EXISTS ledger_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		lot_id TEXT,
		kind TEXT NOT NULL,
		delta INTEGER NOT NULL,
		order_ref TEXT,
		description TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_user_order_kind
		ON ledger_events(user_id, order_ref, kind);
	CREATE INDEX IF NOT EXISTS idx_events_user
		ON ledger_events(user_id);

	-- Singleton configured policy.
	CREATE TABLE IF NOT EXISTS point_policy (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		min_issue INTEGER NOT NULL,
		max_issue INTEGER NOT NULL,
		outstanding_limit INTEGER NOT NULL,
		default_expire_days INTEGER NOT NULL,
		min_expire_days INTEGER NOT NULL,
		max_expire_days INTEGER NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runner abstracts *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LOT STORE (points.LotStore interface)
// =============================================================================

func (s *Store) CreateLot(ctx context.Context, lot *points.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createLot(ctx, s.db, lot)
}

func createLot(ctx context.Context, r runner, lot *points.Lot) error {
	_, err := r.ExecContext(ctx, `
		INSERT INTO point_lots (id, user_id, kind, original, remaining, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.UserID, lot.Kind, lot.Original, lot.Remaining, lot.Status,
		lot.CreatedAt.UTC().Format(time.RFC3339Nano),
		lot.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: lot %s already exists", points.ErrInvalidState, lot.ID)
		}
		return fmt.Errorf("failed to create lot: %w", err)
	}
	return nil
}

func (s *Store) SaveLot(ctx context.Context, lot *points.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveLot(ctx, s.db, lot)
}

func saveLot(ctx context.Context, r runner, lot *points.Lot) error {
	res, err := r.ExecContext(ctx, `
		UPDATE point_lots SET remaining = ?, status = ? WHERE id = ?`,
		lot.Remaining, lot.Status, lot.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save lot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: lot %s", points.ErrNotFound, lot.ID)
	}
	return nil
}

func (s *Store) SaveLots(ctx context.Context, lots []*points.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lot := range lots {
		if err := saveLot(ctx, s.db, lot); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) FindLot(ctx context.Context, id points.LotID) (*points.Lot, error) {
	return findLot(ctx, s.db, id)
}

func findLot(ctx context.Context, r runner, id points.LotID) (*points.Lot, error) {
	row := r.QueryRowContext(ctx, `
		SELECT id, user_id, kind, original, remaining, status, created_at, expires_at
		FROM point_lots WHERE id = ?`, id)

	lot, err := scanLot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lot, nil
}

func (s *Store) ActiveLotsByUser(ctx context.Context, userID points.UserID) ([]*points.Lot, error) {
	return activeLotsByUser(ctx, s.db, userID)
}

func activeLotsByUser(ctx context.Context, r runner, userID points.UserID) ([]*points.Lot, error) {
	// Consumption ordering contract: kind asc, expiry asc, id asc.
	return queryLots(ctx, r, `
		SELECT id, user_id, kind, original, remaining, status, created_at, expires_at
		FROM point_lots
		WHERE user_id = ? AND status = ?
		ORDER BY kind ASC, expires_at ASC, id ASC`,
		userID, points.LotActive)
}

func (s *Store) LotsByUser(ctx context.Context, userID points.UserID) ([]*points.Lot, error) {
	return lotsByUser(ctx, s.db, userID)
}

func lotsByUser(ctx context.Context, r runner, userID points.UserID) ([]*points.Lot, error) {
	return queryLots(ctx, r, `
		SELECT id, user_id, kind, original, remaining, status, created_at, expires_at
		FROM point_lots
		WHERE user_id = ?
		ORDER BY created_at ASC, id ASC`,
		userID)
}

func queryLots(ctx context.Context, r runner, query string, args ...any) ([]*points.Lot, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []*points.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLot(row scanner) (*points.Lot, error) {
	var (
		lot       points.Lot
		createdAt string
		expiresAt string
	)
	err := row.Scan(&lot.ID, &lot.UserID, &lot.Kind, &lot.Original, &lot.Remaining,
		&lot.Status, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	lot.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lot created_at: %w", err)
	}
	lot.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lot expires_at: %w", err)
	}
	return &lot, nil
}

// =============================================================================
// EVENT STORE (points.EventStore interface)
// =============================================================================

func (s *Store) AppendEvent(ctx context.Context, event points.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEvent(ctx, s.db, event)
}

func appendEvent(ctx context.Context, r runner, event points.LedgerEvent) error {
	_, err := r.ExecContext(ctx, `
		INSERT INTO ledger_events (id, user_id, lot_id, kind, delta, order_ref, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.UserID, nullString(string(event.LotID)), event.Kind, event.Delta,
		nullString(event.OrderRef), event.Description,
		event.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) AppendEvents(ctx context.Context, events []points.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if err := appendEvent(ctx, s.db, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) EventsByOrder(ctx context.Context, userID points.UserID, orderRef string, kind points.EventKind) ([]points.LedgerEvent, error) {
	return eventsByOrder(ctx, s.db, userID, orderRef, kind)
}

func eventsByOrder(ctx context.Context, r runner, userID points.UserID, orderRef string, kind points.EventKind) ([]points.LedgerEvent, error) {
	return queryEvents(ctx, r, `
		SELECT id, user_id, lot_id, kind, delta, order_ref, description, created_at
		FROM ledger_events
		WHERE user_id = ? AND order_ref = ? AND kind = ?
		ORDER BY rowid ASC`,
		userID, orderRef, kind)
}

func (s *Store) EventsByUser(ctx context.Context, userID points.UserID) ([]points.LedgerEvent, error) {
	return eventsByUser(ctx, s.db, userID)
}

func eventsByUser(ctx context.Context, r runner, userID points.UserID) ([]points.LedgerEvent, error) {
	return queryEvents(ctx, r, `
		SELECT id, user_id, lot_id, kind, delta, order_ref, description, created_at
		FROM ledger_events
		WHERE user_id = ?
		ORDER BY rowid ASC`,
		userID)
}

func queryEvents(ctx context.Context, r runner, query string, args ...any) ([]points.LedgerEvent, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []points.LedgerEvent
	for rows.Next() {
		var (
			ev        points.LedgerEvent
			lotID     sql.NullString
			orderRef  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &lotID, &ev.Kind, &ev.Delta,
			&orderRef, &ev.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.LotID = points.LotID(lotID.String)
		ev.OrderRef = orderRef.String
		at, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event created_at: %w", err)
		}
		ev.At = at
		events = append(events, ev)
	}
	return events, rows.Err()
}

// =============================================================================
// POLICY STORE (points.PolicyStore interface)
// =============================================================================

func (s *Store) CurrentPolicy(ctx context.Context) (*points.Policy, error) {
	return currentPolicy(ctx, s.db)
}

func currentPolicy(ctx context.Context, r runner) (*points.Policy, error) {
	row := r.QueryRowContext(ctx, `
		SELECT min_issue, max_issue, outstanding_limit,
		       default_expire_days, min_expire_days, max_expire_days,
		       version, created_at
		FROM point_policy WHERE id = 1`)

	var (
		p         points.Policy
		createdAt string
	)
	err := row.Scan(&p.MinIssue, &p.MaxIssue, &p.OutstandingLimit,
		&p.DefaultExpireDays, &p.MinExpireDays, &p.MaxExpireDays,
		&p.Version, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy created_at: %w", err)
	}
	return &p, nil
}

func (s *Store) SavePolicy(ctx context.Context, policy *points.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePolicy(ctx, s.db, policy)
}

func savePolicy(ctx context.Context, r runner, policy *points.Policy) error {
	current, err := currentPolicy(ctx, r)
	if err != nil {
		return err
	}
	var version int64
	if current != nil {
		version = current.Version
	}
	if policy.Version != version {
		return fmt.Errorf("%w: expected version %d, got %d",
			points.ErrVersionConflict, version, policy.Version)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if current == nil {
		_, err = r.ExecContext(ctx, `
			INSERT INTO point_policy
			(id, min_issue, max_issue, outstanding_limit, default_expire_days, min_expire_days, max_expire_days, version, created_at)
			VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)`,
			policy.MinIssue, policy.MaxIssue, policy.OutstandingLimit,
			policy.DefaultExpireDays, policy.MinExpireDays, policy.MaxExpireDays,
			version+1, now)
	} else {
		_, err = r.ExecContext(ctx, `
			UPDATE point_policy SET
			min_issue = ?, max_issue = ?, outstanding_limit = ?,
			default_expire_days = ?, min_expire_days = ?, max_expire_days = ?,
			version = ?
			WHERE id = 1 AND version = ?`,
			policy.MinIssue, policy.MaxIssue, policy.OutstandingLimit,
			policy.DefaultExpireDays, policy.MinExpireDays, policy.MaxExpireDays,
			version+1, version)
	}
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	policy.Version = version + 1
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (points.TxStore interface)
// =============================================================================

// WithTx executes fn within one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(points.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the Store view inside a transaction. The parent's mutex is
// already held.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) CreateLot(ctx context.Context, lot *points.Lot) error {
	return createLot(ctx, t.tx, lot)
}

func (t *txStore) SaveLot(ctx context.Context, lot *points.Lot) error {
	return saveLot(ctx, t.tx, lot)
}

func (t *txStore) SaveLots(ctx context.Context, lots []*points.Lot) error {
	for _, lot := range lots {
		if err := saveLot(ctx, t.tx, lot); err != nil {
			return err
		}
	}
	return nil
}

func (t *txStore) FindLot(ctx context.Context, id points.LotID) (*points.Lot, error) {
	return findLot(ctx, t.tx, id)
}

func (t *txStore) ActiveLotsByUser(ctx context.Context, userID points.UserID) ([]*points.Lot, error) {
	return activeLotsByUser(ctx, t.tx, userID)
}

func (t *txStore) LotsByUser(ctx context.Context, userID points.UserID) ([]*points.Lot, error) {
	return lotsByUser(ctx, t.tx, userID)
}

func (t *txStore) AppendEvent(ctx context.Context, event points.LedgerEvent) error {
	return appendEvent(ctx, t.tx, event)
}

func (t *txStore) AppendEvents(ctx context.Context, events []points.LedgerEvent) error {
	for _, ev := range events {
		if err := appendEvent(ctx, t.tx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (t *txStore) EventsByOrder(ctx context.Context, userID points.UserID, orderRef string, kind points.EventKind) ([]points.LedgerEvent, error) {
	return eventsByOrder(ctx, t.tx, userID, orderRef, kind)
}

func (t *txStore) EventsByUser(ctx context.Context, userID points.UserID) ([]points.LedgerEvent, error) {
	return eventsByUser(ctx, t.tx, userID)
}

func (t *txStore) CurrentPolicy(ctx context.Context) (*points.Policy, error) {
	return currentPolicy(ctx, t.tx)
}

func (t *txStore) SavePolicy(ctx context.Context, policy *points.Policy) error {
	return savePolicy(ctx, t.tx, policy)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	_ points.TxStore = (*Store)(nil)
	_ points.Store   = (*txStore)(nil)
)
