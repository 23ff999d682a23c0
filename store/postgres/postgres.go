/*
Package postgres provides a PostgreSQL-backed implementation of the
storage interfaces.

PURPOSE:
  Implements points.TxStore on top of pgx. This is the backend intended
  for multi-instance deployments; SQLite (store/sqlite) covers local and
  single-node use.

CONCURRENCY:
  Units of work run inside real database transactions. The active-lot
  query inside a transaction takes row locks (FOR UPDATE) so concurrent
  operations on the same user serialize at the database.

KEY TABLES:
  point_lots:    One row per issuance; remaining/status mutate in place
  ledger_events: Immutable log, seq BIGSERIAL preserves append order
  point_policy:  Singleton configured policy, versioned

USAGE:
  pool, err := pgxpool.New(ctx, dsn)
  store, err := postgres.New(ctx, pool)

SEE ALSO:
  - points/store.go: Interface definitions
  - store/sqlite: The database/sql implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/points-engine/points"
)

// Store implements points.TxStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a PostgreSQL store and runs migrations.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS point_lots (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		original BIGINT NOT NULL,
		remaining BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lots_user_status
		ON point_lots(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_lots_user_expiry
		ON point_lots(user_id, kind, expires_at);

	CREATE TABLE IF NOT EXISTS ledger_events (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT UNIQUE NOT NULL,
		user_id TEXT NOT NULL,
		lot_id TEXT,
		kind TEXT NOT NULL,
		delta BIGINT NOT NULL,
		order_ref TEXT,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_user_order_kind
		ON ledger_events(user_id, order_ref, kind);
	CREATE INDEX IF NOT EXISTS idx_events_user
		ON ledger_events(user_id);

	CREATE TABLE IF NOT EXISTS point_policy (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		min_issue BIGINT NOT NULL,
		max_issue BIGINT NOT NULL,
		outstanding_limit BIGINT NOT NULL,
		default_expire_days INTEGER NOT NULL,
		min_expire_days INTEGER NOT NULL,
		max_expire_days INTEGER NOT NULL,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// querier abstracts *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// LOT STORE (points.LotStore interface)
// =============================================================================

func (s *Store) CreateLot(ctx context.Context, lot *points.Lot) error {
	return createLot(ctx, s.pool, lot)
}

func createLot(ctx context.Context, q querier, lot *points.Lot) error {
	_, err := q.Exec(ctx, `
		INSERT INTO point_lots (id, user_id, kind, original, remaining, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		lot.ID, lot.UserID, lot.Kind, lot.Original, lot.Remaining, lot.Status,
		lot.CreatedAt, lot.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: lot %s already exists", points.ErrInvalidState, lot.ID)
		}
		return fmt.Errorf("failed to create lot: %w", err)
	}
	return nil
}

func (s *Store) SaveLot(ctx context.Context, lot *points.Lot) error {
	return saveLot(ctx, s.pool, lot)
}

func saveLot(ctx context.Context, q querier, lot *points.Lot) error {
	tag, err := q.Exec(ctx, `
		UPDATE point_lots SET remaining = $1, status = $2 WHERE id = $3`,
		lot.Remaining, lot.Status, lot.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save lot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: lot %s", points.ErrNotFound, lot.ID)
	}
	return nil
}

func (s *Store) SaveLots(ctx context.Context, lots []*points.Lot) error {
	for _, lot := range lots {
		if err := saveLot(ctx, s.pool, lot); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) FindLot(ctx context.Context, id points.LotID) (*points.Lot, error) {
	return findLot(ctx, s.pool, id, false)
}

func findLot(ctx context.Context, q querier, id points.LotID, forUpdate bool) (*points.Lot, error) {
	query := `
		SELECT id, user_id, kind, original, remaining, status, created_at, expires_at
		FROM point_lots WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var lot points.Lot
	err := q.QueryRow(ctx, query, id).Scan(
		&lot.ID, &lot.UserID, &lot.Kind, &lot.Original, &lot.Remaining,
		&lot.Status, &lot.CreatedAt, &lot.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lot: %w", err)
	}
	return &lot, nil
}

func (s *Store) ActiveLotsByUser(ctx context.Context, userID points.UserID) ([]*points.Lot, error) {
	return activeLotsByUser(ctx, s.pool, userID, false)
}

func activeLotsByUser(ctx context.Context, q querier, userID points.UserID, forUpdate bool) ([]*points.Lot, error) {
	// Consumption ordering contract: kind asc, expiry asc, id asc.
	query := `
		SELECT id, user_id, kind, original, remaining, status, created_at, expires_at
		FROM point_lots
		WHERE user_id = $1 AND status = $2
		ORDER BY kind ASC, expires_at ASC, id ASC`
	if forUpdate {
		query += " FOR UPDATE"
	}
	return queryLots(ctx, q, query, userID, points.LotActive)
}

func (s *Store) LotsByUser(ctx context.Context, userID points.UserID) ([]*points.Lot, error) {
	return queryLots(ctx, s.pool, `
		SELECT id, user_id, kind, original, remaining, status, created_at, expires_at
		FROM point_lots
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC`,
		userID)
}

func queryLots(ctx context.Context, q querier, query string, args ...any) ([]*points.Lot, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []*points.Lot
	for rows.Next() {
		var lot points.Lot
		if err := rows.Scan(&lot.ID, &lot.UserID, &lot.Kind, &lot.Original,
			&lot.Remaining, &lot.Status, &lot.CreatedAt, &lot.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, &lot)
	}
	return lots, rows.Err()
}

// =============================================================================
// EVENT STORE (points.EventStore interface)
// =============================================================================

func (s *Store) AppendEvent(ctx context.Context, event points.LedgerEvent) error {
	return appendEvent(ctx, s.pool, event)
}

func appendEvent(ctx context.Context, q querier, event points.LedgerEvent) error {
	_, err := q.Exec(ctx, `
		INSERT INTO ledger_events (id, user_id, lot_id, kind, delta, order_ref, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.UserID, nullString(string(event.LotID)), event.Kind, event.Delta,
		nullString(event.OrderRef), event.Description, event.At,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) AppendEvents(ctx context.Context, events []points.LedgerEvent) error {
	for _, ev := range events {
		if err := appendEvent(ctx, s.pool, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) EventsByOrder(ctx context.Context, userID points.UserID, orderRef string, kind points.EventKind) ([]points.LedgerEvent, error) {
	return eventsByOrder(ctx, s.pool, userID, orderRef, kind)
}

func eventsByOrder(ctx context.Context, q querier, userID points.UserID, orderRef string, kind points.EventKind) ([]points.LedgerEvent, error) {
	return queryEvents(ctx, q, `
		SELECT id, user_id, lot_id, kind, delta, order_ref, description, created_at
		FROM ledger_events
		WHERE user_id = $1 AND order_ref = $2 AND kind = $3
		ORDER BY seq ASC`,
		userID, orderRef, kind)
}

func (s *Store) EventsByUser(ctx context.Context, userID points.UserID) ([]points.LedgerEvent, error) {
	return eventsByUser(ctx, s.pool, userID)
}

func eventsByUser(ctx context.Context, q querier, userID points.UserID) ([]points.LedgerEvent, error) {
	return queryEvents(ctx, q, `
		SELECT id, user_id, lot_id, kind, delta, order_ref, description, created_at
		FROM ledger_events
		WHERE user_id = $1
		ORDER BY seq ASC`,
		userID)
}

func queryEvents(ctx context.Context, q querier, query string, args ...any) ([]points.LedgerEvent, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []points.LedgerEvent
	for rows.Next() {
		var (
			ev       points.LedgerEvent
			lotID    *string
			orderRef *string
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &lotID, &ev.Kind, &ev.Delta,
			&orderRef, &ev.Description, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if lotID != nil {
			ev.LotID = points.LotID(*lotID)
		}
		if orderRef != nil {
			ev.OrderRef = *orderRef
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// =============================================================================
// POLICY STORE (points.PolicyStore interface)
// =============================================================================

func (s *Store) CurrentPolicy(ctx context.Context) (*points.Policy, error) {
	return currentPolicy(ctx, s.pool)
}

func currentPolicy(ctx context.Context, q querier) (*points.Policy, error) {
	var p points.Policy
	err := q.QueryRow(ctx, `
		SELECT min_issue, max_issue, outstanding_limit,
		       default_expire_days, min_expire_days, max_expire_days,
		       version, created_at
		FROM point_policy WHERE id = 1`).Scan(
		&p.MinIssue, &p.MaxIssue, &p.OutstandingLimit,
		&p.DefaultExpireDays, &p.MinExpireDays, &p.MaxExpireDays,
		&p.Version, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	return &p, nil
}

func (s *Store) SavePolicy(ctx context.Context, policy *points.Policy) error {
	return savePolicy(ctx, s.pool, policy)
}

func savePolicy(ctx context.Context, q querier, policy *points.Policy) error {
	current, err := currentPolicy(ctx, q)
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

	if current == nil {
		_, err = q.Exec(ctx, `
			INSERT INTO point_policy
			(id, min_issue, max_issue, outstanding_limit, default_expire_days, min_expire_days, max_expire_days, version)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7)`,
			policy.MinIssue, policy.MaxIssue, policy.OutstandingLimit,
			policy.DefaultExpireDays, policy.MinExpireDays, policy.MaxExpireDays,
			version+1)
	} else {
		var tag pgconn.CommandTag
		tag, err = q.Exec(ctx, `
			UPDATE point_policy SET
			min_issue = $1, max_issue = $2, outstanding_limit = $3,
			default_expire_days = $4, min_expire_days = $5, max_expire_days = $6,
			version = $7
			WHERE id = 1 AND version = $8`,
			policy.MinIssue, policy.MaxIssue, policy.OutstandingLimit,
			policy.DefaultExpireDays, policy.MinExpireDays, policy.MaxExpireDays,
			version+1, version)
		if err == nil && tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: policy changed concurrently", points.ErrVersionConflict)
		}
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
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// txStore is the Store view inside a transaction. Lot reads take row
// locks so concurrent units of work on the same user serialize.
type txStore struct {
	tx pgx.Tx
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
	return findLot(ctx, t.tx, id, true)
}

func (t *txStore) ActiveLotsByUser(ctx context.Context, userID points.UserID) ([]*points.Lot, error) {
	return activeLotsByUser(ctx, t.tx, userID, true)
}

func (t *txStore) LotsByUser(ctx context.Context, userID points.UserID) ([]*points.Lot, error) {
	return queryLots(ctx, t.tx, `
		SELECT id, user_id, kind, original, remaining, status, created_at, expires_at
		FROM point_lots
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC`,
		userID)
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}

var (
	_ points.TxStore = (*Store)(nil)
	_ points.Store   = (*txStore)(nil)
)
