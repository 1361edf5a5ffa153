package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the application tables if they don't already exist. Used
// for local/dev/test runs; `cmd/migrate` + migrations/*.sql is the durable
// deployment path.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id                       VARCHAR(36) PRIMARY KEY,
			run_number               BIGINT NOT NULL,
			scheduled_at             TIMESTAMPTZ NOT NULL,
			started_at               TIMESTAMPTZ,
			completed_at             TIMESTAMPTZ,
			status                   VARCHAR(20) NOT NULL,
			level_before             VARCHAR(20),
			level_after              VARCHAR(20),
			spend_delta_micro_usdc   BIGINT NOT NULL DEFAULT 0,
			snapshot_id              VARCHAR(36),
			error                    TEXT,
			metadata                 JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
		CREATE INDEX IF NOT EXISTS idx_runs_scheduled_at ON runs(scheduled_at);

		CREATE TABLE IF NOT EXISTS payments (
			id                VARCHAR(36) PRIMARY KEY,
			run_id            VARCHAR(36) NOT NULL,
			endpoint          VARCHAR(64) NOT NULL,
			amount_micro_usdc BIGINT NOT NULL,
			tx_hash           VARCHAR(66),
			status            VARCHAR(20) NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			settled_at        TIMESTAMPTZ,
			block_number      BIGINT,
			confirmations     BIGINT
		);
		CREATE INDEX IF NOT EXISTS idx_payments_run_id ON payments(run_id);

		CREATE TABLE IF NOT EXISTS transitions (
			id                VARCHAR(36) PRIMARY KEY,
			run_id            VARCHAR(36) NOT NULL,
			from_level        VARCHAR(20) NOT NULL,
			to_level          VARCHAR(20) NOT NULL,
			trigger           VARCHAR(64) NOT NULL,
			guards_passed     JSONB,
			guards_failed     JSONB,
			cost_micro_usdc   BIGINT NOT NULL DEFAULT 0,
			timestamp         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_transitions_run_id ON transitions(run_id);

		CREATE TABLE IF NOT EXISTS snapshots (
			id            VARCHAR(36) PRIMARY KEY,
			run_id        VARCHAR(36) NOT NULL,
			chain_id      BIGINT NOT NULL,
			wallet        VARCHAR(42) NOT NULL,
			block_number  BIGINT NOT NULL,
			timestamp     TIMESTAMPTZ NOT NULL,
			balances      JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_run_id ON snapshots(run_id);

		CREATE TABLE IF NOT EXISTS consumed_tx (
			tx_hash      VARCHAR(66) PRIMARY KEY,
			invoice_id   VARCHAR(64) NOT NULL,
			consumed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS budget_state (
			id                BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
			spent_micro_usdc  VARCHAR(32) NOT NULL DEFAULT '0'
		);
	`)
	return err
}

func (p *PostgresStore) CreateRun(ctx context.Context, r *Run) error {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO runs (id, run_number, scheduled_at, started_at, completed_at, status,
			level_before, level_after, spend_delta_micro_usdc, snapshot_id, error, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.ID, r.RunNumber, r.ScheduledAt, r.StartedAt, r.CompletedAt, r.Status,
		r.LevelBefore, r.LevelAfter, r.SpendDeltaMicroUSDC, r.SnapshotID, r.Error, metadata)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateRun(ctx context.Context, r *Run) error {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE runs SET started_at=$2, completed_at=$3, status=$4, level_before=$5,
			level_after=$6, spend_delta_micro_usdc=$7, snapshot_id=$8, error=$9, metadata=$10
		WHERE id=$1
	`, r.ID, r.StartedAt, r.CompletedAt, r.Status, r.LevelBefore, r.LevelAfter,
		r.SpendDeltaMicroUSDC, r.SnapshotID, r.Error, metadata)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var metadata []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, run_number, scheduled_at, started_at, completed_at, status,
			level_before, level_after, spend_delta_micro_usdc, snapshot_id, error, metadata
		FROM runs WHERE id=$1
	`, id).Scan(&r.ID, &r.RunNumber, &r.ScheduledAt, &r.StartedAt, &r.CompletedAt, &r.Status,
		&r.LevelBefore, &r.LevelAfter, &r.SpendDeltaMicroUSDC, &r.SnapshotID, &r.Error, &metadata)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &r.Metadata)
	}
	return r, nil
}

func (p *PostgresStore) LatestRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, run_number, scheduled_at, started_at, completed_at, status,
			level_before, level_after, spend_delta_micro_usdc, snapshot_id, error, metadata
		FROM runs ORDER BY run_number DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Run
	for rows.Next() {
		r := &Run{}
		var metadata []byte
		if err := rows.Scan(&r.ID, &r.RunNumber, &r.ScheduledAt, &r.StartedAt, &r.CompletedAt,
			&r.Status, &r.LevelBefore, &r.LevelAfter, &r.SpendDeltaMicroUSDC, &r.SnapshotID,
			&r.Error, &metadata); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LatestRunningRun(ctx context.Context) (*Run, error) {
	r := &Run{}
	var metadata []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, run_number, scheduled_at, started_at, completed_at, status,
			level_before, level_after, spend_delta_micro_usdc, snapshot_id, error, metadata
		FROM runs WHERE status=$1 ORDER BY run_number DESC LIMIT 1
	`, RunRunning).Scan(&r.ID, &r.RunNumber, &r.ScheduledAt, &r.StartedAt, &r.CompletedAt, &r.Status,
		&r.LevelBefore, &r.LevelAfter, &r.SpendDeltaMicroUSDC, &r.SnapshotID, &r.Error, &metadata)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select running run: %w", err)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &r.Metadata)
	}
	return r, nil
}

func (p *PostgresStore) NextRunNumber(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next run number: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (id, run_id, endpoint, amount_micro_usdc, tx_hash, status,
			created_at, settled_at, block_number, confirmations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, pay.ID, pay.RunID, pay.Endpoint, pay.AmountMicroUSDC, pay.TxHash, pay.Status,
		pay.CreatedAt, pay.SettledAt, pay.BlockNumber, pay.Confirmations)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, pay *Payment) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET tx_hash=$2, status=$3, settled_at=$4, block_number=$5, confirmations=$6
		WHERE id=$1
	`, pay.ID, pay.TxHash, pay.Status, pay.SettledAt, pay.BlockNumber, pay.Confirmations)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListPaymentsByRun(ctx context.Context, runID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, run_id, endpoint, amount_micro_usdc, tx_hash, status, created_at,
			settled_at, block_number, confirmations
		FROM payments WHERE run_id=$1 ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Payment
	for rows.Next() {
		pay := &Payment{}
		var txHash sql.NullString
		if err := rows.Scan(&pay.ID, &pay.RunID, &pay.Endpoint, &pay.AmountMicroUSDC, &txHash,
			&pay.Status, &pay.CreatedAt, &pay.SettledAt, &pay.BlockNumber, &pay.Confirmations); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		pay.TxHash = txHash.String
		out = append(out, pay)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateTransition(ctx context.Context, t *Transition) error {
	guardsPassed, err := json.Marshal(t.GuardsPassed)
	if err != nil {
		return fmt.Errorf("marshal guards_passed: %w", err)
	}
	guardsFailed, err := json.Marshal(t.GuardsFailed)
	if err != nil {
		return fmt.Errorf("marshal guards_failed: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transitions (id, run_id, from_level, to_level, trigger, guards_passed,
			guards_failed, cost_micro_usdc, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.RunID, t.FromLevel, t.ToLevel, t.Trigger, guardsPassed, guardsFailed,
		t.CostMicroUSDC, t.Timestamp)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListTransitionsByRun(ctx context.Context, runID string) ([]*Transition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, run_id, from_level, to_level, trigger, guards_passed, guards_failed,
			cost_micro_usdc, timestamp
		FROM transitions WHERE run_id=$1 ORDER BY timestamp
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("select transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTransitions(rows)
}

func (p *PostgresStore) LatestTransitions(ctx context.Context, limit int) ([]*Transition, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, run_id, from_level, to_level, trigger, guards_passed, guards_failed,
			cost_micro_usdc, timestamp
		FROM transitions ORDER BY timestamp DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTransitions(rows)
}

func scanTransitions(rows *sql.Rows) ([]*Transition, error) {
	var out []*Transition
	for rows.Next() {
		t := &Transition{}
		var guardsPassed, guardsFailed []byte
		if err := rows.Scan(&t.ID, &t.RunID, &t.FromLevel, &t.ToLevel, &t.Trigger,
			&guardsPassed, &guardsFailed, &t.CostMicroUSDC, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		_ = json.Unmarshal(guardsPassed, &t.GuardsPassed)
		_ = json.Unmarshal(guardsFailed, &t.GuardsFailed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateSnapshot(ctx context.Context, s *Snapshot) error {
	balances, err := json.Marshal(s.Balances)
	if err != nil {
		return fmt.Errorf("marshal balances: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, run_id, chain_id, wallet, block_number, timestamp, balances)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.RunID, s.ChainID, s.Wallet, s.BlockNumber, s.Timestamp, balances)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	return p.scanSnapshotRow(p.db.QueryRowContext(ctx, `
		SELECT id, run_id, chain_id, wallet, block_number, timestamp, balances
		FROM snapshots WHERE id=$1
	`, id))
}

func (p *PostgresStore) LatestSnapshotForChain(ctx context.Context, chainID int64) (*Snapshot, error) {
	return p.scanSnapshotRow(p.db.QueryRowContext(ctx, `
		SELECT id, run_id, chain_id, wallet, block_number, timestamp, balances
		FROM snapshots WHERE chain_id=$1 ORDER BY timestamp DESC LIMIT 1
	`, chainID))
}

func (p *PostgresStore) scanSnapshotRow(row *sql.Row) (*Snapshot, error) {
	s := &Snapshot{}
	var balances []byte
	err := row.Scan(&s.ID, &s.RunID, &s.ChainID, &s.Wallet, &s.BlockNumber, &s.Timestamp, &balances)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	if len(balances) > 0 {
		_ = json.Unmarshal(balances, &s.Balances)
	}
	return s, nil
}

// uniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), as pq surfaces it.
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (p *PostgresStore) MarkConsumed(ctx context.Context, txHash, invoiceID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO consumed_tx (tx_hash, invoice_id, consumed_at) VALUES ($1, $2, $3)
	`, txHash, invoiceID, time.Now().UTC())
	if err != nil {
		if uniqueViolation(err) {
			return ErrAlreadyConsumed
		}
		return fmt.Errorf("insert consumed_tx: %w", err)
	}
	return nil
}

func (p *PostgresStore) IsConsumed(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM consumed_tx WHERE tx_hash=$1)
	`, txHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select consumed_tx: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) LoadSpent(ctx context.Context) (*big.Int, error) {
	var spent string
	err := p.db.QueryRowContext(ctx, `SELECT spent_micro_usdc FROM budget_state WHERE id=TRUE`).Scan(&spent)
	if err == sql.ErrNoRows {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("select budget_state: %w", err)
	}
	n, ok := new(big.Int).SetString(spent, 10)
	if !ok {
		return nil, fmt.Errorf("parse spent_micro_usdc %q", spent)
	}
	return n, nil
}

func (p *PostgresStore) SaveSpent(ctx context.Context, spent *big.Int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO budget_state (id, spent_micro_usdc) VALUES (TRUE, $1)
		ON CONFLICT (id) DO UPDATE SET spent_micro_usdc = $1
	`, spent.String())
	if err != nil {
		return fmt.Errorf("upsert budget_state: %w", err)
	}
	return nil
}
