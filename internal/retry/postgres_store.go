package retry

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

var (
	openStatuses     = []string{string(StatusQueued), string(StatusInProgress)}
	terminalStatuses = []string{string(StatusSucceeded), string(StatusFailedTerminal)}
)

// PostgresStore persists retryable transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed retry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, subject_type, subject_id, milestone_id, operation, status,
		       attempt_count, max_attempts, next_attempt_at, last_error, tx_hash,
		       amount, claim_id, created_at, updated_at`

func (p *PostgresStore) Enqueue(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO retryable_transactions (
			id, subject_type, subject_id, milestone_id, operation, status,
			attempt_count, max_attempts, next_attempt_at, last_error, tx_hash,
			amount, claim_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		tx.ID, string(tx.SubjectType), tx.SubjectID, nullString(tx.MilestoneID),
		string(tx.Operation), string(tx.Status),
		tx.AttemptCount, tx.MaxAttempts, tx.NextAttemptAt,
		nullString(tx.LastError), nullString(tx.TxHash),
		nullString(tx.Amount), nullString(tx.ClaimID), tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM retryable_transactions WHERE id = $1`, id)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return tx, err
}

func (p *PostgresStore) Claim(ctx context.Context, id, claimID string, now time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE retryable_transactions
		SET status = 'in_progress', claim_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'queued' AND next_attempt_at <= $3`,
		id, claimID, now,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ClaimNext locks the earliest due row with SKIP LOCKED so concurrent
// sweeps take different rows instead of blocking on each other.
func (p *PostgresStore) ClaimNext(ctx context.Context, now time.Time, claimID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE retryable_transactions
		SET status = 'in_progress', claim_id = $2, updated_at = $1
		WHERE id = (
			SELECT id FROM retryable_transactions
			WHERE status = 'queued' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = 'queued'
		RETURNING `+txColumns,
		now, claimID,
	)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tx, err
}

func (p *PostgresStore) Renew(ctx context.Context, id, claimID string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE retryable_transactions SET updated_at = $3
		WHERE id = $1 AND claim_id = $2 AND status = 'in_progress'`,
		id, claimID, now,
	)
	return claimedRow(result, err)
}

func (p *PostgresStore) Finish(ctx context.Context, tx *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE retryable_transactions SET
			status = $1, attempt_count = $2, next_attempt_at = $3,
			last_error = $4, tx_hash = $5, amount = $6, updated_at = $7,
			claim_id = NULL
		WHERE id = $8 AND claim_id = $9 AND status = 'in_progress'`,
		string(tx.Status), tx.AttemptCount, tx.NextAttemptAt,
		nullString(tx.LastError), nullString(tx.TxHash), nullString(tx.Amount), tx.UpdatedAt,
		tx.ID, tx.ClaimID,
	)
	return claimedRow(result, err)
}

func claimedRow(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (p *PostgresStore) RequeueStale(ctx context.Context, before, now time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE retryable_transactions
		SET status = 'queued', claim_id = NULL, next_attempt_at = $2, updated_at = $2
		WHERE status = 'in_progress' AND updated_at < $1`,
		before, now,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) HasOpen(ctx context.Context, subject SubjectType, subjectID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM retryable_transactions
			WHERE subject_type = $1 AND subject_id = $2
			  AND status = ANY($3)
		)`,
		string(subject), subjectID, pq.Array(openStatuses),
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListBySubject(ctx context.Context, subject SubjectType, subjectID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM retryable_transactions
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY created_at`,
		string(subject), subjectID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM retryable_transactions
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (Stats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT CASE WHEN status = 'queued' AND attempt_count > 0
		            THEN 'failed_retryable' ELSE status END AS reported,
		       COUNT(*)
		FROM retryable_transactions
		GROUP BY reported`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := Stats{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[Status(status)] = n
	}
	return stats, rows.Err()
}

func (p *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM retryable_transactions
		WHERE status = ANY($1) AND updated_at < $2`,
		pq.Array(terminalStatuses), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		subjectType string
		milestoneID sql.NullString
		operation   string
		status      string
		lastError   sql.NullString
		txHash      sql.NullString
		amount      sql.NullString
		claimID     sql.NullString
	)
	err := s.Scan(
		&tx.ID, &subjectType, &tx.SubjectID, &milestoneID, &operation, &status,
		&tx.AttemptCount, &tx.MaxAttempts, &tx.NextAttemptAt, &lastError, &txHash,
		&amount, &claimID, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.SubjectType = SubjectType(subjectType)
	tx.MilestoneID = milestoneID.String
	tx.Operation = Operation(operation)
	tx.Status = Status(status)
	tx.LastError = lastError.String
	tx.TxHash = txHash.String
	tx.Amount = amount.String
	tx.ClaimID = claimID.String
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
