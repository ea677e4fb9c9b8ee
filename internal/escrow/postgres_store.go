package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/custody/internal/pagination"
)

// settlementLockClass namespaces escrow advisory locks from any other
// pg_advisory_lock user of the database.
const settlementLockClass = 0x657363

// expirableStatuses are the statuses a time-locked escrow can expire from.
var expirableStatuses = []string{string(StatusPending), string(StatusFunded)}

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow, milestones []*Milestone) error {
	if err := e.validateCustody(); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (
			id, buyer_addr, seller_addr, total_amount, currency, chain,
			custody_address, encrypted_key, escrow_type, expires_at,
			status, tx_hash, amount_sent, resolution, dispute_reason,
			created_at, funded_at, released_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19
		)`,
		e.ID, e.BuyerAddr, e.SellerAddr, e.TotalAmount, e.Currency, e.Chain,
		nullString(e.CustodyAddress), nullString(e.EncryptedKey), string(e.Type), nullTime(e.ExpiresAt),
		string(e.Status), nullString(e.TxHash), nullString(e.AmountSent), nullString(e.Resolution), nullString(e.DisputeReason),
		e.CreatedAt, nullTime(e.FundedAt), nullTime(e.ReleasedAt), e.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for _, m := range milestones {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrow_milestones (
				id, escrow_id, position, title, percentage, amount,
				status, tx_hash, released_at, updated_at
			) VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)`,
			m.ID, m.EscrowID, m.Position, m.Title, m.Percentage, m.Amount,
			string(m.Status), nullString(m.TxHash), nullTime(m.ReleasedAt), m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert milestone %d: %w", m.Position, err)
		}
	}
	return tx.Commit()
}

const escrowColumns = `id, buyer_addr, seller_addr, total_amount, currency, chain,
		       custody_address, encrypted_key, escrow_type, expires_at,
		       status, tx_hash, amount_sent, resolution, dispute_reason,
		       created_at, funded_at, released_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Transition is a compare-and-swap on status. The immutable columns
// (parties, amount, custody pair, type) are never rewritten.
func (p *PostgresStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, tx_hash = $2, amount_sent = $3, resolution = $4,
			dispute_reason = $5, funded_at = $6, released_at = $7, updated_at = $8
		WHERE id = $9 AND status = $10`,
		string(e.Status), nullString(e.TxHash), nullString(e.AmountSent), nullString(e.Resolution),
		nullString(e.DisputeReason), nullTime(e.FundedAt), nullTime(e.ReleasedAt), e.UpdatedAt,
		e.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, e.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

// LockSettlement takes a session-level advisory lock on a dedicated
// connection. The lock lives until unlock is called or the connection dies,
// so a crashed replica never leaves an escrow locked.
func (p *PostgresStore) LockSettlement(ctx context.Context, escrowID string) (func(), error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var ok bool
	err = conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1, hashtext($2))`, settlementLockClass, escrowID,
	).Scan(&ok)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ok {
		_ = conn.Close()
		return nil, ErrSettlementInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_, _ = conn.ExecContext(context.Background(),
				`SELECT pg_advisory_unlock($1, hashtext($2))`, settlementLockClass, escrowID)
			_ = conn.Close()
		})
	}, nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	afterAt, afterID := cursorArgs(after)
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE (buyer_addr = $1 OR seller_addr = $1)
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, addr, afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE escrow_type = $1
		  AND status = ANY($2)
		  AND expires_at < $3
		ORDER BY expires_at ASC
		LIMIT $4`, string(TypeTimeLocked), pq.Array(expirableStatuses), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) Milestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, position, title, percentage::TEXT, amount,
		       status, tx_hash, released_at, updated_at
		FROM escrow_milestones
		WHERE escrow_id = $1
		ORDER BY position ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Milestone
	for rows.Next() {
		m := &Milestone{}
		var (
			status     string
			txHash     sql.NullString
			releasedAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.EscrowID, &m.Position, &m.Title, &m.Percentage, &m.Amount,
			&status, &txHash, &releasedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Status = MilestoneStatus(status)
		m.TxHash = txHash.String
		if releasedAt.Valid {
			m.ReleasedAt = &releasedAt.Time
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateMilestone(ctx context.Context, m *Milestone, from MilestoneStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_milestones SET
			status = $1, tx_hash = $2, released_at = $3, updated_at = $4
		WHERE id = $5 AND escrow_id = $6 AND status = $7`,
		string(m.Status), nullString(m.TxHash), nullTime(m.ReleasedAt), m.UpdatedAt,
		m.ID, m.EscrowID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrow_milestones WHERE id = $1 AND escrow_id = $2)`,
			m.ID, m.EscrowID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrMilestoneNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) AppendActivity(ctx context.Context, a *Activity) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrow_activity (escrow_id, actor, action, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		a.EscrowID, a.Actor, a.Action, a.Message, a.CreatedAt,
	).Scan(&a.ID)
}

// ListActivity returns the latest limit entries, oldest first.
func (p *PostgresStore) ListActivity(ctx context.Context, escrowID string, limit int) ([]*Activity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, actor, action, message, created_at FROM (
			SELECT id, escrow_id, actor, action, message, created_at
			FROM escrow_activity
			WHERE escrow_id = $1
			ORDER BY id DESC
			LIMIT $2
		) latest ORDER BY id ASC`, escrowID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Activity
	for rows.Next() {
		a := &Activity{}
		if err := rows.Scan(&a.ID, &a.EscrowID, &a.Actor, &a.Action, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		custodyAddr  sql.NullString
		encryptedKey sql.NullString
		escrowType   string
		expiresAt    sql.NullTime
		status       string
		txHash       sql.NullString
		amountSent   sql.NullString
		resolution   sql.NullString
		disputeRsn   sql.NullString
		fundedAt     sql.NullTime
		releasedAt   sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.BuyerAddr, &e.SellerAddr, &e.TotalAmount, &e.Currency, &e.Chain,
		&custodyAddr, &encryptedKey, &escrowType, &expiresAt,
		&status, &txHash, &amountSent, &resolution, &disputeRsn,
		&e.CreatedAt, &fundedAt, &releasedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.CustodyAddress = custodyAddr.String
	e.EncryptedKey = encryptedKey.String
	e.Type = Type(escrowType)
	e.Status = Status(status)
	e.TxHash = txHash.String
	e.AmountSent = amountSent.String
	e.Resolution = resolution.String
	e.DisputeReason = disputeRsn.String
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
// cursorArgs maps a nil cursor to a NULL timestamp, which disables the
// keyset predicate.
func cursorArgs(c *pagination.Cursor) (sql.NullTime, string) {
	if c == nil {
		return sql.NullTime{}, ""
	}
	return sql.NullTime{Time: c.CreatedAt, Valid: true}, c.ID
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
