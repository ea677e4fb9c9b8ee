package split

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/custody/internal/pagination"
)

// PostgresStore persists splits in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed split store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Split, recipients []*Recipient) error {
	if err := s.validateCustody(); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO splits (
			id, payer_addr, total_amount, currency, chain,
			custody_address, encrypted_key, share_type, status,
			created_at, funded_at, distributed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.PayerAddr, s.TotalAmount, s.Currency, s.Chain,
		nullString(s.CustodyAddress), nullString(s.EncryptedKey), string(s.ShareType), string(s.Status),
		s.CreatedAt, nullTime(s.FundedAt), nullTime(s.DistributedAt), s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	for _, r := range recipients {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO split_recipients (
				id, split_id, position, address, percentage, fixed_amount,
				amount, tx_hash, paid_at, updated_at
			) VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)`,
			r.ID, r.SplitID, r.Position, r.Address, nullString(r.Percentage), nullString(r.FixedAmount),
			r.Amount, nullString(r.TxHash), nullTime(r.PaidAt), r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert recipient %d: %w", r.Position, err)
		}
	}
	return tx.Commit()
}

const splitColumns = `id, payer_addr, total_amount, currency, chain,
		       custody_address, encrypted_key, share_type, status,
		       created_at, funded_at, distributed_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Split, error) {
	s, err := scanSplit(p.db.QueryRowContext(ctx, `SELECT `+splitColumns+` FROM splits WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSplitNotFound
	}
	return s, err
}

func (p *PostgresStore) ListByPayer(ctx context.Context, addr string, after *pagination.Cursor, limit int) ([]*Split, error) {
	afterAt, afterID := cursorArgs(after)
	return p.query(ctx, `SELECT `+splitColumns+` FROM splits
		WHERE payer_addr = $1
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC LIMIT $4`, addr, afterAt, afterID, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Split, error) {
	return p.query(ctx, `SELECT `+splitColumns+` FROM splits
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Split, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Split
	for rows.Next() {
		s, err := scanSplit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Transition(ctx context.Context, s *Split, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE splits SET status = $1, funded_at = $2, distributed_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		string(s.Status), nullTime(s.FundedAt), nullTime(s.DistributedAt), s.UpdatedAt,
		s.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, s.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) Recipients(ctx context.Context, splitID string) ([]*Recipient, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, split_id, position, address, percentage::TEXT, fixed_amount,
		       amount, tx_hash, paid_at, updated_at
		FROM split_recipients
		WHERE split_id = $1
		ORDER BY position ASC`, splitID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Recipient
	for rows.Next() {
		r := &Recipient{}
		var (
			pct, fixed, txHash sql.NullString
			paidAt             sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.SplitID, &r.Position, &r.Address, &pct, &fixed,
			&r.Amount, &txHash, &paidAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Percentage = pct.String
		r.FixedAmount = fixed.String
		r.TxHash = txHash.String
		if paidAt.Valid {
			r.PaidAt = &paidAt.Time
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// UpdateRecipient only touches unpaid rows.
func (p *PostgresStore) UpdateRecipient(ctx context.Context, r *Recipient) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE split_recipients SET amount = $1, tx_hash = $2, paid_at = $3, updated_at = $4
		WHERE id = $5 AND split_id = $6 AND paid_at IS NULL`,
		r.Amount, nullString(r.TxHash), nullTime(r.PaidAt), r.UpdatedAt, r.ID, r.SplitID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) AppendActivity(ctx context.Context, a *Activity) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO split_activity (split_id, actor, action, message, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		a.SplitID, a.Actor, a.Action, a.Message, a.CreatedAt,
	).Scan(&a.ID)
}

func (p *PostgresStore) ListActivity(ctx context.Context, splitID string, limit int) ([]*Activity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, split_id, actor, action, message, created_at FROM (
			SELECT id, split_id, actor, action, message, created_at
			FROM split_activity WHERE split_id = $1
			ORDER BY id DESC LIMIT $2
		) latest ORDER BY id ASC`, splitID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Activity
	for rows.Next() {
		a := &Activity{}
		if err := rows.Scan(&a.ID, &a.SplitID, &a.Actor, &a.Action, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSplit(sc scanner) (*Split, error) {
	s := &Split{}
	var (
		custody, key            sql.NullString
		shareType, status       string
		fundedAt, distributedAt sql.NullTime
	)
	if err := sc.Scan(&s.ID, &s.PayerAddr, &s.TotalAmount, &s.Currency, &s.Chain,
		&custody, &key, &shareType, &status,
		&s.CreatedAt, &fundedAt, &distributedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.CustodyAddress = custody.String
	s.EncryptedKey = key.String
	s.ShareType = ShareType(shareType)
	s.Status = Status(status)
	if fundedAt.Valid {
		s.FundedAt = &fundedAt.Time
	}
	if distributedAt.Valid {
		s.DistributedAt = &distributedAt.Time
	}
	return s, nil
}

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

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
