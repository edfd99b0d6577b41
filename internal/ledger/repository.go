package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenframe/backend/internal/models"
)

const entryColumns = `id, user_id, request_id, action, amount, status, meta, created_at, updated_at, finalized_at`

// errLostRace is returned when a concurrent reservation won the unique index
// and then disappeared before it could be replayed (refunded in between).
var errLostRace = errors.New("ledger: concurrent reservation for request id")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Reserve debits the account and inserts a reserved entry in one transaction.
// The debit is a conditional UPDATE (balance >= amount), and the partial
// unique index on (user_id, request_id) rejects a second live entry, in which
// case the transaction is rolled back and the winner is returned as a replay.
func (r *Repository) Reserve(ctx context.Context, p ReserveParams) (*Reservation, error) {
	existing, err := r.activeEntry(ctx, p.UserID, p.RequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &Reservation{Entry: *existing, Replayed: true}, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $1, updated_at = now()
		WHERE user_id = $2 AND balance >= $1
		RETURNING balance
	`, p.Amount, p.UserID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		return r.replayOr(ctx, p, ErrInsufficientCredits)
	}
	if err != nil {
		return nil, err
	}

	entry, err := scanEntry(tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (user_id, request_id, action, amount, status, meta)
		VALUES ($1, $2, $3, $4, 'reserved', $5)
		ON CONFLICT (user_id, request_id) WHERE status IN ('reserved', 'completed') DO NOTHING
		RETURNING `+entryColumns,
		p.UserID, p.RequestID, p.Action, p.Amount, metaJSON(p.Meta)))
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		return r.replayOr(ctx, p, errLostRace)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &Reservation{Entry: *entry, BalanceAfter: balance}, nil
}

func (r *Repository) replayOr(ctx context.Context, p ReserveParams, fallback error) (*Reservation, error) {
	existing, err := r.activeEntry(ctx, p.UserID, p.RequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &Reservation{Entry: *existing, Replayed: true}, nil
	}
	return nil, fallback
}

func (r *Repository) activeEntry(ctx context.Context, userID uuid.UUID, requestID string) (*models.LedgerEntry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM credit_ledger
		WHERE user_id = $1 AND request_id = $2 AND status IN ('reserved', 'completed')
	`, userID, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// Complete moves a reserved entry to completed. The balance was already
// debited at reserve time. Reports whether a row changed.
func (r *Repository) Complete(ctx context.Context, userID uuid.UUID, requestID string, meta map[string]any) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE credit_ledger
		SET status = 'completed', meta = meta || $3::jsonb, updated_at = now(), finalized_at = now()
		WHERE user_id = $1 AND request_id = $2 AND status = 'reserved'
	`, userID, requestID, metaJSON(meta))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Refund moves a reserved entry to refunded and credits its amount back in
// the same statement. Reports whether a row changed.
func (r *Repository) Refund(ctx context.Context, userID uuid.UUID, requestID string, meta map[string]any) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		WITH refunded AS (
			UPDATE credit_ledger
			SET status = 'refunded', meta = meta || $3::jsonb, updated_at = now(), finalized_at = now()
			WHERE user_id = $1 AND request_id = $2 AND status = 'reserved'
			RETURNING user_id, amount
		)
		UPDATE credit_accounts a
		SET balance = a.balance + r.amount, updated_at = now()
		FROM refunded r
		WHERE a.user_id = r.user_id
	`, userID, requestID, metaJSON(meta))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RefundOlderThan refunds every reservation created before cutoff and returns
// the number of entries refunded.
func (r *Repository) RefundOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		WITH stale AS (
			UPDATE credit_ledger
			SET status = 'refunded', meta = meta || '{"swept": true}'::jsonb, updated_at = now(), finalized_at = now()
			WHERE status = 'reserved' AND created_at < $1
			RETURNING user_id, amount
		),
		totals AS (
			SELECT user_id, sum(amount) AS amount FROM stale GROUP BY user_id
		),
		credited AS (
			UPDATE credit_accounts a
			SET balance = a.balance + t.amount, updated_at = now()
			FROM totals t
			WHERE a.user_id = t.user_id
			RETURNING a.user_id
		)
		SELECT count(*) FROM stale
	`, cutoff).Scan(&n)
	return n, err
}

// Balance returns the current balance, zero when the account does not exist yet.
func (r *Repository) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM credit_ledger WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// Grant records a completed top-up entry and credits the account. A second
// grant with the same request id is a no-op.
func (r *Repository) Grant(ctx context.Context, userID uuid.UUID, amount int64, requestID string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (user_id, request_id, action, amount, status, finalized_at)
		VALUES ($1, $2, $3, $4, 'completed', now())
		ON CONFLICT (user_id, request_id) WHERE status IN ('reserved', 'completed') DO NOTHING
	`, userID, requestID, models.LedgerActionGrant, amount)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = now()
	`, userID, amount)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.RequestID, &e.Action, &e.Amount, &e.Status, &e.Meta,
		&e.CreatedAt, &e.UpdatedAt, &e.FinalizedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func metaJSON(meta map[string]any) []byte {
	if len(meta) == 0 {
		return []byte(`{}`)
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
