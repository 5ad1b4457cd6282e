package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Amounts are NUMERIC(20,0)
// so the whole uint64 range round-trips; they travel as decimal strings.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Apply(ctx context.Context, e *Entry) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	// The unique reference index is the idempotency guard.
	var id uint64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (account, asset_tag, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)
		ON CONFLICT (reference) DO NOTHING
		RETURNING id
	`, e.Account, int64(e.AssetTag), string(e.Type), strconv.FormatUint(e.Amount, 10), e.Reference, e.CreatedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record entry: %w", err)
	}

	amount := strconv.FormatUint(e.Amount, 10)
	switch e.Type {
	case EntryDebit:
		res, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET available = available - $3::NUMERIC, updated_at = NOW()
			WHERE account = $1 AND asset_tag = $2 AND available >= $3::NUMERIC
		`, e.Account, int64(e.AssetTag), amount)
		if err != nil {
			return false, fmt.Errorf("failed to update balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, ErrInsufficientBalance
		}
	case EntryCredit:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_balances (account, asset_tag, available, updated_at)
			VALUES ($1, $2, $3::NUMERIC, NOW())
			ON CONFLICT (account, asset_tag) DO UPDATE SET
				available  = ledger_balances.available + $3::NUMERIC,
				updated_at = NOW()
		`, e.Account, int64(e.AssetTag), amount)
		if isRangeViolation(err) {
			return false, fmt.Errorf("%w: %w", ErrOverflow, err)
		}
		if err != nil {
			return false, fmt.Errorf("failed to update balance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.ID = id
	return true, nil
}

// isRangeViolation reports whether err is chk_available_range rejecting a
// balance past the uint64 range.
func isRangeViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23514" && pqErr.Constraint == "chk_available_range"
}

func (p *PostgresStore) Balance(ctx context.Context, account string, asset uint32) (uint64, error) {
	var available string
	err := p.db.QueryRowContext(ctx, `
		SELECT available::TEXT FROM ledger_balances WHERE account = $1 AND asset_tag = $2
	`, account, int64(asset)).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(available, 10, 64)
}

func (p *PostgresStore) HasReference(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE reference = $1)`, reference,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, asset_tag, type, amount::TEXT, reference, created_at
		FROM ledger_entries WHERE account = $1
		ORDER BY id DESC LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Entry, 0)
	for rows.Next() {
		var (
			e      Entry
			asset  int64
			typ    string
			amount string
		)
		if err := rows.Scan(&e.ID, &e.Account, &asset, &typ, &amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.AssetTag = uint32(asset)
		e.Type = EntryType(typ)
		if e.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
