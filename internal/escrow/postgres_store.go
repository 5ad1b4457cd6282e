package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/errs"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, sender, receiver, asset_tag, amount::TEXT, conditions,
		       status, pending_status, lock_reference, created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrows (
			sender, receiver, asset_tag, amount, conditions,
			status, pending_status, lock_reference, created_at, updated_at, resolved_at
		) VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		e.Sender, e.Receiver, int64(e.AssetTag), strconv.FormatUint(e.Amount, 10), e.Conditions,
		string(e.Status), nullString(string(e.PendingStatus)), e.LockReference,
		e.CreatedAt, e.UpdatedAt, nullTime(e.ResolvedAt),
	).Scan(&e.ID)
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Escrow, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if f.Account != "" {
		args = append(args, f.Account)
		n := strconv.Itoa(len(args))
		where = append(where, "(sender = $"+n+" OR receiver = $"+n+")")
	}

	query := `SELECT ` + escrowColumns + ` FROM escrows`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return p.query(ctx, query, args...)
}

func (p *PostgresStore) ListLockedBefore(ctx context.Context, cutoff time.Time) ([]*Escrow, error) {
	return p.query(ctx, `SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND created_at < $2 ORDER BY id ASC`, string(StatusLocked), cutoff)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]*Escrow, error) {
	return p.query(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE status = $1 ORDER BY id ASC`, string(status))
}

// Transition locks the row, checks the status and writes the mutated record
// in one transaction.
func (p *PostgresStore) Transition(ctx context.Context, id uint64, from, to Status, mutate func(*Escrow)) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanEscrow(tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.Status != from {
		return nil, fmt.Errorf("escrow %d is %s, not %s: %w", id, e.Status, from, errs.ErrConflict)
	}

	if mutate != nil {
		mutate(e)
	}
	e.ID = id
	e.Status = to

	_, err = tx.ExecContext(ctx, `
		UPDATE escrows SET status = $2, pending_status = $3, conditions = $4,
			updated_at = $5, resolved_at = $6
		WHERE id = $1`,
		int64(id), string(e.Status), nullString(string(e.PendingStatus)), e.Conditions,
		e.UpdatedAt, nullTime(e.ResolvedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("update escrow %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Escrow, 0)
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	var (
		e          Escrow
		id, asset  int64
		amount     string
		status     string
		pending    sql.NullString
		resolvedAt sql.NullTime
	)
	err := s.Scan(&id, &e.Sender, &e.Receiver, &asset, &amount, &e.Conditions,
		&status, &pending, &e.LockReference, &e.CreatedAt, &e.UpdatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	e.ID = uint64(id)
	e.AssetTag = uint32(asset)
	e.Status = Status(status)
	e.PendingStatus = Status(pending.String)
	if e.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return nil, fmt.Errorf("escrow %d amount: %w", id, err)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return &e, nil
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
