package refund

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

// PostgresStore persists refund requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const refundColumns = `id, escrow_id, requested_by, asset_tag, amount::TEXT, reason, status,
		       admin_note, decided_by, error_message, created_at, updated_at, decided_at, processed_at`

func (p *PostgresStore) Create(ctx context.Context, r *RefundRequest) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO refund_requests (
			escrow_id, requested_by, asset_tag, amount, reason, status,
			admin_note, decided_by, error_message, created_at, updated_at, decided_at, processed_at
		) VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		int64(r.EscrowID), r.RequestedBy, int64(r.AssetTag), strconv.FormatUint(r.Amount, 10), r.Reason,
		string(r.Status), r.AdminNote, r.DecidedBy, r.ErrorMessage, r.CreatedAt, r.UpdatedAt,
		nullTime(r.DecidedAt), nullTime(r.ProcessedAt),
	).Scan(&r.ID)
}

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*RefundRequest, error) {
	r, err := scanRefund(p.db.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refund_requests WHERE id = $1`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	return r, err
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*RefundRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, clause+" $"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		add("status =", string(f.Status))
	}
	if f.RequestedBy != "" {
		add("requested_by =", f.RequestedBy)
	}
	if f.From != nil {
		add("created_at >=", *f.From)
	}
	if f.To != nil {
		add("created_at <=", *f.To)
	}

	query := `SELECT ` + refundColumns + ` FROM refund_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return p.query(ctx, query, args...)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]*RefundRequest, error) {
	return p.query(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE status = $1 ORDER BY id ASC`, string(status))
}

func (p *PostgresStore) Transition(ctx context.Context, id uint64, from, to Status, mutate func(*RefundRequest)) (*RefundRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRefund(tx.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refund_requests WHERE id = $1 FOR UPDATE`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Status != from {
		return nil, fmt.Errorf("refund %d is %s, not %s: %w", id, r.Status, from, errs.ErrConflict)
	}

	if mutate != nil {
		mutate(r)
	}
	r.ID = id
	r.Status = to

	_, err = tx.ExecContext(ctx, `
		UPDATE refund_requests SET status = $2, admin_note = $3, decided_by = $4, error_message = $5,
			updated_at = $6, decided_at = $7, processed_at = $8
		WHERE id = $1`,
		int64(id), string(r.Status), r.AdminNote, r.DecidedBy, r.ErrorMessage,
		r.UpdatedAt, nullTime(r.DecidedAt), nullTime(r.ProcessedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("update refund %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	s := newStats()
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)::TEXT
		FROM refund_requests GROUP BY status`)
	if err != nil {
		return s, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			status string
			count  int
			sum    string
		)
		if err := rows.Scan(&status, &count, &sum); err != nil {
			return s, err
		}
		s.add(Status(status), parseSum(sum), count)
	}
	return s, rows.Err()
}

// parseSum parses a NUMERIC sum, saturating values beyond uint64.
func parseSum(v string) uint64 {
	n, err := strconv.ParseUint(v, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return ^uint64(0)
	}
	return n
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*RefundRequest, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*RefundRequest, 0)
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRefund(s scanner) (*RefundRequest, error) {
	var (
		r                      RefundRequest
		id, escrowID, asset    int64
		amount, status         string
		decidedAt, processedAt sql.NullTime
	)
	err := s.Scan(&id, &escrowID, &r.RequestedBy, &asset, &amount, &r.Reason, &status,
		&r.AdminNote, &r.DecidedBy, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt, &decidedAt, &processedAt)
	if err != nil {
		return nil, err
	}

	r.ID = uint64(id)
	r.EscrowID = uint64(escrowID)
	r.AssetTag = uint32(asset)
	r.Status = Status(status)
	if r.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return nil, fmt.Errorf("refund %d amount: %w", id, err)
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		r.DecidedAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		r.ProcessedAt = &t
	}
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
