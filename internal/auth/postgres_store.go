package auth

import (
	"context"
	"database/sql"
)

// PostgresStore persists admin identities in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Add(ctx context.Context, a *Admin) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO admin_identities (identity, granted_by, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO NOTHING
	`, a.Identity, a.GrantedBy, a.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, identity string) (*Admin, error) {
	a := &Admin{}
	err := p.db.QueryRowContext(ctx, `
		SELECT identity, granted_by, created_at FROM admin_identities WHERE identity = $1
	`, identity).Scan(&a.Identity, &a.GrantedBy, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Admin, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT identity, granted_by, created_at FROM admin_identities ORDER BY identity
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	admins := make([]*Admin, 0)
	for rows.Next() {
		a := &Admin{}
		if err := rows.Scan(&a.Identity, &a.GrantedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		admins = append(admins, a)
	}
	return admins, rows.Err()
}

func (p *PostgresStore) Remove(ctx context.Context, identity string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM admin_identities WHERE identity = $1`, identity)
	return err
}

var _ Store = (*PostgresStore)(nil)
