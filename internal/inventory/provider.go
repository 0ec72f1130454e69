package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Provider is the owning management system (EMS) record.
type Provider struct {
	ID               int64
	Name             string
	Type             string
	LastRefreshAt    int64
	LastRefreshError string
	CreatedAt        int64
	UpdatedAt        int64
}

const providerColumns = `id, name, type, last_refresh_at, last_refresh_error, created_at, updated_at`

// EnsureProvider returns the provider called name, creating it with typ on
// first use. An existing provider keeps its type unless typ is non-empty.
func (o ops) EnsureProvider(ctx context.Context, name, typ string) (*Provider, error) {
	p, err := o.GetProvider(ctx, name)
	if err == nil {
		if typ != "" && p.Type != typ {
			p.Type = typ
			if err := o.SaveProvider(ctx, p); err != nil {
				return nil, err
			}
		}

		return p, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := o.now()

	res, err := o.q.ExecContext(ctx,
		`INSERT INTO providers (name, type, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		name, typ, now, now)
	if err != nil {
		return nil, fmt.Errorf("inventory: creating provider %q: %w", name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("inventory: reading id for provider %q: %w", name, err)
	}

	return &Provider{ID: id, Name: name, Type: typ, CreatedAt: now, UpdatedAt: now}, nil
}

// GetProvider looks a provider up by name.
func (o ops) GetProvider(ctx context.Context, name string) (*Provider, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE name = ?`, name)

	p, err := scanProvider(row)
	if err != nil {
		return nil, fmt.Errorf("inventory: provider %q: %w", name, err)
	}

	return p, nil
}

// GetProviderByID looks a provider up by id.
func (o ops) GetProviderByID(ctx context.Context, id int64) (*Provider, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = ?`, id)

	p, err := scanProvider(row)
	if err != nil {
		return nil, fmt.Errorf("inventory: provider %d: %w", id, err)
	}

	return p, nil
}

// ListProviders returns every provider ordered by name.
func (o ops) ListProviders(ctx context.Context) ([]*Provider, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("inventory: listing providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider

	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("inventory: listing providers: %w", err)
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// SaveProvider writes the mutable provider columns.
func (o ops) SaveProvider(ctx context.Context, p *Provider) error {
	p.UpdatedAt = o.now()

	_, err := o.q.ExecContext(ctx,
		`UPDATE providers SET type = ?, last_refresh_at = ?, last_refresh_error = ?, updated_at = ?
		 WHERE id = ?`,
		p.Type, nullInt64(p.LastRefreshAt), nullString(p.LastRefreshError), p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("inventory: saving provider %q: %w", p.Name, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*Provider, error) {
	var (
		p         Provider
		lastAt    sql.NullInt64
		lastError sql.NullString
	)

	err := row.Scan(&p.ID, &p.Name, &p.Type, &lastAt, &lastError, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	p.LastRefreshAt = lastAt.Int64
	p.LastRefreshError = lastError.String

	return &p, nil
}
