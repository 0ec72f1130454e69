package inventory

import (
	"context"
	"database/sql"
	"fmt"
)

// Tag is a resolved classification entry reported by a provider.
type Tag struct {
	Category    string
	Entry       string
	Description string
}

// SaveTags upserts the provider's tags.
func (o ops) SaveTags(ctx context.Context, emsID int64, tags []Tag) error {
	now := o.now()

	for _, t := range tags {
		_, err := o.q.ExecContext(ctx,
			`INSERT INTO tags (ems_id, category, entry, description, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(ems_id, category, entry) DO UPDATE SET
			  description = excluded.description,
			  updated_at = excluded.updated_at`,
			emsID, t.Category, t.Entry, nullString(t.Description), now)
		if err != nil {
			return fmt.Errorf("inventory: saving tag %s/%s: %w", t.Category, t.Entry, err)
		}
	}

	return nil
}

// ListTags returns the provider's tags ordered by category and entry.
func (o ops) ListTags(ctx context.Context, emsID int64) ([]Tag, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT category, entry, description FROM tags WHERE ems_id = ? ORDER BY category, entry`, emsID)
	if err != nil {
		return nil, fmt.Errorf("inventory: listing tags: %w", err)
	}
	defer rows.Close()

	var out []Tag

	for rows.Next() {
		var (
			t    Tag
			desc sql.NullString
		)

		if err := rows.Scan(&t.Category, &t.Entry, &desc); err != nil {
			return nil, fmt.Errorf("inventory: scanning tag: %w", err)
		}

		t.Description = desc.String
		out = append(out, t)
	}

	return out, rows.Err()
}
