package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetParent records parentID as the lineage parent of childID, replacing any
// previous parent.
func (o ops) SetParent(ctx context.Context, childID, parentID int64) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO genealogy (child_id, parent_id) VALUES (?, ?)
		 ON CONFLICT(child_id) DO UPDATE SET parent_id = excluded.parent_id`,
		childID, parentID)
	if err != nil {
		return fmt.Errorf("inventory: setting parent of %d to %d: %w", childID, parentID, err)
	}

	return nil
}

// Parent returns the lineage parent of childID, or 0 when it has none.
func (o ops) Parent(ctx context.Context, childID int64) (int64, error) {
	var parent int64

	err := o.q.QueryRowContext(ctx, `SELECT parent_id FROM genealogy WHERE child_id = ?`, childID).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("inventory: reading parent of %d: %w", childID, err)
	}

	return parent, nil
}

// Children returns the lineage children of parentID, ordered by id.
func (o ops) Children(ctx context.Context, parentID int64) ([]int64, error) {
	ids, err := o.queryIDs(ctx, `SELECT child_id FROM genealogy WHERE parent_id = ? ORDER BY child_id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("inventory: listing children of %d: %w", parentID, err)
	}

	return ids, nil
}
