package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// QueueItem is one pending targeted refresh.
type QueueItem struct {
	ID         string
	EMSID      int64
	Collection string
	EntityID   int64
	Reason     string
	QueuedAt   int64
}

// QueueRefresh enqueues a targeted refresh for each entity. An entity that is
// already queued for the same provider is not queued twice.
func (o ops) QueueRefresh(ctx context.Context, emsID int64, reason string, entities []*Entity) error {
	now := o.now()

	for _, e := range entities {
		_, err := o.q.ExecContext(ctx,
			`INSERT INTO refresh_queue (id, ems_id, collection, entity_id, reason, queued_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(ems_id, entity_id) DO NOTHING`,
			uuid.New().String(), emsID, e.Collection, e.ID, reason, now)
		if err != nil {
			return fmt.Errorf("inventory: queueing refresh of %d: %w", e.ID, err)
		}
	}

	return nil
}

// ListQueue returns pending targeted refreshes, oldest first. emsID 0 lists
// every provider.
func (o ops) ListQueue(ctx context.Context, emsID int64) ([]QueueItem, error) {
	q := `SELECT id, ems_id, collection, entity_id, reason, queued_at FROM refresh_queue`
	args := []any{}

	if emsID != 0 {
		q += ` WHERE ems_id = ?`
		args = append(args, emsID)
	}

	q += ` ORDER BY queued_at, entity_id`

	rows, err := o.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("inventory: listing refresh queue: %w", err)
	}
	defer rows.Close()

	var out []QueueItem

	for rows.Next() {
		var it QueueItem
		if err := rows.Scan(&it.ID, &it.EMSID, &it.Collection, &it.EntityID, &it.Reason, &it.QueuedAt); err != nil {
			return nil, fmt.Errorf("inventory: scanning queue item: %w", err)
		}

		out = append(out, it)
	}

	return out, rows.Err()
}

// ClearQueue removes pending refreshes for emsID (0 = all) and returns how
// many were removed.
func (o ops) ClearQueue(ctx context.Context, emsID int64) (int64, error) {
	q := `DELETE FROM refresh_queue`
	args := []any{}

	if emsID != 0 {
		q += ` WHERE ems_id = ?`
		args = append(args, emsID)
	}

	res, err := o.q.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("inventory: clearing refresh queue: %w", err)
	}

	return res.RowsAffected()
}
