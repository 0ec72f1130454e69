package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
	"github.com/tonimelisma/emsrefresh/internal/snapshot"
)

// linkVolumesToBaseSnapshots points every saved volume at the snapshot it
// was created from. Snapshots are saved after volumes, so the link can only
// be written once both batches are done.
func (r *run) linkVolumesToBaseSnapshots(ctx context.Context) error {
	bySnapshot := make(map[int64][]int64)

	for _, res := range r.report.Collection(collectionCloudVolumes) {
		if res.ID == 0 {
			continue
		}

		snap, ok := r.ledger.get(collectionCloudVolumeSnapshots, res.Record.Record(keyBaseSnapshot))
		if !ok || snap == 0 {
			continue
		}

		bySnapshot[snap] = append(bySnapshot[snap], res.ID)
	}

	return r.linkAll(ctx, collectionCloudVolumes, inventory.RelationBaseSnapshot, bySnapshot)
}

// linkParentsToCloudTenant points every saved tenant at its parent tenant.
// parent_id carries the parent's ems_ref, matched against the same batch.
func (r *run) linkParentsToCloudTenant(ctx context.Context) error {
	tenants := r.report.Collection(collectionCloudTenants)

	byEMSRef := make(map[string]*Result, len(tenants))
	for _, res := range tenants {
		ref := res.Record.String(snapshot.KeyEMSRef)
		if _, seen := byEMSRef[ref]; ref != "" && !seen {
			byEMSRef[ref] = res
		}
	}

	byParent := make(map[int64][]int64)

	for _, res := range tenants {
		parentRef := res.Record.String(keyParentID)
		if parentRef == "" || res.ID == 0 {
			continue
		}

		parent, ok := byEMSRef[parentRef]
		if !ok || parent.ID == 0 {
			continue
		}

		byParent[parent.ID] = append(byParent[parent.ID], res.ID)
	}

	return r.linkAll(ctx, collectionCloudTenants, inventory.RelationParent, byParent)
}

// linkAll writes one bulk link update per target, in target id order.
func (r *run) linkAll(ctx context.Context, collection, relation string, byTarget map[int64][]int64) error {
	if len(byTarget) == 0 {
		return nil
	}

	targets := make([]int64, 0, len(byTarget))
	for t := range byTarget {
		targets = append(targets, t)
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	err := r.store.WithTx(ctx, func(tx *inventory.Tx) error {
		for _, target := range targets {
			if err := tx.LinkAll(ctx, relation, target, byTarget[target]); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh: linking %s %s: %w", collection, relation, err)
	}

	r.logger.Debug("linked",
		slog.String("collection", collection),
		slog.String("relation", relation),
		slog.Int("targets", len(targets)),
	)

	return nil
}
