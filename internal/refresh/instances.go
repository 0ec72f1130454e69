package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
	"github.com/tonimelisma/emsrefresh/internal/snapshot"
)

// ErrIncompleteData marks a record the collector flagged invalid. It is an
// expected skip, not a write failure.
var ErrIncompleteData = errors.New("refresh: incomplete data")

// SaveInstances reconciles one batch of instance records for ems within
// target. It is the entry point for targeted instance refreshes;
// SaveCloudInventory calls the same reconciler for full inventories.
func (rf *Refresher) SaveInstances(
	ctx context.Context,
	ems *inventory.Provider,
	records []*snapshot.Record,
	target Target,
	disconnect bool,
) (*Report, error) {
	r := rf.newRun(ems, target, disconnect)

	err := r.saveInstances(ctx, records)

	return r.finish(err), err
}

// saveInstances matches every record against instances across all
// providers (instances move between providers), writes each record in its
// own transaction so one bad record cannot block the rest, relinks lineage
// once the batch is written, and finally applies the disconnect policy to
// the scope's instances that were not matched.
func (r *run) saveInstances(ctx context.Context, records []*snapshot.Record) error {
	candidates, err := r.instanceCandidates(ctx)
	if err != nil {
		return err
	}

	ix, err := r.instanceIndex(ctx, records)
	if err != nil {
		return err
	}

	var (
		results       = make([]*Result, 0, len(records))
		invalidsFound bool
	)

	for i, src := range records {
		res := &Result{Collection: collectionInstances, Index: i}
		r.report.add(res)
		results = append(results, res)

		err := r.saveInstance(ctx, ix, src, res, candidates)
		if err == nil {
			continue
		}

		res.Status, res.Err = StatusInvalid, err
		res.Record.Set(snapshot.KeyInvalid, true)
		invalidsFound = true

		if r.debugFailures {
			return fmt.Errorf("refresh: processing instance %q: %w", src.Label(), err)
		}

		r.logger.Error("processing instance failed, skipping",
			slog.String("instance", src.Label()),
			slog.String("error", err.Error()),
		)
	}

	if err := r.linkGenealogy(ctx, results); err != nil {
		return err
	}

	return r.disconnectInstances(ctx, sortedEntities(candidates), invalidsFound)
}

// instanceCandidates returns the instances the scope owned before the run:
// every instance of the provider, of the zone, or on the host, or the one
// targeted instance. Only instances the provider still owns qualify, so a
// shared host or zone never reaches another provider's instances and
// released ones are not disconnected twice. Without disconnect there are
// none.
func (r *run) instanceCandidates(ctx context.Context) (map[int64]*inventory.Entity, error) {
	out := make(map[int64]*inventory.Entity)
	if !r.disconnect {
		return out, nil
	}

	var (
		found []*inventory.Entity
		err   error
	)

	switch r.target.Kind {
	case TargetProvider:
		found, err = r.store.ListOwned(ctx, collectionInstances, r.ems.ID)
	case TargetZone:
		found, err = r.store.ListLinked(ctx, collectionInstances, inventory.RelationAvailabilityZone, r.target.ID)
	case TargetHost:
		found, err = r.store.ListLinked(ctx, collectionInstances, inventory.RelationHost, r.target.ID)
	case TargetInstance:
		var e *inventory.Entity

		e, err = r.store.Get(ctx, r.target.ID)
		if errors.Is(err, inventory.ErrNotFound) {
			err = nil
		} else if err == nil && e.Collection == collectionInstances {
			found = []*inventory.Entity{e}
		}
	}

	if err != nil {
		return nil, fmt.Errorf("refresh: listing instances of %s: %w", r.target, err)
	}

	for _, e := range found {
		if e.EMSID == r.ems.ID {
			out[e.ID] = e
		}
	}

	return out, nil
}

// instanceIndex fetches, across every provider, the instances whose uid_ems
// appears in the batch. Duplicate uid_ems values in the batch or the store
// are reported as a data quality signal.
func (r *run) instanceIndex(ctx context.Context, records []*snapshot.Record) (*keyIndex, error) {
	uids := make([]string, 0, len(records))
	for _, rec := range records {
		if uid := rec.String(snapshot.KeyUIDEMS); uid != "" {
			uids = append(uids, uid)
		}
	}

	existing, err := r.store.FindByKey(ctx, collectionInstances, snapshot.KeyUIDEMS, uids)
	if err != nil {
		return nil, fmt.Errorf("refresh: fetching instances by uid_ems: %w", err)
	}

	ix := newKeyIndex([]string{snapshot.KeyUIDEMS}, existing)

	dups := mergeSorted(batchDuplicates(uids), ix.duplicates())
	if len(dups) > 0 {
		r.report.Duplicates = mergeSorted(r.report.Duplicates, dups)
		r.logger.Info("duplicate unique values found",
			slog.String("collection", collectionInstances),
			slog.String("uid_ems", strings.Join(dups, ", ")),
		)
	}

	return ix, nil
}

// saveInstance runs strip, resolve, write, and restore for one record in its
// own transaction. Stripped attributes are restored on every path.
func (r *run) saveInstance(
	ctx context.Context,
	ix *keyIndex,
	src *snapshot.Record,
	res *Result,
	candidates map[int64]*inventory.Entity,
) error {
	work := src.Clone()
	res.Record = work

	backup := snapshot.Strip(work, instanceStripKeys)
	defer backup.Restore(work)

	work.Set(keyEMSID, r.ems.ID)

	err := r.store.WithTx(ctx, func(tx *inventory.Tx) error {
		if err := r.resolveRefs(ctx, tx, work, backup, instanceRefs); err != nil {
			return err
		}

		if work.Invalid() {
			return ErrIncompleteData
		}

		found := ix.claim(work.String(snapshot.KeyUIDEMS), r.ems.ID, work.String(snapshot.KeyEMSRef))

		if found == nil {
			r.logger.Info("creating instance",
				slog.String("name", work.String(snapshot.KeyName)),
				slog.String("uid_ems", work.String(snapshot.KeyUIDEMS)),
				slog.String("ems_ref", work.String(snapshot.KeyEMSRef)),
			)

			e, err := r.registry.Build(work.String(snapshot.KeyType), r.defaultInstanceType())
			if err != nil {
				return err
			}

			applyRecord(e, work, instanceRefs)
			e.EMSID = r.ems.ID

			if err := tx.Create(ctx, e); err != nil {
				return err
			}

			res.ID, res.Status = e.ID, StatusCreated
		} else {
			// The concrete type is fixed once persisted.
			work.Delete(snapshot.KeyType)

			r.logger.Info("updating instance",
				slog.String("name", found.Name),
				slog.Int64("id", found.ID),
				slog.String("uid_ems", found.UIDEMS),
				slog.String("ems_ref", work.String(snapshot.KeyEMSRef)),
			)

			applyRecord(found, work, instanceRefs)
			found.EMSID = r.ems.ID
			found.DisconnectedAt = 0

			if err := tx.Update(ctx, found); err != nil {
				return err
			}

			delete(candidates, found.ID)

			res.ID, res.Status = found.ID, StatusUpdated
		}

		return tx.SetRawPowerState(ctx, res.ID, backup.String(keyRawPowerState))
	})
	if err != nil {
		res.ID = 0
		return err
	}

	work.Set(snapshot.KeyID, res.ID)
	r.ledger.put(collectionInstances, src, res.ID)

	return nil
}

// linkGenealogy sets the lineage parent of every saved record that names a
// parent instance resolvable within the run. Either side missing (typically
// because it was invalid) is skipped without comment.
func (r *run) linkGenealogy(ctx context.Context, results []*Result) error {
	type pair struct {
		res    *Result
		parent int64
	}

	var (
		pairs []pair
		ids   []int64
	)

	for _, res := range results {
		if res.Status == StatusInvalid || res.ID == 0 {
			continue
		}

		parent, ok := r.ledger.get(collectionInstances, res.Record.Record(keyParentVM))
		if !ok || parent == 0 {
			continue
		}

		pairs = append(pairs, pair{res: res, parent: parent})
		ids = append(ids, res.ID, parent)
	}

	if len(pairs) == 0 {
		return nil
	}

	r.logger.Info("updating genealogy connections", slog.Int("count", len(pairs)))

	return r.store.WithTx(ctx, func(tx *inventory.Tx) error {
		found, err := tx.GetMany(ctx, ids)
		if err != nil {
			return fmt.Errorf("refresh: loading genealogy: %w", err)
		}

		for _, p := range pairs {
			child, parent := found[p.res.ID], found[p.parent]
			if child == nil || parent == nil {
				continue
			}

			if err := tx.SetParent(ctx, child.ID, parent.ID); err != nil {
				return fmt.Errorf("refresh: linking genealogy: %w", err)
			}

			p.res.Linked = true
		}

		return nil
	})
}
