package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
	"github.com/tonimelisma/emsrefresh/internal/snapshot"
)

// saveCollection saves one simple collection in a single transaction. When
// the run disconnects and covers the whole provider, owned entities the
// batch did not match are disconnected; narrower targets never disconnect
// simple collections since they cannot tell removal from out-of-scope.
func (r *run) saveCollection(ctx context.Context, spec collectionSpec, records []*snapshot.Record) error {
	var disconnected int

	err := r.store.WithTx(ctx, func(tx *inventory.Tx) error {
		existing, err := tx.ListOwned(ctx, spec.name, r.ems.ID)
		if err != nil {
			return err
		}

		var deletes map[int64]*inventory.Entity
		if r.disconnect && r.target.IsProvider() {
			deletes = make(map[int64]*inventory.Entity, len(existing))
			for _, e := range existing {
				deletes[e.ID] = e
			}
		}

		if err := r.saveMulti(ctx, tx, spec, existing, records, deletes); err != nil {
			return err
		}

		if len(deletes) == 0 {
			return nil
		}

		gone := sortedEntities(deletes)
		r.logger.Info("disconnecting",
			slog.String("collection", spec.name),
			slog.String("entities", formatEntities(gone)),
		)

		for _, e := range gone {
			if err := tx.Disconnect(ctx, e.ID); err != nil {
				return err
			}
		}

		disconnected = len(gone)

		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh: saving %s: %w", spec.name, err)
	}

	r.report.Disconnected += disconnected
	r.metrics.disconnected(spec.name, disconnectFull, disconnected)

	return nil
}

// saveMulti is the generic diff/upsert: every record is matched against
// existing by natural key and either updates the match, which then leaves
// deletes, or creates a new entity owned by the provider. It never
// disconnects anything itself; whatever remains in deletes is unmatched.
//
// Records the collector flagged invalid are not written, but still claim
// their match so their absence is not taken as removal.
func (r *run) saveMulti(
	ctx context.Context,
	tx *inventory.Tx,
	spec collectionSpec,
	existing []*inventory.Entity,
	records []*snapshot.Record,
	deletes map[int64]*inventory.Entity,
) error {
	// Candidates are all owned here, so a collection keyed by something
	// other than ems_ref matches on its key alone.
	ix := newKeyIndex(spec.keys, existing)
	ix.matchRef = slices.Contains(spec.keys, snapshot.KeyEMSRef)

	strip := spec.stripKeys()

	for i, src := range records {
		res := &Result{Collection: spec.name, Index: i}
		r.report.add(res)

		if src.Invalid() {
			res.Status = StatusInvalid
			res.Err = ErrIncompleteData
			res.Record = src.Clone()

			if found := ix.claim(recordKey(src, spec.keys), r.ems.ID, src.String(snapshot.KeyEMSRef)); found != nil {
				delete(deletes, found.ID)
			}

			r.logger.Warn("skipping incomplete record",
				slog.String("collection", spec.name),
				slog.String("record", src.Label()),
			)

			continue
		}

		if err := r.saveMultiRecord(ctx, tx, spec, ix, strip, src, res, deletes); err != nil {
			return fmt.Errorf("%s %q: %w", spec.name, src.Label(), err)
		}
	}

	return nil
}

func (r *run) saveMultiRecord(
	ctx context.Context,
	tx *inventory.Tx,
	spec collectionSpec,
	ix *keyIndex,
	strip []string,
	src *snapshot.Record,
	res *Result,
	deletes map[int64]*inventory.Entity,
) error {
	work := src.Clone()
	res.Record = work

	backup := snapshot.Strip(work, strip)
	defer backup.Restore(work)

	if err := r.resolveRefs(ctx, tx, work, backup, spec.refs); err != nil {
		return err
	}

	found := ix.claim(recordKey(work, spec.keys), r.ems.ID, work.String(snapshot.KeyEMSRef))

	if found == nil {
		e := &inventory.Entity{Collection: spec.name, EMSID: r.ems.ID}
		applyRecord(e, work, spec.refs)

		if err := tx.Create(ctx, e); err != nil {
			return err
		}

		res.ID, res.Status = e.ID, StatusCreated
	} else {
		applyRecord(found, work, spec.refs)
		found.EMSID = r.ems.ID
		found.DisconnectedAt = 0

		if err := tx.Update(ctx, found); err != nil {
			return err
		}

		delete(deletes, found.ID)

		res.ID, res.Status = found.ID, StatusUpdated
	}

	r.logger.Debug("saved record",
		slog.String("collection", spec.name),
		slog.String("status", string(res.Status)),
		slog.Int64("id", res.ID),
		slog.String("record", work.Label()),
	)

	work.Set(snapshot.KeyID, res.ID)
	r.ledger.put(spec.name, src, res.ID)

	return nil
}

func sortedEntities(m map[int64]*inventory.Entity) []*inventory.Entity {
	out := make([]*inventory.Entity, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// formatEntities renders entities as "[name] id: [id]" pairs for logs.
func formatEntities(entities []*inventory.Entity) string {
	var b strings.Builder

	for i, e := range entities {
		if i > 0 {
			b.WriteString(", ")
		}

		name := e.Name
		if name == "" {
			name = e.EMSRef
		}

		fmt.Fprintf(&b, "[%s] id: [%d]", name, e.ID)
	}

	return b.String()
}
