package refresh

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
	"github.com/tonimelisma/emsrefresh/internal/snapshot"
)

// Tag record attributes under tag_mapper.
const (
	keyTagCategory    = "category"
	keyTagEntry       = "entry"
	keyTagDescription = "description"
)

// SaveCloudInventory saves a complete provider inventory: tags first, then
// every collection in dependency order, then the post-save linkers, and
// finally the provider record itself.
//
// An empty inventory means the provider reports nothing. With disconnect
// set, everything the target covers is disconnected and no error is
// returned.
//
// The returned report is populated even when an error aborts the run.
func (rf *Refresher) SaveCloudInventory(
	ctx context.Context,
	ems *inventory.Provider,
	inv *snapshot.Inventory,
	target Target,
	disconnect bool,
) (*Report, error) {
	r := rf.newRun(ems, target, disconnect)

	err := r.saveCloudInventory(ctx, inv)

	return r.finish(err), err
}

func (r *run) saveCloudInventory(ctx context.Context, inv *snapshot.Inventory) error {
	if inv.Empty() {
		return r.disconnectTarget(ctx)
	}

	r.logger.Info("saving EMS inventory",
		slog.String("target", r.target.String()),
		slog.Int("records", inv.Len()),
	)

	if r.debugTrace {
		r.trace(inv)
	}

	if err := r.saveTags(ctx, inv.TagsToResolve); err != nil {
		return r.fail(ctx, err)
	}

	known := make(map[string]bool, len(collectionOrder))

	for _, spec := range collectionOrder {
		known[spec.name] = true

		records, ok := inv.Batch(spec.name)
		if !ok {
			continue
		}

		var err error
		if spec.name == collectionInstances {
			err = r.saveInstances(ctx, records)
		} else {
			err = r.saveCollection(ctx, spec, records)
		}

		if err != nil {
			return r.fail(ctx, err)
		}
	}

	for _, c := range inv.Collections() {
		if !known[c] {
			r.logger.Warn("skipping unknown collection", slog.String("collection", c))
		}
	}

	if _, ok := inv.Batch(collectionCloudVolumes); ok {
		if err := r.linkVolumesToBaseSnapshots(ctx); err != nil {
			return r.fail(ctx, err)
		}
	}

	if _, ok := inv.Batch(collectionCloudTenants); ok {
		if err := r.linkParentsToCloudTenant(ctx); err != nil {
			return r.fail(ctx, err)
		}
	}

	r.ems.LastRefreshAt = r.nowFunc().UnixNano()
	r.ems.LastRefreshError = ""

	if err := r.store.SaveProvider(ctx, r.ems); err != nil {
		return fmt.Errorf("refresh: saving provider: %w", err)
	}

	r.logger.Info("saving EMS inventory complete",
		slog.Int("created", r.report.Count("", StatusCreated)),
		slog.Int("updated", r.report.Count("", StatusUpdated)),
		slog.Int("invalid", r.report.Count("", StatusInvalid)),
		slog.Int("disconnected", r.report.Disconnected),
	)

	return nil
}

// disconnectTarget handles an empty inventory. For the provider every owned
// entity is released; narrower targets run the instance disconnect policy
// over an empty batch.
func (r *run) disconnectTarget(ctx context.Context) error {
	if !r.disconnect {
		r.logger.Info("empty inventory, nothing to save")
		return nil
	}

	if !r.target.IsProvider() {
		return r.saveInstances(ctx, nil)
	}

	r.logger.Info("empty inventory, disconnecting provider")

	var n int

	err := r.store.WithTx(ctx, func(tx *inventory.Tx) error {
		var err error
		n, err = tx.DisconnectProvider(ctx, r.ems.ID)

		return err
	})
	if err != nil {
		return fmt.Errorf("refresh: disconnecting provider: %w", err)
	}

	r.report.Disconnected += n
	r.metrics.disconnected("all", disconnectFull, n)

	return nil
}

// fail records err on the provider and returns it.
func (r *run) fail(ctx context.Context, err error) error {
	r.ems.LastRefreshError = err.Error()

	if saveErr := r.store.SaveProvider(ctx, r.ems); saveErr != nil {
		r.logger.Warn("recording refresh error on provider failed", slog.String("error", saveErr.Error()))
	}

	return err
}

func (r *run) trace(inv *snapshot.Inventory) {
	var buf bytes.Buffer

	if err := snapshot.Encode(&buf, inv); err != nil {
		r.logger.Debug("inventory trace unavailable", slog.String("error", err.Error()))
		return
	}

	r.logger.Debug("inventory trace", slog.String("inventory", buf.String()))
}

// saveTags persists tag-resolution data. Entries without a category or an
// entry are skipped.
func (r *run) saveTags(ctx context.Context, records []*snapshot.Record) error {
	if len(records) == 0 {
		return nil
	}

	tags := make([]inventory.Tag, 0, len(records))

	for _, rec := range records {
		category, entry := rec.String(keyTagCategory), rec.String(keyTagEntry)
		if category == "" || entry == "" {
			r.logger.Warn("skipping incomplete tag", slog.String("tag", rec.Label()))
			continue
		}

		tags = append(tags, inventory.Tag{
			Category:    category,
			Entry:       entry,
			Description: rec.String(keyTagDescription),
		})
	}

	if err := r.tags.SaveTags(ctx, r.ems.ID, tags); err != nil {
		return fmt.Errorf("refresh: saving tags: %w", err)
	}

	return nil
}
