package refresh

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
)

// Disconnect modes, as reported in metrics.
const (
	disconnectFull       = "full"
	disconnectPartial    = "partial"
	disconnectSuppressed = "suppressed"
)

// requeueReason is recorded on refresh queue entries created when a host
// refresh cannot tell whether an instance is gone or moved.
const requeueReason = "disconnect undecided: instance missing from host refresh"

// disconnectInstances decides what happens to the instances of the scope
// that no record matched:
//
//   - if any record failed the information is incomplete, so nothing is
//     disconnected;
//   - a host refresh cannot tell removal from a move to another host, so a
//     targeted refresh is queued and only the host link is dropped;
//   - otherwise the instances are fully disconnected.
func (r *run) disconnectInstances(ctx context.Context, candidates []*inventory.Entity, invalidsFound bool) error {
	if len(candidates) == 0 {
		return nil
	}

	names := formatEntities(candidates)

	switch {
	case invalidsFound:
		r.logger.Warn("since failures occurred, not disconnecting instances",
			slog.String("instances", names),
		)

		r.report.DisconnectSuppressed = true
		r.metrics.disconnected(collectionInstances, disconnectSuppressed, len(candidates))

		return nil

	case r.target.Kind == TargetHost:
		r.logger.Warn("queueing targeted refresh, not enough information to fully disconnect instances",
			slog.String("instances", names),
		)

		// Fire and forget: the partial disconnect below applies now.
		if err := r.requeuer.QueueRefresh(ctx, r.ems.ID, requeueReason, candidates); err != nil {
			return fmt.Errorf("refresh: queueing targeted refresh: %w", err)
		}

		r.report.Requeued += len(candidates)
		r.metrics.requeued(len(candidates))

		r.logger.Info("partially disconnecting instances", slog.String("instances", names))

		if err := r.disconnectAll(ctx, candidates, (*inventory.Tx).DisconnectHost); err != nil {
			return err
		}

		r.report.PartiallyDisconnected += len(candidates)
		r.metrics.disconnected(collectionInstances, disconnectPartial, len(candidates))

		return nil

	default:
		r.logger.Info("disconnecting instances", slog.String("instances", names))

		if err := r.disconnectAll(ctx, candidates, (*inventory.Tx).Disconnect); err != nil {
			return err
		}

		r.report.Disconnected += len(candidates)
		r.metrics.disconnected(collectionInstances, disconnectFull, len(candidates))

		return nil
	}
}

func (r *run) disconnectAll(
	ctx context.Context,
	entities []*inventory.Entity,
	op func(*inventory.Tx, context.Context, int64) error,
) error {
	err := r.store.WithTx(ctx, func(tx *inventory.Tx) error {
		for _, e := range entities {
			if err := op(tx, ctx, e.ID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh: disconnecting instances: %w", err)
	}

	return nil
}
