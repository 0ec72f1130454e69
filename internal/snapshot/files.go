package snapshot

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DecodeFiles decodes several snapshot files in parallel and merges them in
// argument order, so a collector may split one provider's inventory across
// files (e.g. compute and storage).
func DecodeFiles(ctx context.Context, paths []string) (*Inventory, error) {
	parts := make([]*Inventory, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			inv, err := DecodeFile(p)
			if err != nil {
				return err
			}

			parts[i] = inv

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := NewInventory()
	for _, p := range parts {
		merged.Merge(p)
	}

	return merged, nil
}
