package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
)

// dataDirPermissions restricts the inventory directory to the owner.
const dataDirPermissions = 0o700

// openStore opens the configured inventory database, creating its directory
// on first use.
func openStore(cc *CLIContext) (*inventory.Store, error) {
	path := cc.Cfg.Store.DBPath

	if err := os.MkdirAll(filepath.Dir(path), dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating inventory directory: %w", err)
	}

	return inventory.Open(path, cc.Cfg.Store.BusyTimeoutDuration(), cc.Logger)
}

// providerID resolves an --ems name to its id. An empty name is 0, meaning
// every provider.
func providerID(ctx context.Context, store *inventory.Store, name string) (int64, error) {
	if name == "" {
		return 0, nil
	}

	p, err := store.GetProvider(ctx, name)
	if err != nil {
		return 0, err
	}

	return p.ID, nil
}
