package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List providers and their last refresh",
		Args:  cobra.NoArgs,
		RunE:  runProviders,
	}
}

// providerJSON is the output form of a provider.
type providerJSON struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Type             string `json:"type,omitempty"`
	LastRefreshAt    int64  `json:"last_refresh_at,omitempty"`
	LastRefreshError string `json:"last_refresh_error,omitempty"`
}

func runProviders(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	store, err := openStore(cc)
	if err != nil {
		return err
	}
	defer store.Close()

	providers, err := store.ListProviders(cmd.Context())
	if err != nil {
		return err
	}

	out := make([]providerJSON, 0, len(providers))
	for _, p := range providers {
		out = append(out, providerJSON{
			ID:               p.ID,
			Name:             p.Name,
			Type:             p.Type,
			LastRefreshAt:    p.LastRefreshAt,
			LastRefreshError: p.LastRefreshError,
		})
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	if len(out) == 0 {
		cc.Statusf("No providers. Run 'emsrefresh refresh --ems NAME FILE' to add one.\n")
		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(out))

	for _, p := range out {
		rows = append(rows, []string{
			strconv.FormatInt(p.ID, 10), p.Name, p.Type, formatUnixNano(p.LastRefreshAt, now), p.LastRefreshError,
		})
	}

	printTable(cmd.OutOrStdout(), []string{"ID", "NAME", "TYPE", "LAST REFRESH", "ERROR"}, rows)

	return nil
}
