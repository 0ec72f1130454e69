package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect targeted refreshes requested by host refreshes",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueClearCmd())

	return cmd
}

func newQueueListCmd() *cobra.Command {
	var ems string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending targeted refreshes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQueueList(cmd, ems)
		},
	}

	cmd.Flags().StringVar(&ems, "ems", "", "only this provider")

	return cmd
}

func newQueueClearCmd() *cobra.Command {
	var ems string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop pending targeted refreshes once they have been run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQueueClear(cmd, ems)
		},
	}

	cmd.Flags().StringVar(&ems, "ems", "", "only this provider")

	return cmd
}

// queueItemJSON is the output form of a queued refresh.
type queueItemJSON struct {
	ID         string `json:"id"`
	EMSID      int64  `json:"ems_id"`
	Collection string `json:"collection"`
	EntityID   int64  `json:"entity_id"`
	Reason     string `json:"reason"`
	QueuedAt   int64  `json:"queued_at"`
}

func runQueueList(cmd *cobra.Command, ems string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(cc)
	if err != nil {
		return err
	}
	defer store.Close()

	emsID, err := providerID(ctx, store, ems)
	if err != nil {
		return err
	}

	items, err := store.ListQueue(ctx, emsID)
	if err != nil {
		return err
	}

	out := make([]queueItemJSON, 0, len(items))
	for _, it := range items {
		out = append(out, queueItemJSON(it))
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	if len(out) == 0 {
		cc.Statusf("No queued refreshes.\n")
		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(out))

	for _, it := range out {
		rows = append(rows, []string{
			strconv.FormatInt(it.EMSID, 10), it.Collection, strconv.FormatInt(it.EntityID, 10),
			formatUnixNano(it.QueuedAt, now), it.Reason,
		})
	}

	printTable(cmd.OutOrStdout(), []string{"EMS", "COLLECTION", "ENTITY", "QUEUED", "REASON"}, rows)

	return nil
}

func runQueueClear(cmd *cobra.Command, ems string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(cc)
	if err != nil {
		return err
	}
	defer store.Close()

	emsID, err := providerID(ctx, store, ems)
	if err != nil {
		return err
	}

	n, err := store.ClearQueue(ctx, emsID)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), map[string]int64{"cleared": n})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d queued refreshes.\n", n)

	return nil
}
