package main

import (
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
)

type inventoryOptions struct {
	ems        string
	collection string
	all        bool
}

func newInventoryCmd() *cobra.Command {
	opts := &inventoryOptions{}

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "List inventory entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInventory(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ems, "ems", "", "only entities owned by this provider")
	cmd.Flags().StringVar(&opts.collection, "collection", "", "only this collection, e.g. instances")
	cmd.Flags().BoolVar(&opts.all, "all", false, "include disconnected entities")

	return cmd
}

func runInventory(cmd *cobra.Command, opts *inventoryOptions) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(cc)
	if err != nil {
		return err
	}
	defer store.Close()

	emsID, err := providerID(ctx, store, opts.ems)
	if err != nil {
		return err
	}

	entities, err := store.List(ctx, inventory.ListFilter{
		EMSID:               emsID,
		Collection:          opts.collection,
		IncludeDisconnected: opts.all,
	})
	if err != nil {
		return err
	}

	out := make([]entityJSON, 0, len(entities))
	for _, e := range entities {
		out = append(out, toEntityJSON(e))
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	if len(out) == 0 {
		cc.Statusf("No entities.\n")
		return nil
	}

	printEntities(cmd.OutOrStdout(), out)

	return nil
}

// entityJSON is the output form of an inventory entity.
type entityJSON struct {
	ID            int64              `json:"id"`
	Collection    string             `json:"collection"`
	Type          string             `json:"type,omitempty"`
	EMSID         int64              `json:"ems_id,omitempty"`
	EMSRef        string             `json:"ems_ref,omitempty"`
	UIDEMS        string             `json:"uid_ems,omitempty"`
	Name          string             `json:"name,omitempty"`
	RawPowerState string             `json:"raw_power_state,omitempty"`
	Disconnected  bool               `json:"disconnected,omitempty"`
	Attributes    map[string]any     `json:"attributes,omitempty"`
	Links         map[string][]int64 `json:"links,omitempty"`
}

func toEntityJSON(e *inventory.Entity) entityJSON {
	return entityJSON{
		ID:            e.ID,
		Collection:    e.Collection,
		Type:          e.Type,
		EMSID:         e.EMSID,
		EMSRef:        e.EMSRef,
		UIDEMS:        e.UIDEMS,
		Name:          e.Name,
		RawPowerState: e.RawPowerState,
		Disconnected:  e.Disconnected(),
		Attributes:    e.Attributes,
		Links:         e.Links,
	}
}

func printEntities(w io.Writer, entities []entityJSON) {
	rows := make([][]string, 0, len(entities))

	for _, e := range entities {
		state := "connected"
		if e.Disconnected {
			state = "disconnected"
		}

		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10), e.Collection, e.Type, e.EMSRef, e.Name, state, formatLinks(e.Links),
		})
	}

	printTable(w, []string{"ID", "COLLECTION", "TYPE", "EMS_REF", "NAME", "STATE", "LINKS"}, rows)
}

// formatLinks renders links as "relation=id,id" pairs sorted by relation.
func formatLinks(links map[string][]int64) string {
	relations := make([]string, 0, len(links))
	for r := range links {
		relations = append(relations, r)
	}

	sort.Strings(relations)

	parts := make([]string, 0, len(relations))

	for _, r := range relations {
		ids := make([]string, len(links[r]))
		for i, id := range links[r] {
			ids[i] = strconv.FormatInt(id, 10)
		}

		parts = append(parts, r+"="+strings.Join(ids, ","))
	}

	return strings.Join(parts, " ")
}
